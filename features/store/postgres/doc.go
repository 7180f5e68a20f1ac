// Package postgres implements the store.Store port on PostgreSQL via the bun
// ORM. Uniqueness invariants map onto unique indexes, node version bumps are
// assigned inside the insert statement so concurrent bumps never collide, and
// transactions use bun's RunInTx with a tx-scoped store handed to the
// callback.
package postgres
