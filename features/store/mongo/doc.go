// Package mongo implements the store.Store port on MongoDB. Each record type
// lives in its own collection; uniqueness invariants (message ids, the
// (invocation, seq) slot, node version bumps) are enforced with unique
// indexes, and listings run as a single $facet aggregation so the page, the
// total count and the aggregates come from one filtered pass.
package mongo
