package postgres

import (
	"context"

	"github.com/uptrace/bun"

	"goa.design/loom/runtime/store"
)

// ListInvocations implements store.Store. The rows and the total count come
// from one ScanAndCount; the aggregates run as a second select over the same
// filtered set.
func (s *Store) ListInvocations(ctx context.Context, q store.ListQuery) (store.ListPage, error) {
	const op = "list_invocations"
	page, size := q.Page, q.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = store.DefaultPageSize
	}
	if size > store.MaxPageSize {
		size = store.MaxPageSize
	}

	var rows []invocationRow
	sel := s.db.NewSelect().Model(&rows)
	sel = applyFilters(sel, q.Filters)
	sel = applySort(sel, q)
	sel = sel.Limit(size).Offset((page - 1) * size)
	total, err := sel.ScanAndCount(ctx)
	if err != nil {
		return store.ListPage{}, store.WrapErr(store.KindBackend, op, err)
	}

	out := store.ListPage{Invocations: []store.Invocation{}, TotalCount: total}
	for _, row := range rows {
		inv, err := fromInvocationRow(row)
		if err != nil {
			return store.ListPage{}, store.WrapErr(store.KindBackend, op, err)
		}
		out.Invocations = append(out.Invocations, inv)
	}

	var totalSpent float64
	var avgAccuracy *float64
	var failed int
	agg := s.db.NewSelect().Model((*invocationRow)(nil)).
		ColumnExpr("COALESCE(SUM(usd_cost), 0)").
		ColumnExpr("AVG(accuracy)").
		ColumnExpr("COUNT(*) FILTER (WHERE status = ?)", string(store.StatusFailed))
	agg = applyFilters(agg, q.Filters)
	if err := agg.Scan(ctx, &totalSpent, &avgAccuracy, &failed); err != nil {
		return store.ListPage{}, store.WrapErr(store.KindBackend, op, err)
	}
	out.Aggregates.TotalSpentUSD = totalSpent
	out.Aggregates.FailedCount = failed
	if avgAccuracy != nil {
		out.Aggregates.AvgAccuracy = *avgAccuracy
	}
	return out, nil
}

func applyFilters(q *bun.SelectQuery, f store.ListFilters) *bun.SelectQuery {
	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}
	if f.MinCost != nil {
		q = q.Where("usd_cost >= ?", *f.MinCost)
	}
	if f.MaxCost != nil {
		q = q.Where("usd_cost <= ?", *f.MaxCost)
	}
	// Accuracy and fitness comparisons are NULL for rows without a value, so
	// those rows never match.
	if f.MinAccuracy != nil {
		q = q.Where("accuracy >= ?", *f.MinAccuracy)
	}
	if f.MaxAccuracy != nil {
		q = q.Where("accuracy <= ?", *f.MaxAccuracy)
	}
	if f.MinFitness != nil {
		q = q.Where("fitness_score >= ?", *f.MinFitness)
	}
	if f.MaxFitness != nil {
		q = q.Where("fitness_score <= ?", *f.MaxFitness)
	}
	if f.DateFrom != nil {
		q = q.Where("start_time >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("start_time <= ?", *f.DateTo)
	}
	if f.RunID != "" {
		q = q.Where("run_id = ?", f.RunID)
	}
	if f.GenerationID != "" {
		q = q.Where("generation_id = ?", f.GenerationID)
	}
	if f.VersionID != "" {
		q = q.Where("version_id = ?", f.VersionID)
	}
	return q
}

func applySort(q *bun.SelectQuery, lq store.ListQuery) *bun.SelectQuery {
	desc := lq.SortBy == "" || lq.SortDesc
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	// Rows without a value sort ahead of any present value ascending, which
	// mirrors the reference backend's ordering of optional fields.
	nulls := " NULLS FIRST"
	if desc {
		nulls = " NULLS LAST"
	}
	switch lq.SortBy {
	case store.SortUSDCost:
		q = q.OrderExpr("usd_cost " + dir)
	case store.SortStatus:
		q = q.OrderExpr("status " + dir)
	case store.SortFitness:
		q = q.OrderExpr("fitness_score " + dir + nulls)
	case store.SortAccuracy:
		q = q.OrderExpr("accuracy " + dir + nulls)
	case store.SortDuration:
		q = q.OrderExpr("(end_time - start_time) " + dir + nulls)
	default:
		return q.OrderExpr("start_time " + dir).OrderExpr("id " + dir)
	}
	return q.OrderExpr("start_time " + dir).OrderExpr("id " + dir)
}
