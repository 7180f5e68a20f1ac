package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"goa.design/loom/runtime/store"
)

// ListInvocations implements store.Store. The page rows, the total count and
// the aggregates all come out of one $facet pass over the filtered set.
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipeline := mongodriver.Pipeline{}
	if match := filtersToMatch(q.Filters); len(match) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: match}})
	}
	if q.SortBy == store.SortDuration {
		pipeline = append(pipeline, bson.D{{Key: "$addFields", Value: bson.M{
			"duration_ms": bson.M{"$subtract": bson.A{"$end_time", "$start_time"}},
		}}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$facet", Value: bson.M{
		"rows": bson.A{
			bson.M{"$sort": sortSpec(q)},
			bson.M{"$skip": int64((page - 1) * size)},
			bson.M{"$limit": int64(size)},
		},
		"total": bson.A{bson.M{"$count": "count"}},
		"aggregates": bson.A{bson.M{"$group": bson.M{
			"_id":          nil,
			"total_spent":  bson.M{"$sum": "$usd_cost"},
			"avg_accuracy": bson.M{"$avg": "$accuracy"},
			"failed": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", string(store.StatusFailed)}}, 1, 0,
			}}},
		}}},
	}}})

	cur, err := s.db.Collection(collInvocations).Aggregate(ctx, pipeline)
	if err != nil {
		return store.ListPage{}, store.WrapErr(store.KindBackend, op, err)
	}
	var results []struct {
		Rows  []invocationDoc `bson:"rows"`
		Total []struct {
			Count int `bson:"count"`
		} `bson:"total"`
		Aggregates []struct {
			TotalSpent  float64  `bson:"total_spent"`
			AvgAccuracy *float64 `bson:"avg_accuracy"`
			Failed      int      `bson:"failed"`
		} `bson:"aggregates"`
	}
	if err := cur.All(ctx, &results); err != nil {
		return store.ListPage{}, store.WrapErr(store.KindBackend, op, err)
	}
	out := store.ListPage{Invocations: []store.Invocation{}}
	if len(results) == 0 {
		return out, nil
	}
	res := results[0]
	for _, doc := range res.Rows {
		inv, err := fromInvocationDoc(doc)
		if err != nil {
			return store.ListPage{}, store.WrapErr(store.KindBackend, op, err)
		}
		out.Invocations = append(out.Invocations, inv)
	}
	if len(res.Total) > 0 {
		out.TotalCount = res.Total[0].Count
	}
	if len(res.Aggregates) > 0 {
		agg := res.Aggregates[0]
		out.Aggregates.TotalSpentUSD = agg.TotalSpent
		out.Aggregates.FailedCount = agg.Failed
		if agg.AvgAccuracy != nil {
			out.Aggregates.AvgAccuracy = *agg.AvgAccuracy
		}
	}
	return out, nil
}

func filtersToMatch(f store.ListFilters) bson.M {
	match := bson.M{}
	if f.Status != nil {
		match["status"] = string(*f.Status)
	}
	if f.MinCost != nil || f.MaxCost != nil {
		cost := bson.M{}
		if f.MinCost != nil {
			cost["$gte"] = *f.MinCost
		}
		if f.MaxCost != nil {
			cost["$lte"] = *f.MaxCost
		}
		match["usd_cost"] = cost
	}
	// Range operators only match numeric values, so rows without an accuracy
	// or fitness never satisfy these filters.
	if f.MinAccuracy != nil || f.MaxAccuracy != nil {
		acc := bson.M{}
		if f.MinAccuracy != nil {
			acc["$gte"] = *f.MinAccuracy
		}
		if f.MaxAccuracy != nil {
			acc["$lte"] = *f.MaxAccuracy
		}
		match["accuracy"] = acc
	}
	if f.MinFitness != nil || f.MaxFitness != nil {
		fit := bson.M{}
		if f.MinFitness != nil {
			fit["$gte"] = *f.MinFitness
		}
		if f.MaxFitness != nil {
			fit["$lte"] = *f.MaxFitness
		}
		match["fitness_score"] = fit
	}
	if f.DateFrom != nil || f.DateTo != nil {
		window := bson.M{}
		if f.DateFrom != nil {
			window["$gte"] = *f.DateFrom
		}
		if f.DateTo != nil {
			window["$lte"] = *f.DateTo
		}
		match["start_time"] = window
	}
	if f.RunID != "" {
		match["run_id"] = f.RunID
	}
	if f.GenerationID != "" {
		match["generation_id"] = f.GenerationID
	}
	if f.VersionID != "" {
		match["version_id"] = f.VersionID
	}
	return match
}

func sortSpec(q store.ListQuery) bson.D {
	dir := 1
	if q.SortBy == "" || q.SortDesc {
		dir = -1
	}
	field := "start_time"
	switch q.SortBy {
	case store.SortUSDCost:
		field = "usd_cost"
	case store.SortStatus:
		field = "status"
	case store.SortFitness:
		field = "fitness_score"
	case store.SortAccuracy:
		field = "accuracy"
	case store.SortDuration:
		field = "duration_ms"
	}
	spec := bson.D{{Key: field, Value: dir}}
	if field != "start_time" {
		spec = append(spec, bson.E{Key: "start_time", Value: dir})
	}
	return append(spec, bson.E{Key: "_id", Value: dir})
}
