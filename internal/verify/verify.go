// Package verify runs the read-only post-load checks against the alias the
// loader writes to.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/i474232898/weather-etl/internal/elastic"
)

const (
	topN         = 5
	aggByProv    = "by_provider"
	aggAvgTemp   = "avg_temp"
	healthRed    = "red"
	timestampKey = "timestamp"
)

var (
	ErrClusterRed     = errors.New("cluster health is red")
	ErrNoDocuments    = errors.New("no documents visible on target")
	ErrMissingAggs    = errors.New("aggregation result missing")
	errBadAggregation = errors.New("aggregation result malformed")
)

// Store is the read side of the target store.
type Store interface {
	Health(ctx context.Context) (elastic.Health, error)
	Count(ctx context.Context, target string) (int64, error)
	Search(ctx context.Context, target string, query any) (elastic.SearchResponse, error)
}

// Bucket is one terms-aggregation bucket.
type Bucket struct {
	Key      string `json:"key"`
	DocCount int64  `json:"doc_count"`
}

// Report is what Check observed.
type Report struct {
	Target          string            `json:"target"`
	Health          string            `json:"health"`
	Count           int64             `json:"count"`
	Latest          []json.RawMessage `json:"latest"`
	ByProvider      []Bucket          `json:"by_provider"`
	AvgTemperature  *float64          `json:"avg_temperature"`
	NumberOfNodes   int               `json:"number_of_nodes"`
	ActiveShards    int               `json:"active_shards"`
	LatestTimestamp string            `json:"latest_timestamp,omitempty"`
}

type Verifier struct {
	store  Store
	target string
}

func New(store Store, target string) *Verifier {
	return &Verifier{store: store, target: target}
}

// Check queries health, count, the newest documents and the per-provider
// aggregation. The report is returned even when a check fails.
func (v *Verifier) Check(ctx context.Context) (Report, error) {
	rep := Report{Target: v.target}
	log := zap.L().With(zap.String("target", v.target))

	h, err := v.store.Health(ctx)
	if err != nil {
		return rep, fmt.Errorf("verify health: %w", err)
	}
	rep.Health = h.Status
	rep.NumberOfNodes = h.NumberOfNodes
	rep.ActiveShards = h.ActiveShards
	if h.Status == healthRed {
		return rep, ErrClusterRed
	}

	rep.Count, err = v.store.Count(ctx, v.target)
	if err != nil {
		return rep, fmt.Errorf("verify count: %w", err)
	}
	if rep.Count == 0 {
		return rep, ErrNoDocuments
	}

	latest, err := v.store.Search(ctx, v.target, map[string]any{
		"size": topN,
		"sort": []any{map[string]any{timestampKey: map[string]any{"order": "desc"}}},
	})
	if err != nil {
		return rep, fmt.Errorf("verify latest: %w", err)
	}
	for _, hit := range latest.Hits.Hits {
		rep.Latest = append(rep.Latest, hit.Source)
	}
	if len(latest.Hits.Hits) > 0 {
		var doc struct {
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(latest.Hits.Hits[0].Source, &doc); err == nil {
			rep.LatestTimestamp = doc.Timestamp
		}
	}

	aggs, err := v.store.Search(ctx, v.target, map[string]any{
		"size": 0,
		"aggs": map[string]any{
			aggByProv:  map[string]any{"terms": map[string]any{"field": "provider"}},
			aggAvgTemp: map[string]any{"avg": map[string]any{"field": "temperature"}},
		},
	})
	if err != nil {
		return rep, fmt.Errorf("verify aggregation: %w", err)
	}
	if err := decodeAggs(aggs.Aggregations, &rep); err != nil {
		return rep, err
	}

	log.Info("verification passed",
		zap.String("health", rep.Health),
		zap.Int64("count", rep.Count),
		zap.Int("providers", len(rep.ByProvider)),
		zap.String("latest_timestamp", rep.LatestTimestamp),
	)
	return rep, nil
}

func decodeAggs(aggs map[string]json.RawMessage, rep *Report) error {
	rawTerms, ok := aggs[aggByProv]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingAggs, aggByProv)
	}
	var terms struct {
		Buckets []struct {
			Key      any   `json:"key"`
			DocCount int64 `json:"doc_count"`
		} `json:"buckets"`
	}
	if err := json.Unmarshal(rawTerms, &terms); err != nil {
		return fmt.Errorf("%w: %v", errBadAggregation, err)
	}
	for _, b := range terms.Buckets {
		rep.ByProvider = append(rep.ByProvider, Bucket{Key: fmt.Sprint(b.Key), DocCount: b.DocCount})
	}

	if rawAvg, ok := aggs[aggAvgTemp]; ok {
		var avg struct {
			Value *float64 `json:"value"`
		}
		if err := json.Unmarshal(rawAvg, &avg); err != nil {
			return fmt.Errorf("%w: %v", errBadAggregation, err)
		}
		rep.AvgTemperature = avg.Value
	}
	return nil
}
