package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/weather-etl/internal/pipeline"
)

var (
	// ErrNotFound is returned when the ledger has no steps for a run.
	ErrNotFound = errors.New("no ledger entries for run")
)

// MemoryStore is a concurrency-safe in-memory run ledger.
type MemoryStore struct {
	mu sync.RWMutex

	// key: step record id
	data map[string]pipeline.StepRecord
	// record ids in insertion order
	order []string

	// retention configuration
	maxHistory int           // max number of step records kept
	maxAge     time.Duration // optional max age by start time
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]pipeline.StepRecord),
		maxHistory: maxHistory,
		maxAge:     maxAge,
	}
}

// SaveStep inserts or replaces a record and enforces retention.
func (s *MemoryStore) SaveStep(_ context.Context, rec pipeline.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.data[rec.ID] = rec

	// Enforce retention by count.
	if s.maxHistory > 0 && len(s.order) > s.maxHistory {
		over := len(s.order) - s.maxHistory
		for _, id := range s.order[:over] {
			delete(s.data, id)
		}
		s.order = s.order[over:]
	}

	// Enforce retention by age.
	if s.maxAge > 0 {
		cutoff := time.Now().Add(-s.maxAge)
		i := 0
		for ; i < len(s.order); i++ {
			if !s.data[s.order[i]].StartedAt.Before(cutoff) {
				break
			}
			delete(s.data, s.order[i])
		}
		s.order = s.order[i:]
	}
	return nil
}

// RunSteps returns all records of a run ordered by start time.
func (s *MemoryStore) RunSteps(_ context.Context, runKey string) ([]pipeline.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []pipeline.StepRecord
	for _, id := range s.order {
		if rec := s.data[id]; rec.RunKey == runKey {
			result = append(result, rec)
		}
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// RecentSteps returns up to limit records, newest first.
func (s *MemoryStore) RecentSteps(_ context.Context, limit int) ([]pipeline.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]pipeline.StepRecord, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, s.data[s.order[i]])
	}
	return result, nil
}
