package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// MemoryStore is an in-memory Archive and History.
type MemoryStore struct {
	window int

	mu         sync.RWMutex
	executions map[string][]byte
	order      []string
	timings    map[string][]time.Duration
}

var (
	_ Archive = (*MemoryStore)(nil)
	_ History = (*MemoryStore)(nil)
)

// NewMemoryStore creates a store averaging the last window samples per
// capability. A non-positive window selects DefaultHistoryWindow.
func NewMemoryStore(window int) *MemoryStore {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &MemoryStore{
		window:     window,
		executions: make(map[string][]byte),
		timings:    make(map[string][]time.Duration),
	}
}

// SaveExecution stores an encoded copy of rec, so later mutation of rec does
// not leak into the archive.
func (s *MemoryStore) SaveExecution(_ context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("save execution: record id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.executions[rec.ID] = data
	return nil
}

// GetExecution retrieves an execution by id.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	s.mu.RLock()
	data, ok := s.executions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var rec ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	return &rec, nil
}

// ListExecutions returns the newest executions first.
func (s *MemoryStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.order...)
	s.mu.RUnlock()

	var out []*ExecutionRecord
	for i := len(ids) - 1; i >= 0; i-- {
		rec, err := s.GetExecution(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		if workflowID != "" && rec.WorkflowID != workflowID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// RecordTiming appends a sample, keeping only the most recent window.
func (s *MemoryStore) RecordTiming(_ context.Context, capability string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := append(s.timings[capability], d)
	if len(samples) > s.window {
		samples = samples[len(samples)-s.window:]
	}
	s.timings[capability] = samples
	return nil
}

// Averages returns the mean recent duration per capability.
func (s *MemoryStore) Averages(_ context.Context) (map[string]time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Duration, len(s.timings))
	for capability, samples := range s.timings {
		if len(samples) == 0 {
			continue
		}
		var total time.Duration
		for _, d := range samples {
			total += d
		}
		out[capability] = total / time.Duration(len(samples))
	}
	return out, nil
}

// Capabilities lists capabilities with recorded samples, sorted.
func (s *MemoryStore) Capabilities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.timings))
	for capability := range s.timings {
		out = append(out, capability)
	}
	sort.Strings(out)
	return out
}
