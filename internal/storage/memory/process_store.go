package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

// DefaultScanLogCap is how many scan logs are kept per process.
const DefaultScanLogCap = 200

// ProcessStore provides an in-memory monitor.Store for development and tests.
// Records handed in or out are deep copies.
type ProcessStore struct {
	mu       sync.RWMutex
	records  map[string]monitor.ProcessRecord
	trash    map[string]monitor.ProcessRecord
	scanLogs map[string][]monitor.ScanLog
	logCap   int
}

// ProcessStoreOption customizes a ProcessStore.
type ProcessStoreOption func(*ProcessStore)

// WithScanLogCap keeps only the newest n scan logs per process. Non-positive
// values fall back to DefaultScanLogCap.
func WithScanLogCap(n int) ProcessStoreOption {
	return func(s *ProcessStore) {
		if n > 0 {
			s.logCap = n
		}
	}
}

// NewProcessStore constructs an empty ProcessStore.
func NewProcessStore(opts ...ProcessStoreOption) *ProcessStore {
	s := &ProcessStore{
		records:  make(map[string]monitor.ProcessRecord),
		trash:    make(map[string]monitor.ProcessRecord),
		scanLogs: make(map[string][]monitor.ScanLog),
		logCap:   DefaultScanLogCap,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListRecords returns every live record ordered by creation time.
func (s *ProcessStore) ListRecords(_ context.Context) ([]monitor.ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(monitor.ProcessRecord) bool { return true }), nil
}

// ListLinkedRecords returns live records that have a link.
func (s *ProcessStore) ListLinkedRecords(_ context.Context) ([]monitor.ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(monitor.ProcessRecord.HasLink), nil
}

func (s *ProcessStore) sorted(keep func(monitor.ProcessRecord) bool) []monitor.ProcessRecord {
	out := make([]monitor.ProcessRecord, 0, len(s.records))
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetRecord fetches a record by ID.
func (s *ProcessStore) GetRecord(_ context.Context, id string) (monitor.ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return monitor.ProcessRecord{}, monitor.ErrNotFound
	}
	return rec.Clone(), nil
}

// CreateRecord stores a new record.
func (s *ProcessStore) CreateRecord(_ context.Context, rec monitor.ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	if _, exists := s.trash[rec.ID]; exists {
		return fmt.Errorf("record %s already exists in trash", rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// UpdateRecord applies a partial update atomically.
func (s *ProcessStore) UpdateRecord(_ context.Context, id string, update monitor.RecordUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return monitor.ErrNotFound
	}
	update.Apply(&rec)
	s.records[id] = rec
	return nil
}

// DeleteRecord moves a record to the trash.
func (s *ProcessStore) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return monitor.ErrNotFound
	}
	delete(s.records, id)
	s.trash[id] = rec
	return nil
}

// Trashed returns a trashed record, for inspection in tests and tooling.
func (s *ProcessStore) Trashed(id string) (monitor.ProcessRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.trash[id]
	if !ok {
		return monitor.ProcessRecord{}, false
	}
	return rec.Clone(), true
}

// AppendScanLog records one scan attempt. Once a process holds logCap rows
// the oldest one is dropped.
func (s *ProcessStore) AppendScanLog(_ context.Context, entry monitor.ScanLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := append(s.scanLogs[entry.ProcessID], entry)
	if over := len(logs) - s.logCap; over > 0 {
		logs = append(logs[:0:0], logs[over:]...)
	}
	s.scanLogs[entry.ProcessID] = logs
	return nil
}

// ListScanLogs returns the newest scan logs for a process, newest first. A
// non-positive limit returns all of them.
func (s *ProcessStore) ListScanLogs(_ context.Context, processID string, limit int) ([]monitor.ScanLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.scanLogs[processID]
	n := len(logs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]monitor.ScanLog, 0, n)
	for i := len(logs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, logs[i])
	}
	return out, nil
}
