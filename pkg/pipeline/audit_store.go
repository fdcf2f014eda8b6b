package pipeline

import (
	"context"
	"sync"
	"time"
)

// Audit record statuses.
const (
	AuditStatusSuccess = "success"
	AuditStatusFailure = "failure"
)

// AuditRecord describes one completion attempt of one step.
type AuditRecord struct {
	RunID      string    `json:"run_id"`
	StepIndex  int       `json:"step_index"`
	Role       string    `json:"role"`
	Model      string    `json:"model"`
	Attempt    int       `json:"attempt"`
	Status     string    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// AuditStore persists attempt records.
type AuditStore interface {
	Record(ctx context.Context, record AuditRecord) error
	List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
}

// AuditFilter limits audit queries.
type AuditFilter struct {
	RunID  string
	Role   string
	Status string
	Limit  int
}

// MemoryAuditStore keeps audit records in memory. When maxRecords is positive
// the oldest records are dropped once it is exceeded.
type MemoryAuditStore struct {
	mu         sync.Mutex
	records    []AuditRecord
	maxRecords int
}

// NewMemoryAuditStore returns an in-memory audit store holding at most
// maxRecords records (0 means unbounded).
func NewMemoryAuditStore(maxRecords int) *MemoryAuditStore {
	return &MemoryAuditStore{maxRecords: maxRecords}
}

// Record appends an audit record.
func (s *MemoryAuditStore) Record(_ context.Context, record AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, normalizeRecord(record))
	if s.maxRecords > 0 && len(s.records) > s.maxRecords {
		s.records = append([]AuditRecord(nil), s.records[len(s.records)-s.maxRecords:]...)
	}
	return nil
}

// List returns filtered records in insertion order.
func (s *MemoryAuditStore) List(_ context.Context, filter AuditFilter) ([]AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.RunID != "" && rec.RunID != filter.RunID {
			continue
		}
		if filter.Role != "" && rec.Role != filter.Role {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func normalizeRecord(rec AuditRecord) AuditRecord {
	rec.StartedAt = normalizeAuditTime(rec.StartedAt)
	rec.FinishedAt = normalizeAuditTime(rec.FinishedAt)
	return rec
}

// normalizeAuditTime ensures timestamps are in UTC.
func normalizeAuditTime(value time.Time) time.Time {
	if value.IsZero() {
		return value
	}
	return value.UTC()
}
