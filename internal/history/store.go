package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"lessonforge/internal/classifier"
)

// ErrNotFound is returned for unknown batch IDs
var ErrNotFound = errors.New("batch record not found")

// ItemRecord is the state of one task of a batch
type ItemRecord struct {
	TaskNumber int                         `json:"taskNumber"`
	Status     string                      `json:"status"`
	Chars      int                         `json:"chars"`
	Attempts   int                         `json:"attempts"`
	Filename   string                      `json:"filename,omitempty"`
	URL        string                      `json:"url,omitempty"`
	Key        string                      `json:"key,omitempty"`
	Truncated  bool                        `json:"truncated,omitempty"`
	Error      *classifier.StructuredError `json:"error,omitempty"`
	StartedAt  *time.Time                  `json:"startedAt,omitempty"`
	EndedAt    *time.Time                  `json:"endedAt,omitempty"`
}

// Record is a batch as kept in history
type Record struct {
	ID          string       `json:"batchId"`
	Status      string       `json:"status"`
	TotalTasks  int          `json:"totalTasks"`
	StartNumber int          `json:"startNumber"`
	EndNumber   int          `json:"endNumber"`
	Concurrency int          `json:"concurrency"`
	Completed   int          `json:"completed"`
	Failed      int          `json:"failed"`
	Stopped     bool         `json:"stopped"`
	Model       string       `json:"model,omitempty"`
	Template    string       `json:"template,omitempty"`
	OutputPath  string       `json:"outputPath,omitempty"`
	Items       []ItemRecord `json:"items,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// Finished reports whether the batch has halted
func (r Record) Finished() bool {
	return r.CompletedAt != nil
}

// Filter narrows List results
type Filter struct {
	Since  time.Time
	Status string
	Limit  int
}

// Store keeps batch records
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
	logger  *slog.Logger
}

// NewMemoryStore creates an empty store. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time, logger *slog.Logger) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		records: make(map[string]Record),
		now:     now,
		logger:  logger.With(slog.String("component", "history")),
	}
}

// Save creates or replaces a record
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("save batch record: empty id")
	}
	rec.Items = copyItems(rec.Items)
	rec.UpdatedAt = s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

// Get returns a copy of a record
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.Items = copyItems(rec.Items)
	return rec, nil
}

// List returns the records matching filter, newest first. Items are omitted.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.RLock()
	result := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && rec.CreatedAt.Before(filter.Since) {
			continue
		}
		rec.Items = nil
		result = append(result, rec)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Cleanup removes finished records created more than olderThan ago
func (s *MemoryStore) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	deleted := 0
	for id, rec := range s.records {
		if rec.Finished() && rec.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}
	s.mu.Unlock()

	if deleted > 0 {
		s.logger.Info("history_cleaned_up", slog.Int("count", deleted))
	}
	return deleted, nil
}

// Len returns the number of records held
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func copyItems(items []ItemRecord) []ItemRecord {
	if items == nil {
		return nil
	}
	out := make([]ItemRecord, len(items))
	copy(out, items)
	return out
}
