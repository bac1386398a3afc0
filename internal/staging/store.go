// Package staging holds finished generation output for a short time so a
// caller that lost its progress stream can still fetch the result.
package staging

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultCapacity      = 500
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// ErrNotFound is returned by Get for unknown or expired keys.
var ErrNotFound = errors.New("staged content not found")

// Entry is one staged value. Entries are never mutated after Put.
type Entry struct {
	Key       string                 `json:"key"`
	Content   string                 `json:"content"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Options configure a Store. Zero values fall back to the defaults.
type Options struct {
	Capacity      int
	TTL           time.Duration
	SweepInterval time.Duration
	// Now is the clock used for timestamps and expiry.
	Now func() time.Time
	// OnRemove is called outside the lock with the reason ("evicted" or
	// "expired") and number of entries removed.
	OnRemove func(reason string, n int)
	Logger   *slog.Logger
}

// Store is a bounded, expiring key/value store. Capacity eviction is strictly
// FIFO by insertion order; reads never affect it.
type Store struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest insertion

	capacity      int
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	onRemove      func(reason string, n int)
	logger        *slog.Logger
}

// NewStore creates an empty store. Call Run to start the background sweep.
func NewStore(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Store{
		entries:       make(map[string]*list.Element),
		order:         list.New(),
		capacity:      opts.Capacity,
		ttl:           opts.TTL,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		onRemove:      opts.OnRemove,
		logger:        opts.Logger.With(slog.String("component", "staging")),
	}
}

// Put stores content under key, replacing any previous value. A replaced key
// counts as a fresh insertion. When the store is full the oldest entry is
// evicted first.
func (s *Store) Put(key, content string, meta map[string]interface{}) {
	entry := &Entry{
		Key:       key,
		Content:   content,
		Meta:      copyMeta(meta),
		CreatedAt: s.now(),
	}

	evicted := 0
	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		s.order.Remove(el)
		delete(s.entries, key)
	}
	for s.order.Len() >= s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*Entry).Key)
		evicted++
	}
	s.entries[key] = s.order.PushBack(entry)
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.Debug("staging_evicted", slog.String("inserted", key), slog.Int("count", evicted))
		s.notify("evicted", evicted)
	}
}

// Get returns the entry stored under key. It is safe to call repeatedly.
func (s *Store) Get(key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	entry := el.Value.(*Entry)
	if s.expired(entry) {
		return Entry{}, ErrNotFound
	}

	out := *entry
	out.Meta = copyMeta(entry.Meta)
	return out, nil
}

// Len returns the number of entries held, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Sweep removes every entry older than the TTL and returns how many went.
func (s *Store) Sweep() int {
	removed := 0
	s.mu.Lock()
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*Entry)
		if s.expired(entry) {
			s.order.Remove(el)
			delete(s.entries, entry.Key)
			removed++
		}
		el = next
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("staging_swept", slog.Int("removed", removed))
		s.notify("expired", removed)
	}
	return removed
}

// Run sweeps on the configured interval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Store) expired(e *Entry) bool {
	return s.now().Sub(e.CreatedAt) >= s.ttl
}

func (s *Store) notify(reason string, n int) {
	if s.onRemove != nil {
		s.onRemove(reason, n)
	}
}

func copyMeta(meta map[string]interface{}) map[string]interface{} {
	if meta == nil {
		return nil
	}
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
