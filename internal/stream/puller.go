package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lessonforge/internal/staging"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollAttempts = 30
)

// ErrPollExhausted is returned when nothing was staged within the poll bound.
var ErrPollExhausted = errors.New("staged content not available after polling")

// Fetcher reads staged content by key. It returns staging.ErrNotFound (possibly
// wrapped) when the key holds nothing yet.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (staging.Entry, error)
}

// Puller retrieves a run's final result after its stream has ended.
type Puller struct {
	Fetcher  Fetcher
	Interval time.Duration
	Attempts int
	Logger   *slog.Logger
}

// NewPuller returns a Puller with the default bound of 30 polls, 2s apart.
func NewPuller(f Fetcher) *Puller {
	return &Puller{Fetcher: f, Interval: DefaultPollInterval, Attempts: DefaultPollAttempts}
}

// Pull fetches key. When sawComplete is true the content must already be
// staged and a single fetch is made. Otherwise the store is polled until the
// content appears, the attempts run out, or ctx is done.
func (p *Puller) Pull(ctx context.Context, key string, sawComplete bool) (staging.Entry, error) {
	if sawComplete {
		entry, err := p.Fetcher.Fetch(ctx, key)
		if err != nil {
			return staging.Entry{}, fmt.Errorf("pull %s: %w", key, err)
		}
		return entry, nil
	}
	return p.poll(ctx, key)
}

func (p *Puller) poll(ctx context.Context, key string) (staging.Entry, error) {
	attempts, interval := p.Attempts, p.Interval
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		entry, err := p.Fetcher.Fetch(ctx, key)
		if err == nil {
			logger.DebugContext(ctx, "staging_poll_hit",
				slog.String("key", key),
				slog.Int("attempt", attempt))
			return entry, nil
		}
		if !errors.Is(err, staging.ErrNotFound) {
			lastErr = err
			logger.WarnContext(ctx, "staging_poll_failed",
				slog.String("key", key),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		}

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return staging.Entry{}, ctx.Err()
		}
	}

	if lastErr != nil {
		return staging.Entry{}, fmt.Errorf("%w: %s after %d attempts (last error: %v)", ErrPollExhausted, key, attempts, lastErr)
	}
	return staging.Entry{}, fmt.Errorf("%w: %s after %d attempts", ErrPollExhausted, key, attempts)
}
