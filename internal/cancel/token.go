// Package cancel provides the cancellation token shared by every stage of a
// run. One token is created per top-level run (a single lesson or a whole
// batch) and passed down explicitly; stages poll it around every suspension
// point.
package cancel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCancelled is the deterministic failure a stage reports once it observes
// a cancelled token.
var ErrCancelled = errors.New("operation cancelled")

// Token is a cooperative cancellation handle. The zero value is not usable;
// create tokens with New.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string
	at     time.Time
}

// New returns a token whose context derives from parent. Values carried by
// parent (trace IDs) are kept; a nil parent means context.Background.
func New(parent context.Context) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel marks the token cancelled. Only the first call records its reason.
func (t *Token) Cancel(reason string) {
	t.mu.Lock()
	if t.at.IsZero() {
		t.reason = reason
		t.at = time.Now()
	}
	t.mu.Unlock()
	t.cancel()
}

// IsCancelled reports whether the token (or its parent) has been cancelled.
func (t *Token) IsCancelled() bool {
	return t.ctx.Err() != nil
}

// Check returns ErrCancelled when the token is cancelled, nil otherwise.
func (t *Token) Check() error {
	if t.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

// Done is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns a context cancelled together with the token, for racing
// blocking calls against it.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Reason returns the reason passed to the first Cancel call.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Sleep waits for d or until the token is cancelled, whichever comes first.
// It returns ErrCancelled if the token was cancelled before or during the wait.
func (t *Token) Sleep(d time.Duration) error {
	if err := t.Check(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return t.Check()
	case <-t.ctx.Done():
		return ErrCancelled
	}
}

// IsCancellation reports whether err stems from a token or context
// cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
