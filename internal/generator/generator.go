// Package generator is the boundary to the external text generation service.
// A Generator streams one completion, reporting deltas as they arrive.
package generator

import (
	"context"
	"errors"
)

// ErrEmptyCompletion is returned when the service finished without text.
var ErrEmptyCompletion = errors.New("generation returned no content")

// Request is one completion call.
type Request struct {
	Stage       string
	Model       string
	APIKey      string
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
}

// Result is the final payload of a completion.
type Result struct {
	Content      string `json:"content"`
	Chars        int    `json:"chars"`
	FinishReason string `json:"finish_reason,omitempty"`
	// Truncated is set when the service stopped at the token limit.
	Truncated bool `json:"truncated"`
}

// DeltaFunc receives each text delta and the running character count. A
// non-nil return aborts the stream with that error.
type DeltaFunc func(delta string, total int) error

// Generator streams a completion.
type Generator interface {
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Result, error)
}
