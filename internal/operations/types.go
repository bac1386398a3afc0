package operations

import (
	"time"

	"lessonforge/internal/classifier"
	"lessonforge/internal/uploader"
)

// Stage identifiers. primary feeds the four derived stages; a batch unit has
// the single generate stage.
const (
	StagePrimary  = "primary"
	StageDerivedA = "derived-a"
	StageDerivedB = "derived-b"
	StageDerivedC = "derived-c"
	StageDerivedD = "derived-d"
	StageGenerate = "generate"
)

// DerivedStages lists the derived stages in sequential-mode order.
var DerivedStages = []string{StageDerivedA, StageDerivedB, StageDerivedC, StageDerivedD}

// UnitStages lists every stage of a single-unit pipeline.
var UnitStages = append([]string{StagePrimary}, DerivedStages...)

// IsDerived reports whether stage is one of the derived stages.
func IsDerived(stage string) bool {
	for _, s := range DerivedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// IsUnitStage reports whether stage belongs to the single-unit pipeline.
func IsUnitStage(stage string) bool {
	return stage == StagePrimary || IsDerived(stage)
}

// WebSocket event types
const (
	EventTypeLessonSnapshot = "lesson:snapshot"
	EventTypeBatchSnapshot  = "batch:snapshot"
)

// ExecutionMode defines how derived stages run once primary succeeded
type ExecutionMode string

const (
	ExecutionModeSequential ExecutionMode = "sequential"
	ExecutionModeParallel   ExecutionMode = "parallel"
)

// RetryConfig defines automatic retry behavior for retryable failures
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
}

// NewRetryConfig returns the default retry configuration
func NewRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait before the attempt following attempt.
func (c RetryConfig) Delay(attempt int) time.Duration {
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if c.MaxDelay > 0 && time.Duration(delay) >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return time.Duration(delay)
}

// Input is the free-form content of one lesson record.
type Input struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Date    string `json:"date,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// RunRequest starts a single-unit pipeline.
type RunRequest struct {
	RunID    string
	Mode     ExecutionMode
	Input    Input
	Snapshot Snapshot
}

// Unit stream payloads

type ProgressEvent struct {
	Stage   string     `json:"stage"`
	Status  StepStatus `json:"status"`
	Chars   int        `json:"chars"`
	Message string     `json:"message,omitempty"`
}

type StageCompleteEvent struct {
	Stage     string `json:"stage"`
	Chars     int    `json:"chars"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url,omitempty"`
	Truncated bool   `json:"truncated"`
	Key       string `json:"key"`
}

type StageErrorEvent struct {
	Stage string                      `json:"stage"`
	Error classifier.StructuredError `json:"error"`
}

// CompleteEvent closes a unit stream. The same data is staged under the run ID.
type CompleteEvent struct {
	RunID        string                     `json:"runId"`
	Status       UnitStatus                 `json:"status"`
	Dates        DateInfo                   `json:"dates"`
	Uploads      map[string]uploader.Result `json:"uploads"`
	Truncated    bool                       `json:"truncated"`
	FailedStages []string                   `json:"failedStages,omitempty"`
	Key          string                     `json:"key"`
}

type ErrorEvent struct {
	RunID   string                      `json:"runId,omitempty"`
	Message string                      `json:"message"`
	Error   *classifier.StructuredError `json:"error,omitempty"`
}

// DateInfo records the date chosen for a unit and where it came from.
type DateInfo struct {
	Date   string `json:"date"`
	Source string `json:"source"`
}
