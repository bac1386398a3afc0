package http

import (
	"context"

	"lessonforge/internal/batch"
	"lessonforge/internal/history"
	"lessonforge/internal/operations"
	"lessonforge/internal/staging"
	"lessonforge/internal/stream"
)

// LessonService defines what the lessons handler needs from the pipeline
type LessonService interface {
	Execute(ctx context.Context, req operations.RunRequest, sink stream.Sink) (*operations.RunResult, error)
	RetryStage(ctx context.Context, runID, stage string, sink stream.Sink) (*operations.RunResult, error)
	SkipStage(ctx context.Context, runID, stage string) (operations.UnitView, error)
	Cancel(ctx context.Context, runID string) error
	Get(runID string) (operations.UnitView, error)
	Logs(runID string) ([]operations.LogEntry, error)
	List() []operations.UnitView
}

// BatchService defines what the batches handler needs from the scheduler
type BatchService interface {
	Start(ctx context.Context, req batch.Request, sink stream.Sink) (history.Record, error)
	Stop(ctx context.Context, batchID string) error
	Retry(ctx context.Context, batchID string, taskNumber int) (history.ItemRecord, error)
	Get(ctx context.Context, batchID string) (history.Record, error)
	List(ctx context.Context) ([]history.Record, error)
	Logs(batchID string) ([]operations.LogEntry, error)
}

// StagingReader reads staged content
type StagingReader interface {
	Get(key string) (staging.Entry, error)
}

var (
	_ LessonService = (*operations.Manager)(nil)
	_ BatchService  = (*batch.Scheduler)(nil)
	_ StagingReader = (*staging.Store)(nil)
)

// HealthCheck reports the state of one dependency. A non-nil error marks the
// service degraded.
type HealthCheck func(ctx context.Context) (interface{}, error)
