package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lessonforge/internal/cancel"
	"lessonforge/internal/classifier"
	"lessonforge/internal/history"
	"lessonforge/internal/infrastructure"
	"lessonforge/internal/operations"
	"lessonforge/internal/stream"
)

// Options wires a Scheduler
type Options struct {
	Step        operations.Step
	History     history.Store
	Broadcaster *operations.StatusBroadcaster
	Tracer      *operations.OperationTracer
	Metrics     *infrastructure.BusinessMetrics
	Logger      *slog.Logger
	Retry       operations.RetryConfig

	MaxConcurrency int
	MaxTasks       int
	// Retention is how long finished batches stay in memory and history.
	Retention time.Duration
	Now       func() time.Time
}

// Scheduler runs one generate task per number of a range under a
// concurrency bound.
type Scheduler struct {
	step        operations.Step
	history     history.Store
	broadcaster *operations.StatusBroadcaster
	tracer      *operations.OperationTracer
	metrics     *infrastructure.BusinessMetrics
	logger      *slog.Logger
	retry       operations.RetryConfig

	maxConcurrency int
	maxTasks       int
	retention      time.Duration
	now            func() time.Time

	mu   sync.RWMutex
	runs map[string]*Run

	// wg tracks item retries running in the background.
	wg sync.WaitGroup
}

// NewScheduler creates a scheduler
func NewScheduler(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.History == nil {
		opts.History = history.NewMemoryStore(opts.Now, opts.Logger)
	}
	if opts.Tracer == nil {
		opts.Tracer = operations.NewOperationTracer(opts.Metrics)
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = operations.NewRetryConfig()
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 8
	}
	if opts.MaxTasks < 1 {
		opts.MaxTasks = 500
	}
	if opts.Retention <= 0 {
		opts.Retention = 72 * time.Hour
	}
	return &Scheduler{
		step:           opts.Step,
		history:        opts.History,
		broadcaster:    opts.Broadcaster,
		tracer:         opts.Tracer,
		metrics:        opts.Metrics,
		logger:         opts.Logger.With(slog.String("component", "batch")),
		retry:          opts.Retry,
		maxConcurrency: opts.MaxConcurrency,
		maxTasks:       opts.MaxTasks,
		retention:      opts.Retention,
		now:            opts.Now,
		runs:           make(map[string]*Run),
	}
}

func (s *Scheduler) validate(req *Request) error {
	switch {
	case req.Start < 1:
		return operations.NewValidationError("", "startNumber must be at least 1")
	case req.End < req.Start:
		return operations.NewValidationError("", "endNumber must not be less than startNumber")
	case req.Total() > s.maxTasks:
		return operations.NewValidationError("", fmt.Sprintf("a batch is limited to %d tasks", s.maxTasks))
	case req.Concurrency < 1:
		return operations.NewValidationError("", "concurrency must be at least 1")
	case strings.TrimSpace(req.Payload) == "":
		return operations.NewValidationError("", "payload is required")
	}
	return nil
}

// Start runs a batch to completion, streaming its events to sink. Tasks are
// dispatched in numeric order; at most the effective concurrency run at once.
// The returned error is non-nil only when the batch could not be started.
func (s *Scheduler) Start(ctx context.Context, req Request, sink stream.Sink) (history.Record, error) {
	if sink == nil {
		sink = stream.Discard
	}
	if err := s.validate(&req); err != nil {
		return history.Record{}, err
	}
	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	}
	concurrency := req.Concurrency
	if concurrency > s.maxConcurrency {
		concurrency = s.maxConcurrency
	}
	if concurrency > req.Total() {
		concurrency = req.Total()
	}

	run := newRun(req, concurrency, cancel.New(ctx), operations.NewRunLog(s.logger.Handler(), 0), s.now())
	s.mu.Lock()
	if _, exists := s.runs[req.BatchID]; exists {
		s.mu.Unlock()
		return history.Record{}, fmt.Errorf("%w: %s", ErrBatchExists, req.BatchID)
	}
	s.runs[req.BatchID] = run
	s.mu.Unlock()
	s.save(ctx, run)

	if s.broadcaster != nil {
		ids := make([]string, 0, req.Total())
		for n := req.Start; n <= req.End; n++ {
			ids = append(ids, strconv.Itoa(n))
		}
		s.broadcaster.CreateOperation(operations.KindBatch, run.id, ids)
		s.broadcaster.StartOperation(run.id)
	}

	logger := s.runLogger(run)
	logger.InfoContext(ctx, "batch_start",
		slog.Int("start", req.Start),
		slog.Int("end", req.End),
		slog.Int("concurrency", concurrency),
		slog.Int("requested_concurrency", req.Concurrency),
		slog.String("template", req.Snapshot.Template),
		slog.String("key_fingerprint", req.Snapshot.KeyFingerprint))
	ctx, span := s.tracer.TraceRun(ctx, operations.KindBatch, run.id)
	emit(sink, stream.EventBatchStart, BatchStartEvent{BatchID: run.id, TotalTasks: req.Total(), Concurrency: concurrency})

	token := run.Token()
	sem := run.sem
	var wg sync.WaitGroup
	for n := req.Start; n <= req.End; n++ {
		// Acquire returns early once the token is cancelled.
		if err := sem.Acquire(token.Context(), 1); err != nil {
			break
		}
		if !run.dispatch(n, s.now()) {
			sem.Release(1)
			break
		}
		logger.InfoContext(ctx, "batch_dispatch", slog.Int("task_number", n))
		s.publishItem(run, n)
		emit(sink, stream.EventTaskStart, TaskStartEvent{TaskNumber: n})

		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			defer sem.Release(1)
			s.runItem(ctx, run, n, token, sink, true)
		}(n)
	}
	wg.Wait()

	for _, n := range run.cancelUndispatched(s.now()) {
		s.publishItem(run, n)
		s.metrics.RecordBatchItem(ctx, string(operations.StepStatusCancelled))
	}
	run.finish(s.now())
	rec := run.Record()
	s.save(ctx, run)
	if s.broadcaster != nil {
		s.broadcaster.SetCounters(run.id, rec.Completed, rec.Failed)
		s.broadcaster.FinishOperation(run.id, rec.Status, "")
	}

	emit(sink, stream.EventBatchComplete, BatchCompleteEvent{
		BatchID:   run.id,
		Completed: rec.Completed,
		Failed:    rec.Failed,
		Stopped:   rec.Stopped,
	})
	logger.InfoContext(ctx, "batch_complete",
		slog.String("status", rec.Status),
		slog.Int("completed", rec.Completed),
		slog.Int("failed", rec.Failed),
		slog.Bool("stopped", rec.Stopped))
	s.tracer.EndRun(ctx, span, operations.KindBatch, rec.Status)
	return rec, nil
}

// Stop cancels a batch. Running tasks observe the token and fail as
// cancelled; tasks not yet dispatched are marked cancelled without any call
// to the generation service. Stopping a finished batch only cancels item
// retries in flight.
func (s *Scheduler) Stop(ctx context.Context, batchID string) error {
	run, err := s.run(batchID)
	if err != nil {
		return err
	}
	active := run.stop("stopped by user")
	s.runLogger(run).InfoContext(ctx, "batch_stop_requested", slog.Bool("active", active))
	if active {
		for _, n := range run.cancelUndispatched(s.now()) {
			s.publishItem(run, n)
			s.metrics.RecordBatchItem(ctx, string(operations.StepStatusCancelled))
		}
	}
	return nil
}

// Retry re-dispatches one failed or cancelled task under a fresh token. It
// returns once the task is running; only the item record changes. The retry
// takes one of the batch's task slots and fails with ErrBatchBusy when none
// is free.
func (s *Scheduler) Retry(ctx context.Context, batchID string, taskNumber int) (history.ItemRecord, error) {
	run, err := s.run(batchID)
	if err != nil {
		return history.ItemRecord{}, err
	}
	token := cancel.New(context.WithoutCancel(ctx))
	if err := run.beginRetry(taskNumber, token, s.now()); err != nil {
		return history.ItemRecord{}, err
	}
	s.runLogger(run).InfoContext(ctx, "task_retry", slog.Int("task_number", taskNumber))
	s.publishItem(run, taskNumber)
	rec, _ := run.Item(taskNumber)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer run.sem.Release(1)
		ctx := context.WithoutCancel(ctx)
		s.runItem(ctx, run, taskNumber, token, stream.Discard, false)
		s.save(ctx, run)
	}()
	return rec, nil
}

// Get returns a batch record with its items, live or from history
func (s *Scheduler) Get(ctx context.Context, batchID string) (history.Record, error) {
	if run, err := s.run(batchID); err == nil {
		return run.Record(), nil
	}
	rec, err := s.history.Get(ctx, batchID)
	if errors.Is(err, history.ErrNotFound) {
		return history.Record{}, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return rec, err
}

// List returns the batches created within the retention window, newest
// first, without items.
func (s *Scheduler) List(ctx context.Context) ([]history.Record, error) {
	records, err := s.history.List(ctx, history.Filter{Since: s.now().Add(-s.retention)})
	if err != nil {
		return nil, fmt.Errorf("list batch history: %w", err)
	}
	for i, rec := range records {
		if run, err := s.run(rec.ID); err == nil {
			live := run.Record()
			live.Items = nil
			records[i] = live
		}
	}
	return records, nil
}

// Logs returns the entries recorded for a batch
func (s *Scheduler) Logs(batchID string) ([]operations.LogEntry, error) {
	run, err := s.run(batchID)
	if err != nil {
		return nil, err
	}
	return run.Log().Entries(), nil
}

// Cleanup drops finished batches that ended more than olderThan ago from
// memory and history.
func (s *Scheduler) Cleanup(ctx context.Context, olderThan time.Duration) int {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	removed := 0
	for id, run := range s.runs {
		rec := run.Record()
		if rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) && run.Running() == 0 {
			delete(s.runs, id)
			removed++
		}
	}
	s.mu.Unlock()

	if _, err := s.history.Cleanup(ctx, olderThan); err != nil {
		s.logger.Error("history_cleanup_failed", slog.String("error", err.Error()))
	}
	if removed > 0 {
		s.logger.Info("batches_cleaned_up", slog.Int("count", removed))
	}
	return removed
}

// StartCleanup runs Cleanup with the configured retention every interval
// until ctx is done.
func (s *Scheduler) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup(ctx, s.retention)
		}
	}
}

// Wait blocks until background item retries have finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// runItem executes one task with automatic retries of retryable failures.
func (s *Scheduler) runItem(ctx context.Context, run *Run, n int, token *cancel.Token, sink stream.Sink, counted bool) {
	logger := s.runLogger(run).With(slog.Int("task_number", n))
	stepID := strconv.Itoa(n)

	for attempt := 1; ; attempt++ {
		logger.InfoContext(ctx, "task_start", slog.Int("attempt", attempt))
		start := time.Now()
		stageCtx, span := s.tracer.TraceStage(ctx, run.id, operations.StageGenerate, attempt)
		res, err := s.step.Execute(stageCtx, s.stepRequest(run, n, token, logger, func(chars int) {
			run.progress(n, chars)
			emit(sink, stream.EventTaskProgress, TaskProgressEvent{TaskNumber: n, Chars: chars})
			if s.broadcaster != nil {
				s.broadcaster.UpdateStepProgress(run.id, stepID, chars)
			}
		}))
		duration := time.Since(start)

		if err == nil {
			s.tracer.EndStage(stageCtx, span, operations.StageGenerate, operations.StepStatusSuccess, duration, nil)
			run.succeed(n, res, counted, s.now())
			s.publishItem(run, n)
			s.metrics.RecordBatchItem(ctx, string(operations.StepStatusSuccess))
			emit(sink, stream.EventTaskComplete, TaskCompleteEvent{
				TaskNumber: n,
				Chars:      res.Chars,
				Filename:   res.Artifact.Filename,
				URL:        res.Artifact.URL,
				Truncated:  res.Truncated,
				Key:        res.StagingKey,
			})
			logger.InfoContext(ctx, "task_complete", slog.Int("chars", res.Chars), slog.Duration("duration", duration))
			return
		}

		se := classifier.ClassifyError(err, operations.StageGenerate)
		if token.IsCancelled() {
			se = classifier.ClassifyError(cancel.ErrCancelled, operations.StageGenerate)
		}
		status := operations.StepStatusError
		if se.Kind == classifier.KindCancelled {
			status = operations.StepStatusCancelled
		}
		s.tracer.EndStage(stageCtx, span, operations.StageGenerate, status, duration, err)

		if se.Kind != classifier.KindCancelled && se.Retryable && attempt < s.retry.MaxAttempts {
			delay := s.retry.Delay(attempt)
			logger.WarnContext(ctx, "task_retry_scheduled",
				slog.String("kind", string(se.Kind)),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			emit(sink, stream.EventTaskProgress, TaskProgressEvent{
				TaskNumber: n,
				Message:    fmt.Sprintf("%s retrying in %s", se.Explanation, delay),
			})
			if token.Sleep(delay) == nil {
				run.nextAttempt(n, se)
				continue
			}
			se = classifier.ClassifyError(cancel.ErrCancelled, operations.StageGenerate)
		}

		run.fail(n, se, counted, s.now())
		s.publishItem(run, n)
		s.metrics.RecordBatchItem(ctx, string(operations.StepStatusError))
		emit(sink, stream.EventTaskError, TaskErrorEvent{TaskNumber: n, Error: se})
		logger.ErrorContext(ctx, "task_error",
			slog.String("kind", string(se.Kind)),
			slog.Bool("retryable", se.Retryable),
			slog.String("raw", se.Raw))
		return
	}
}

func (s *Scheduler) stepRequest(run *Run, n int, token *cancel.Token, logger *slog.Logger, onProgress func(int)) operations.StepRequest {
	snap := run.req.Snapshot
	folder := run.id
	if snap.OutputPath != "" {
		folder = snap.OutputPath + "/" + run.id
	}
	title := TaskTitle(n)
	return operations.StepRequest{
		RunID:      run.id,
		Stage:      operations.StageGenerate,
		Input:      operations.Input{Title: title},
		Date:       run.date,
		Snapshot:   snap,
		TaskNumber: n,
		Payload:    run.req.Payload,
		Token:      token,
		Logger:     logger,
		Folder:     folder,
		Filename:   title + ".md",
		StagingKey: ItemKey(run.id, n),
		OnProgress: onProgress,
	}
}

func (s *Scheduler) run(batchID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return run, nil
}

func (s *Scheduler) runLogger(run *Run) *slog.Logger {
	return run.Log().Logger().With(
		slog.String("component", "batch"),
		slog.String("batch_id", run.id))
}

func (s *Scheduler) save(ctx context.Context, run *Run) {
	if err := s.history.Save(ctx, run.Record()); err != nil {
		s.logger.Error("history_save_failed", slog.String("batch_id", run.id), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) publishItem(run *Run, n int) {
	if s.broadcaster == nil {
		return
	}
	rec, ok := run.Item(n)
	if !ok {
		return
	}
	errText := ""
	if rec.Error != nil {
		errText = rec.Error.Message()
	}
	s.broadcaster.UpdateStep(run.id, strconv.Itoa(n), operations.StepStatus(rec.Status), rec.Chars, "", errText)
	completed, failed, _ := run.counters()
	s.broadcaster.SetCounters(run.id, completed, failed)
}

// IsNotFound reports whether err means the batch does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound)
}

func emit(sink stream.Sink, event string, payload interface{}) {
	_ = sink.Send(event, payload)
}
