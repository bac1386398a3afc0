package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lessonforge/internal/cancel"
	"lessonforge/internal/classifier"
	"lessonforge/internal/stream"
)

// ManagerOptions wires a Manager
type ManagerOptions struct {
	Step        Step
	Stager      Stager
	Broadcaster *StatusBroadcaster
	Tracer      *OperationTracer
	Logger      *slog.Logger
	Retry       RetryConfig
	Mode        ExecutionMode
	// Retention is how long halted runs stay queryable.
	Retention time.Duration
	// Now is the clock used to default unit dates.
	Now func() time.Time
}

// Manager runs single-unit pipelines: primary first, then the derived
// stages, with per-stage retry and skip.
type Manager struct {
	step        Step
	stager      Stager
	broadcaster *StatusBroadcaster
	tracer      *OperationTracer
	logger      *slog.Logger
	retry       RetryConfig
	mode        ExecutionMode
	retention   time.Duration
	now         func() time.Time

	mu   sync.RWMutex
	runs map[string]*UnitState

	// wg tracks executions started in the background by SkipStage.
	wg sync.WaitGroup
}

// RunResult is returned once a unit execution halts
type RunResult struct {
	RunID     string                      `json:"runId"`
	Status    UnitStatus                  `json:"status"`
	Outcome   Outcome                     `json:"outcome"`
	Dates     DateInfo                    `json:"dates"`
	Truncated bool                        `json:"truncated"`
	Error     *classifier.StructuredError `json:"error,omitempty"`
	Log       []LogEntry                  `json:"log,omitempty"`
}

// NewManager creates a new manager
func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = NewOperationTracer(nil)
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = NewRetryConfig()
	}
	if opts.Mode == "" {
		opts.Mode = ExecutionModeParallel
	}
	if opts.Retention <= 0 {
		opts.Retention = 72 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		step:        opts.Step,
		stager:      opts.Stager,
		broadcaster: opts.Broadcaster,
		tracer:      opts.Tracer,
		logger:      opts.Logger.With(slog.String("component", "operations")),
		retry:       opts.Retry,
		mode:        opts.Mode,
		retention:   opts.Retention,
		now:         opts.Now,
		runs:        make(map[string]*UnitState),
	}
}

// Execute runs a unit to completion and streams its events to sink. The
// returned error is non-nil only when the run could not be started; stage
// failures are reported in the result.
func (m *Manager) Execute(ctx context.Context, req RunRequest, sink stream.Sink) (*RunResult, error) {
	if sink == nil {
		sink = stream.Discard
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = m.mode
	}
	if req.Mode != ExecutionModeParallel && req.Mode != ExecutionModeSequential {
		return nil, NewValidationError("", fmt.Sprintf("unknown execution mode %q", req.Mode))
	}

	runLog := NewRunLog(m.logger.Handler(), 0)
	date := ExtractDate(req.Input.Date, req.Input.Title+"\n"+req.Input.Content, m.now())
	state := NewUnitState(req.RunID, UnitStages, req.Input, req.Snapshot, req.Mode, date, cancel.New(ctx), runLog)

	m.mu.Lock()
	if _, exists := m.runs[req.RunID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunExists, req.RunID)
	}
	m.runs[req.RunID] = state
	m.mu.Unlock()

	if m.broadcaster != nil {
		m.broadcaster.CreateOperation(KindLesson, req.RunID, UnitStages)
	}

	logger := m.runLogger(state)
	logger.InfoContext(ctx, "operation_start",
		slog.String("mode", string(req.Mode)),
		slog.String("model", req.Snapshot.Model),
		slog.String("template", req.Snapshot.Template),
		slog.String("key_fingerprint", req.Snapshot.KeyFingerprint),
		slog.String("date", date.Date),
		slog.String("date_source", date.Source))

	m.begin(state)
	ctx, span := m.tracer.TraceRun(ctx, KindLesson, req.RunID)
	if err := m.runStage(ctx, state, StagePrimary, sink); err == nil {
		m.runDerived(ctx, state, sink)
	}
	result := m.finish(ctx, state, sink)
	m.tracer.EndRun(ctx, span, KindLesson, string(result.Status))
	return result, nil
}

// RetryStage re-executes one stage of a run. Only pending, failed or
// cancelled stages can be retried, and derived stages need a successful
// primary. Retrying primary also runs the derived stages still pending; in
// sequential mode a successful derived retry resumes the sequence.
func (m *Manager) RetryStage(ctx context.Context, runID, stage string, sink stream.Sink) (*RunResult, error) {
	if sink == nil {
		sink = stream.Discard
	}
	state, err := m.state(runID)
	if err != nil {
		return nil, err
	}
	if err := m.checkRetry(state, stage); err != nil {
		return nil, err
	}
	// Claim the stage; a concurrent retry that got here first wins.
	if err := state.Step(stage).Start(); err != nil {
		return nil, fmt.Errorf("%w: stage %s is already being retried", ErrRunActive, stage)
	}

	state.RenewToken(func() *cancel.Token { return cancel.New(ctx) })
	m.runLogger(state).InfoContext(ctx, "stage_retry", slog.String("stage", stage))

	m.begin(state)
	ctx, span := m.tracer.TraceRun(ctx, KindLesson, runID)
	if err := m.execStage(ctx, state, stage, sink); err == nil || errors.Is(err, errStageSkipped) {
		switch {
		case stage == StagePrimary:
			m.runDerived(ctx, state, sink)
		case state.Mode() == ExecutionModeSequential:
			m.runSequence(ctx, state, sink)
		}
	}
	result := m.finish(ctx, state, sink)
	m.tracer.EndRun(ctx, span, KindLesson, string(result.Status))
	return result, nil
}

func (m *Manager) checkRetry(state *UnitState, stage string) error {
	step := state.Step(stage)
	if step == nil {
		return NewValidationError(stage, "unknown stage")
	}
	switch status := step.Status(); {
	case status == StepStatusRunning, step.Waiting():
		return fmt.Errorf("%w: stage %s is running", ErrRunActive, stage)
	case !status.Restartable():
		return NewInvalidStateError(stage, fmt.Sprintf("cannot retry stage in status %s", status))
	}
	if IsDerived(stage) && state.Step(StagePrimary).Status() != StepStatusSuccess {
		return NewDependencyError(stage, StagePrimary)
	}
	return nil
}

// SkipStage marks a derived stage skipped. In sequential mode the next
// pending stage starts right away in the background.
func (m *Manager) SkipStage(ctx context.Context, runID, stage string) (UnitView, error) {
	state, err := m.state(runID)
	if err != nil {
		return UnitView{}, err
	}
	if !IsDerived(stage) {
		return UnitView{}, NewValidationError(stage, "only derived stages can be skipped")
	}
	step := state.Step(stage)
	if step.Status() == StepStatusRunning {
		return UnitView{}, fmt.Errorf("%w: stage %s is running", ErrRunActive, stage)
	}
	if err := step.Skip("skipped by user"); err != nil {
		return UnitView{}, err
	}
	m.runLogger(state).InfoContext(ctx, "stage_skipped", slog.String("stage", stage))
	m.publishStep(state, stage)

	resume := state.Mode() == ExecutionModeSequential &&
		state.Step(StagePrimary).Status() == StepStatusSuccess &&
		state.Halted() && !state.Token().IsCancelled()
	if resume {
		m.begin(state)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ctx := context.WithoutCancel(ctx)
			m.runSequence(ctx, state, stream.Discard)
			m.finish(ctx, state, stream.Discard)
		}()
	} else if state.Halted() {
		m.settle(ctx, state)
	}
	return state.View(), nil
}

// Cancel cancels a run. Running stages observe the token; stages that never
// started are marked cancelled.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	state, err := m.state(runID)
	if err != nil {
		return err
	}
	state.Token().Cancel("cancelled by user")
	m.runLogger(state).InfoContext(ctx, "operation_cancel_requested")
	if state.Halted() {
		m.cancelPending(state)
		m.settle(ctx, state)
	}
	return nil
}

// Get returns a view of a run
func (m *Manager) Get(runID string) (UnitView, error) {
	state, err := m.state(runID)
	if err != nil {
		return UnitView{}, err
	}
	return state.View(), nil
}

// Logs returns the entries recorded for a run
func (m *Manager) Logs(runID string) ([]LogEntry, error) {
	state, err := m.state(runID)
	if err != nil {
		return nil, err
	}
	return state.Log().Entries(), nil
}

// List returns views of all known runs, newest first
func (m *Manager) List() []UnitView {
	m.mu.RLock()
	states := make([]*UnitState, 0, len(m.runs))
	for _, s := range m.runs {
		states = append(states, s)
	}
	m.mu.RUnlock()

	views := make([]UnitView, 0, len(states))
	for _, s := range states {
		views = append(views, s.View())
	}
	return sortedViews(views)
}

// Cleanup removes halted runs that ended more than olderThan ago
func (m *Manager) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.runs {
		if end := s.EndTime(); s.Halted() && end != nil && end.Before(cutoff) {
			delete(m.runs, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("runs_cleaned_up", slog.Int("count", removed))
	}
	return removed
}

// StartCleanup removes expired runs every interval until ctx is done
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup(m.retention)
			if m.broadcaster != nil {
				m.broadcaster.CleanupOldOperations(m.retention)
			}
		}
	}
}

// Wait blocks until background executions have finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) state(runID string) (*UnitState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return s, nil
}

func (m *Manager) runLogger(state *UnitState) *slog.Logger {
	return state.Log().Logger().With(
		slog.String("component", "operations"),
		slog.String("run_id", state.ID()))
}

func (m *Manager) begin(state *UnitState) {
	state.markRunning()
	if m.broadcaster != nil {
		m.broadcaster.StartOperation(state.ID())
	}
}

// runDerived starts the pending derived stages according to the run's mode.
func (m *Manager) runDerived(ctx context.Context, state *UnitState, sink stream.Sink) {
	if state.Mode() == ExecutionModeSequential {
		m.runSequence(ctx, state, sink)
		return
	}

	var g errgroup.Group
	for _, stage := range DerivedStages {
		if state.Step(stage).Status() != StepStatusPending {
			continue
		}
		stage := stage
		// A derived failure is recorded on its stage and never cancels siblings.
		g.Go(func() error {
			_ = m.runStage(ctx, state, stage, sink)
			return nil
		})
	}
	_ = g.Wait()
}

// runSequence runs pending derived stages one by one in order and pauses at
// the first failure. Only one sequence runs per unit at a time.
func (m *Manager) runSequence(ctx context.Context, state *UnitState, sink stream.Sink) {
	if !state.beginSequence() {
		return
	}
	defer state.endSequence()

	for _, stage := range DerivedStages {
		if state.Token().IsCancelled() {
			return
		}
		if state.Step(stage).Status() != StepStatusPending {
			continue
		}
		if err := m.runStage(ctx, state, stage, sink); err != nil && !errors.Is(err, errStageSkipped) {
			m.runLogger(state).InfoContext(ctx, "sequence_paused", slog.String("stage", stage))
			return
		}
	}
}

// runStage starts one stage and executes it with automatic retries of
// retryable failures. It returns nil on success, errStageSkipped when the
// stage was skipped between attempts, and the classified failure otherwise.
func (m *Manager) runStage(ctx context.Context, state *UnitState, stage string, sink stream.Sink) error {
	if err := startStep(state.Step(stage)); err != nil {
		return err
	}
	return m.execStage(ctx, state, stage, sink)
}

func startStep(step *StepState) error {
	if err := step.Start(); err != nil {
		if step.Status() == StepStatusSkipped {
			return errStageSkipped
		}
		return err
	}
	return nil
}

// execStage runs a stage whose step is already started.
func (m *Manager) execStage(ctx context.Context, state *UnitState, stage string, sink stream.Sink) error {
	step := state.Step(stage)
	token := state.Token()
	logger := m.runLogger(state).With(slog.String("stage", stage))

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := startStep(step); err != nil {
				if errors.Is(err, errStageSkipped) {
					logger.InfoContext(ctx, "stage_retry_abandoned", slog.String("reason", "skipped"))
				}
				return err
			}
		}
		m.publishStep(state, stage)
		emit(sink, stream.EventProgress, ProgressEvent{Stage: stage, Status: StepStatusRunning, Message: "started"})
		logger.InfoContext(ctx, "stage_start", slog.Int("attempt", attempt))

		start := time.Now()
		stageCtx, span := m.tracer.TraceStage(ctx, state.ID(), stage, attempt)
		res, err := m.step.Execute(stageCtx, m.stepRequest(state, stage, token, logger, func(chars int) {
			step.UpdateProgress(chars, "")
			emit(sink, stream.EventProgress, ProgressEvent{Stage: stage, Status: StepStatusRunning, Chars: chars})
			if m.broadcaster != nil {
				m.broadcaster.UpdateStepProgress(state.ID(), stage, chars)
			}
		}))
		duration := time.Since(start)

		if err == nil {
			step.Succeed(res)
			if stage == StagePrimary {
				state.setPrimaryContent(res.Content)
				m.stageSummary(state)
			}
			m.tracer.EndStage(stageCtx, span, stage, StepStatusSuccess, duration, nil)
			m.publishStep(state, stage)
			emit(sink, stream.EventStageComplete, StageCompleteEvent{
				Stage:     stage,
				Chars:     res.Chars,
				Filename:  res.Artifact.Filename,
				URL:       res.Artifact.URL,
				Truncated: res.Truncated,
				Key:       res.StagingKey,
			})
			logger.InfoContext(ctx, "stage_complete",
				slog.Int("chars", res.Chars),
				slog.Bool("truncated", res.Truncated),
				slog.Duration("duration", duration))
			return nil
		}

		se := classifier.ClassifyError(err, stage)
		if token.IsCancelled() {
			se = classifier.ClassifyError(cancel.ErrCancelled, stage)
		}

		if se.Kind != classifier.KindCancelled && se.Retryable && attempt < m.retry.MaxAttempts {
			m.tracer.EndStage(stageCtx, span, stage, StepStatusError, duration, err)
			step.Backoff(se)
			delay := m.retry.Delay(attempt)
			logger.WarnContext(ctx, "stage_retry_scheduled",
				slog.String("kind", string(se.Kind)),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			emit(sink, stream.EventProgress, ProgressEvent{
				Stage:   stage,
				Status:  StepStatusError,
				Message: fmt.Sprintf("%s retrying in %s", se.Explanation, delay),
			})
			if token.Sleep(delay) == nil {
				continue
			}
			if step.Status() == StepStatusSkipped {
				return errStageSkipped
			}
			se = classifier.ClassifyError(cancel.ErrCancelled, stage)
			step.Cancel(se)
		} else if se.Kind == classifier.KindCancelled {
			m.tracer.EndStage(stageCtx, span, stage, StepStatusCancelled, duration, err)
			step.Cancel(se)
		} else {
			m.tracer.EndStage(stageCtx, span, stage, StepStatusError, duration, err)
			step.Fail(se)
		}

		m.publishStep(state, stage)
		emit(sink, stream.EventStageError, StageErrorEvent{Stage: stage, Error: se})
		logger.ErrorContext(ctx, "stage_error",
			slog.String("kind", string(se.Kind)),
			slog.Bool("retryable", se.Retryable),
			slog.String("raw", se.Raw))
		return &se
	}
}

func (m *Manager) stepRequest(state *UnitState, stage string, token *cancel.Token, logger *slog.Logger, onProgress func(int)) StepRequest {
	input := state.Input()
	req := StepRequest{
		RunID:      state.ID(),
		Stage:      stage,
		Input:      input,
		Date:       state.Date().Date,
		Snapshot:   state.Snapshot(),
		Token:      token,
		Logger:     logger,
		Folder:     state.ID(),
		StagingKey: StageKey(state.ID(), stage),
		OnProgress: onProgress,
	}
	if p := state.Snapshot().OutputPath; p != "" {
		req.Folder = p + "/" + state.ID()
	}
	if IsDerived(stage) {
		req.Primary = state.PrimaryContent()
	}
	return req
}

// finish closes one execution: it stages the unit summary, emits the
// terminal event and returns the result.
func (m *Manager) finish(ctx context.Context, state *UnitState, sink stream.Sink) *RunResult {
	last := state.markHalted()
	if state.Token().IsCancelled() && last {
		m.cancelPending(state)
	}
	complete := m.settle(ctx, state)

	result := &RunResult{
		RunID:     state.ID(),
		Status:    complete.Status,
		Outcome:   state.Outcome(),
		Dates:     complete.Dates,
		Truncated: complete.Truncated,
		Log:       state.Log().Entries(),
	}

	primary := state.Step(StagePrimary).View()
	if primary.Status == StepStatusSuccess {
		emit(sink, stream.EventComplete, complete)
	} else {
		ev := ErrorEvent{RunID: state.ID(), Message: "primary stage did not succeed"}
		if primary.Error != nil {
			ev.Message = primary.Error.Message()
			ev.Error = primary.Error
			result.Error = primary.Error
		}
		emit(sink, stream.EventError, ev)
	}

	m.runLogger(state).InfoContext(ctx, "operation_complete",
		slog.String("status", string(complete.Status)),
		slog.Any("failed_stages", complete.FailedStages))
	return result
}

// stageSummary stages primary content and the unit metadata under the run
// ID. It runs when primary succeeds and again whenever the unit halts, so a
// caller that lost the stream can pull the run ID as soon as primary is done.
func (m *Manager) stageSummary(state *UnitState) CompleteEvent {
	complete := CompleteEvent{
		RunID:        state.ID(),
		Status:       state.Status(),
		Dates:        state.Date(),
		Uploads:      state.Uploads(),
		Truncated:    state.Truncated(),
		FailedStages: state.Outcome().FailedStages,
		Key:          state.ID(),
	}
	if m.stager != nil {
		m.stager.Put(state.ID(), state.PrimaryContent(), map[string]interface{}{
			"runId":        complete.RunID,
			"status":       string(complete.Status),
			"dates":        complete.Dates,
			"uploads":      complete.Uploads,
			"truncated":    complete.Truncated,
			"failedStages": complete.FailedStages,
		})
	}
	return complete
}

// settle stages the unit summary and publishes the status.
func (m *Manager) settle(ctx context.Context, state *UnitState) CompleteEvent {
	complete := m.stageSummary(state)
	if m.broadcaster != nil && state.Halted() {
		m.broadcaster.FinishOperation(state.ID(), string(complete.Status), "")
	}
	return complete
}

func (m *Manager) cancelPending(state *UnitState) {
	for _, stage := range state.Stages() {
		step := state.Step(stage)
		if step.Status() == StepStatusPending {
			step.Cancel(classifier.ClassifyError(cancel.ErrCancelled, stage))
			m.publishStep(state, stage)
		}
	}
}

func (m *Manager) publishStep(state *UnitState, stage string) {
	if m.broadcaster == nil {
		return
	}
	v := state.Step(stage).View()
	errText := ""
	if v.Error != nil {
		errText = v.Error.Message()
	}
	m.broadcaster.UpdateStep(state.ID(), stage, v.Status, v.Chars, v.Message, errText)
}

// emit sends an event; a sink that fails (observer gone) does not affect the run.
func emit(sink stream.Sink, event string, payload interface{}) {
	_ = sink.Send(event, payload)
}

// IsNotFound reports whether err means the run does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}
