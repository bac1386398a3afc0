package operations

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"lessonforge/internal/cancel"
	"lessonforge/internal/classifier"
	"lessonforge/internal/uploader"
)

// StepStatus represents the current status of a stage
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSuccess   StepStatus = "success"
	StepStatusError     StepStatus = "error"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether the status is neither pending nor running.
func (s StepStatus) IsTerminal() bool {
	return s != StepStatusPending && s != StepStatusRunning
}

// Restartable reports whether a stage in this status may be (re)executed.
func (s StepStatus) Restartable() bool {
	return s == StepStatusPending || s == StepStatusError || s == StepStatusCancelled
}

// StepState represents the runtime state of one stage
type StepState struct {
	mu        sync.RWMutex
	id        string
	status    StepStatus
	startTime *time.Time
	endTime   *time.Time
	chars     int
	message   string
	attempts  int
	truncated bool
	key       string
	artifact  *uploader.Result
	err       *classifier.StructuredError
	// waiting is set while a failed attempt waits out its retry backoff.
	waiting   bool
}

// NewStepState creates a pending stage state
func NewStepState(id string) *StepState {
	return &StepState{id: id, status: StepStatusPending}
}

// ID returns the stage identifier
func (s *StepState) ID() string { return s.id }

// Status returns the current status
func (s *StepState) Status() StepStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Start moves the stage to running. Only pending, failed or cancelled stages
// can start; the previous error and progress are cleared.
func (s *StepState) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.status.Restartable() {
		return NewInvalidStateError(s.id, fmt.Sprintf("cannot start stage in status %s", s.status))
	}
	now := time.Now()
	s.startTime = &now
	s.endTime = nil
	s.status = StepStatusRunning
	s.waiting = false
	s.chars = 0
	s.truncated = false
	s.err = nil
	s.attempts++
	s.message = "started"
	return nil
}

// UpdateProgress records the running character count
func (s *StepState) UpdateProgress(chars int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StepStatusRunning {
		return
	}
	s.chars = chars
	if message != "" {
		s.message = message
	}
}

// Succeed marks the stage successful with its artifact
func (s *StepState) Succeed(res StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.endTime = &now
	s.status = StepStatusSuccess
	s.chars = res.Chars
	s.truncated = res.Truncated
	s.key = res.StagingKey
	s.message = "completed"
	if res.Artifact.URL != "" || res.Artifact.Filename != "" {
		artifact := res.Artifact
		s.artifact = &artifact
	}
}

// Fail marks the stage failed with its classified error
func (s *StepState) Fail(se classifier.StructuredError) {
	s.finish(StepStatusError, se)
}

// Backoff marks the stage failed while another automatic attempt is due.
func (s *StepState) Backoff(se classifier.StructuredError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(StepStatusError, se)
	s.waiting = true
}

// Waiting reports whether the stage is between automatic attempts.
func (s *StepState) Waiting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.waiting
}

// Cancel marks the stage cancelled. A pending stage may be cancelled without
// having run.
func (s *StepState) Cancel(se classifier.StructuredError) {
	s.finish(StepStatusCancelled, se)
}

func (s *StepState) finish(status StepStatus, se classifier.StructuredError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(status, se)
}

func (s *StepState) finishLocked(status StepStatus, se classifier.StructuredError) {
	now := time.Now()
	s.endTime = &now
	s.status = status
	s.waiting = false
	s.err = &se
	s.message = se.Message()
}

// Skip marks a stage skipped. Running or successful stages cannot be skipped.
func (s *StepState) Skip(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.status.Restartable() {
		return NewInvalidStateError(s.id, fmt.Sprintf("cannot skip stage in status %s", s.status))
	}
	now := time.Now()
	s.endTime = &now
	s.status = StepStatusSkipped
	s.waiting = false
	s.err = nil
	s.message = reason
	return nil
}

// Duration returns the duration of the last execution
func (s *StepState) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.startTime == nil {
		return 0
	}
	if s.endTime != nil {
		return s.endTime.Sub(*s.startTime)
	}
	return time.Since(*s.startTime)
}

// StepView is a copy of a stage state safe to serialize
type StepView struct {
	ID        string                      `json:"id"`
	Status    StepStatus                  `json:"status"`
	Chars     int                         `json:"chars"`
	Message   string                      `json:"message,omitempty"`
	Attempts  int                         `json:"attempts"`
	Truncated bool                        `json:"truncated"`
	Key       string                      `json:"key,omitempty"`
	Artifact  *uploader.Result            `json:"artifact,omitempty"`
	Error     *classifier.StructuredError `json:"error,omitempty"`
	StartTime *time.Time                  `json:"start_time,omitempty"`
	EndTime   *time.Time                  `json:"end_time,omitempty"`
}

// View copies the state
func (s *StepState) View() StepView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := StepView{
		ID:        s.id,
		Status:    s.status,
		Chars:     s.chars,
		Message:   s.message,
		Attempts:  s.attempts,
		Truncated: s.truncated,
		Key:       s.key,
		StartTime: s.startTime,
		EndTime:   s.endTime,
	}
	if s.artifact != nil {
		a := *s.artifact
		v.Artifact = &a
	}
	if s.err != nil {
		e := *s.err
		v.Error = &e
	}
	return v
}

// UnitStatus is the aggregate status of a unit
type UnitStatus string

const (
	UnitStatusPending   UnitStatus = "pending"
	UnitStatusRunning   UnitStatus = "running"
	UnitStatusCompleted UnitStatus = "completed"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusCancelled UnitStatus = "cancelled"
)

// Outcome summarizes the stages of a unit
type Outcome struct {
	// Complete is true when every stage is in a terminal state.
	Complete bool `json:"complete"`
	// Successful is true when every stage is success or skipped.
	Successful bool `json:"successful"`
	// Failed is true when any stage ended in error or was cancelled.
	Failed       bool     `json:"failed"`
	FailedStages []string `json:"failedStages,omitempty"`
}

// UnitState is the explicit state handle of one unit. Every stage execution
// receives the same pointer and writes its transitions through it.
type UnitState struct {
	mu sync.RWMutex

	id       string
	input    Input
	snapshot Snapshot
	mode     ExecutionMode
	date     DateInfo

	steps map[string]*StepState
	order []string

	primaryContent string
	token          *cancel.Token
	log            *RunLog

	startTime time.Time
	endTime   *time.Time
	// active counts executions in flight: the initial run plus any retries
	// or resumed sequences started while it was going.
	active int
	// sequencing is set while a sequential-mode chain of derived stages runs.
	sequencing bool
}

// NewUnitState creates the state for a unit with the given stages, all pending.
func NewUnitState(id string, stages []string, input Input, snap Snapshot, mode ExecutionMode, date DateInfo, token *cancel.Token, log *RunLog) *UnitState {
	u := &UnitState{
		id:        id,
		input:     input,
		snapshot:  snap,
		mode:      mode,
		date:      date,
		steps:     make(map[string]*StepState, len(stages)),
		order:     append([]string(nil), stages...),
		token:     token,
		log:       log,
		startTime: time.Now(),
	}
	for _, s := range stages {
		u.steps[s] = NewStepState(s)
	}
	return u
}

func (u *UnitState) ID() string                { return u.id }
func (u *UnitState) Input() Input              { return u.input }
func (u *UnitState) Snapshot() Snapshot        { return u.snapshot }
func (u *UnitState) Mode() ExecutionMode       { return u.mode }
func (u *UnitState) Date() DateInfo            { return u.date }
func (u *UnitState) Log() *RunLog              { return u.log }
func (u *UnitState) Step(id string) *StepState { return u.steps[id] }
func (u *UnitState) Stages() []string          { return append([]string(nil), u.order...) }

// Token returns the run's current cancellation token.
func (u *UnitState) Token() *cancel.Token {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.token
}

// RenewToken replaces a cancelled token so a stage can be retried after the
// run was cancelled. A live token is kept.
func (u *UnitState) RenewToken(fresh func() *cancel.Token) *cancel.Token {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.token == nil || u.token.IsCancelled() {
		u.token = fresh()
	}
	return u.token
}

// PrimaryContent returns the final content produced by primary.
func (u *UnitState) PrimaryContent() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.primaryContent
}

func (u *UnitState) setPrimaryContent(content string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.primaryContent = content
}

// beginSequence claims the sequential chain; it returns false if a chain is
// already running.
func (u *UnitState) beginSequence() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sequencing {
		return false
	}
	u.sequencing = true
	return true
}

func (u *UnitState) endSequence() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sequencing = false
}

func (u *UnitState) markRunning() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.active++
	u.endTime = nil
}

// markHalted ends one execution and reports whether it was the last.
func (u *UnitState) markHalted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active > 0 {
		u.active--
	}
	if u.active == 0 {
		now := time.Now()
		u.endTime = &now
		return true
	}
	return false
}

// Halted reports whether no execution is in progress for the unit.
func (u *UnitState) Halted() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.active == 0
}

// EndTime returns when the unit last halted.
func (u *UnitState) EndTime() *time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.endTime
}

// Outcome evaluates the stage states.
func (u *UnitState) Outcome() Outcome {
	out := Outcome{Complete: true, Successful: true}
	for _, id := range u.order {
		switch u.steps[id].Status() {
		case StepStatusPending, StepStatusRunning:
			out.Complete = false
			out.Successful = false
		case StepStatusError, StepStatusCancelled:
			out.Successful = false
			out.Failed = true
			out.FailedStages = append(out.FailedStages, id)
		}
	}
	return out
}

// Status derives the aggregate unit status.
func (u *UnitState) Status() UnitStatus {
	running, pending := false, 0
	for _, id := range u.order {
		switch u.steps[id].Status() {
		case StepStatusRunning:
			running = true
		case StepStatusPending:
			pending++
		}
	}
	switch {
	case running:
		return UnitStatusRunning
	case pending == len(u.order):
		return UnitStatusPending
	case pending > 0 && !u.Halted():
		return UnitStatusRunning
	}

	out := u.Outcome()
	switch {
	case out.Successful:
		return UnitStatusCompleted
	case u.Token() != nil && u.Token().IsCancelled():
		return UnitStatusCancelled
	default:
		return UnitStatusFailed
	}
}

// Uploads returns the artifacts of successful stages keyed by stage.
func (u *UnitState) Uploads() map[string]uploader.Result {
	out := make(map[string]uploader.Result)
	for _, id := range u.order {
		if v := u.steps[id].View(); v.Artifact != nil {
			out[id] = *v.Artifact
		}
	}
	return out
}

// Truncated reports whether any stage output hit the token limit.
func (u *UnitState) Truncated() bool {
	for _, id := range u.order {
		if u.steps[id].View().Truncated {
			return true
		}
	}
	return false
}

// UnitView is a serializable copy of a unit
type UnitView struct {
	ID        string        `json:"id"`
	Status    UnitStatus    `json:"status"`
	Mode      ExecutionMode `json:"mode"`
	Input     Input         `json:"input"`
	Snapshot  Snapshot      `json:"snapshot"`
	Dates     DateInfo      `json:"dates"`
	Steps     []StepView    `json:"steps"`
	Outcome   Outcome       `json:"outcome"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
}

// View copies the unit state
func (u *UnitState) View() UnitView {
	v := UnitView{
		ID:        u.id,
		Status:    u.Status(),
		Mode:      u.mode,
		Input:     u.input,
		Snapshot:  u.snapshot,
		Dates:     u.date,
		Outcome:   u.Outcome(),
		StartTime: u.startTime,
		EndTime:   u.EndTime(),
	}
	for _, id := range u.order {
		v.Steps = append(v.Steps, u.steps[id].View())
	}
	return v
}

// sortedViews orders unit views newest first.
func sortedViews(views []UnitView) []UnitView {
	sort.Slice(views, func(i, j int) bool {
		return views[i].StartTime.After(views[j].StartTime)
	})
	return views
}
