package batch

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"lessonforge/internal/cancel"
	"lessonforge/internal/classifier"
	"lessonforge/internal/history"
	"lessonforge/internal/operations"
	"lessonforge/internal/uploader"
)

type item struct {
	number     int
	status     operations.StepStatus
	chars      int
	attempts   int
	artifact   uploader.Result
	key        string
	truncated  bool
	err        *classifier.StructuredError
	startedAt  *time.Time
	endedAt    *time.Time
	dispatched bool
	// token of the execution in flight; the batch token or a retry token.
	token *cancel.Token
}

// Run is the state of one batch. All fields are guarded by mu; counters
// change only when a dispatched task reaches a terminal state.
type Run struct {
	mu          sync.Mutex
	id          string
	req         Request
	concurrency int
	// sem bounds the tasks in flight, item retries included.
	sem         *semaphore.Weighted
	items       []*item
	completed   int
	failed      int
	stopped     bool
	token       *cancel.Token
	log         *operations.RunLog
	date        string
	createdAt   time.Time
	completedAt *time.Time
}

func newRun(req Request, concurrency int, token *cancel.Token, log *operations.RunLog, now time.Time) *Run {
	items := make([]*item, req.Total())
	for i := range items {
		items[i] = &item{number: req.Start + i, status: operations.StepStatusPending}
	}
	return &Run{
		id:          req.BatchID,
		req:         req,
		concurrency: concurrency,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		items:       items,
		token:       token,
		log:         log,
		date:        now.Format("2006-01-02"),
		createdAt:   now,
	}
}

// ID returns the batch ID
func (r *Run) ID() string { return r.id }

// Token returns the batch token
func (r *Run) Token() *cancel.Token { return r.token }

// Log returns the batch run log
func (r *Run) Log() *operations.RunLog { return r.log }

func (r *Run) item(n int) *item {
	i := n - r.req.Start
	if i < 0 || i >= len(r.items) {
		return nil
	}
	return r.items[i]
}

// dispatch marks task n running under the batch token. It fails once the
// batch is stopped or the task left pending.
func (r *Run) dispatch(n int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	it := r.item(n)
	if it == nil || it.status != operations.StepStatusPending || r.token.IsCancelled() {
		return false
	}
	it.status = operations.StepStatusRunning
	it.dispatched = true
	it.attempts++
	it.token = r.token
	it.startedAt = &now
	return true
}

// beginRetry marks a failed or cancelled task running under token.
func (r *Run) beginRetry(n int, token *cancel.Token, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it := r.item(n)
	if it == nil {
		return operations.NewValidationError(TaskTitle(n), fmt.Sprintf("task %d is not part of batch %s", n, r.id))
	}
	switch it.status {
	case operations.StepStatusRunning:
		return fmt.Errorf("%w: task %d", ErrItemRunning, n)
	case operations.StepStatusError, operations.StepStatusCancelled:
	default:
		return operations.NewInvalidStateError(TaskTitle(n), fmt.Sprintf("cannot retry task in status %s", it.status))
	}
	if !r.sem.TryAcquire(1) {
		return fmt.Errorf("%w: %s runs %d tasks", ErrBatchBusy, r.id, r.concurrency)
	}
	it.status = operations.StepStatusRunning
	it.attempts++
	it.chars = 0
	it.err = nil
	it.endedAt = nil
	it.token = token
	it.startedAt = &now
	return nil
}

// nextAttempt records an automatic retry of a running task.
func (r *Run) nextAttempt(n int, se classifier.StructuredError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it := r.item(n); it != nil && it.status == operations.StepStatusRunning {
		it.attempts++
		it.chars = 0
		it.err = &se
	}
}

func (r *Run) progress(n, chars int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it := r.item(n); it != nil && it.status == operations.StepStatusRunning {
		it.chars = chars
	}
}

// succeed records a successful task. counted is false for item retries,
// which never touch the counters.
func (r *Run) succeed(n int, res operations.StepResult, counted bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it := r.item(n)
	it.status = operations.StepStatusSuccess
	it.chars = res.Chars
	it.artifact = res.Artifact
	it.key = res.StagingKey
	it.truncated = res.Truncated
	it.err = nil
	it.endedAt = &now
	it.token = nil
	if counted {
		r.completed++
	}
}

// fail records a failed task. A task cancelled while running ends here too,
// with a cancelled error kind.
func (r *Run) fail(n int, se classifier.StructuredError, counted bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it := r.item(n)
	it.status = operations.StepStatusError
	it.err = &se
	it.endedAt = &now
	it.token = nil
	if counted {
		r.failed++
	}
}

// cancelUndispatched marks every pending task cancelled and returns their
// numbers. Those tasks never reached the generation service.
func (r *Run) cancelUndispatched(now time.Time) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cancelled []int
	for _, it := range r.items {
		if it.status != operations.StepStatusPending {
			continue
		}
		se := classifier.ClassifyError(cancel.ErrCancelled, operations.StageGenerate)
		it.status = operations.StepStatusCancelled
		it.err = &se
		it.endedAt = &now
		cancelled = append(cancelled, it.number)
	}
	return cancelled
}

// stop cancels the batch token and every retry in flight. It reports
// whether the batch was still dispatching.
func (r *Run) stop(reason string) bool {
	r.mu.Lock()
	active := r.completedAt == nil
	if active {
		r.stopped = true
	}
	var tokens []*cancel.Token
	for _, it := range r.items {
		if it.status == operations.StepStatusRunning && it.token != nil && it.token != r.token {
			tokens = append(tokens, it.token)
		}
	}
	r.mu.Unlock()

	r.token.Cancel(reason)
	for _, t := range tokens {
		t.Cancel(reason)
	}
	return active
}

func (r *Run) finish(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completedAt = &now
}

// Finished reports whether the dispatch phase is over
func (r *Run) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completedAt != nil
}

func (r *Run) counters() (completed, failed int, stopped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed, r.failed, r.stopped
}

// Running returns the number of tasks currently running
func (r *Run) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.items {
		if it.status == operations.StepStatusRunning {
			n++
		}
	}
	return n
}

func (r *Run) statusLocked() string {
	switch {
	case r.completedAt == nil:
		return StatusRunning
	case r.stopped:
		return StatusStopped
	case r.failed > 0:
		return StatusFailed
	default:
		return StatusCompleted
	}
}

// Item returns the record of task n
func (r *Run) Item(n int) (history.ItemRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it := r.item(n)
	if it == nil {
		return history.ItemRecord{}, false
	}
	return it.record(), true
}

// Record returns the batch as a history record
func (r *Run) Record() history.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := history.Record{
		ID:          r.id,
		Status:      r.statusLocked(),
		TotalTasks:  len(r.items),
		StartNumber: r.req.Start,
		EndNumber:   r.req.End,
		Concurrency: r.concurrency,
		Completed:   r.completed,
		Failed:      r.failed,
		Stopped:     r.stopped,
		Model:       r.req.Snapshot.Model,
		Template:    r.req.Snapshot.Template,
		OutputPath:  r.req.Snapshot.OutputPath,
		Items:       make([]history.ItemRecord, 0, len(r.items)),
		CreatedAt:   r.createdAt,
		CompletedAt: r.completedAt,
	}
	for _, it := range r.items {
		rec.Items = append(rec.Items, it.record())
	}
	return rec
}

func (it *item) record() history.ItemRecord {
	return history.ItemRecord{
		TaskNumber: it.number,
		Status:     string(it.status),
		Chars:      it.chars,
		Attempts:   it.attempts,
		Filename:   it.artifact.Filename,
		URL:        it.artifact.URL,
		Key:        it.key,
		Truncated:  it.truncated,
		Error:      it.err,
		StartedAt:  it.startedAt,
		EndedAt:    it.endedAt,
	}
}
