package batch_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonforge/internal/batch"
	"lessonforge/internal/classifier"
	"lessonforge/internal/config"
	"lessonforge/internal/generator"
	"lessonforge/internal/history"
	"lessonforge/internal/operations"
	"lessonforge/internal/shared/testutil"
	"lessonforge/internal/staging"
	"lessonforge/internal/stream"
)

type harness struct {
	gen   *testutil.ScriptedGenerator
	up    *testutil.MemoryUploader
	store *staging.Store
	hist  *history.MemoryStore
	hub   *testutil.MockHub
	clock *testutil.FakeClock
	sched *batch.Scheduler
}

func newHarness(t *testing.T, maxConcurrency int) *harness {
	t.Helper()
	prompts, err := generator.NewPromptBuilder("")
	require.NoError(t, err)

	h := &harness{
		gen:   testutil.NewScriptedGenerator(),
		up:    testutil.NewMemoryUploader(),
		store: staging.NewStore(staging.Options{}),
		hub:   &testutil.MockHub{},
		clock: testutil.NewFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)),
	}
	logger, _ := testutil.NewTestLogger(nil)
	h.hist = history.NewMemoryStore(h.clock.Now, logger)

	sb := operations.NewStatusBroadcaster(h.hub, logger)
	sb.ProgressInterval = 0
	t.Cleanup(sb.Stop)

	h.sched = batch.NewScheduler(batch.Options{
		Step:        operations.NewGenerationStep(h.gen, prompts, h.store, h.up),
		History:     h.hist,
		Broadcaster: sb,
		Logger:      logger,
		Retry: operations.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		MaxConcurrency: maxConcurrency,
		MaxTasks:       50,
		Now:            h.clock.Now,
	})
	return h
}

func batchRequest(start, end, concurrency int) batch.Request {
	return batch.Request{
		BatchID:     "b1",
		Start:       start,
		End:         end,
		Concurrency: concurrency,
		Payload:     "A ten-week fractions course for year four.",
		Snapshot: operations.NewSnapshot(
			config.GenerationConfig{Model: "gpt-test", Template: "standard", APIKey: "sk-test", MaxTokens: 512},
			operations.SnapshotOverrides{}),
	}
}

func taskPrompt(n int) string {
	return fmt.Sprintf("lesson number %d of", n)
}

func taskOf(t *testing.T, req generator.Request) int {
	t.Helper()
	var n int
	_, err := fmt.Sscanf(req.Prompt, "Write lesson number %d", &n)
	require.NoError(t, err)
	return n
}

func waitStarted(t *testing.T, gen *testutil.ScriptedGenerator) generator.Request {
	t.Helper()
	select {
	case req := <-gen.Started():
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a generation call")
		return generator.Request{}
	}
}

func assertNoStart(t *testing.T, gen *testutil.ScriptedGenerator) {
	t.Helper()
	select {
	case req := <-gen.Started():
		t.Fatalf("unexpected generation call: %q", req.Prompt)
	case <-time.After(50 * time.Millisecond):
	}
}

func startAsync(h *harness, req batch.Request, sink stream.Sink) <-chan history.Record {
	done := make(chan history.Record, 1)
	go func() {
		rec, err := h.sched.Start(context.Background(), req, sink)
		if err != nil {
			close(done)
			return
		}
		done <- rec
	}()
	return done
}

func awaitRecord(t *testing.T, done <-chan history.Record) history.Record {
	t.Helper()
	select {
	case rec, ok := <-done:
		require.True(t, ok, "batch failed to start")
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the batch")
		return history.Record{}
	}
}

func indexOf(events []stream.Event, eventType string, taskNumber int) int {
	for i, e := range events {
		if e.Type != eventType {
			continue
		}
		var payload struct {
			TaskNumber int `json:"taskNumber"`
		}
		if e.Decode(&payload) == nil && payload.TaskNumber == taskNumber {
			return i
		}
	}
	return -1
}

func countStatus(rec history.Record, status operations.StepStatus) int {
	n := 0
	for _, it := range rec.Items {
		if it.Status == string(status) {
			n++
		}
	}
	return n
}

func TestBatchEndToEnd(t *testing.T) {
	h := newHarness(t, 8)
	gates := map[int]chan struct{}{1: make(chan struct{}), 2: make(chan struct{}), 3: make(chan struct{})}
	for n, gate := range gates {
		h.gen.OnPrompt(taskPrompt(n), testutil.Script{Chunks: []string{"Lesson body ", fmt.Sprint(n)}, Gate: gate})
	}
	sink := &testutil.RecordingSink{}
	done := startAsync(h, batchRequest(1, 3, 2), sink)

	first, second := waitStarted(t, h.gen), waitStarted(t, h.gen)
	assert.ElementsMatch(t, []int{1, 2}, []int{taskOf(t, first), taskOf(t, second)})
	assertNoStart(t, h.gen)

	close(gates[1])
	third := waitStarted(t, h.gen)
	assert.Equal(t, 3, taskOf(t, third), "task 3 waits for a free slot")

	close(gates[2])
	close(gates[3])
	rec := awaitRecord(t, done)

	events := sink.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, stream.EventBatchStart, events[0].Type)
	var start batch.BatchStartEvent
	require.NoError(t, events[0].Decode(&start))
	assert.Equal(t, batch.BatchStartEvent{BatchID: "b1", TotalTasks: 3, Concurrency: 2}, start)

	assert.Less(t, indexOf(events, stream.EventTaskComplete, 1), indexOf(events, stream.EventTaskStart, 3),
		"task 1 completes before task 3 dispatches")
	assert.Len(t, sink.OfType(stream.EventTaskComplete), 3)
	assert.Empty(t, sink.OfType(stream.EventTaskError))

	last := events[len(events)-1]
	assert.Equal(t, stream.EventBatchComplete, last.Type)
	var complete batch.BatchCompleteEvent
	require.NoError(t, last.Decode(&complete))
	assert.Equal(t, batch.BatchCompleteEvent{BatchID: "b1", Completed: 3, Failed: 0, Stopped: false}, complete)

	assert.Equal(t, batch.StatusCompleted, rec.Status)
	assert.LessOrEqual(t, h.gen.MaxConcurrent(), 2)

	t.Run("content is staged and uploaded per task", func(t *testing.T) {
		entry, err := h.store.Get(batch.ItemKey("b1", 2))
		require.NoError(t, err)
		assert.Equal(t, "Lesson body 2", entry.Content)
		assert.Contains(t, h.up.Files(), "b1/Lesson 002.md")

		item := rec.Items[1]
		assert.Equal(t, 2, item.TaskNumber)
		assert.Equal(t, "mem://b1/Lesson 002.md", item.URL)
		assert.Equal(t, "b1/2", item.Key)
	})

	t.Run("history holds the finished record", func(t *testing.T) {
		stored, err := h.hist.Get(context.Background(), "b1")
		require.NoError(t, err)
		assert.True(t, stored.Finished())
		assert.Equal(t, 3, stored.Completed)
		assert.Len(t, stored.Items, 3)
	})

	t.Run("broadcaster publishes batch snapshots", func(t *testing.T) {
		msgs := h.hub.Messages()
		require.NotEmpty(t, msgs)
		lastMsg := msgs[len(msgs)-1]
		assert.Equal(t, operations.EventTypeBatchSnapshot, lastMsg.EventType)
		snap := lastMsg.Metadata.(*operations.OperationSnapshot)
		assert.Equal(t, batch.StatusCompleted, snap.Status)
		assert.Equal(t, 3, snap.Completed)
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := h.sched.Start(context.Background(), batchRequest(1, 3, 2), nil)
		assert.ErrorIs(t, err, batch.ErrBatchExists)
	})
}

func TestConcurrencyBound(t *testing.T) {
	h := newHarness(t, 8)
	gate := make(chan struct{})
	h.gen.When(func(generator.Request) bool { return true }, testutil.Script{Chunks: []string{"done"}, Gate: gate})
	done := startAsync(h, batchRequest(1, 7, 3), nil)

	for i := 0; i < 3; i++ {
		waitStarted(t, h.gen)
	}
	assertNoStart(t, h.gen)
	live, err := h.sched.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, countStatus(live, operations.StepStatusRunning))
	assert.Equal(t, 4, countStatus(live, operations.StepStatusPending))

	close(gate)
	rec := awaitRecord(t, done)
	assert.Equal(t, 7, rec.Completed)
	assert.Equal(t, 3, h.gen.MaxConcurrent())
}

func TestConcurrencyIsCapped(t *testing.T) {
	h := newHarness(t, 2)
	sink := &testutil.RecordingSink{}
	rec, err := h.sched.Start(context.Background(), batchRequest(1, 5, 10), sink)
	require.NoError(t, err)

	assert.Equal(t, 2, rec.Concurrency)
	startEv, err := sink.Last(stream.EventBatchStart)
	require.NoError(t, err)
	var start batch.BatchStartEvent
	require.NoError(t, startEv.Decode(&start))
	assert.Equal(t, 2, start.Concurrency)
	assert.LessOrEqual(t, h.gen.MaxConcurrent(), 2)
}

func TestStop(t *testing.T) {
	h := newHarness(t, 8)
	block := make(chan struct{})
	defer close(block)
	h.gen.When(func(generator.Request) bool { return true }, testutil.Script{Chunks: []string{"partial"}, Gate: block})
	sink := &testutil.RecordingSink{}
	done := startAsync(h, batchRequest(1, 5, 2), sink)

	waitStarted(t, h.gen)
	waitStarted(t, h.gen)
	require.NoError(t, h.sched.Stop(context.Background(), "b1"))
	rec := awaitRecord(t, done)

	assert.True(t, rec.Stopped)
	assert.Equal(t, batch.StatusStopped, rec.Status)
	assert.Equal(t, 2, rec.Completed+rec.Failed, "only dispatched tasks are counted")
	assert.Equal(t, 2, countStatus(rec, operations.StepStatusError))
	assert.Equal(t, 3, countStatus(rec, operations.StepStatusCancelled))
	assert.Equal(t, 2, h.gen.TotalCalls(), "cancelled tasks never reach the generation service")

	for _, it := range rec.Items {
		require.NotNil(t, it.Error)
		assert.Equal(t, classifier.KindCancelled, it.Error.Kind)
		if it.Status == string(operations.StepStatusCancelled) {
			assert.Zero(t, it.Attempts)
			assert.Nil(t, it.StartedAt)
		}
	}

	assert.Len(t, sink.OfType(stream.EventTaskStart), 2)
	assert.Len(t, sink.OfType(stream.EventTaskError), 2)
	last, err := sink.Last(stream.EventBatchComplete)
	require.NoError(t, err)
	var complete batch.BatchCompleteEvent
	require.NoError(t, last.Decode(&complete))
	assert.Equal(t, batch.BatchCompleteEvent{BatchID: "b1", Completed: 0, Failed: 2, Stopped: true}, complete)

	t.Run("stop is idempotent", func(t *testing.T) {
		assert.NoError(t, h.sched.Stop(context.Background(), "b1"))
		again, _ := h.sched.Get(context.Background(), "b1")
		assert.Equal(t, rec.Failed, again.Failed)
	})

	t.Run("unknown batch", func(t *testing.T) {
		err := h.sched.Stop(context.Background(), "nope")
		assert.ErrorIs(t, err, batch.ErrBatchNotFound)
		assert.True(t, batch.IsNotFound(err))
	})
}

func TestFailureIsolationAndRetry(t *testing.T) {
	h := newHarness(t, 8)
	h.gen.OnPrompt(taskPrompt(2),
		testutil.Script{Err: errors.New("401 invalid api key")},
		testutil.Script{Chunks: []string{"fixed"}})
	sink := &testutil.RecordingSink{}

	rec, err := h.sched.Start(context.Background(), batchRequest(1, 3, 3), sink)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.Completed)
	assert.Equal(t, 1, rec.Failed)

	errs := sink.OfType(stream.EventTaskError)
	require.Len(t, errs, 1)
	var taskErr batch.TaskErrorEvent
	require.NoError(t, errs[0].Decode(&taskErr))
	assert.Equal(t, 2, taskErr.TaskNumber)
	assert.Equal(t, classifier.KindInvalidCredentials, taskErr.Error.Kind)
	assert.False(t, taskErr.Error.Retryable)
	assert.Equal(t, 3, h.gen.Calls(operations.StageGenerate), "non-retryable errors are not retried")

	t.Run("retry updates only the item", func(t *testing.T) {
		item, err := h.sched.Retry(context.Background(), "b1", 2)
		require.NoError(t, err)
		assert.Equal(t, string(operations.StepStatusRunning), item.Status)
		h.sched.Wait()

		after, err := h.sched.Get(context.Background(), "b1")
		require.NoError(t, err)
		assert.Equal(t, string(operations.StepStatusSuccess), after.Items[1].Status)
		assert.Equal(t, 2, after.Items[1].Attempts)
		assert.Nil(t, after.Items[1].Error)
		assert.Equal(t, 2, after.Completed)
		assert.Equal(t, 1, after.Failed)
		assert.Equal(t, batch.StatusFailed, after.Status)

		stored, _ := h.hist.Get(context.Background(), "b1")
		assert.Equal(t, string(operations.StepStatusSuccess), stored.Items[1].Status)
	})

	t.Run("retry rejections", func(t *testing.T) {
		_, err := h.sched.Retry(context.Background(), "b1", 1)
		assert.ErrorIs(t, err, operations.ErrInvalidState)

		_, err = h.sched.Retry(context.Background(), "b1", 9)
		assert.Equal(t, operations.ErrorTypeValidation, operations.GetErrorType(err))

		_, err = h.sched.Retry(context.Background(), "missing", 1)
		assert.ErrorIs(t, err, batch.ErrBatchNotFound)
	})
}

func TestRetryRunningItemIsRejected(t *testing.T) {
	h := newHarness(t, 8)
	gate := make(chan struct{})
	h.gen.OnPrompt(taskPrompt(1),
		testutil.Script{Err: errors.New("403 forbidden")},
		testutil.Script{Chunks: []string{"slow"}, Gate: gate})

	rec, err := h.sched.Start(context.Background(), batchRequest(1, 1, 1), nil)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Failed)

	_, err = h.sched.Retry(context.Background(), "b1", 1)
	require.NoError(t, err)
	waitStarted(t, h.gen)
	waitStarted(t, h.gen)

	_, err = h.sched.Retry(context.Background(), "b1", 1)
	assert.ErrorIs(t, err, batch.ErrItemRunning)

	close(gate)
	h.sched.Wait()
	item, _ := h.sched.Get(context.Background(), "b1")
	assert.Equal(t, string(operations.StepStatusSuccess), item.Items[0].Status)
}

func TestRetryWaitsForAFreeSlot(t *testing.T) {
	h := newHarness(t, 8)
	gate := make(chan struct{})
	h.gen.OnPrompt(taskPrompt(1),
		testutil.Script{Err: errors.New("401 invalid api key")},
		testutil.Script{Chunks: []string{"fixed"}})
	h.gen.OnPrompt(taskPrompt(2), testutil.Script{Chunks: []string{"slow"}, Gate: gate})
	done := startAsync(h, batchRequest(1, 3, 1), nil)

	assert.Equal(t, 1, taskOf(t, waitStarted(t, h.gen)))
	assert.Equal(t, 2, taskOf(t, waitStarted(t, h.gen)))

	_, err := h.sched.Retry(context.Background(), "b1", 1)
	assert.ErrorIs(t, err, batch.ErrBatchBusy)
	live, err := h.sched.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, string(operations.StepStatusError), live.Items[0].Status, "a rejected retry leaves the task as it was")
	assert.Equal(t, 1, live.Items[0].Attempts)

	close(gate)
	rec := awaitRecord(t, done)
	assert.Equal(t, 2, rec.Completed)
	assert.Equal(t, 1, rec.Failed)

	t.Run("retry after the batch frees its slots", func(t *testing.T) {
		_, err := h.sched.Retry(context.Background(), "b1", 1)
		require.NoError(t, err)
		h.sched.Wait()

		after, err := h.sched.Get(context.Background(), "b1")
		require.NoError(t, err)
		assert.Equal(t, string(operations.StepStatusSuccess), after.Items[0].Status)
	})

	assert.Equal(t, 1, h.gen.MaxConcurrent(), "retries never exceed the batch concurrency")
}

func TestAutomaticRetry(t *testing.T) {
	h := newHarness(t, 8)
	h.gen.OnPrompt(taskPrompt(1),
		testutil.Script{Err: errors.New("503 service unavailable")},
		testutil.Script{Chunks: []string{"second try"}})

	rec, err := h.sched.Start(context.Background(), batchRequest(1, 1, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Completed)
	assert.Equal(t, 2, rec.Items[0].Attempts)
	assert.Equal(t, 2, h.gen.TotalCalls())
}

func TestValidation(t *testing.T) {
	h := newHarness(t, 8)
	tests := []struct {
		name string
		req  batch.Request
	}{
		{"start below one", batchRequest(0, 3, 1)},
		{"end before start", batchRequest(5, 3, 1)},
		{"zero concurrency", batchRequest(1, 3, 0)},
		{"too many tasks", batchRequest(1, 51, 2)},
		{"empty payload", func() batch.Request { r := batchRequest(1, 2, 1); r.Payload = "  "; return r }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.sched.Start(context.Background(), tt.req, nil)
			require.Error(t, err)
			assert.Equal(t, operations.ErrorTypeValidation, operations.GetErrorType(err))
		})
	}
	assert.Zero(t, h.gen.TotalCalls())
}

func TestListAndCleanup(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()
	first := batchRequest(1, 1, 1)
	_, err := h.sched.Start(ctx, first, nil)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	second := batchRequest(1, 2, 1)
	second.BatchID = "b2"
	_, err = h.sched.Start(ctx, second, nil)
	require.NoError(t, err)

	list, err := h.sched.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b2", list[0].ID)
	assert.Nil(t, list[0].Items)

	logs, err := h.sched.Logs("b2")
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
	assert.Equal(t, "batch_start", logs[0].Message)

	assert.Zero(t, h.sched.Cleanup(ctx, 72*time.Hour))
	h.clock.Advance(72 * time.Hour)
	assert.Equal(t, 1, h.sched.Cleanup(ctx, 72*time.Hour+30*time.Minute))

	_, err = h.sched.Get(ctx, "b1")
	assert.ErrorIs(t, err, batch.ErrBatchNotFound)
	_, err = h.sched.Get(ctx, "b2")
	assert.NoError(t, err)
}
