package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonforge/internal/batch"
	"lessonforge/internal/classifier"
	apierrors "lessonforge/internal/errors"
	"lessonforge/internal/history"
	"lessonforge/internal/operations"
	"lessonforge/internal/shared/testutil"
	"lessonforge/internal/stream"
)

func batchBody(id string, start, end, concurrency int) string {
	return fmt.Sprintf(`{"batchId":%q,"startNumber":%d,"endNumber":%d,"concurrency":%d,"payload":"A ten-week fractions course for year four."}`,
		id, start, end, concurrency)
}

// streamAsync posts body and collects the events of the response in the
// background
func (ts *testServer) streamAsync(path, body string) <-chan []stream.Event {
	done := make(chan []stream.Event, 1)
	go func() {
		defer close(done)
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var events []stream.Event
		_, _ = stream.ReadAll(context.Background(), resp.Body, stream.EventBatchComplete, func(e stream.Event) error {
			events = append(events, e)
			return nil
		})
		done <- events
	}()
	return done
}

func awaitEvents(t *testing.T, done <-chan []stream.Event) []stream.Event {
	t.Helper()
	select {
	case events, ok := <-done:
		require.True(t, ok, "stream request failed")
		require.NotEmpty(t, events)
		return events
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the batch stream")
		return nil
	}
}

func indexOf(t *testing.T, events []stream.Event, eventType string, taskNumber int) int {
	t.Helper()
	for i, e := range events {
		if e.Type != eventType {
			continue
		}
		var payload struct {
			TaskNumber int `json:"taskNumber"`
		}
		require.NoError(t, e.Decode(&payload))
		if payload.TaskNumber == taskNumber {
			return i
		}
	}
	return -1
}

func TestStartBatch(t *testing.T) {
	ts := newTestServer(t)
	gates := map[int]chan struct{}{1: make(chan struct{}), 2: make(chan struct{}), 3: make(chan struct{})}
	for n, gate := range gates {
		ts.gen.OnPrompt(taskPrompt(n), testutil.Script{Chunks: []string{"Lesson body ", fmt.Sprint(n)}, Gate: gate})
	}

	done := ts.streamAsync("/api/batches", batchBody("b1", 1, 3, 2))
	started := map[int]bool{
		taskOf(t, waitStarted(t, ts.gen)): true,
		taskOf(t, waitStarted(t, ts.gen)): true,
	}
	assert.Equal(t, map[int]bool{1: true, 2: true}, started)
	select {
	case req := <-ts.gen.Started():
		t.Fatalf("task started beyond the concurrency bound: %q", req.Prompt)
	case <-time.After(50 * time.Millisecond):
	}

	close(gates[1])
	assert.Equal(t, 3, taskOf(t, waitStarted(t, ts.gen)))
	close(gates[2])
	close(gates[3])
	events := awaitEvents(t, done)

	var start batch.BatchStartEvent
	require.Equal(t, stream.EventBatchStart, events[0].Type)
	require.NoError(t, events[0].Decode(&start))
	assert.Equal(t, batch.BatchStartEvent{BatchID: "b1", TotalTasks: 3, Concurrency: 2}, start)

	assert.Less(t, indexOf(t, events, stream.EventTaskComplete, 1), indexOf(t, events, stream.EventTaskStart, 3))
	completes := 0
	for _, e := range events {
		if e.Type == stream.EventTaskComplete {
			completes++
		}
	}
	assert.Equal(t, 3, completes)

	var complete batch.BatchCompleteEvent
	last := events[len(events)-1]
	require.Equal(t, stream.EventBatchComplete, last.Type)
	require.NoError(t, last.Decode(&complete))
	assert.Equal(t, batch.BatchCompleteEvent{BatchID: "b1", Completed: 3}, complete)

	t.Run("record", func(t *testing.T) {
		var rec history.Record
		ts.getJSON(t, "/api/batches/b1", http.StatusOK, &rec)
		assert.Equal(t, batch.StatusCompleted, rec.Status)
		assert.Equal(t, 3, rec.Completed)
		require.Len(t, rec.Items, 3)
		assert.Equal(t, "Lesson 002.md", rec.Items[1].Filename)
	})

	t.Run("list", func(t *testing.T) {
		var list struct {
			Count int `json:"count"`
		}
		ts.getJSON(t, "/api/batches", http.StatusOK, &list)
		assert.Equal(t, 1, list.Count)
	})

	t.Run("reports", func(t *testing.T) {
		resp := ts.get(t, "/api/batches/b1/report.xlsx")
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, contentTypeXLSX, resp.Header.Get("Content-Type"))
		assert.Contains(t, resp.Header.Get("Content-Disposition"), "batch-b1.xlsx")
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(body), "PK"), "xlsx is a zip archive")

		resp = ts.get(t, "/api/batches/b1/report.csv")
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err = io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(body), "\ufeff"))
		assert.Contains(t, string(body), "Lesson 003.md")
	})

	t.Run("staged task content", func(t *testing.T) {
		entry, err := stream.HTTPFetcher{BaseURL: ts.URL}.Fetch(context.Background(), batch.ItemKey("b1", 2))
		require.NoError(t, err)
		assert.Equal(t, "Lesson body 2", entry.Content)
	})

	t.Run("logs", func(t *testing.T) {
		var logs struct {
			Count int `json:"count"`
		}
		ts.getJSON(t, "/api/batches/b1/logs", http.StatusOK, &logs)
		assert.Positive(t, logs.Count)
	})

	t.Run("duplicate batch id", func(t *testing.T) {
		var p problem
		decodeBody(t, ts.post(t, "/api/batches", batchBody("b1", 1, 1, 1)), http.StatusConflict, &p)
		assert.Equal(t, apierrors.TypeConflict, p.Type)
	})
}

func TestStopAndRetryBatch(t *testing.T) {
	ts := newTestServer(t)
	ts.gen.OnPrompt(taskPrompt(1), testutil.Script{Chunks: []string{"partial"}, Block: true})
	ts.gen.OnPrompt(taskPrompt(2), testutil.Script{Chunks: []string{"partial"}, Block: true})

	done := ts.streamAsync("/api/batches", batchBody("b1", 1, 4, 2))
	waitStarted(t, ts.gen)
	waitStarted(t, ts.gen)

	var ack AckResponse
	decodeBody(t, ts.post(t, "/api/batches/stop", `{"batchId":"b1"}`), http.StatusOK, &ack)
	assert.Equal(t, AckResponse{Status: "stopping", ID: "b1"}, ack)

	events := awaitEvents(t, done)
	var complete batch.BatchCompleteEvent
	require.NoError(t, events[len(events)-1].Decode(&complete))
	assert.Equal(t, batch.BatchCompleteEvent{BatchID: "b1", Failed: 2, Stopped: true}, complete)
	assert.Equal(t, -1, indexOf(t, events, stream.EventTaskStart, 3))

	var rec history.Record
	ts.getJSON(t, "/api/batches/b1", http.StatusOK, &rec)
	assert.Equal(t, batch.StatusStopped, rec.Status)
	require.Len(t, rec.Items, 4)
	for _, it := range rec.Items[2:] {
		assert.Equal(t, string(operations.StepStatusCancelled), it.Status)
		require.NotNil(t, it.Error)
		assert.Equal(t, classifier.KindCancelled, it.Error.Kind)
	}

	t.Run("retry a cancelled task", func(t *testing.T) {
		var resp RetryTaskResponse
		decodeBody(t, ts.post(t, "/api/batches/retry", `{"batchId":"b1","taskNumber":3}`), http.StatusAccepted, &resp)
		assert.Equal(t, "accepted", resp.Status)
		assert.Equal(t, 3, resp.Task.TaskNumber)

		require.Eventually(t, func() bool {
			rec, err := ts.sched.Get(context.Background(), "b1")
			return err == nil && rec.Items[2].Status == string(operations.StepStatusSuccess)
		}, 5*time.Second, 20*time.Millisecond)

		ts.getJSON(t, "/api/batches/b1", http.StatusOK, &rec)
		assert.Equal(t, 0, rec.Completed, "retries leave the counters alone")
		assert.Equal(t, 2, rec.Failed)
	})

	t.Run("retry validation", func(t *testing.T) {
		var p problem
		decodeBody(t, ts.post(t, "/api/batches/retry", `{"batchId":"b1","taskNumber":0}`), http.StatusBadRequest, &p)
		assert.Equal(t, apierrors.TypeValidation, p.Type)
	})

	t.Run("stop validation", func(t *testing.T) {
		var p problem
		decodeBody(t, ts.post(t, "/api/batches/stop", `{}`), http.StatusBadRequest, &p)
		assert.Equal(t, apierrors.TypeValidation, p.Type)
	})
}

func TestStartBatchValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"end before start", batchBody("b1", 5, 2, 1), "endNumber"},
		{"zero concurrency", batchBody("b1", 1, 2, 0), "concurrency"},
		{"zero start", batchBody("b1", 0, 2, 1), "startNumber"},
		{"missing payload", `{"startNumber":1,"endNumber":2,"concurrency":1}`, "payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p problem
			decodeBody(t, ts.post(t, "/api/batches", tt.body), http.StatusBadRequest, &p)
			assert.Equal(t, apierrors.TypeValidation, p.Type)
			require.NotEmpty(t, p.Errors)
			assert.Equal(t, tt.field, p.Errors[0].Field)
		})
	}

	t.Run("too many tasks", func(t *testing.T) {
		var p problem
		decodeBody(t, ts.post(t, "/api/batches", batchBody("b1", 1, 51, 4)), http.StatusBadRequest, &p)
		assert.Equal(t, apierrors.TypeValidation, p.Type)
		assert.Contains(t, p.Detail, "50 tasks")
	})

	assert.Zero(t, ts.gen.TotalCalls())
}

func TestUnknownBatch(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{
		"/api/batches/nope",
		"/api/batches/nope/logs",
		"/api/batches/nope/report.xlsx",
		"/api/batches/nope/report.csv",
	} {
		t.Run(path, func(t *testing.T) {
			var p problem
			decodeBody(t, ts.get(t, path), http.StatusNotFound, &p)
			assert.Equal(t, apierrors.TypeBatchNotFound, p.Type)
		})
	}

	var p problem
	decodeBody(t, ts.post(t, "/api/batches/stop", `{"batchId":"nope"}`), http.StatusNotFound, &p)
	assert.Equal(t, apierrors.TypeBatchNotFound, p.Type)
}
