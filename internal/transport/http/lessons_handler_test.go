package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonforge/internal/classifier"
	apierrors "lessonforge/internal/errors"
	"lessonforge/internal/operations"
	"lessonforge/internal/shared/testutil"
	"lessonforge/internal/stream"
)

const runBody = `{"runId":"run-1","input":{"title":"Fractions","content":"Halves and quarters, 3月4日 class"},"config":{"model":"gpt-override","outputPath":"term-2"}}`

func TestRunLesson(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/lessons/run", runBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	events, res := readEvents(t, resp, stream.EventComplete)
	assert.True(t, res.SawComplete)
	types := eventTypes(events)
	require.NotEmpty(t, types)
	assert.Equal(t, stream.EventComplete, types[len(types)-1])

	var complete operations.CompleteEvent
	require.NoError(t, events[len(events)-1].Decode(&complete))
	assert.Equal(t, "run-1", complete.RunID)
	assert.Equal(t, operations.UnitStatusCompleted, complete.Status)
	assert.True(t, strings.HasSuffix(complete.Dates.Date, "-03-04"), complete.Dates.Date)
	assert.Len(t, complete.Uploads, 5)

	t.Run("snapshot", func(t *testing.T) {
		var view operations.UnitView
		ts.getJSON(t, "/api/lessons/run-1", http.StatusOK, &view)
		assert.Equal(t, operations.UnitStatusCompleted, view.Status)
		assert.Equal(t, "gpt-override", view.Snapshot.Model)
		assert.Equal(t, "standard", view.Snapshot.Template)
		assert.Equal(t, "term-2", view.Snapshot.OutputPath)
		assert.NotEmpty(t, view.Snapshot.KeyFingerprint)
		assert.Len(t, view.Steps, 5)
	})

	t.Run("staged output is readable over http", func(t *testing.T) {
		fetcher := stream.HTTPFetcher{BaseURL: ts.URL}
		entry, err := fetcher.Fetch(context.Background(), operations.StageKey("run-1", operations.StageDerivedB))
		require.NoError(t, err)
		assert.Equal(t, "derived-b content", entry.Content)

		entry, err = stream.NewPuller(fetcher).Pull(context.Background(), "run-1", true)
		require.NoError(t, err)
		assert.Equal(t, "primary content", entry.Content)
		assert.Equal(t, "completed", entry.Meta["status"])
	})

	t.Run("list and logs", func(t *testing.T) {
		var list struct {
			Items []operations.UnitView `json:"items"`
			Count int                   `json:"count"`
		}
		ts.getJSON(t, "/api/lessons", http.StatusOK, &list)
		assert.Equal(t, 1, list.Count)

		var logs struct {
			Count int `json:"count"`
		}
		ts.getJSON(t, "/api/lessons/run-1/logs", http.StatusOK, &logs)
		assert.Positive(t, logs.Count)
	})

	t.Run("duplicate run id is rejected before streaming", func(t *testing.T) {
		var p problem
		decodeBody(t, ts.post(t, "/api/lessons/run", runBody), http.StatusConflict, &p)
		assert.Equal(t, apierrors.TypeConflict, p.Type)
	})
}

func TestRunLessonValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		fields []string
	}{
		{"missing run id", `{"input":{"title":"Fractions"}}`, []string{"runId"}},
		{"run id with a slash", `{"runId":"a/b","input":{"title":"Fractions"}}`, []string{"runId"}},
		{"empty input", `{"runId":"run-2","input":{}}`, []string{"input.title", "input.content"}},
		{"unknown mode", `{"runId":"run-2","mode":"random","input":{"title":"x"}}`, []string{"mode"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p problem
			decodeBody(t, ts.post(t, "/api/lessons/run", tt.body), http.StatusBadRequest, &p)
			assert.Equal(t, apierrors.TypeValidation, p.Type)
			fields := make([]string, 0, len(p.Errors))
			for _, e := range p.Errors {
				fields = append(fields, e.Field)
			}
			assert.ElementsMatch(t, tt.fields, fields)
		})
	}
	assert.Zero(t, ts.gen.TotalCalls())
}

func TestRetryAndSkipStage(t *testing.T) {
	ts := newTestServer(t)
	ts.gen.On(operations.StagePrimary,
		testutil.Script{Err: errors.New("Error code: 401 - invalid api key")},
		testutil.Script{Chunks: []string{"primary content"}})

	events, _ := readEvents(t, ts.post(t, "/api/lessons/run", runBody), stream.EventComplete)
	last := events[len(events)-1]
	require.Equal(t, stream.EventError, last.Type)
	var failed operations.ErrorEvent
	require.NoError(t, last.Decode(&failed))
	require.NotNil(t, failed.Error)
	assert.Equal(t, classifier.KindInvalidCredentials, failed.Error.Kind)
	assert.False(t, failed.Error.Retryable)

	t.Run("derived retry needs primary", func(t *testing.T) {
		var p problem
		decodeBody(t, ts.post(t, "/api/lessons/run-1/stages/derived-a/retry", ""), http.StatusConflict, &p)
		assert.Equal(t, apierrors.TypeStageDependency, p.Type)
	})

	t.Run("unknown stage", func(t *testing.T) {
		var p problem
		decodeBody(t, ts.post(t, "/api/lessons/run-1/stages/derived-z/retry", ""), http.StatusBadRequest, &p)
		assert.Equal(t, apierrors.TypeValidation, p.Type)
	})

	t.Run("skip", func(t *testing.T) {
		var view operations.UnitView
		decodeBody(t, ts.post(t, "/api/lessons/run-1/stages/derived-b/skip", ""), http.StatusOK, &view)
		for _, s := range view.Steps {
			if s.ID == operations.StageDerivedB {
				assert.Equal(t, operations.StepStatusSkipped, s.Status)
			}
		}

		var p problem
		decodeBody(t, ts.post(t, "/api/lessons/run-1/stages/primary/skip", ""), http.StatusBadRequest, &p)
		assert.Equal(t, apierrors.TypeValidation, p.Type)
	})

	t.Run("primary retry streams the remaining stages", func(t *testing.T) {
		resp := ts.post(t, "/api/lessons/run-1/stages/primary/retry", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		events, res := readEvents(t, resp, stream.EventComplete)
		assert.True(t, res.SawComplete)

		completed := map[string]bool{}
		for _, e := range events {
			if e.Type != stream.EventStageComplete {
				continue
			}
			var sc operations.StageCompleteEvent
			require.NoError(t, e.Decode(&sc))
			completed[sc.Stage] = true
		}
		assert.True(t, completed[operations.StagePrimary])
		assert.False(t, completed[operations.StageDerivedB], "skipped stages stay skipped")
		assert.Len(t, completed, 4)
	})
}

func TestCancelLesson(t *testing.T) {
	ts := newTestServer(t)
	ts.gen.On(operations.StagePrimary, testutil.Script{Chunks: []string{"draft"}, Block: true})

	done := make(chan []stream.Event, 1)
	go func() {
		defer close(done)
		resp, err := http.Post(ts.URL+"/api/lessons/run", "application/json", strings.NewReader(runBody))
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var events []stream.Event
		_, _ = stream.ReadAll(context.Background(), resp.Body, stream.EventComplete, func(e stream.Event) error {
			events = append(events, e)
			return nil
		})
		done <- events
	}()
	waitStarted(t, ts.gen)

	var ack AckResponse
	decodeBody(t, ts.post(t, "/api/lessons/run-1/cancel", ""), http.StatusOK, &ack)
	assert.Equal(t, AckResponse{Status: "cancelling", ID: "run-1"}, ack)

	select {
	case events, ok := <-done:
		require.True(t, ok)
		require.NotEmpty(t, events)
		last := events[len(events)-1]
		require.Equal(t, stream.EventError, last.Type)
		var ev operations.ErrorEvent
		require.NoError(t, last.Decode(&ev))
		require.NotNil(t, ev.Error)
		assert.Equal(t, classifier.KindCancelled, ev.Error.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after cancel")
	}

	var view operations.UnitView
	ts.getJSON(t, "/api/lessons/run-1", http.StatusOK, &view)
	for _, s := range view.Steps {
		assert.Contains(t, []operations.StepStatus{operations.StepStatusError, operations.StepStatusCancelled}, s.Status, s.ID)
	}
}

func TestUnknownRun(t *testing.T) {
	ts := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/lessons/nope"},
		{http.MethodGet, "/api/lessons/nope/logs"},
		{http.MethodPost, "/api/lessons/nope/cancel"},
		{http.MethodPost, "/api/lessons/nope/stages/derived-a/skip"},
		{http.MethodPost, "/api/lessons/nope/stages/primary/retry"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			var resp *http.Response
			if tc.method == http.MethodGet {
				resp = ts.get(t, tc.path)
			} else {
				resp = ts.post(t, tc.path, "")
			}
			var p problem
			decodeBody(t, resp, http.StatusNotFound, &p)
			assert.Equal(t, apierrors.TypeRunNotFound, p.Type)
		})
	}
}
