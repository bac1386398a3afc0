package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/stretchr/testify/require"

	"lessonforge/internal/batch"
	"lessonforge/internal/config"
	apierrors "lessonforge/internal/errors"
	"lessonforge/internal/generator"
	"lessonforge/internal/middleware"
	"lessonforge/internal/operations"
	"lessonforge/internal/shared/testutil"
	"lessonforge/internal/staging"
	"lessonforge/internal/stream"
	ws "lessonforge/internal/websocket"
)

type testServer struct {
	*httptest.Server
	gen     *testutil.ScriptedGenerator
	up      *testutil.MemoryUploader
	store   *staging.Store
	manager *operations.Manager
	sched   *batch.Scheduler
	hub     *ws.Hub
	logs    *testutil.BufferedSlogHandler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, logs := testutil.NewTestLogger(t)
	prompts, err := generator.NewPromptBuilder("")
	require.NoError(t, err)

	ts := &testServer{
		gen:   testutil.NewScriptedGenerator(),
		up:    testutil.NewMemoryUploader(),
		store: staging.NewStore(staging.Options{}),
		logs:  logs,
	}
	step := operations.NewGenerationStep(ts.gen, prompts, ts.store, ts.up)
	retry := operations.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	ts.manager = operations.NewManager(operations.ManagerOptions{
		Step:   step,
		Stager: ts.store,
		Logger: logger,
		Retry:  retry,
	})
	ts.sched = batch.NewScheduler(batch.Options{
		Step:           step,
		Logger:         logger,
		Retry:          retry,
		MaxConcurrency: 8,
		MaxTasks:       50,
	})
	ts.hub = ws.NewHub(logger)
	ts.hub.Start()

	errs := apierrors.NewErrorHandler(logger, false)
	opts := Options{Logger: logger, Errors: errs, RequestTimeout: 5 * time.Second}
	gen := config.GenerationConfig{Model: "gpt-test", Template: "standard", APIKey: "sk-test", MaxTokens: 512}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.NotFound(errs.NotFound)
	r.MethodNotAllowed(errs.MethodNotAllowed)
	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Mount("/lessons", NewLessonsHandler(ts.manager, gen, opts).Routes())
		r.Mount("/batches", NewBatchesHandler(ts.sched, nil, gen, opts).Routes())
		r.Mount("/staging", NewStagingHandler(ts.store, opts).Routes())
		r.Mount("/health", NewHealthHandler("test", map[string]HealthCheck{
			"staging": SizeCheck(ts.store),
		}, logger).Routes())
	})
	r.Handle("/ws", NewWebSocketHandler(ts.hub, WebSocketOptions{}, logger))
	r.Handle("/metrics", NewMetricsHandler(nil, errs))

	ts.Server = httptest.NewServer(r)
	t.Cleanup(func() {
		ts.Server.Close()
		ts.manager.Wait()
		ts.sched.Wait()
		ts.hub.Stop()
	})
	return ts
}

func (ts *testServer) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	return resp
}

// getJSON fetches path, checks the status code and decodes the body
func (ts *testServer) getJSON(t *testing.T, path string, wantStatus int, v interface{}) {
	t.Helper()
	resp := ts.get(t, path)
	decodeBody(t, resp, wantStatus, v)
}

func decodeBody(t *testing.T, resp *http.Response, wantStatus int, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
}

// problem is the decoded form of a problem response
type problem struct {
	Type   string                      `json:"type"`
	Status int                         `json:"status"`
	Detail string                      `json:"detail"`
	Errors []apierrors.ValidationError `json:"errors"`
}

func readEvents(t *testing.T, resp *http.Response, terminal string) ([]stream.Event, stream.ReadResult) {
	t.Helper()
	defer resp.Body.Close()
	var events []stream.Event
	res, err := stream.ReadAll(context.Background(), resp.Body, terminal, func(e stream.Event) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)
	return events, res
}

func eventTypes(events []stream.Event) []string {
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
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
