package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonforge/internal/config"
)

func chunk(content, finish string) string {
	choice := map[string]interface{}{
		"index": 0,
		"delta": map[string]interface{}{"role": "assistant", "content": content},
	}
	if finish != "" {
		choice["finish_reason"] = finish
	} else {
		choice["finish_reason"] = nil
	}
	b, _ := json.Marshal(map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []interface{}{choice},
	})
	return "data: " + string(b) + "\n\n"
}

func newStreamServer(t *testing.T, chunks []string, seen *http.Header) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = r.Header.Clone()
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprint(w, c)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func newTestClient(srv *httptest.Server) *OpenAI {
	return NewOpenAI(config.GenerationConfig{
		Model:       "gpt-4o-mini",
		APIKey:      "sk-config",
		BaseURL:     srv.URL + "/",
		MaxTokens:   100,
		Temperature: 0.5,
	}, nil, option.WithMaxRetries(0))
}

func TestOpenAIStream(t *testing.T) {
	var headers http.Header
	srv := newStreamServer(t, []string{chunk("Hel", ""), chunk("lo ", ""), chunk("world", "stop")}, &headers)
	defer srv.Close()

	var deltas []string
	var totals []int
	res, err := newTestClient(srv).Stream(context.Background(), Request{Stage: "primary", Prompt: "hi", APIKey: "sk-run"},
		func(delta string, total int) error {
			deltas = append(deltas, delta)
			totals = append(totals, total)
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", res.Content)
	assert.Equal(t, 11, res.Chars)
	assert.False(t, res.Truncated)
	assert.Equal(t, []string{"Hel", "lo ", "world"}, deltas)
	assert.Equal(t, []int{3, 6, 11}, totals)
	assert.Equal(t, "Bearer sk-run", headers.Get("Authorization"), "snapshot key overrides the configured one")
}

func TestOpenAIStreamTruncated(t *testing.T) {
	srv := newStreamServer(t, []string{chunk("partial", "length")}, nil)
	defer srv.Close()

	res, err := newTestClient(srv).Stream(context.Background(), Request{Prompt: "hi"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, "length", res.FinishReason)
}

func TestOpenAIStreamAbortedByCallback(t *testing.T) {
	srv := newStreamServer(t, []string{chunk("a", ""), chunk("b", ""), chunk("c", "stop")}, nil)
	defer srv.Close()

	stop := errors.New("stop")
	res, err := newTestClient(srv).Stream(context.Background(), Request{Prompt: "hi"}, func(string, int) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, "a", res.Content)
}

func TestOpenAIStreamEmpty(t *testing.T) {
	srv := newStreamServer(t, nil, nil)
	defer srv.Close()

	_, err := newTestClient(srv).Stream(context.Background(), Request{Prompt: "hi"}, nil)
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestOpenAIStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Stream(context.Background(), Request{Prompt: "hi"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
