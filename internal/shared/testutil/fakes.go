package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"lessonforge/internal/generator"
	"lessonforge/internal/stream"
	"lessonforge/internal/uploader"
)

// Script is one scripted completion.
type Script struct {
	Chunks    []string
	Err       error
	Truncated bool
	// Block makes the call wait for its context after sending Chunks.
	Block bool
	// Gate, when set, must be closed (or the context done) before the call
	// returns.
	Gate <-chan struct{}
}

type scriptRule struct {
	match   func(generator.Request) bool
	scripts []Script
	used    int
}

// ScriptedGenerator replays scripted completions. Rules are consulted in the
// order they were added; each rule replays its scripts in order and repeats
// the last one. Unmatched calls produce "<stage> content".
type ScriptedGenerator struct {
	mu       sync.Mutex
	rules    []*scriptRule
	calls    map[string]int
	requests []generator.Request
	started  chan generator.Request
	inflight int
	peak     int
}

// NewScriptedGenerator creates an empty generator.
func NewScriptedGenerator() *ScriptedGenerator {
	return &ScriptedGenerator{
		calls:   make(map[string]int),
		started: make(chan generator.Request, 256),
	}
}

// On scripts calls for a stage.
func (g *ScriptedGenerator) On(stage string, scripts ...Script) *ScriptedGenerator {
	return g.When(func(r generator.Request) bool { return r.Stage == stage }, scripts...)
}

// OnPrompt scripts calls whose prompt contains substr.
func (g *ScriptedGenerator) OnPrompt(substr string, scripts ...Script) *ScriptedGenerator {
	return g.When(func(r generator.Request) bool { return strings.Contains(r.Prompt, substr) }, scripts...)
}

// When scripts calls matching pred.
func (g *ScriptedGenerator) When(pred func(generator.Request) bool, scripts ...Script) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, &scriptRule{match: pred, scripts: scripts})
	return g
}

// Started delivers every request as its call begins.
func (g *ScriptedGenerator) Started() <-chan generator.Request {
	return g.started
}

// Calls returns how many times stage was requested.
func (g *ScriptedGenerator) Calls(stage string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[stage]
}

// TotalCalls returns the number of requests across stages.
func (g *ScriptedGenerator) TotalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// MaxConcurrent returns the highest number of calls seen in flight at once.
func (g *ScriptedGenerator) MaxConcurrent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

// InFlight returns the number of calls currently in progress.
func (g *ScriptedGenerator) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

// Requests returns a copy of every request seen.
func (g *ScriptedGenerator) Requests() []generator.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]generator.Request(nil), g.requests...)
}

func (g *ScriptedGenerator) next(req generator.Request) Script {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[req.Stage]++
	g.requests = append(g.requests, req)
	g.inflight++
	if g.inflight > g.peak {
		g.peak = g.inflight
	}

	for _, r := range g.rules {
		if !r.match(req) || len(r.scripts) == 0 {
			continue
		}
		i := r.used
		if i >= len(r.scripts) {
			i = len(r.scripts) - 1
		}
		r.used++
		return r.scripts[i]
	}
	return Script{Chunks: []string{req.Stage, " content"}}
}

// Stream implements generator.Generator.
func (g *ScriptedGenerator) Stream(ctx context.Context, req generator.Request, onDelta generator.DeltaFunc) (generator.Result, error) {
	s := g.next(req)
	defer func() {
		g.mu.Lock()
		g.inflight--
		g.mu.Unlock()
	}()
	select {
	case g.started <- req:
	default:
	}

	var b strings.Builder
	for _, c := range s.Chunks {
		if err := ctx.Err(); err != nil {
			return generator.Result{}, err
		}
		b.WriteString(c)
		if onDelta != nil {
			if err := onDelta(c, utf8.RuneCountInString(b.String())); err != nil {
				return generator.Result{}, err
			}
		}
	}

	if s.Block {
		<-ctx.Done()
		return generator.Result{}, ctx.Err()
	}
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return generator.Result{}, ctx.Err()
		}
	}
	if s.Err != nil {
		return generator.Result{}, s.Err
	}
	if b.Len() == 0 {
		return generator.Result{}, generator.ErrEmptyCompletion
	}
	res := generator.Result{
		Content:      b.String(),
		Chars:        utf8.RuneCountInString(b.String()),
		FinishReason: "stop",
		Truncated:    s.Truncated,
	}
	if s.Truncated {
		res.FinishReason = "length"
	}
	return res, nil
}

// MemoryUploader keeps uploads in memory.
type MemoryUploader struct {
	mu    sync.Mutex
	files map[string]string
	// Fail, when set, is consulted before each upload.
	Fail func(a uploader.Artifact) error
}

// NewMemoryUploader creates an empty uploader.
func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{files: make(map[string]string)}
}

// Upload implements uploader.Uploader.
func (u *MemoryUploader) Upload(ctx context.Context, a uploader.Artifact) (uploader.Result, error) {
	if err := ctx.Err(); err != nil {
		return uploader.Result{}, err
	}
	if u.Fail != nil {
		if err := u.Fail(a); err != nil {
			return uploader.Result{}, err
		}
	}
	path := a.Name
	if a.Folder != "" {
		path = a.Folder + "/" + a.Name
	}
	u.mu.Lock()
	u.files[path] = string(a.Content)
	u.mu.Unlock()
	return uploader.Result{ID: path, Filename: a.Name, URL: "mem://" + path}, nil
}

// Files returns a copy of the uploaded files keyed by folder/name.
func (u *MemoryUploader) Files() map[string]string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]string, len(u.files))
	for k, v := range u.files {
		out[k] = v
	}
	return out
}

// RecordingSink records events in the order they were sent.
type RecordingSink struct {
	mu     sync.Mutex
	events []stream.Event
	// Fail makes every Send return an error after recording.
	Fail bool
}

// Send implements stream.Sink.
func (s *RecordingSink) Send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(s.events, stream.Event{Type: event, Data: data})
	s.mu.Unlock()
	if s.Fail {
		return errors.New("observer gone")
	}
	return nil
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Event(nil), s.events...)
}

// OfType returns the recorded events of one type.
func (s *RecordingSink) OfType(event string) []stream.Event {
	var out []stream.Event
	for _, e := range s.Events() {
		if e.Type == event {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the recorded event types in order.
func (s *RecordingSink) Types() []string {
	var out []string
	for _, e := range s.Events() {
		out = append(out, e.Type)
	}
	return out
}

// Last returns the last recorded event of a type.
func (s *RecordingSink) Last(event string) (stream.Event, error) {
	evs := s.OfType(event)
	if len(evs) == 0 {
		return stream.Event{}, fmt.Errorf("no %s event recorded", event)
	}
	return evs[len(evs)-1], nil
}

// HubMessage is one broadcast captured by MockHub.
type HubMessage struct {
	EventType string
	Step      string
	Status    string
	Metadata  interface{}
}

// MockHub records broadcasts.
type MockHub struct {
	mu       sync.Mutex
	messages []HubMessage
}

// BroadcastUpdate records the call.
func (h *MockHub) BroadcastUpdate(eventType, step, status string, metadata interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, HubMessage{EventType: eventType, Step: step, Status: status, Metadata: metadata})
}

// Messages returns a copy of the recorded broadcasts.
func (h *MockHub) Messages() []HubMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HubMessage(nil), h.messages...)
}
