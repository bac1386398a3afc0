// Package stream implements the progress-streaming protocol: a server-sent
// event writer, an incremental frame parser, and the pull/poll fallback that
// recovers a result from the staging store when the stream ends early.
//
// Frames on the wire look like
//
//	event: progress
//	data: {"stage":"primary","chars":120}
//
// and are terminated by a blank line. Lines starting with ':' are comments.
package stream

import "encoding/json"

// Unit stream event types.
const (
	EventProgress      = "progress"
	EventStageComplete = "stage-complete"
	EventStageError    = "stage-error"
	EventComplete      = "complete"
	EventError         = "error"
)

// Batch stream event types.
const (
	EventBatchStart    = "batch-start"
	EventTaskStart     = "task-start"
	EventTaskProgress  = "task-progress"
	EventTaskComplete  = "task-complete"
	EventTaskError     = "task-error"
	EventBatchComplete = "batch-complete"
)

// Event is one decoded frame.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Sink receives events produced by a run. Implementations must be safe for
// concurrent use; stages of one unit send from different goroutines.
type Sink interface {
	Send(event string, payload interface{}) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event string, payload interface{}) error

// Send calls f.
func (f SinkFunc) Send(event string, payload interface{}) error {
	return f(event, payload)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(string, interface{}) error { return nil })
