package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// MaxLineSize bounds a single line. A longer line is discarded along with
// the rest of its frame.
const MaxLineSize = 1 << 20

// Parser decodes frames from a byte stream delivered in arbitrary chunks.
// The current event type and any partial line survive between Feed calls.
//
// A data line that arrives before any event line of its frame has no type to
// be interpreted with; the whole frame is dropped and counted in Dropped.
// Frames with a line over MaxLineSize are dropped and counted the same way.
type Parser struct {
	partial  []byte
	event    string
	data     []string
	orphan   bool
	// skipping is set while the tail of an oversized line is discarded.
	skipping bool
	dropped  int
}

// Feed consumes one chunk and returns the frames it completed.
func (p *Parser) Feed(chunk []byte) []Event {
	p.partial = append(p.partial, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		raw := p.partial[:i]
		p.partial = p.partial[i+1:]
		if p.skipping || len(raw) > MaxLineSize {
			p.skipping = false
			p.orphan = true
			continue
		}

		if ev, ok := p.line(strings.TrimSuffix(string(raw), "\r")); ok {
			events = append(events, ev)
		}
	}
	if len(p.partial) > MaxLineSize {
		p.skipping = true
		p.orphan = true
		p.partial = nil
	}
	if len(p.partial) == 0 {
		p.partial = nil
	}
	return events
}

// Dropped returns how many frames were discarded, either for lacking an event
// type or for an oversized line.
func (p *Parser) Dropped() int {
	return p.dropped
}

// Reset clears all state, including the remembered event type.
func (p *Parser) Reset() {
	*p = Parser{}
}

func (p *Parser) line(line string) (Event, bool) {
	switch {
	case line == "":
		return p.dispatch()
	case strings.HasPrefix(line, ":"):
		return Event{}, false
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		p.event = value
	case "data":
		if p.event == "" {
			p.orphan = true
			return Event{}, false
		}
		p.data = append(p.data, value)
	}
	return Event{}, false
}

func (p *Parser) dispatch() (Event, bool) {
	event, data, orphan := p.event, p.data, p.orphan
	p.event, p.data, p.orphan = "", nil, false

	if orphan {
		p.dropped++
		return Event{}, false
	}
	if event == "" || len(data) == 0 {
		return Event{}, false
	}

	payload := json.RawMessage(strings.Join(data, "\n"))
	return Event{Type: event, Data: payload}, true
}

// ReadResult summarizes a consumed stream.
type ReadResult struct {
	Events      int
	SawComplete bool
	Dropped     int
}

// ReadAll pumps r until EOF, calling fn for each event. terminal names the
// event type that marks a finished run (EventComplete or EventBatchComplete);
// seeing it sets SawComplete. A non-nil error from fn stops reading.
//
// The returned error is nil on a clean EOF. A severed connection surfaces as
// the transport error; callers should treat both as "stream ended" and pull.
func ReadAll(ctx context.Context, r io.Reader, terminal string, fn func(Event) error) (ReadResult, error) {
	var (
		p   Parser
		res ReadResult
		buf = make([]byte, 4096)
	)

	for {
		if err := ctx.Err(); err != nil {
			res.Dropped = p.Dropped()
			return res, err
		}

		n, readErr := r.Read(buf)
		for _, ev := range p.Feed(buf[:n]) {
			res.Events++
			if ev.Type == terminal {
				res.SawComplete = true
			}
			if fn != nil {
				if err := fn(ev); err != nil {
					res.Dropped = p.Dropped()
					return res, err
				}
			}
		}

		if readErr != nil {
			res.Dropped = p.Dropped()
			if errors.Is(readErr, io.EOF) {
				return res, nil
			}
			return res, readErr
		}
	}
}
