package websocket

import (
	"errors"
	"sync"
	"time"
)

var errMockClosed = errors.New("connection closed")

type mockMessage struct {
	Type int
	Data []byte
}

// mockConnection replays queued inbound frames and records outbound ones.
// ReadMessage blocks once the queue is empty until Close is called.
type mockConnection struct {
	mu      sync.Mutex
	written []mockMessage
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
	limit   int64
}

func newMockConnection(inbound ...[]byte) *mockConnection {
	m := &mockConnection{
		inbound: make(chan []byte, len(inbound)),
		closed:  make(chan struct{}),
	}
	for _, msg := range inbound {
		m.inbound <- msg
	}
	return m
}

func (m *mockConnection) WriteMessage(messageType int, data []byte) error {
	select {
	case <-m.closed:
		return errMockClosed
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, mockMessage{Type: messageType, Data: append([]byte(nil), data...)})
	return nil
}

func (m *mockConnection) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-m.inbound:
		return 1, msg, nil
	case <-m.closed:
		return 0, nil, errMockClosed
	}
}

func (m *mockConnection) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConnection) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConnection) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConnection) SetPongHandler(func(string) error) {}
func (m *mockConnection) RemoteAddr() string                { return "127.0.0.1:9999" }

func (m *mockConnection) SetReadLimit(limit int64) {
	m.mu.Lock()
	m.limit = limit
	m.mu.Unlock()
}

func (m *mockConnection) Written() []mockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockMessage(nil), m.written...)
}

func (m *mockConnection) readLimit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limit
}
