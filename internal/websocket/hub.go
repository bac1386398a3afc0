package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"lessonforge/internal/infrastructure"
)

// Message types sent by the hub
const (
	TypeConnection    = "connection"
	TypeLessonUpdate  = "lesson:snapshot"
	TypeBatchUpdate   = "batch:snapshot"
	TypeHeartbeat     = "heartbeat"
	defaultSendBuffer = 256
)

// Message is the envelope of every frame written to clients
type Message struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Action    string      `json:"action,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// ReplayFunc returns the messages a newly connected client receives before
// any live update, so it starts from the current state.
type ReplayFunc func() []Message

// Stats is a point-in-time view of the hub counters
type Stats struct {
	ActiveClients    int   `json:"active_clients"`
	TotalConnections int64 `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	MessagesDropped  int64 `json:"messages_dropped"`
}

// Hub maintains the set of active clients and fans broadcasts out to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *Metrics
	replay  ReplayFunc
	now     func() time.Time

	totalConnections int64
	messagesSent     int64
	messagesReceived int64
	messagesDropped  int64

	quit    chan struct{}
	done    chan struct{}
	running bool
}

// NewHub creates a hub. Call Start before registering clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, defaultSendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		now:        time.Now,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetMetrics attaches OpenTelemetry instruments. Must be called before Start.
func (h *Hub) SetMetrics(m *Metrics) { h.metrics = m }

// SetReplay sets the source of the state replayed to new clients. Must be
// called before Start.
func (h *Hub) SetReplay(fn ReplayFunc) { h.replay = fn }

// Start runs the hub loop in a goroutine. It is idempotent.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	go h.Run()
}

// Run is the hub loop. It returns after Stop.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("hub_stopped")
			return

		case client := <-h.register:
			h.add(client)

		case client := <-h.unregister:
			h.remove(client, "closed")

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.totalConnections++
	count := len(h.clients)
	h.mu.Unlock()

	ctx := client.context()
	h.metrics.connected(ctx)
	h.logger.InfoContext(ctx, "client_registered",
		slog.String("client_id", client.id),
		slog.String("remote_addr", client.remoteAddr),
		slog.Int("total_clients", count))

	welcome := Message{
		Type:      TypeConnection,
		Data:      map[string]string{"status": "connected", "client_id": client.id},
		Timestamp: h.now(),
		TraceID:   client.traceID,
	}
	h.deliver(client, welcome)
	if h.replay != nil {
		for _, msg := range h.replay() {
			h.deliver(client, msg)
		}
	}
}

// deliver queues one message for a single client without blocking the loop
func (h *Hub) deliver(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("message_marshal_failed",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()))
		return
	}
	select {
	case client.send <- data:
	default:
		h.countDrop(client.context(), "client_buffer_full")
	}
}

func (h *Hub) remove(client *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	count := len(h.clients)
	h.mu.Unlock()

	ctx := client.context()
	h.metrics.disconnected(ctx)
	h.logger.InfoContext(ctx, "client_unregistered",
		slog.String("client_id", client.id),
		slog.String("reason", reason),
		slog.Int("total_clients", count),
		slog.Duration("connection_duration", time.Since(client.connectedAt)))
}

func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- message:
			h.mu.Lock()
			h.messagesSent++
			h.mu.Unlock()
		default:
			// slow consumer
			h.countDrop(client.context(), "client_buffer_full")
			h.remove(client, "slow_consumer")
		}
	}
	h.logger.Debug("broadcast_sent",
		slog.Int("client_count", len(clients)),
		slog.Int("message_size", len(message)))
}

// BroadcastUpdate queues a message for every client. It satisfies the hub
// interface of the status broadcaster and never blocks: when the queue is
// full or the hub is stopped the message is dropped.
func (h *Hub) BroadcastUpdate(eventType, id, action string, data interface{}) {
	h.Broadcast(Message{
		Type:      eventType,
		ID:        id,
		Action:    action,
		Data:      data,
		Timestamp: h.now(),
	})
}

// Broadcast queues a prepared message for every client
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("message_marshal_failed",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()))
		return
	}
	select {
	case <-h.quit:
		return
	default:
	}
	select {
	case h.broadcast <- data:
	default:
		h.countDrop(context.Background(), "broadcast_queue_full")
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
		close(client.send)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns the hub counters
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		ActiveClients:    len(h.clients),
		TotalConnections: h.totalConnections,
		MessagesSent:     h.messagesSent,
		MessagesReceived: h.messagesReceived,
		MessagesDropped:  h.messagesDropped,
	}
}

// Stop closes every client and ends the hub loop. It is idempotent; a
// stopped hub cannot be restarted.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
	<-h.done
}

func (h *Hub) received(ctx context.Context, size int) {
	h.mu.Lock()
	h.messagesReceived++
	h.mu.Unlock()
	h.metrics.message(ctx, "in", size)
}

func (h *Hub) countDrop(ctx context.Context, reason string) {
	h.mu.Lock()
	h.messagesDropped++
	h.mu.Unlock()
	h.metrics.drop(ctx, reason)
	h.logger.WarnContext(ctx, "message_dropped", slog.String("reason", reason))
}
