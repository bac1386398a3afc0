package operations

import (
	"log/slog"
	"sync"
	"time"
)

// Snapshot kinds
const (
	KindLesson = "lesson"
	KindBatch  = "batch"
)

// StatusBroadcaster owns the client-facing view of every lesson and batch
// run and pushes complete snapshots to the WebSocket hub. Updates are applied
// one at a time by a single goroutine.
type StatusBroadcaster struct {
	mu         sync.RWMutex
	operations map[string]*OperationSnapshot
	lastSent   map[string]time.Time
	hub        WebSocketHub
	logger     *slog.Logger
	updates    chan updateRequest
	stop       chan struct{}
	stopOnce   sync.Once

	// ProgressInterval is the minimum gap between two progress-only
	// broadcasts of the same run. Status changes are always sent.
	ProgressInterval time.Duration
}

// OperationSnapshot is the complete state of a run as sent to clients
type OperationSnapshot struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Status      string         `json:"status"`
	CurrentStep string         `json:"current_step,omitempty"`
	Steps       []StepSnapshot `json:"steps"`
	Completed   int            `json:"completed"`
	Failed      int            `json:"failed"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// StepSnapshot is the state of one stage or batch item
type StepSnapshot struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Chars   int    `json:"chars"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type updateRequest struct {
	operationID string
	kind        string
	progress    bool
	updateFunc  func(*OperationSnapshot)
	done        chan struct{}
}

// NewStatusBroadcaster creates a new status broadcaster
func NewStatusBroadcaster(hub WebSocketHub, logger *slog.Logger) *StatusBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}

	sb := &StatusBroadcaster{
		operations:       make(map[string]*OperationSnapshot),
		lastSent:         make(map[string]time.Time),
		hub:              hub,
		logger:           logger,
		updates:          make(chan updateRequest, 100),
		stop:             make(chan struct{}),
		ProgressInterval: 250 * time.Millisecond,
	}

	go sb.processUpdates()

	return sb
}

func (sb *StatusBroadcaster) processUpdates() {
	for {
		select {
		case <-sb.stop:
			return
		case req := <-sb.updates:
			sb.handleUpdate(req)
		}
	}
}

func (sb *StatusBroadcaster) handleUpdate(req updateRequest) {
	defer close(req.done)

	sb.mu.Lock()
	now := time.Now()
	snapshot, exists := sb.operations[req.operationID]
	if !exists {
		snapshot = &OperationSnapshot{
			ID:        req.operationID,
			Kind:      req.kind,
			Status:    "pending",
			StartedAt: now,
			Steps:     []StepSnapshot{},
		}
		sb.operations[req.operationID] = snapshot
	}

	before := snapshot.Status
	req.updateFunc(snapshot)
	snapshot.UpdatedAt = now

	if isTerminalStatus(snapshot.Status) {
		if snapshot.CompletedAt == nil {
			completed := now
			snapshot.CompletedAt = &completed
		}
	} else {
		snapshot.CompletedAt = nil
	}

	if req.progress && snapshot.Status == before && now.Sub(sb.lastSent[req.operationID]) < sb.ProgressInterval {
		sb.mu.Unlock()
		return
	}
	sb.lastSent[req.operationID] = now
	out := snapshot.clone()
	sb.mu.Unlock()

	sb.broadcast(out)
}

func (sb *StatusBroadcaster) broadcast(snapshot *OperationSnapshot) {
	if sb.hub == nil {
		return
	}

	sb.logger.Debug("broadcasting operation snapshot",
		slog.String("operation_id", snapshot.ID),
		slog.String("kind", snapshot.Kind),
		slog.String("status", snapshot.Status),
		slog.String("current_step", snapshot.CurrentStep),
	)

	eventType := EventTypeLessonSnapshot
	if snapshot.Kind == KindBatch {
		eventType = EventTypeBatchSnapshot
	}
	sb.hub.BroadcastUpdate(eventType, snapshot.ID, "update", snapshot)
}

// UpdateStatus applies updateFunc to the snapshot of operationID and
// broadcasts the result. It waits until the update is applied.
func (sb *StatusBroadcaster) UpdateStatus(operationID string, updateFunc func(*OperationSnapshot)) {
	sb.send(updateRequest{operationID: operationID, updateFunc: updateFunc})
}

func (sb *StatusBroadcaster) send(req updateRequest) {
	req.done = make(chan struct{})
	select {
	case sb.updates <- req:
	case <-sb.stop:
		return
	}
	select {
	case <-req.done:
	case <-sb.stop:
	}
}

// CreateOperation registers a run with its stage or item IDs, all pending.
func (sb *StatusBroadcaster) CreateOperation(kind, operationID string, stepIDs []string) {
	sb.send(updateRequest{operationID: operationID, kind: kind, updateFunc: func(snapshot *OperationSnapshot) {
		snapshot.Kind = kind
		snapshot.Status = "pending"
		snapshot.Steps = make([]StepSnapshot, len(stepIDs))
		for i, id := range stepIDs {
			snapshot.Steps[i] = StepSnapshot{ID: id, Status: string(StepStatusPending)}
		}
		snapshot.Message = "created"
	}})
}

// StartOperation marks a run as running
func (sb *StatusBroadcaster) StartOperation(operationID string) {
	sb.UpdateStatus(operationID, func(snapshot *OperationSnapshot) {
		snapshot.Status = "running"
		snapshot.Error = ""
		snapshot.Message = "started"
	})
}

// UpdateStep sets the status of one stage or item
func (sb *StatusBroadcaster) UpdateStep(operationID, stepID string, status StepStatus, chars int, message, errText string) {
	sb.UpdateStatus(operationID, func(snapshot *OperationSnapshot) {
		step := snapshot.step(stepID)
		step.Status = string(status)
		step.Chars = chars
		step.Message = message
		step.Error = errText
		if status == StepStatusRunning {
			snapshot.CurrentStep = stepID
		} else if snapshot.CurrentStep == stepID {
			snapshot.CurrentStep = ""
		}
	})
}

// UpdateStepProgress records streamed characters. Progress broadcasts of the
// same run are throttled to ProgressInterval.
func (sb *StatusBroadcaster) UpdateStepProgress(operationID, stepID string, chars int) {
	sb.send(updateRequest{operationID: operationID, progress: true, updateFunc: func(snapshot *OperationSnapshot) {
		step := snapshot.step(stepID)
		if chars > step.Chars {
			step.Chars = chars
		}
	}})
}

// SetCounters sets the aggregate counters of a batch
func (sb *StatusBroadcaster) SetCounters(operationID string, completed, failed int) {
	sb.UpdateStatus(operationID, func(snapshot *OperationSnapshot) {
		snapshot.Completed = completed
		snapshot.Failed = failed
	})
}

// FinishOperation sets the terminal status of a run
func (sb *StatusBroadcaster) FinishOperation(operationID, status, message string) {
	sb.UpdateStatus(operationID, func(snapshot *OperationSnapshot) {
		snapshot.Status = status
		snapshot.CurrentStep = ""
		snapshot.Message = message
	})
}

// GetSnapshot returns a copy of the snapshot of a run
func (sb *StatusBroadcaster) GetSnapshot(operationID string) (*OperationSnapshot, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	snapshot, exists := sb.operations[operationID]
	if !exists {
		return nil, false
	}
	return snapshot.clone(), true
}

// GetAllSnapshots returns copies of all snapshots, used to prime new clients
func (sb *StatusBroadcaster) GetAllSnapshots() []*OperationSnapshot {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	snapshots := make([]*OperationSnapshot, 0, len(sb.operations))
	for _, snapshot := range sb.operations {
		snapshots = append(snapshots, snapshot.clone())
	}
	return snapshots
}

// CleanupOldOperations removes terminal runs older than maxAge
func (sb *StatusBroadcaster) CleanupOldOperations(maxAge time.Duration) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, snapshot := range sb.operations {
		if snapshot.CompletedAt != nil && now.Sub(*snapshot.CompletedAt) > maxAge {
			delete(sb.operations, id)
			delete(sb.lastSent, id)
			removed++
		}
	}
	if removed > 0 {
		sb.logger.Info("cleaned up old operations", slog.Int("count", removed))
	}
	return removed
}

// Stop shuts down the broadcaster
func (sb *StatusBroadcaster) Stop() {
	sb.stopOnce.Do(func() { close(sb.stop) })
}

func (s *OperationSnapshot) step(id string) *StepSnapshot {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	s.Steps = append(s.Steps, StepSnapshot{ID: id, Status: string(StepStatusPending)})
	return &s.Steps[len(s.Steps)-1]
}

func (s *OperationSnapshot) clone() *OperationSnapshot {
	c := *s
	c.Steps = append([]StepSnapshot(nil), s.Steps...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func isTerminalStatus(status string) bool {
	switch status {
	case string(UnitStatusCompleted), string(UnitStatusFailed), string(UnitStatusCancelled), "stopped":
		return true
	}
	return false
}
