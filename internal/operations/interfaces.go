package operations

import "lessonforge/internal/staging"

// WebSocketHub interface for sending WebSocket messages
type WebSocketHub interface {
	BroadcastUpdate(eventType, step, status string, metadata interface{})
}

// Stager keeps stage output retrievable after the stream ends.
type Stager interface {
	Put(key, content string, meta map[string]interface{})
}

// Store satisfies Stager.
var _ Stager = (*staging.Store)(nil)

// StageKey is the staging key of one stage's content.
func StageKey(runID, stage string) string {
	return runID + "/" + stage
}
