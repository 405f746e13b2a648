package model

import "time"

// ProgressEvent describes one module status transition within a session.
// Events are published after the transition has been durably persisted.
type ProgressEvent struct {
	SessionID string       `json:"session_id"`
	Module    string       `json:"module"`
	OldStatus ModuleStatus `json:"old_status"`
	NewStatus ModuleStatus `json:"new_status"`
	Phase     Phase        `json:"phase"`
	Timestamp time.Time    `json:"timestamp"`
}
