// Package model defines the core data types shared across the analysis engine.
package model

import "time"

// SessionStatus is the overall status of one analysis run.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// Phase identifies one of the three pipeline stages.
type Phase string

const (
	PhaseCollect    Phase = "collect"
	PhaseSynthesize Phase = "synthesize"
	PhaseRender     Phase = "render"
)

// Phases lists the pipeline stages in execution order.
func Phases() []Phase {
	return []Phase{PhaseCollect, PhaseSynthesize, PhaseRender}
}

// Session is the persisted record of a single analysis run. It is owned by
// the orchestrator and mutated only through the session store.
type Session struct {
	ID        string        `json:"id"`
	Query     string        `json:"query"`
	Status    SessionStatus `json:"status"`
	Phase     Phase         `json:"phase"`
	Modules   []ModuleState `json:"modules"`
	Artifacts []Artifact    `json:"artifacts,omitempty"`
	Report    *Report       `json:"report,omitempty"`
	// Version increases on every mutation; used to detect lost updates.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Module returns the state of the named module, or nil if absent.
func (s *Session) Module(name string) *ModuleState {
	for i := range s.Modules {
		if s.Modules[i].Name == name {
			return &s.Modules[i]
		}
	}
	return nil
}

// FailedModules returns the names of modules in failed status, in declared order.
func (s *Session) FailedModules() []string {
	var names []string
	for _, m := range s.Modules {
		if m.Status == ModuleStatusFailed {
			names = append(names, m.Name)
		}
	}
	return names
}

// DegradedModules returns modules that completed with a degraded input.
func (s *Session) DegradedModules() []string {
	var names []string
	for _, m := range s.Modules {
		if m.Degraded {
			names = append(names, m.Name)
		}
	}
	return names
}
