package model

import "time"

// ModuleKind distinguishes the three kinds of pipeline work.
type ModuleKind string

const (
	ModuleKindCollect    ModuleKind = "collect"
	ModuleKindSynthesize ModuleKind = "synthesize"
	ModuleKindRender     ModuleKind = "render"
)

// Phase maps a module kind to the pipeline phase that runs it.
func (k ModuleKind) Phase() Phase {
	switch k {
	case ModuleKindCollect:
		return PhaseCollect
	case ModuleKindSynthesize:
		return PhaseSynthesize
	default:
		return PhaseRender
	}
}

// ModuleStatus is the lifecycle status of a single module within a session.
type ModuleStatus string

const (
	ModuleStatusPending ModuleStatus = "pending"
	ModuleStatusRunning ModuleStatus = "running"
	ModuleStatusDone    ModuleStatus = "done"
	ModuleStatusFailed  ModuleStatus = "failed"
	ModuleStatusSkipped ModuleStatus = "skipped"
)

// Terminal reports whether the status is final for this attempt.
func (s ModuleStatus) Terminal() bool {
	switch s {
	case ModuleStatusDone, ModuleStatusFailed, ModuleStatusSkipped:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a status change is legal. Transitions are
// monotonic: a terminal module never returns to pending except through an
// explicit operator retry, which is modeled as a reset, not a transition.
func (s ModuleStatus) CanTransition(to ModuleStatus) bool {
	if s == to {
		return false
	}
	switch s {
	case ModuleStatusPending:
		return to == ModuleStatusRunning || to == ModuleStatusSkipped || to == ModuleStatusFailed
	case ModuleStatusRunning:
		return to == ModuleStatusDone || to == ModuleStatusFailed || to == ModuleStatusSkipped
	default:
		return false
	}
}

// ModuleSpec declares one unit of pipeline work in an analysis plan.
type ModuleSpec struct {
	Name       string     `yaml:"name" json:"name"`
	Kind       ModuleKind `yaml:"kind" json:"kind"`
	Required   bool       `yaml:"required" json:"required"`
	DependsOn  []string   `yaml:"depends_on" json:"depends_on,omitempty"`
	Source     string     `yaml:"source" json:"source,omitempty"`         // collect: source descriptor
	Capability string     `yaml:"capability" json:"capability,omitempty"` // synthesize/render: AI capability
	Prompt     string     `yaml:"prompt" json:"prompt,omitempty"`
}

// ModuleState is the runtime status of a module within a session.
type ModuleState struct {
	Name      string       `json:"name"`
	Kind      ModuleKind   `json:"kind"`
	Required  bool         `json:"required"`
	DependsOn []string     `json:"depends_on,omitempty"`
	Status    ModuleStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	ResultRef string       `json:"result_ref,omitempty"`
	// Degraded marks a module that ran against a synthetic empty artifact
	// because an optional dependency failed.
	Degraded   bool       `json:"degraded,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
