package orchestrator

import "fmt"

// ConfigurationError is a fatal plan error caught before the session starts,
// e.g. a cyclic module dependency. It is never produced at runtime.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "orchestrator: invalid plan: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a store failure. The orchestrator halts the session
// rather than proceed with unpersisted state, preserving the crash-recovery
// guarantee.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("orchestrator: persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// QualityGateFailure reports synthesis output that stayed below the quality
// threshold after provider rotation.
type QualityGateFailure struct {
	Module    string
	Score     float64
	Threshold float64
}

func (e *QualityGateFailure) Error() string {
	return fmt.Sprintf("orchestrator: module %s scored %.2f below quality threshold %.2f", e.Module, e.Score, e.Threshold)
}
