package models

import "fmt"

// RecoveryOp enumerates the admin/automated actions that re-enter the state
// machine from a non-terminal or failed state.
type RecoveryOp string

const (
	OpRetry          RecoveryOp = "retry"
	OpSkipExecution  RecoveryOp = "skip-phase-2"
	OpForceReanalyze RecoveryOp = "force-reanalyze"
	OpResume         RecoveryOp = "resume"
	OpStop           RecoveryOp = "stop"
	OpDelete         RecoveryOp = "delete"
	OpFixStuck       RecoveryOp = "fix-stuck"
)

// Enqueues reports whether the operation re-enters the work queue.
func (op RecoveryOp) Enqueues() bool {
	switch op {
	case OpRetry, OpSkipExecution, OpForceReanalyze, OpResume:
		return true
	}
	return false
}

// Logged reports whether the operation appends a reprocess-log entry.
// stop and delete end the job rather than re-enter it, so they are not
// counted toward reprocess velocity.
func (op RecoveryOp) Logged() bool {
	return op != OpStop && op != OpDelete
}

// RecoveryTransition maps (operation, old status, old phase) to the state the
// operation writes. Phases only ever regress through this function; nothing
// else in the system moves current_phase backward.
func RecoveryTransition(op RecoveryOp, status Status, phase Phase) (Status, Phase, error) {
	switch op {
	case OpRetry:
		return StatusProcessing, phase, nil
	case OpSkipExecution, OpForceReanalyze:
		return StatusProcessing, PhasePending, nil
	case OpResume:
		return StatusProcessing, PhaseFinalizing, nil
	case OpStop:
		return StatusStopped, phase, nil
	case OpDelete:
		return StatusCancelled, phase, nil
	case OpFixStuck:
		return StatusCompleted, PhaseCompleted, nil
	}
	return status, phase, fmt.Errorf("unknown recovery operation %q", op)
}

// QueueFlags returns the payload flags the operation's re-enqueue carries.
func (op RecoveryOp) QueueFlags() (skipExecution, forceReanalyze, skipAnalysis bool) {
	switch op {
	case OpSkipExecution:
		return true, false, false
	case OpForceReanalyze:
		return true, true, false
	case OpResume:
		return true, false, true
	}
	return false, false, false
}
