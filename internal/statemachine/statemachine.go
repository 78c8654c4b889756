// Package statemachine holds the legal-transition table and
// timestamp-stamping rules for a task's lifecycle. It is a pure, in-memory
// lookup; persistence and race arbitration stay in the store.
package statemachine

import (
	"fmt"
	"time"

	"docpipe/internal/model"
)

// legalTransitions is the full edge set. Terminal states (completed,
// failed, cancelled) have no outgoing edges; they're absorbing.
var legalTransitions = map[model.TaskStatus][]model.TaskStatus{
	model.StatusPending: {
		model.StatusProcessing, model.StatusFailed, model.StatusCancelled,
	},
	model.StatusProcessing: {
		model.StatusCompleted, model.StatusFailed, model.StatusRetrying, model.StatusCancelled,
	},
	model.StatusRetrying: {
		model.StatusProcessing, model.StatusFailed, model.StatusCancelled,
	},
}

// ClaimableFrom is the set of statuses a worker's claim may transition out
// of: {pending, retrying}.
func ClaimableFrom() []model.TaskStatus {
	return []model.TaskStatus{model.StatusPending, model.StatusRetrying}
}

// IsLegal reports whether from -> to is an edge in the transition table.
// Anything not listed, including any edge out of a terminal state, is
// rejected.
func IsLegal(from, to model.TaskStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is returned by Apply when from -> to is not in the
// table.
type ErrIllegalTransition struct {
	From, To model.TaskStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// Apply validates task.Status -> to against the table, then stamps
// UpdatedAt (every transition) and CompletedAt (transitions into a
// terminal state only), mutating task.Status in place. It does not persist
// anything — callers combine it with a store's conditional update so the
// transition and the persistence race are checked atomically against the
// database's current row, not this in-memory copy.
func Apply(task *model.Task, to model.TaskStatus, now time.Time) error {
	if !IsLegal(task.Status, to) {
		return &ErrIllegalTransition{From: task.Status, To: to}
	}
	task.Status = to
	task.UpdatedAt = now
	if to.Terminal() {
		task.CompletedAt = &now
	}
	return nil
}

// StaleClaimCutoff returns the UpdatedAt threshold before which a
// `processing` task is considered abandoned by a dead worker and eligible
// for reclaim by a fresh claim: twice the per-stage timeout.
func StaleClaimCutoff(now time.Time, perStageTimeout time.Duration) time.Time {
	return now.Add(-2 * perStageTimeout)
}
