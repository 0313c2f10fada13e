package entity

import (
	"time"

	"github.com/fredabila/orcbot/internal/domain/valueobject"
)

// DelegatedTask is orchestrator-level work assigned to a worker AgentInstance
// (spec §3, §4.6).
type DelegatedTask struct {
	ID          string                          `json:"id"`
	Description string                          `json:"description"`
	AssignedTo  string                          `json:"assignedTo,omitempty"`
	Status      valueobject.DelegatedTaskStatus `json:"status"`
	Priority    int                             `json:"priority"`
	Result      string                          `json:"result,omitempty"`
	Error       string                          `json:"error,omitempty"`
	CreatedAt   time.Time                       `json:"createdAt"`
	CompletedAt *time.Time                      `json:"completedAt,omitempty"`
}

// NewDelegatedTask constructs a pending task.
func NewDelegatedTask(id, description string, priority int) *DelegatedTask {
	return &DelegatedTask{
		ID:          id,
		Description: description,
		Status:      valueobject.TaskPending,
		Priority:    priority,
		CreatedAt:   time.Now(),
	}
}

// IsAssignedConsistent checks the invariant from spec §3:
// assignedTo set ⇔ status ∈ {assigned, in-progress, completed, failed}.
func (t *DelegatedTask) IsAssignedConsistent() bool {
	assigned := t.AssignedTo != ""
	switch t.Status {
	case valueobject.TaskAssigned, valueobject.TaskInProgress:
		return assigned
	case valueobject.TaskPending:
		return !assigned
	default:
		// completed/failed may retain assignedTo (the worker that did the
		// work) or may have been cleared by a revert; both are valid.
		return true
	}
}
