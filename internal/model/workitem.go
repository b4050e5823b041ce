// Package model holds the data shapes shared across pollers, dispatch, and the
// agent manager: work items, revisions, spec files, and agent sessions.
package model

import "time"

// WorkItemStatus is one of the closed set of statuses that drives scheduling.
type WorkItemStatus string

const (
	StatusPending         WorkItemStatus = "pending"
	StatusUnblocked       WorkItemStatus = "unblocked"
	StatusNeedsChanges    WorkItemStatus = "needs-changes"
	StatusInProgress      WorkItemStatus = "in-progress"
	StatusReview          WorkItemStatus = "review"
	StatusNeedsRefinement WorkItemStatus = "needs-refinement"
	StatusBlocked         WorkItemStatus = "blocked"
	StatusApproved        WorkItemStatus = "approved"
)

// TrackedLabel is the label that marks an issue as a tracked work item.
const TrackedLabel = "task:implement"

// InProgressLabel is the label startup recovery looks for to find orphaned work items.
const InProgressLabel = "status:in-progress"

// WorkItem is a unit of tracked development work, identified by its tracker issue number.
type WorkItem struct {
	ID         int
	Title      string
	Body       string
	Status     WorkItemStatus
	Priority   string
	Complexity string
	BlockedBy  []int
	CreatedAt  time.Time
}

// WorkItemChanged carries the before/after status of a work item observed by the poller.
type WorkItemChanged struct {
	OldStatus         WorkItemStatus
	NewStatus         WorkItemStatus // empty means "removed"
	WorkItem          WorkItem
	IsRecovery        bool // synthetic event from startup recovery
	IsEngineTransition bool // synthetic event from completion-dispatch
}

// FirstObservation reports whether this change represents the poller seeing the
// work item for the first time (no prior snapshot entry).
func (c WorkItemChanged) FirstObservation() bool {
	return c.OldStatus == ""
}

// Removed reports whether the work item disappeared from the tracker.
func (c WorkItemChanged) Removed() bool {
	return c.NewStatus == ""
}
