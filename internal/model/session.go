package model

import "time"

// AgentRole is one of the three agent classes the engine dispatches.
type AgentRole string

const (
	RolePlanner     AgentRole = "planner"
	RoleImplementor AgentRole = "implementor"
	RoleReviewer    AgentRole = "reviewer"
)

// SessionStatus tracks an agent session's lifecycle stage.
type SessionStatus string

const (
	SessionRequested SessionStatus = "requested"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// SessionDescriptor is the read-only view of an agent session exposed to events and handlers.
type SessionDescriptor struct {
	Role        AgentRole
	SessionID   string
	Status      SessionStatus
	WorkItemID  int // zero for planner sessions
	HasWorkItem bool
	SpecPaths   []string
	BranchName  string
	LogFilePath string
	StartedAt   time.Time
}
