// Package events implements the engine's synchronous multicast emitter and the
// single-consumer FIFO event queue that sits between producers (pollers, agent
// session monitors) and the engine's event-loop consumer.
package events

import (
	"time"

	"github.com/ridgeline-labs/controlplane/internal/model"
)

// Type identifies the kind of domain event flowing through the queue.
type Type string

const (
	TypeWorkItemChanged       Type = "workItemChanged"
	TypeSpecChanged           Type = "specChanged"
	TypeRevisionDetected      Type = "revisionDetected"
	TypeRevisionRemoved       Type = "revisionRemoved"
	TypeRevisionStatusChanged Type = "revisionStatusChanged"
	TypeAgentStarted          Type = "agentStarted"
	TypeAgentCompleted        Type = "agentCompleted"
	TypeAgentFailed           Type = "agentFailed"
)

// Terminal reports whether this event type is one of the two terminal agent
// events — the rejecting-mode allow-predicate during shutdown drain lets these through.
func (t Type) Terminal() bool {
	return t == TypeAgentCompleted || t == TypeAgentFailed
}

// Event is the envelope carried through the emitter and the queue. Exactly one
// of the typed payload fields is populated, matching Type.
type Event struct {
	Type      Type
	Timestamp time.Time

	WorkItemChanged *model.WorkItemChanged
	SpecChanged     *model.SpecChange

	RevisionNumber int
	RevisionOld    model.PipelineStatus
	RevisionNew    model.PipelineStatus

	Agent *AgentEvent
}

// AgentEvent is the payload for agentStarted/agentCompleted/agentFailed.
type AgentEvent struct {
	Role        model.AgentRole
	SessionID   string
	WorkItemID  int
	HasWorkItem bool
	SpecPaths   []string
	BranchName  string
	LogFilePath string
	ErrorMsg    string
}

// New stamps an event with the current time.
func New(t Type) Event {
	return Event{Type: t, Timestamp: time.Now().UTC()}
}
