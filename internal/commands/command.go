// Package commands implements the narrow command surface the engine's
// external entry points (CLI, future API) issue against: dispatch an
// implementor or reviewer for a work item, cancel a running agent, or
// shut down. The Dispatcher pattern-matches the command tag and routes to
// the matching handler, in the teacher's style of typed-callback dispatch
// (internal/orchestrator/watcher/watcher.go's EventHandlers struct of
// typed callbacks, adapted here to a sealed command type plus a type-switch
// instead of a subject-keyed subscription table).
package commands

import "context"

// Command is the sealed set of instructions the Dispatcher accepts. Only
// types defined in this package implement it.
type Command interface {
	isCommand()
}

// DispatchImplementorCmd requests an implementor run for a work item.
type DispatchImplementorCmd struct {
	WorkItemID int
}

// DispatchReviewerCmd requests a reviewer run for a work item.
type DispatchReviewerCmd struct {
	WorkItemID int
}

// CancelAgentCmd cancels the running implementor/reviewer session for a work item.
type CancelAgentCmd struct {
	WorkItemID int
}

// CancelPlannerCmd cancels the running planner session, if any.
type CancelPlannerCmd struct{}

// ShutdownCmd triggers the engine's shutdown sequence.
type ShutdownCmd struct{}

func (DispatchImplementorCmd) isCommand() {}
func (DispatchReviewerCmd) isCommand()    {}
func (CancelAgentCmd) isCommand()         {}
func (CancelPlannerCmd) isCommand()       {}
func (ShutdownCmd) isCommand()            {}

// Shutdowner triggers the engine's shutdown sequence. Implemented by
// internal/engine.Engine; declared here to avoid a dependency cycle.
type Shutdowner interface {
	Shutdown(ctx context.Context)
}

// Dispatcher routes commands to the Handlers that carry out each one. Handle
// itself never blocks on agent completion: DispatchImplementor/DispatchReviewer
// hand off to agentmanager's own async dispatch; only context-building (PR
// lookups, label reads) happens synchronously here.
type Dispatcher struct {
	handlers *Handlers
	shutdown Shutdowner
}

// NewDispatcher builds a Dispatcher. shutdown may be nil if ShutdownCmd is
// never issued against this Dispatcher (e.g. in handler-only tests).
func NewDispatcher(handlers *Handlers, shutdown Shutdowner) *Dispatcher {
	return &Dispatcher{handlers: handlers, shutdown: shutdown}
}

// Handle routes cmd to its handler. Asynchronous commands return once the
// precondition check and context build finish; the agent run itself
// continues on its own goroutine inside agentmanager.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case DispatchImplementorCmd:
		d.handlers.DispatchImplementor(ctx, c.WorkItemID)
	case DispatchReviewerCmd:
		d.handlers.DispatchReviewer(ctx, c.WorkItemID)
	case CancelAgentCmd:
		d.handlers.CancelAgent(c.WorkItemID)
	case CancelPlannerCmd:
		d.handlers.CancelPlanner()
	case ShutdownCmd:
		if d.shutdown != nil {
			d.shutdown.Shutdown(ctx)
		}
	}
}
