package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/commands"
	"github.com/ridgeline-labs/controlplane/internal/dispatch"
	"github.com/ridgeline-labs/controlplane/internal/events"
	"github.com/ridgeline-labs/controlplane/internal/model"
)

// processEvent runs every handler step for one dequeued event, in order, to
// completion, before the loop dequeues the next one. Handlers run
// synchronously on this goroutine by design — back-pressure through the
// queue is intentional, not an oversight.
func (e *Engine) processEvent(ctx context.Context, evt events.Event) {
	switch evt.Type {
	case events.TypeWorkItemChanged:
		e.handleWorkItemChanged(ctx, evt.WorkItemChanged)
	case events.TypeAgentCompleted, events.TypeAgentFailed:
		e.handleAgentTerminal(ctx, evt)
	}
}

func (e *Engine) handleWorkItemChanged(ctx context.Context, change *model.WorkItemChanged) {
	if change == nil {
		return
	}

	if change.Removed() && e.agents.HasRunningSession(change.WorkItem.ID) {
		e.agents.CancelAgent(change.WorkItem.ID)
	}

	dispatchReviewer, dispatchImplementor := dispatchRulesFor(change, e.agents.HasRunningSession(change.WorkItem.ID))
	if dispatchReviewer {
		e.dispatcher.Handle(ctx, commands.DispatchReviewerCmd{WorkItemID: change.WorkItem.ID})
	}
	if dispatchImplementor {
		e.dispatcher.Handle(ctx, commands.DispatchImplementorCmd{WorkItemID: change.WorkItem.ID})
	}
}

// dispatchRulesFor applies dispatch.WorkItemAutoDispatch's classification,
// additionally gating on there being no agent already running for the work
// item (auto-dispatch never preempts a live session).
func dispatchRulesFor(change *model.WorkItemChanged, agentRunning bool) (dispatchReviewer, dispatchImplementor bool) {
	reviewer, implementor := dispatch.WorkItemAutoDispatch(change)
	if agentRunning {
		return false, false
	}
	return reviewer, implementor
}

func (e *Engine) handleAgentTerminal(ctx context.Context, evt events.Event) {
	agent := evt.Agent
	if agent == nil {
		return
	}

	if !agent.HasWorkItem {
		e.handlePlannerTerminal(ctx, evt.Type, agent)
		return
	}

	if evt.Type == events.TypeAgentCompleted && agent.Role == model.RoleImplementor {
		e.completionDispatch(ctx, agent.WorkItemID)
	}

	e.recover.Crash(ctx, agent.WorkItemID)
}

func (e *Engine) handlePlannerTerminal(ctx context.Context, evtType events.Type, agent *events.AgentEvent) {
	if evtType == events.TypeAgentCompleted {
		snapshot := e.specPoller.Snapshot()
		commitDigest := e.specPoller.LastCommitDigest()
		if err := e.cache.Write(snapshot, commitDigest); err != nil {
			e.log.Error("planner cache write failed", zap.Error(err))
		} else {
			e.mu.Lock()
			e.previousPlannerCommitDigest = commitDigest
			e.mu.Unlock()
		}
		return
	}

	e.disp.HandlePlannerFailed(agent.SpecPaths)
}

// completionDispatch runs when an implementor session completes: if a
// non-draft pull request exists for the work item, the work item transitions
// to review and a reviewer is dispatched against it. The poller snapshot is
// pre-updated before the synthetic event and before crash recovery runs, so
// the hand-off is never mistaken for an orphaned in-progress item.
func (e *Engine) completionDispatch(ctx context.Context, workItemID int) {
	pr, err := commands.FindPullRequestForWorkItem(ctx, e.tracker, workItemID)
	if err != nil {
		e.log.Error("completion-dispatch pull request lookup failed", zap.Int("work_item_id", workItemID), zap.Error(err))
		return
	}
	if pr == nil || pr.Draft {
		return
	}

	if err := e.tracker.RemoveLabel(ctx, workItemID, model.InProgressLabel); err != nil {
		e.log.Warn("completion-dispatch label removal failed", zap.Int("work_item_id", workItemID), zap.Error(err))
	}
	if err := e.tracker.AddLabel(ctx, workItemID, "status:"+string(model.StatusReview)); err != nil {
		e.log.Error("completion-dispatch label update failed", zap.Int("work_item_id", workItemID), zap.Error(err))
		return
	}

	e.workItemPoller.Snapshot.SetStatus(workItemID, string(model.StatusReview))
	e.workItemPoller.EmitSynthetic(workItemID, string(model.StatusInProgress), string(model.StatusReview), false, true)

	e.dispatcher.Handle(ctx, commands.DispatchReviewerCmd{WorkItemID: workItemID})
}
