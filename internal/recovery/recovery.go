// Package recovery resets work items left in an inconsistent `in-progress`
// state — either because the engine process crashed mid-run (startup
// recovery) or because an agent session ended without ever transitioning the
// work item onward (crash recovery, run per terminal event).
//
// Grounded on internal/worktree/manager.go's Reconcile(ctx, activeTasks)
// orphan sweep: diff a set of "should still be active" identifiers against
// observed state and clean up whatever fell out, repurposed here from
// worktree directories on disk to work-item status labels on the tracker.
package recovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/events"
	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/model"
	"github.com/ridgeline-labs/controlplane/internal/pollers"
	"github.com/ridgeline-labs/controlplane/internal/trackerclient"
)

// RunningChecker reports whether an agent is currently running for a work
// item. Implemented by agentmanager.Manager.
type RunningChecker interface {
	HasRunningSession(workItemID int) bool
}

// Recovery resets orphaned in-progress work items back to pending, both at
// startup (a full tracker query) and incrementally (inspecting the poller
// snapshot whenever a session reaches a terminal state).
type Recovery struct {
	Tracker  trackerclient.Client
	Emitter  *events.Emitter
	Snapshot *pollers.WorkItemSnapshot
	Agents   RunningChecker
	log      *logger.Logger
}

// New builds a Recovery.
func New(tracker trackerclient.Client, emitter *events.Emitter, snapshot *pollers.WorkItemSnapshot, agents RunningChecker, log *logger.Logger) *Recovery {
	if log == nil {
		log = logger.Default()
	}
	return &Recovery{
		Tracker:  tracker,
		Emitter:  emitter,
		Snapshot: snapshot,
		Agents:   agents,
		log:      log.With(zap.String("component", "recovery")),
	}
}

// Startup queries every open work item still labeled in-progress (from a
// prior process that crashed before completing its run), resets each to
// pending on the tracker, and emits a synthetic workItemChanged for it. Runs
// before the first work-item poll, so the poller's own first observation of
// each item will already see the reset label. Returns the number reset.
func (r *Recovery) Startup(ctx context.Context) (int, error) {
	issues, err := r.Tracker.ListOpenIssuesByLabel(ctx, model.InProgressLabel)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, issue := range issues {
		if err := r.resetToPending(ctx, issue.Number); err != nil {
			r.log.Error("startup recovery reset failed, leaving work item in-progress",
				zap.Int("work_item_id", issue.Number), zap.Error(err))
			continue
		}
		count++

		evt := events.New(events.TypeWorkItemChanged)
		evt.WorkItemChanged = &model.WorkItemChanged{
			OldStatus: model.StatusInProgress,
			NewStatus: model.StatusPending,
			WorkItem: model.WorkItem{
				ID:     issue.Number,
				Title:  issue.Title,
				Body:   issue.Body,
				Status: model.StatusPending,
			},
			IsRecovery: true,
		}
		r.Emitter.Emit(evt)
	}
	return count, nil
}

// Crash inspects the poller snapshot's entry for workItemID. If it is still
// in-progress and no agent is currently running for it, the work item was
// orphaned by a session that ended without transitioning it onward (a crash,
// an agent failure with no completion-dispatch path, or a bug) — reset it to
// pending. Callers pre-update the snapshot for legitimate transitions (e.g.
// completion-dispatch setting status to review) before invoking this, so a
// cleanly completed run is never misinterpreted as orphaned.
func (r *Recovery) Crash(ctx context.Context, workItemID int) {
	entry, ok := r.Snapshot.Snapshot()[workItemID]
	if !ok || model.WorkItemStatus(entry.Status) != model.StatusInProgress {
		return
	}
	if r.Agents.HasRunningSession(workItemID) {
		return
	}

	if err := r.resetToPending(ctx, workItemID); err != nil {
		r.log.Error("crash recovery reset failed, leaving work item in-progress",
			zap.Int("work_item_id", workItemID), zap.Error(err))
		return
	}
	r.Snapshot.SetStatus(workItemID, string(model.StatusPending))

	evt := events.New(events.TypeWorkItemChanged)
	evt.WorkItemChanged = &model.WorkItemChanged{
		OldStatus: model.StatusInProgress,
		NewStatus: model.StatusPending,
		WorkItem: model.WorkItem{
			ID:         workItemID,
			Title:      entry.Title,
			Body:       entry.Body,
			Status:     model.StatusPending,
			Priority:   entry.Priority,
			Complexity: entry.Complexity,
		},
		IsRecovery: true,
	}
	r.Emitter.Emit(evt)
}

func (r *Recovery) resetToPending(ctx context.Context, workItemID int) error {
	if err := r.Tracker.RemoveLabel(ctx, workItemID, model.InProgressLabel); err != nil {
		return err
	}
	return r.Tracker.AddLabel(ctx, workItemID, "status:"+string(model.StatusPending))
}
