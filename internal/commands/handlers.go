package commands

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/model"
	"github.com/ridgeline-labs/controlplane/internal/pollers"
	"github.com/ridgeline-labs/controlplane/internal/trackerclient"
)

// AgentDispatcher is the narrow slice of agentmanager.Manager the command
// handlers need.
type AgentDispatcher interface {
	DispatchImplementor(ctx context.Context, workItemID int, branchName, branchBase, modelOverride, prompt string)
	DispatchReviewer(ctx context.Context, workItemID int, branchName string, fetchRemote bool, prompt string)
	CancelAgent(workItemID int)
	CancelPlanner()
}

// Handlers implements the dispatch preconditions, branch-strategy and
// model-override decisions, and prompt-context building described for each
// command. Constructed once and wired into a Dispatcher.
type Handlers struct {
	Agents   AgentDispatcher
	Tracker  trackerclient.Client
	Snapshot *pollers.WorkItemSnapshot

	// BaseBranch is the branch fresh implementor branches are cut from
	// when no pull request already exists for the work item.
	BaseBranch string

	log *logger.Logger
}

// NewHandlers builds a Handlers.
func NewHandlers(agents AgentDispatcher, tracker trackerclient.Client, snapshot *pollers.WorkItemSnapshot, baseBranch string, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Default()
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Handlers{
		Agents:     agents,
		Tracker:    tracker,
		Snapshot:   snapshot,
		BaseBranch: baseBranch,
		log:        log.With(zap.String("component", "commands")),
	}
}

var implementorEligible = map[model.WorkItemStatus]bool{
	model.StatusPending:      true,
	model.StatusUnblocked:    true,
	model.StatusNeedsChanges: true,
	model.StatusInProgress:   true,
}

// DispatchImplementor gates on the work item's current status, resolves a
// branch strategy (attach to an existing PR's head ref, or cut a fresh
// branch), resolves a model override from the complexity label, builds the
// implementor prompt, and hands off to the agent manager. Any failure
// building context (tracker errors) results in the command being silently
// skipped, logged at error.
func (h *Handlers) DispatchImplementor(ctx context.Context, workItemID int) {
	entry, ok := h.Snapshot.Snapshot()[workItemID]
	if !ok {
		h.log.Info("dispatch implementor skipped, unknown work item", zap.Int("work_item_id", workItemID))
		return
	}
	if !implementorEligible[model.WorkItemStatus(entry.Status)] {
		h.log.Info("dispatch implementor skipped, ineligible status",
			zap.Int("work_item_id", workItemID), zap.String("status", entry.Status))
		return
	}

	issue, err := h.Tracker.GetIssue(ctx, workItemID)
	if err != nil {
		h.log.Error("dispatch implementor skipped, issue lookup failed", zap.Int("work_item_id", workItemID), zap.Error(err))
		return
	}

	pr, err := h.findPullRequest(ctx, workItemID)
	if err != nil {
		h.log.Error("dispatch implementor skipped, pull request lookup failed", zap.Int("work_item_id", workItemID), zap.Error(err))
		return
	}

	var branchName, branchBase string
	var promptCtx promptContext
	if pr != nil {
		branchName = pr.HeadRef
		feedback, err := h.buildFeedback(ctx, pr)
		if err != nil {
			h.log.Error("dispatch implementor skipped, feedback build failed", zap.Int("work_item_id", workItemID), zap.Error(err))
			return
		}
		promptCtx = promptContext{issue: *issue, pr: pr, feedback: feedback}
	} else {
		branchName = freshBranchName(workItemID)
		branchBase = h.BaseBranch
		promptCtx = promptContext{issue: *issue}
	}

	modelOverride := modelForComplexity(entry.Complexity)
	h.Agents.DispatchImplementor(ctx, workItemID, branchName, branchBase, modelOverride, buildImplementorPrompt(promptCtx))
}

// DispatchReviewer gates on the work item being in review, requires a
// non-draft pull request, builds the reviewer prompt, and dispatches with
// fetchRemote=true so the working copy picks up the PR's latest head.
func (h *Handlers) DispatchReviewer(ctx context.Context, workItemID int) {
	entry, ok := h.Snapshot.Snapshot()[workItemID]
	if !ok || model.WorkItemStatus(entry.Status) != model.StatusReview {
		h.log.Info("dispatch reviewer skipped, not in review", zap.Int("work_item_id", workItemID))
		return
	}

	issue, err := h.Tracker.GetIssue(ctx, workItemID)
	if err != nil {
		h.log.Error("dispatch reviewer skipped, issue lookup failed", zap.Int("work_item_id", workItemID), zap.Error(err))
		return
	}

	pr, err := h.findPullRequest(ctx, workItemID)
	if err != nil {
		h.log.Error("dispatch reviewer skipped, pull request lookup failed", zap.Int("work_item_id", workItemID), zap.Error(err))
		return
	}
	if pr == nil || pr.Draft {
		h.log.Info("dispatch reviewer skipped, no non-draft pull request", zap.Int("work_item_id", workItemID))
		return
	}

	feedback, err := h.buildFeedback(ctx, pr)
	if err != nil {
		h.log.Error("dispatch reviewer skipped, feedback build failed", zap.Int("work_item_id", workItemID), zap.Error(err))
		return
	}

	prompt := buildReviewerPrompt(promptContext{issue: *issue, pr: pr, feedback: feedback})
	h.Agents.DispatchReviewer(ctx, workItemID, pr.HeadRef, true, prompt)
}

// CancelAgent delegates to the agent manager, swallowing any error.
func (h *Handlers) CancelAgent(workItemID int) {
	h.Agents.CancelAgent(workItemID)
}

// CancelPlanner delegates to the agent manager, swallowing any error.
func (h *Handlers) CancelPlanner() {
	h.Agents.CancelPlanner()
}

// findPullRequest searches open pull requests for one linked to workItemID.
// Returns (nil, nil) if none is found.
func (h *Handlers) findPullRequest(ctx context.Context, workItemID int) (*trackerclient.PullRequest, error) {
	return FindPullRequestForWorkItem(ctx, h.Tracker, workItemID)
}

// FindPullRequestForWorkItem searches open pull requests for one linked to
// workItemID, per the data model's linked predicate: the pull request's body
// contains a closing-keyword reference (closes/fixes/resolves #N,
// case-insensitive) to the work item. Returns (nil, nil) if none is found.
// Exported so the engine's completion-dispatch can reuse the same lookup.
func FindPullRequestForWorkItem(ctx context.Context, tracker trackerclient.Client, workItemID int) (*trackerclient.PullRequest, error) {
	prs, err := tracker.ListPullRequests(ctx)
	if err != nil {
		return nil, err
	}
	for i := range prs {
		if (model.Revision{Body: prs[i].Body}).LinksWorkItem(workItemID) {
			return &prs[i], nil
		}
	}
	return nil, nil
}

// buildFeedback aggregates a pull request's files, reviews, and CI status
// into the context the prompt builders enrich the issue with.
func (h *Handlers) buildFeedback(ctx context.Context, pr *trackerclient.PullRequest) (prFeedback, error) {
	files, err := h.Tracker.ListPRFiles(ctx, pr.Number)
	if err != nil {
		return prFeedback{}, err
	}
	reviews, err := h.Tracker.ListPRReviews(ctx, pr.Number)
	if err != nil {
		return prFeedback{}, err
	}
	combined, err := h.Tracker.GetCombinedCommitStatus(ctx, pr.HeadSHA)
	if err != nil {
		return prFeedback{}, err
	}
	return prFeedback{files: files, reviews: reviews, ciState: combined.State}, nil
}

// modelForComplexity maps a work item's complexity label to a model
// override. Unrecognized or empty complexity omits the override, letting the
// agent manager fall back to the configured default.
func modelForComplexity(complexity string) string {
	switch complexity {
	case "simple":
		return "sonnet"
	case "complex":
		return "opus"
	default:
		return ""
	}
}

// freshBranchName builds the branch name for a work item with no existing
// pull request: issue-<N>-<unix timestamp>.
func freshBranchName(workItemID int) string {
	return fmt.Sprintf("issue-%d-%d", workItemID, time.Now().UTC().Unix())
}
