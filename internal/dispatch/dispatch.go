// Package dispatch turns spec-poller batches into planner invocations and
// classifies work-item status transitions for auto-dispatch.
//
// Grounded on internal/orchestrator/scheduler/scheduler.go's queue-and-retry
// accounting style, adapted from a generic task queue to a deferred set of
// approved spec paths awaiting a free planner slot.
package dispatch

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/events"
	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/model"
)

// PlannerDispatcher is the narrow slice of the agent manager Dispatch needs.
type PlannerDispatcher interface {
	DispatchPlanner(ctx context.Context, specPaths []string, prompt string)
	PlannerRunning() bool
}

// PromptBuilder renders the planner prompt for a batch of approved spec paths.
type PromptBuilder func(specPaths []string) string

// Dispatch owns the deferred-approved-paths set: spec files whose frontmatter
// most recently read "approved" but haven't yet been handed to a planner run.
type Dispatch struct {
	mu       sync.Mutex
	latest   map[string]string // path -> most recently observed frontmatter status
	deferred map[string]bool   // path -> awaiting planner dispatch

	emitter       *events.Emitter
	planner       PlannerDispatcher
	promptBuilder PromptBuilder
	log           *logger.Logger
}

// NewDispatch builds an empty Dispatch.
func NewDispatch(emitter *events.Emitter, planner PlannerDispatcher, promptBuilder PromptBuilder, log *logger.Logger) *Dispatch {
	if log == nil {
		log = logger.Default()
	}
	return &Dispatch{
		latest:        make(map[string]string),
		deferred:      make(map[string]bool),
		emitter:       emitter,
		planner:       planner,
		promptBuilder: promptBuilder,
		log:           log.With(zap.String("component", "dispatch")),
	}
}

// HandleSpecBatch records the latest frontmatter status for every changed
// path, emits a specChanged event per change, adds newly approved paths to
// the deferred set, and dispatches the planner if one isn't already running.
func (d *Dispatch) HandleSpecBatch(ctx context.Context, result model.SpecPollerBatchResult) {
	d.mu.Lock()
	for _, change := range result.Changes {
		d.latest[change.Path] = change.FrontmatterStatus
		if change.FrontmatterStatus == model.ApprovedStatus {
			d.deferred[change.Path] = true
		}
	}
	changes := append([]model.SpecChange(nil), result.Changes...)
	d.mu.Unlock()

	for i := range changes {
		evt := events.New(events.TypeSpecChanged)
		evt.SpecChanged = &changes[i]
		d.emitter.Emit(evt)
	}

	d.maybeDispatchPlanner(ctx)
}

// HandlePlannerFailed re-adds specPaths to the deferred set so the next spec
// poll cycle (or the next unrelated batch) retries dispatching them.
func (d *Dispatch) HandlePlannerFailed(specPaths []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, path := range specPaths {
		d.deferred[path] = true
	}
}

func (d *Dispatch) maybeDispatchPlanner(ctx context.Context) {
	d.mu.Lock()
	if len(d.deferred) == 0 {
		d.mu.Unlock()
		return
	}

	for path := range d.deferred {
		if d.latest[path] != model.ApprovedStatus {
			delete(d.deferred, path)
		}
	}
	if len(d.deferred) == 0 {
		d.mu.Unlock()
		return
	}

	if d.planner.PlannerRunning() {
		d.mu.Unlock()
		d.log.Debug("planner already running, leaving deferred paths intact")
		return
	}

	paths := make([]string, 0, len(d.deferred))
	for path := range d.deferred {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	d.deferred = make(map[string]bool)
	d.mu.Unlock()

	d.planner.DispatchPlanner(ctx, paths, d.promptBuilder(paths))
}

// WorkItemAutoDispatch classifies a work-item transition per the auto-dispatch
// rules: an external (non-synthetic, non-first-observation) transition to
// review triggers the reviewer; any transition to unblocked triggers the
// implementor. Both may be false; at most one is ever true for a single change.
func WorkItemAutoDispatch(change *model.WorkItemChanged) (dispatchReviewer, dispatchImplementor bool) {
	if change == nil {
		return false, false
	}
	if change.NewStatus == model.StatusUnblocked {
		dispatchImplementor = true
	}
	if change.NewStatus == model.StatusReview && !change.IsEngineTransition && !change.FirstObservation() {
		dispatchReviewer = true
	}
	return dispatchReviewer, dispatchImplementor
}
