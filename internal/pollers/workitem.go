// Package pollers implements the three ticker-driven reconciliation loops
// that turn external tracker state into internal events: work items, spec
// files, and revisions (pull requests).
package pollers

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/events"
	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/model"
	"github.com/ridgeline-labs/controlplane/internal/trackerclient"
)

// WorkItemEntry is the snapshot-held state for one tracked work item.
type WorkItemEntry struct {
	Title      string
	Body       string
	Status     string
	Priority   string
	Complexity string
}

// WorkItemSnapshot is the poller's diff base, safe for concurrent read/write.
// SetStatus exists so completion-dispatch can pre-sync a status transition
// before the next poll observes it, preventing a duplicate emitted event.
type WorkItemSnapshot struct {
	mu      sync.RWMutex
	entries map[int]WorkItemEntry
}

// NewWorkItemSnapshot builds an empty snapshot.
func NewWorkItemSnapshot() *WorkItemSnapshot {
	return &WorkItemSnapshot{entries: make(map[int]WorkItemEntry)}
}

// Snapshot returns a read-only copy of the current entries.
func (s *WorkItemSnapshot) Snapshot() map[int]WorkItemEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]WorkItemEntry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// SetStatus overwrites the stored status for id without emitting an event.
func (s *WorkItemSnapshot) SetStatus(id int, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return
	}
	entry.Status = status
	s.entries[id] = entry
}

// WorkItemPoller diffs open issues carrying the tracked label against
// WorkItemSnapshot and emits workItemChanged events for anything that moved.
//
// Grounded on internal/github/poller.go's ticker-driven, immediate-check-then-tick
// loop and internal/orchestrator/watcher/watcher.go's typed-event publication idiom.
type WorkItemPoller struct {
	Tracker  trackerclient.Client
	Emitter  *events.Emitter
	Snapshot *WorkItemSnapshot
	Label    string
	log      *logger.Logger
}

// NewWorkItemPoller builds a WorkItemPoller for the given tracked label.
func NewWorkItemPoller(tracker trackerclient.Client, emitter *events.Emitter, label string, log *logger.Logger) *WorkItemPoller {
	if log == nil {
		log = logger.Default()
	}
	return &WorkItemPoller{
		Tracker:  tracker,
		Emitter:  emitter,
		Snapshot: NewWorkItemSnapshot(),
		Label:    label,
		log:      log.With(zap.String("component", "workitem-poller")),
	}
}

// Poll runs one reconciliation cycle. Tracker errors are logged and the cycle
// is skipped; the snapshot is left untouched.
func (p *WorkItemPoller) Poll(ctx context.Context) error {
	issues, err := p.Tracker.ListOpenIssuesByLabel(ctx, p.Label)
	if err != nil {
		p.log.Error("list open issues failed, skipping cycle", zap.Error(err))
		return nil
	}

	seen := make(map[int]bool, len(issues))
	for _, issue := range issues {
		seen[issue.Number] = true
		p.reconcileOne(issue)
	}

	p.reconcileRemovals(seen)
	return nil
}

func (p *WorkItemPoller) reconcileOne(issue trackerclient.Issue) {
	status, priority, complexity := parseWorkItemLabels(issue.Labels)
	next := WorkItemEntry{Title: issue.Title, Body: issue.Body, Status: status, Priority: priority, Complexity: complexity}

	p.Snapshot.mu.Lock()
	prev, existed := p.Snapshot.entries[issue.Number]
	changed := !existed || prev.Status != status || prev.Priority != priority || prev.Complexity != complexity
	if !changed {
		p.Snapshot.mu.Unlock()
		return
	}
	p.Snapshot.entries[issue.Number] = next
	p.Snapshot.mu.Unlock()

	oldStatus := ""
	if existed {
		oldStatus = prev.Status
	}
	p.Emitter.Emit(workItemChangedEvent(oldStatus, status, issue.Number, next, false, false))
}

func (p *WorkItemPoller) reconcileRemovals(seen map[int]bool) {
	p.Snapshot.mu.Lock()
	var removed []int
	for id := range p.Snapshot.entries {
		if !seen[id] {
			removed = append(removed, id)
		}
	}
	entries := make(map[int]WorkItemEntry, len(removed))
	for _, id := range removed {
		entries[id] = p.Snapshot.entries[id]
		delete(p.Snapshot.entries, id)
	}
	p.Snapshot.mu.Unlock()

	for _, id := range removed {
		entry := entries[id]
		p.Emitter.Emit(workItemChangedEvent(entry.Status, "", id, entry, false, false))
	}
}

func workItemChangedEvent(oldStatus, newStatus string, id int, entry WorkItemEntry, isRecovery, isEngineTransition bool) events.Event {
	evt := events.New(events.TypeWorkItemChanged)
	evt.WorkItemChanged = &model.WorkItemChanged{
		OldStatus: model.WorkItemStatus(oldStatus),
		NewStatus: model.WorkItemStatus(newStatus),
		WorkItem: model.WorkItem{
			ID:         id,
			Title:      entry.Title,
			Body:       entry.Body,
			Status:     model.WorkItemStatus(newStatus),
			Priority:   entry.Priority,
			Complexity: entry.Complexity,
		},
		IsRecovery:         isRecovery,
		IsEngineTransition: isEngineTransition,
	}
	return evt
}

// EmitSynthetic publishes a workItemChanged event that did not come from a
// poll cycle — used by recovery (isRecovery=true) and completion-dispatch
// (isEngineTransition=true) to announce a transition the poller itself won't
// observe until its next cycle.
func (p *WorkItemPoller) EmitSynthetic(id int, oldStatus, newStatus string, isRecovery, isEngineTransition bool) {
	entry := p.Snapshot.Snapshot()[id]
	entry.Status = newStatus
	p.Emitter.Emit(workItemChangedEvent(oldStatus, newStatus, id, entry, isRecovery, isEngineTransition))
}

func parseWorkItemLabels(labels []string) (status, priority, complexity string) {
	for _, l := range labels {
		switch {
		case strings.HasPrefix(l, "status:"):
			status = strings.TrimPrefix(l, "status:")
		case strings.HasPrefix(l, "priority:"):
			priority = strings.TrimPrefix(l, "priority:")
		case strings.HasPrefix(l, "complexity:"):
			complexity = strings.TrimPrefix(l, "complexity:")
		}
	}
	if status == "" {
		status = string(model.StatusPending)
	}
	return status, priority, complexity
}
