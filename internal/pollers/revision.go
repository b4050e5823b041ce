package pollers

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/events"
	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/model"
	"github.com/ridgeline-labs/controlplane/internal/trackerclient"
)

// RevisionEntry is the snapshot-held state for one open revision (pull request).
type RevisionEntry struct {
	Title          string
	URL            string
	HeadDigest     string
	HeadRef        string
	Author         string
	Body           string
	PipelineStatus model.PipelineStatus
}

// RevisionPoller diffs open pull requests against its snapshot and derives CI
// pipeline status from combined commit status plus per-run checks.
//
// Grounded on internal/github/models.go's CheckRun/PRFeedback shapes and
// internal/github/service.go's aggregation of reviews+comments+checks into a
// single feedback object; the precedence algorithm itself is spec-defined,
// implemented in model.DerivePipelineStatus and exercised here.
type RevisionPoller struct {
	Tracker trackerclient.Client
	Emitter *events.Emitter

	mu       sync.Mutex
	snapshot map[int]RevisionEntry
	log      *logger.Logger
}

// NewRevisionPoller builds an empty RevisionPoller.
func NewRevisionPoller(tracker trackerclient.Client, emitter *events.Emitter, log *logger.Logger) *RevisionPoller {
	if log == nil {
		log = logger.Default()
	}
	return &RevisionPoller{
		Tracker:  tracker,
		Emitter:  emitter,
		snapshot: make(map[int]RevisionEntry),
		log:      log.With(zap.String("component", "revision-poller")),
	}
}

// Poll runs one reconciliation cycle. Tracker errors are logged and the cycle
// is skipped; the snapshot is left untouched.
func (p *RevisionPoller) Poll(ctx context.Context) error {
	prs, err := p.Tracker.ListPullRequests(ctx)
	if err != nil {
		p.log.Error("list pull requests failed, skipping cycle", zap.Error(err))
		return nil
	}

	seen := make(map[int]bool, len(prs))
	for _, pr := range prs {
		seen[pr.Number] = true
		p.reconcileOne(ctx, pr)
	}
	p.reconcileRemovals(seen)
	return nil
}

func (p *RevisionPoller) reconcileOne(ctx context.Context, pr trackerclient.PullRequest) {
	p.mu.Lock()
	prior, existed := p.snapshot[pr.Number]
	p.mu.Unlock()

	if !existed {
		entry := RevisionEntry{Title: pr.Title, URL: pr.URL, HeadDigest: pr.HeadSHA, HeadRef: pr.HeadRef, Author: pr.Author, Body: pr.Body}
		status := p.derivePipelineStatus(ctx, pr.Number, pr.HeadSHA)
		entry.PipelineStatus = status
		p.mu.Lock()
		p.snapshot[pr.Number] = entry
		p.mu.Unlock()
		p.emit(events.TypeRevisionDetected, pr.Number, "", status)
		return
	}

	headChanged := prior.HeadDigest != pr.HeadSHA
	needsRecheck := headChanged || prior.PipelineStatus != model.PipelineSuccess
	newStatus := prior.PipelineStatus
	if needsRecheck {
		newStatus = p.derivePipelineStatus(ctx, pr.Number, pr.HeadSHA)
	}

	updated := RevisionEntry{Title: pr.Title, URL: pr.URL, HeadDigest: pr.HeadSHA, HeadRef: pr.HeadRef, Author: pr.Author, Body: pr.Body, PipelineStatus: newStatus}
	p.mu.Lock()
	p.snapshot[pr.Number] = updated
	p.mu.Unlock()

	if newStatus != prior.PipelineStatus {
		p.emit(events.TypeRevisionStatusChanged, pr.Number, prior.PipelineStatus, newStatus)
	}
}

func (p *RevisionPoller) reconcileRemovals(seen map[int]bool) {
	p.mu.Lock()
	var removed []int
	for number := range p.snapshot {
		if !seen[number] {
			removed = append(removed, number)
		}
	}
	for _, number := range removed {
		delete(p.snapshot, number)
	}
	p.mu.Unlock()

	for _, number := range removed {
		p.emit(events.TypeRevisionRemoved, number, "", "")
	}
}

// derivePipelineStatus fetches combined status and check runs for ref and
// applies the failure/pending/success precedence in model.DerivePipelineStatus.
func (p *RevisionPoller) derivePipelineStatus(ctx context.Context, number int, ref string) model.PipelineStatus {
	combined, err := p.Tracker.GetCombinedCommitStatus(ctx, ref)
	if err != nil {
		p.log.Warn("fetch combined status failed", zap.Int("revision", number), zap.Error(err))
		combined = &trackerclient.CombinedStatus{}
	}
	checkRuns, err := p.Tracker.ListCheckRuns(ctx, ref)
	if err != nil {
		p.log.Warn("fetch check runs failed", zap.Int("revision", number), zap.Error(err))
		checkRuns = nil
	}

	checks := make([]model.CheckRun, 0, len(checkRuns))
	for _, cr := range checkRuns {
		checks = append(checks, model.CheckRun{Name: cr.Name, Status: cr.Status, Conclusion: model.CheckConclusion(cr.Conclusion)})
	}

	return model.DerivePipelineStatus(model.CombinedStatusState(combined.State), combined.StatusCount, checks)
}

func (p *RevisionPoller) emit(t events.Type, number int, old, updated model.PipelineStatus) {
	evt := events.New(t)
	evt.RevisionNumber = number
	evt.RevisionOld = old
	evt.RevisionNew = updated
	p.Emitter.Emit(evt)
}
