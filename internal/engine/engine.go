// Package engine wires the pollers, dispatch, command handlers, agent
// manager, and recovery module into the single-consumer event loop and owns
// the startup and shutdown sequences.
//
// Grounded on cmd/orchestrator/main.go's startup sequencing (config → logger
// → construct services → start → signal.Notify → graceful shutdown with
// timeout) and internal/orchestrator/watcher/watcher.go's subscribe-before-
// start discipline (subscriptions are established before anything can
// publish, so no event is ever dropped for lack of a listener).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/agentmanager"
	"github.com/ridgeline-labs/controlplane/internal/agentsdk"
	"github.com/ridgeline-labs/controlplane/internal/commands"
	"github.com/ridgeline-labs/controlplane/internal/config"
	"github.com/ridgeline-labs/controlplane/internal/dispatch"
	"github.com/ridgeline-labs/controlplane/internal/events"
	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/model"
	"github.com/ridgeline-labs/controlplane/internal/plannercache"
	"github.com/ridgeline-labs/controlplane/internal/pollers"
	"github.com/ridgeline-labs/controlplane/internal/recovery"
	"github.com/ridgeline-labs/controlplane/internal/trackerclient"
	"github.com/ridgeline-labs/controlplane/internal/worktree"
)

// appName names the on-disk planner cache file (.<appName>-cache.json).
const appName = "controlplane"

// Agents is the narrow slice of agentmanager.Manager the engine drives
// directly, outside of command dispatch: session-presence checks and
// cancellation for work-item removal and shutdown.
type Agents interface {
	HasRunningSession(workItemID int) bool
	CancelAgent(workItemID int)
	CancelAll()
	RunningCount() int
}

// Engine owns every long-lived component and the goroutines that drive them:
// the three pollers' tickers, the agent session monitors (owned by
// agentmanager), and the single event-loop consumer goroutine.
type Engine struct {
	cfg     config.Config
	log     *logger.Logger
	tracker trackerclient.Client

	emitter *events.Emitter
	queue   *events.Queue

	workItemPoller *pollers.WorkItemPoller
	specPoller     *pollers.SpecPoller
	revisionPoller *pollers.RevisionPoller

	cache      *plannercache.Cache
	worktrees  *worktree.Manager
	agents     Agents
	disp       *dispatch.Dispatch
	handlers   *commands.Handlers
	dispatcher *commands.Dispatcher
	recover    *recovery.Recovery

	mu                          sync.Mutex
	previousPlannerCommitDigest string

	tickerCancel context.CancelFunc
	loopCancel   context.CancelFunc
	loopDone     chan struct{}
}

// New constructs an Engine. repoPath must be a local clone of cfg.Repository
// that worktree checkouts are created alongside.
func New(cfg config.Config, log *logger.Logger, tracker trackerclient.Client, repoPath string) (*Engine, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.With(zap.String("component", "engine"))

	worktrees, err := worktree.NewManager(repoPath, log)
	if err != nil {
		return nil, fmt.Errorf("construct worktree manager: %w", err)
	}

	emitter := events.NewEmitter(log)
	queue := events.NewQueue(log)

	workItemPoller := pollers.NewWorkItemPoller(tracker, emitter, model.TrackedLabel, log)
	specPoller := pollers.NewSpecPoller(tracker, emitter, cfg.SpecPoller.SpecsDir, cfg.SpecPoller.DefaultBranch, log)
	revisionPoller := pollers.NewRevisionPoller(tracker, emitter, log)

	queryFn := agentmanager.QueryFunc(func(ctx context.Context, params agentsdk.QueryParams) (<-chan agentsdk.Message, agentsdk.Interrupter, error) {
		return agentsdk.Query(ctx, params, log)
	})
	agents := agentmanager.NewManager(queryFn, worktrees, emitter, repoPath, cfg.Agents, cfg.Logging, log)

	disp := dispatch.NewDispatch(emitter, agents, plannerPrompt, log)
	handlers := commands.NewHandlers(agents, tracker, workItemPoller.Snapshot, cfg.SpecPoller.DefaultBranch, log)

	e := &Engine{
		cfg:            cfg,
		log:            log,
		tracker:        tracker,
		emitter:        emitter,
		queue:          queue,
		workItemPoller: workItemPoller,
		specPoller:     specPoller,
		revisionPoller: revisionPoller,
		cache:          plannercache.New(repoPath, appName, log),
		worktrees:      worktrees,
		agents:         agents,
		disp:           disp,
		handlers:       handlers,
	}
	e.recover = recovery.New(tracker, emitter, workItemPoller.Snapshot, agents, log)
	e.dispatcher = commands.NewDispatcher(handlers, e)
	return e, nil
}

// plannerPrompt renders the planner invocation prompt for a batch of
// approved spec paths.
func plannerPrompt(specPaths []string) string {
	msg := "Plan the following approved spec files:\n"
	for _, p := range specPaths {
		msg += "  - " + p + "\n"
	}
	return msg
}

// Start runs the full startup sequence and then launches the event-loop
// consumer and the pollers' periodic tickers. It returns once the first
// cycle of every poller has completed.
func (e *Engine) Start(ctx context.Context) error {
	if entry, err := e.cache.Load(); err != nil {
		e.log.Warn("planner cache load failed, starting cold", zap.Error(err))
	} else if entry != nil {
		e.specPoller.Restore(entry.Snapshot, entry.CommitDigest)
		e.mu.Lock()
		e.previousPlannerCommitDigest = entry.CommitDigest
		e.mu.Unlock()
		e.log.Info("restored planner cache", zap.String("commit", entry.CommitDigest))
	}

	e.emitter.Subscribe(func(evt events.Event) error {
		e.queue.Enqueue(evt)
		return nil
	})

	loopCtx, loopCancel := context.WithCancel(ctx)
	e.loopCancel = loopCancel
	e.loopDone = make(chan struct{})
	go e.runLoop(loopCtx)

	count, err := e.recover.Startup(ctx)
	if err != nil {
		e.log.Error("startup recovery failed", zap.Error(err))
	} else if count > 0 {
		e.log.Info("startup recovery reset orphaned work items", zap.Int("count", count))
	}

	if err := e.workItemPoller.Poll(ctx); err != nil {
		e.log.Error("first work-item poll failed", zap.Error(err))
	}

	specResult, err := e.specPoller.Poll(ctx)
	if err != nil {
		e.log.Error("first spec poll failed", zap.Error(err))
	} else {
		e.disp.HandleSpecBatch(ctx, specResult)
	}

	if err := e.revisionPoller.Poll(ctx); err != nil {
		e.log.Error("first revision poll failed", zap.Error(err))
	}

	tickerCtx, cancel := context.WithCancel(ctx)
	e.tickerCancel = cancel
	e.schedulePollers(tickerCtx)

	return nil
}

// schedulePollers launches one ticker goroutine per poller at its configured
// interval. Each goroutine exits when ctx is cancelled.
func (e *Engine) schedulePollers(ctx context.Context) {
	go e.tickPoller(ctx, e.cfg.WorkItemPoller.WorkItemPollIntervalTime(), func(ctx context.Context) error {
		return e.workItemPoller.Poll(ctx)
	})
	go e.tickPoller(ctx, e.cfg.SpecPoller.SpecPollIntervalTime(), func(ctx context.Context) error {
		result, err := e.specPoller.Poll(ctx)
		if err != nil {
			return err
		}
		e.disp.HandleSpecBatch(ctx, result)
		return nil
	})
	go e.tickPoller(ctx, e.cfg.RevisionPoller.RevisionPollIntervalTime(), func(ctx context.Context) error {
		return e.revisionPoller.Poll(ctx)
	})
}

func (e *Engine) tickPoller(ctx context.Context, interval time.Duration, cycle func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cycle(ctx); err != nil {
				e.log.Error("poll cycle failed", zap.Error(err))
			}
		}
	}
}

// runLoop is the single event-loop consumer: it dequeues one event at a time
// and processes it to completion before dequeuing the next, per the
// single-consumer, multi-producer concurrency model.
func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.loopDone)
	for {
		evt, ok := e.queue.Dequeue(ctx)
		if !ok {
			return
		}
		e.processEvent(ctx, evt)
	}
}

// RunningCount exposes the agent manager's live session count, for shutdown polling.
func (e *Engine) RunningCount() int {
	return e.agents.RunningCount()
}
