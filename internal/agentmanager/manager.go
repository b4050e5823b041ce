// Package agentmanager owns the lifecycle of agent sessions: dispatch
// preconditions, working-copy creation, subprocess monitoring, cancellation,
// deadline enforcement, and pull-based output streaming.
//
// Grounded on pkg/claudecode/types.go for the message vocabulary,
// internal/agentctl/server/adapter/transport/streamjson/adapter.go's
// channel-based async adapter for the monitor-goroutine shape, and
// internal/orchestrator/scheduler/scheduler.go's mutex-guarded bookkeeping
// maps for the session registry.
package agentmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/agentsdk"
	"github.com/ridgeline-labs/controlplane/internal/config"
	"github.com/ridgeline-labs/controlplane/internal/events"
	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/model"
	"github.com/ridgeline-labs/controlplane/internal/worktree"
)

// QueryFunc spawns one agent run and returns its message stream plus an
// Interrupter. Injected so tests can substitute a fake agent process.
type QueryFunc func(ctx context.Context, params agentsdk.QueryParams) (<-chan agentsdk.Message, agentsdk.Interrupter, error)

// Manager dispatches and tracks agent sessions. The three bookkeeping maps
// are guarded by mu and are not confined to one goroutine: dispatch and
// cancel calls mutate them on the caller's goroutine, and monitor goroutines
// and deadline timers mutate them too (registering a session id on
// system.init, unregistering a session in finishSession).
type Manager struct {
	mu               sync.Mutex
	plannerSession   *session
	workItemSessions map[int]*session
	byID             map[string]*session

	query     QueryFunc
	worktrees *worktree.Manager
	emitter   *events.Emitter
	repoRoot  string

	agentsCfg  config.AgentsConfig
	loggingCfg config.LoggingConfig
	log        *logger.Logger
}

// NewManager builds a Manager. worktrees may be nil only if no implementor or
// reviewer dispatch will ever be issued (e.g. in planner-only tests).
func NewManager(query QueryFunc, worktrees *worktree.Manager, emitter *events.Emitter, repoRoot string, agentsCfg config.AgentsConfig, loggingCfg config.LoggingConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		workItemSessions: make(map[int]*session),
		byID:             make(map[string]*session),
		query:            query,
		worktrees:        worktrees,
		emitter:          emitter,
		repoRoot:         repoRoot,
		agentsCfg:        agentsCfg,
		loggingCfg:       loggingCfg,
		log:              log.With(zap.String("component", "agent-manager")),
	}
}

// DispatchPlanner spawns a planner session against specPaths unless one is
// already running, in which case the call is a silent no-op.
func (m *Manager) DispatchPlanner(ctx context.Context, specPaths []string, prompt string) {
	sess := &session{role: model.RolePlanner, specPaths: specPaths, startedAt: time.Now().UTC()}

	m.mu.Lock()
	if m.plannerSession != nil {
		m.mu.Unlock()
		m.log.Info("planner already running, skipping dispatch")
		return
	}
	m.plannerSession = sess
	m.mu.Unlock()

	go m.run(ctx, sess, runParams{
		agentName: m.agentsCfg.AgentPlanner,
		specPaths: specPaths,
		prompt:    prompt,
	})
}

// DispatchImplementor spawns an implementor session for workItemID unless one
// is already running for it. branchBase set selects the fresh-branch
// strategy; empty selects the existing-branch (PR) strategy.
func (m *Manager) DispatchImplementor(ctx context.Context, workItemID int, branchName, branchBase, modelOverride, prompt string) {
	sess := &session{role: model.RoleImplementor, workItemID: workItemID, hasWorkItem: true, branchName: branchName, startedAt: time.Now().UTC()}
	if !m.reserveWorkItem(workItemID, sess) {
		m.log.Info("agent already running for work item, skipping dispatch", zap.Int("work_item_id", workItemID))
		return
	}

	go m.run(ctx, sess, runParams{
		agentName:     m.agentsCfg.AgentImplementor,
		branchName:    branchName,
		branchBase:    branchBase,
		modelOverride: modelOverride,
		prompt:        prompt,
	})
}

// DispatchReviewer spawns a reviewer session for workItemID unless one is
// already running for it. The working copy always attaches to the existing
// branchName (a PR branch); fetchRemote controls whether it's fetched first.
func (m *Manager) DispatchReviewer(ctx context.Context, workItemID int, branchName string, fetchRemote bool, prompt string) {
	sess := &session{role: model.RoleReviewer, workItemID: workItemID, hasWorkItem: true, branchName: branchName, startedAt: time.Now().UTC()}
	if !m.reserveWorkItem(workItemID, sess) {
		m.log.Info("agent already running for work item, skipping dispatch", zap.Int("work_item_id", workItemID))
		return
	}

	go m.run(ctx, sess, runParams{
		agentName:   m.agentsCfg.AgentReviewer,
		branchName:  branchName,
		fetchRemote: fetchRemote,
		prompt:      prompt,
	})
}

func (m *Manager) reserveWorkItem(workItemID int, sess *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workItemSessions[workItemID]; exists {
		return false
	}
	m.workItemSessions[workItemID] = sess
	return true
}

// releaseReservation removes sess from its claimed slot without going through
// finishSession — used only for failures before the session is fully started
// (working-copy creation, install command, agent spawn), where no event listeners or log
// file exist yet.
func (m *Manager) releaseReservation(sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.role == model.RolePlanner {
		if m.plannerSession == sess {
			m.plannerSession = nil
		}
		return
	}
	if m.workItemSessions[sess.workItemID] == sess {
		delete(m.workItemSessions, sess.workItemID)
	}
}

func (m *Manager) emitAgentFailed(sess *session, errMsg string) {
	evt := events.New(events.TypeAgentFailed)
	evt.Agent = &events.AgentEvent{
		Role:        sess.role,
		SessionID:   "",
		WorkItemID:  sess.workItemID,
		HasWorkItem: sess.hasWorkItem,
		SpecPaths:   sess.specPaths,
		BranchName:  sess.branchName,
		ErrorMsg:    errMsg,
	}
	m.emitter.Emit(evt)
}

// CancelAgent cancels the running implementor/reviewer session for
// workItemID, if any. A no-op if none is running.
func (m *Manager) CancelAgent(workItemID int) {
	m.mu.Lock()
	sess, ok := m.workItemSessions[workItemID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.cancelSession(sess, "Cancelled by user command")
}

// CancelPlanner cancels the running planner session, if any.
func (m *Manager) CancelPlanner() {
	m.mu.Lock()
	sess := m.plannerSession
	m.mu.Unlock()
	if sess == nil {
		return
	}
	m.cancelSession(sess, "Cancelled by user command")
}

// CancelAll cancels every live session. Used by shutdown once the grace
// period elapses.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.workItemSessions)+1)
	for _, s := range m.workItemSessions {
		sessions = append(sessions, s)
	}
	if m.plannerSession != nil {
		sessions = append(sessions, m.plannerSession)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.cancelSession(s, "Cancelled during shutdown")
	}
}

func (m *Manager) cancelSession(sess *session, reason string) {
	sess.mu.Lock()
	if sess.done {
		sess.mu.Unlock()
		return
	}
	cancel := sess.cancel
	interrupter := sess.interrupter
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if interrupter != nil {
		if err := interrupter.Interrupt(); err != nil {
			m.log.Warn("agent interrupt failed, ignoring", zap.Error(err))
		}
	}
	m.appendLog(sess, fmt.Sprintf("=== Session End ===\noutcome: cancelled: %s\nfinished_at: %s", reason, time.Now().UTC().Format(time.RFC3339)))
	m.closeSessionLog(sess)
	m.finishSession(sess, false, reason)
}

// GetAgentStream returns a pull-based channel of output chunks for
// sessionID, replaying everything buffered so far before forwarding live
// chunks. Returns ok=false if the session is unknown or has already finished.
func (m *Manager) GetAgentStream(sessionID string) (<-chan string, bool) {
	m.mu.Lock()
	sess, ok := m.byID[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return sess.subscribe()
}

// HasRunningSession reports whether an agent is currently running for workItemID.
func (m *Manager) HasRunningSession(workItemID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workItemSessions[workItemID]
	return ok
}

// PlannerRunning reports whether a planner session is currently running.
func (m *Manager) PlannerRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plannerSession != nil
}

// RunningCount returns the number of sessions currently tracked, including
// ones whose subprocess hasn't yet emitted system.init.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.workItemSessions)
	if m.plannerSession != nil {
		n++
	}
	return n
}

func deadlineMessage(d time.Duration) string {
	return fmt.Sprintf("Agent exceeded max duration of %ds", int(d.Seconds()))
}
