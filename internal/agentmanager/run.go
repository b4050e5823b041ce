package agentmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/agentsdk"
	"github.com/ridgeline-labs/controlplane/internal/events"
	"github.com/ridgeline-labs/controlplane/internal/model"
	"github.com/ridgeline-labs/controlplane/internal/worktree"
)

// runParams carries everything one agent run needs beyond the session's own
// identity fields.
type runParams struct {
	agentName     string
	specPaths     []string
	branchName    string
	branchBase    string
	fetchRemote   bool
	modelOverride string
	prompt        string
}

// run executes the full dispatch procedure for one session: working-copy
// creation (implementor/reviewer only), dependency install, agent spawn,
// deadline timer, session log, and the message-consumption monitor. It runs
// on its own goroutine and never blocks the dispatcher's caller.
func (m *Manager) run(parentCtx context.Context, sess *session, params runParams) {
	cwd := m.repoRoot

	if sess.hasWorkItem {
		wt, err := m.worktrees.Create(parentCtx, worktree.CreateParams{
			BranchName:  params.branchName,
			BranchBase:  params.branchBase,
			FetchRemote: params.fetchRemote,
		})
		if err != nil {
			m.log.Error("create working copy failed", zap.String("branch", params.branchName), zap.Error(err))
			m.releaseReservation(sess)
			m.emitAgentFailed(sess, err.Error())
			return
		}
		cwd = wt.Path
		sess.cwd = cwd

		if err := m.runInstallCommand(parentCtx, cwd); err != nil {
			m.log.Error("install command failed", zap.String("branch", params.branchName), zap.Error(err))
			m.worktrees.RemoveByPath(context.Background(), cwd)
			m.releaseReservation(sess)
			m.emitAgentFailed(sess, err.Error())
			return
		}
	}

	ctx, cancel := context.WithCancel(parentCtx)
	sess.mu.Lock()
	sess.cancel = cancel
	sess.mu.Unlock()

	msgCh, interrupter, err := m.query(ctx, agentsdk.QueryParams{
		Prompt:        params.prompt,
		AgentName:     params.agentName,
		Cwd:           cwd,
		ModelOverride: params.modelOverride,
	})
	if err != nil {
		cancel()
		if sess.hasWorkItem {
			m.worktrees.RemoveByPath(context.Background(), cwd)
		}
		m.releaseReservation(sess)
		m.emitAgentFailed(sess, err.Error())
		return
	}
	sess.mu.Lock()
	sess.interrupter = interrupter
	cancelled := sess.done
	sess.mu.Unlock()
	if cancelled {
		// Cancelled while the working copy or install was still in progress:
		// stop the agent that was spawned after the session was finalized.
		cancel()
		if err := interrupter.Interrupt(); err != nil {
			m.log.Warn("agent interrupt failed, ignoring", zap.Error(err))
		}
		if sess.hasWorkItem {
			m.worktrees.RemoveByPath(context.Background(), cwd)
		}
		return
	}

	deadline := m.agentsCfg.MaxAgentDurationTime()
	timer := time.AfterFunc(deadline, func() {
		m.cancelSession(sess, deadlineMessage(deadline))
	})
	sess.mu.Lock()
	sess.timer = timer
	sess.mu.Unlock()

	m.monitor(sess, msgCh)
}

// runInstallCommand runs the configured dependency-install command in cwd.
func (m *Manager) runInstallCommand(ctx context.Context, cwd string) error {
	fields := strings.Fields(m.agentsCfg.InstallCommand)
	if len(fields) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("install command %q: %w: %s", m.agentsCfg.InstallCommand, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// monitor consumes msgCh until it closes, pattern-matching each message and
// finalizing the session on the first terminal result. If the channel closes
// without ever observing a terminal message, the run is treated as a success.
func (m *Manager) monitor(sess *session, msgCh <-chan agentsdk.Message) {
	terminal := false
	for msg := range msgCh {
		if sess.isDone() {
			continue
		}
		switch msg.Type {
		case agentsdk.MessageSystemInit:
			m.onSystemInit(sess, msg)
		case agentsdk.MessageAssistant:
			m.onAssistant(sess, msg)
		case agentsdk.MessageResultSuccess:
			m.appendLog(sess, "result: success")
			m.finishSession(sess, true, "")
			terminal = true
		case agentsdk.MessageResultErrorDuringExecution, agentsdk.MessageResultErrorMaxTurns:
			m.appendLog(sess, fmt.Sprintf("result: error (%s)", msg.ErrorText))
			m.finishSession(sess, false, "Agent session ended with error")
			terminal = true
		default:
			m.appendLog(sess, fmt.Sprintf("UNKNOWN %s: %s", msg.Type, msg.Raw))
		}
	}
	if !terminal {
		m.finishSession(sess, true, "")
	}
}

func (m *Manager) onSystemInit(sess *session, msg agentsdk.Message) {
	sess.mu.Lock()
	sess.sessionID = msg.SessionID
	sess.mu.Unlock()

	m.mu.Lock()
	m.byID[msg.SessionID] = sess
	m.mu.Unlock()

	m.openSessionLog(sess)

	sess.mu.Lock()
	logPath := sess.logPath
	sess.mu.Unlock()

	evt := events.New(events.TypeAgentStarted)
	evt.Agent = &events.AgentEvent{
		Role:        sess.role,
		SessionID:   msg.SessionID,
		WorkItemID:  sess.workItemID,
		HasWorkItem: sess.hasWorkItem,
		SpecPaths:   sess.specPaths,
		BranchName:  sess.branchName,
		LogFilePath: logPath,
	}
	m.emitter.Emit(evt)
}

func (m *Manager) onAssistant(sess *session, msg agentsdk.Message) {
	var text strings.Builder
	for _, block := range msg.ContentBlocks {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
			m.appendLogTimestamped(sess, block.Text)
		case "tool_use":
			m.appendLog(sess, fmt.Sprintf("[tool] %s", block.ToolName))
		}
	}
	if text.Len() > 0 {
		sess.publish(text.String())
	}
}

// finishSession is the single idempotent finalization path: exactly one
// terminal event is emitted per session, regardless of how many callers
// (monitor, cancellation, deadline timer) race to call it.
func (m *Manager) finishSession(sess *session, succeeded bool, errMsg string) {
	sess.mu.Lock()
	if sess.done {
		sess.mu.Unlock()
		return
	}
	sess.done = true
	if sess.timer != nil {
		sess.timer.Stop()
	}
	sessionID := sess.sessionID
	cwd := sess.cwd
	hasWorkItem := sess.hasWorkItem
	sess.mu.Unlock()

	sess.finalizeListeners()

	m.mu.Lock()
	if sessionID != "" {
		delete(m.byID, sessionID)
	}
	if sess.role == model.RolePlanner {
		if m.plannerSession == sess {
			m.plannerSession = nil
		}
	} else if m.workItemSessions[sess.workItemID] == sess {
		delete(m.workItemSessions, sess.workItemID)
	}
	m.mu.Unlock()

	evtType := events.TypeAgentCompleted
	if !succeeded {
		evtType = events.TypeAgentFailed
	}
	evt := events.New(evtType)
	evt.Agent = &events.AgentEvent{
		Role:        sess.role,
		SessionID:   sessionID,
		WorkItemID:  sess.workItemID,
		HasWorkItem: hasWorkItem,
		SpecPaths:   sess.specPaths,
		BranchName:  sess.branchName,
		ErrorMsg:    errMsg,
	}
	m.emitter.Emit(evt)

	m.appendLog(sess, sessionFooter(succeeded, errMsg))
	m.closeSessionLog(sess)

	if hasWorkItem && cwd != "" {
		go m.worktrees.RemoveByPath(context.Background(), cwd)
	}
}
