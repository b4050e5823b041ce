package agentmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// openSessionLog creates the per-session transcript file and writes its
// header. Any failure (mkdir or create) disables logging for this session
// silently; the agent run is unaffected.
func (m *Manager) openSessionLog(sess *session) {
	if !m.loggingCfg.AgentSessions {
		return
	}
	if err := os.MkdirAll(m.loggingCfg.LogsDir, 0o755); err != nil {
		m.log.Warn("create logs dir failed, disabling session logging", zap.Error(err))
		return
	}

	path := filepath.Join(m.loggingCfg.LogsDir, sessionLogName(sess))
	f, err := os.Create(path)
	if err != nil {
		m.log.Warn("create session log file failed, disabling logging for session", zap.Error(err))
		return
	}

	sess.mu.Lock()
	sess.logFile = f
	sess.logPath = path
	sess.mu.Unlock()

	if _, err := f.WriteString(sessionLogHeader(sess)); err != nil {
		m.log.Warn("write session log header failed, disabling logging", zap.Error(err))
		f.Close()
		sess.mu.Lock()
		sess.logFile = nil
		sess.logPath = ""
		sess.mu.Unlock()
	}
}

func sessionLogName(sess *session) string {
	ts := sess.startedAt.Format("20060102-150405")
	suffix := ""
	switch {
	case sess.hasWorkItem:
		suffix = fmt.Sprintf("-workitem-%d", sess.workItemID)
	case len(sess.specPaths) > 0:
		suffix = "-spec"
	}
	return fmt.Sprintf("%s-%s%s.log", ts, sess.role, suffix)
}

func sessionLogHeader(sess *session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "role: %s\n", sess.role)
	fmt.Fprintf(&b, "session_id: %s\n", sess.sessionID)
	if sess.hasWorkItem {
		fmt.Fprintf(&b, "work_item_id: %d\n", sess.workItemID)
	}
	if len(sess.specPaths) > 0 {
		fmt.Fprintf(&b, "spec_paths: %s\n", strings.Join(sess.specPaths, ", "))
	}
	fmt.Fprintf(&b, "started_at: %s\n", sess.startedAt.Format(time.RFC3339))
	b.WriteString("=== Messages ===\n")
	return b.String()
}

// appendLog writes one line to the session's log file, if logging is active.
// A write failure disables logging for the rest of the session.
func (m *Manager) appendLog(sess *session, line string) {
	sess.mu.Lock()
	f := sess.logFile
	sess.mu.Unlock()
	if f == nil {
		return
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		m.log.Debug("session log write failed, disabling logging", zap.Error(err))
		sess.mu.Lock()
		sess.logFile = nil
		sess.mu.Unlock()
	}
}

func (m *Manager) appendLogTimestamped(sess *session, text string) {
	m.appendLog(sess, fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), text))
}

func sessionFooter(succeeded bool, errMsg string) string {
	outcome := "completed"
	if !succeeded {
		outcome = "failed"
	}
	if errMsg != "" {
		outcome = outcome + ": " + errMsg
	}
	return fmt.Sprintf("=== Session End ===\noutcome: %s\nfinished_at: %s", outcome, time.Now().UTC().Format(time.RFC3339))
}

func (m *Manager) closeSessionLog(sess *session) {
	sess.mu.Lock()
	f := sess.logFile
	sess.logFile = nil
	sess.mu.Unlock()
	if f != nil {
		f.Close()
	}
}
