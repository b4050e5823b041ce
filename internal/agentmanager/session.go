package agentmanager

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/ridgeline-labs/controlplane/internal/agentsdk"
	"github.com/ridgeline-labs/controlplane/internal/model"
)

// session is the manager's internal bookkeeping for one live (or just-finished)
// agent run. It is written from several goroutines — the run goroutine
// (cwd, cancel, interrupter, timer), the monitor goroutine (sessionID, log
// fields, done), cancel callers and the deadline timer (done) — and read by
// stream readers through publish/subscribe. cancel, interrupter, timer,
// sessionID, done, the log fields and the output fan-out are guarded by its
// own mutex, grounded on
// internal/orchestrator/scheduler/scheduler.go's mutex-guarded bookkeeping idiom.
type session struct {
	mu sync.Mutex

	role        model.AgentRole
	sessionID   string
	workItemID  int
	hasWorkItem bool
	specPaths   []string
	branchName  string
	cwd         string
	startedAt   time.Time

	cancel      context.CancelFunc
	timer       *time.Timer
	interrupter agentsdk.Interrupter
	done        bool

	buffer    []string
	listeners []chan string

	logFile *os.File
	logPath string
}

func (s *session) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// publish appends chunk to the replay buffer and forwards it to every live
// listener. A listener whose channel is full is skipped rather than blocking
// the monitor goroutine — a slow reader must not stall agent execution.
func (s *session) publish(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.buffer = append(s.buffer, chunk)
	for _, ch := range s.listeners {
		select {
		case ch <- chunk:
		default:
		}
	}
}

// subscribe returns a channel replaying everything published so far, then
// live chunks as they're published, then closed when the session finishes.
// Returns ok=false if the session has already finished.
func (s *session) subscribe() (<-chan string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, false
	}
	ch := make(chan string, len(s.buffer)+256)
	for _, chunk := range s.buffer {
		ch <- chunk
	}
	s.listeners = append(s.listeners, ch)
	return ch, true
}

// finalizeListeners closes every live listener channel (the stream-end
// sentinel) and clears the listener set.
func (s *session) finalizeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners {
		close(ch)
	}
	s.listeners = nil
}
