package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/events"
)

// Shutdown runs the shutdown sequence: stop the periodic pollers, switch the
// event queue to rejecting mode (letting only terminal agent events through
// so finalization can still complete), wait for running sessions to finish
// on their own up to the configured grace period, force-cancel whatever
// remains, then drain the queue and stop the event-loop consumer. Shutdown
// implements commands.Shutdowner and is itself synchronous — it returns only
// once the loop has stopped.
func (e *Engine) Shutdown(ctx context.Context) {
	if e.tickerCancel != nil {
		e.tickerCancel()
	}

	e.queue.SetRejecting(true, func(t events.Type) bool { return t.Terminal() })

	if e.RunningCount() > 0 {
		e.waitForSessionsOrForceCancel()
	}

	e.drainAndStop()
}

// waitForSessionsOrForceCancel blocks until every running session finishes on
// its own, or until the configured shutdown timeout elapses, whichever comes
// first. On timeout it force-cancels every remaining session, which
// finalizes them synchronously before CancelAll returns.
func (e *Engine) waitForSessionsOrForceCancel() {
	timeout := e.cfg.ShutdownTimeoutTime()
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			e.log.Warn("shutdown timeout elapsed, force-cancelling remaining sessions")
			e.agents.CancelAll()
			return
		case <-ticker.C:
			if e.RunningCount() == 0 {
				return
			}
		}
	}
}

// drainAndStop gives the event-loop consumer a short window to process any
// terminal events still in flight from finalized sessions, then stops it.
func (e *Engine) drainAndStop() {
	deadline := time.Now().Add(2 * time.Second)
	for !e.queue.IsEmpty() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	if e.loopCancel != nil {
		e.loopCancel()
	}
	if e.loopDone != nil {
		<-e.loopDone
	}
	e.log.Info("engine shutdown complete")
}
