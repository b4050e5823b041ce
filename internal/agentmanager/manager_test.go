package agentmanager

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/ridgeline-labs/controlplane/internal/agentsdk"
	"github.com/ridgeline-labs/controlplane/internal/config"
	"github.com/ridgeline-labs/controlplane/internal/events"
	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/worktree"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	run("commit", "--allow-empty", "-q", "-m", "initial")
	return dir
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type fakeInterrupter struct {
	called chan struct{}
}

func (f *fakeInterrupter) Interrupt() error {
	close(f.called)
	return nil
}

func staticQuery(messages ...agentsdk.Message) QueryFunc {
	return func(ctx context.Context, params agentsdk.QueryParams) (<-chan agentsdk.Message, agentsdk.Interrupter, error) {
		ch := make(chan agentsdk.Message, len(messages))
		for _, m := range messages {
			ch <- m
		}
		close(ch)
		return ch, &fakeInterrupter{called: make(chan struct{})}, nil
	}
}

func testConfig() (config.AgentsConfig, config.LoggingConfig) {
	return config.AgentsConfig{
			AgentPlanner:     "planner",
			AgentImplementor: "implementor",
			AgentReviewer:    "reviewer",
			MaxAgentDuration: 1800,
			InstallCommand:   "", // skip install in tests
		}, config.LoggingConfig{
			AgentSessions: false,
		}
}

func TestDispatchPlannerSuccessEmitsStartedThenCompleted(t *testing.T) {
	log := logger.Default()
	emitter := events.NewEmitter(log)
	var got []events.Event
	emitter.Subscribe(func(evt events.Event) error { got = append(got, evt); return nil })

	query := staticQuery(
		agentsdk.Message{Type: agentsdk.MessageSystemInit, SessionID: "sess-1"},
		agentsdk.Message{Type: agentsdk.MessageAssistant, ContentBlocks: []agentsdk.ContentBlock{{Type: "text", Text: "working on it"}}},
		agentsdk.Message{Type: agentsdk.MessageResultSuccess, DurationMS: 100},
	)
	agentsCfg, loggingCfg := testConfig()
	mgr := NewManager(query, nil, emitter, "/tmp/repo", agentsCfg, loggingCfg, log)

	mgr.DispatchPlanner(context.Background(), []string{"docs/specs/a.md"}, "do the thing")

	waitFor(t, time.Second, func() bool { return len(got) >= 2 })

	if got[0].Type != events.TypeAgentStarted {
		t.Fatalf("got[0].Type = %v, want agentStarted", got[0].Type)
	}
	if got[1].Type != events.TypeAgentCompleted {
		t.Fatalf("got[1].Type = %v, want agentCompleted", got[1].Type)
	}
	if mgr.PlannerRunning() {
		t.Fatal("PlannerRunning() = true after completion, want false")
	}
}

func TestDispatchPlannerSkipsWhenAlreadyRunning(t *testing.T) {
	log := logger.Default()
	emitter := events.NewEmitter(log)

	block := make(chan agentsdk.Message)
	query := func(ctx context.Context, params agentsdk.QueryParams) (<-chan agentsdk.Message, agentsdk.Interrupter, error) {
		return block, &fakeInterrupter{called: make(chan struct{})}, nil
	}
	agentsCfg, loggingCfg := testConfig()
	mgr := NewManager(query, nil, emitter, "/tmp/repo", agentsCfg, loggingCfg, log)

	mgr.DispatchPlanner(context.Background(), nil, "first")
	waitFor(t, time.Second, func() bool { return mgr.PlannerRunning() })

	mgr.DispatchPlanner(context.Background(), nil, "second")
	// second call should be a silent no-op; only one session tracked.
	if !mgr.PlannerRunning() {
		t.Fatal("PlannerRunning() = false, want true (first still running)")
	}
	close(block)
}

func TestDispatchImplementorRunsInWorkingCopyAndRemovesIt(t *testing.T) {
	repo := initTestRepo(t)
	wtMgr, err := worktree.NewManager(repo, nil)
	if err != nil {
		t.Fatalf("worktree.NewManager() error = %v", err)
	}

	log := logger.Default()
	emitter := events.NewEmitter(log)
	var got []events.Event
	emitter.Subscribe(func(evt events.Event) error { got = append(got, evt); return nil })

	var seenCwd string
	query := func(ctx context.Context, params agentsdk.QueryParams) (<-chan agentsdk.Message, agentsdk.Interrupter, error) {
		seenCwd = params.Cwd
		ch := make(chan agentsdk.Message, 2)
		ch <- agentsdk.Message{Type: agentsdk.MessageSystemInit, SessionID: "sess-implementor"}
		ch <- agentsdk.Message{Type: agentsdk.MessageResultSuccess}
		close(ch)
		return ch, &fakeInterrupter{called: make(chan struct{})}, nil
	}

	agentsCfg, loggingCfg := testConfig()
	mgr := NewManager(query, wtMgr, emitter, repo, agentsCfg, loggingCfg, log)

	mgr.DispatchImplementor(context.Background(), 7, "issue-7", "HEAD", "", "implement it")

	waitFor(t, 2*time.Second, func() bool { return len(got) >= 2 })

	if seenCwd == "" || seenCwd == repo {
		t.Fatalf("seenCwd = %q, want a worktree path distinct from repo root", seenCwd)
	}
	if mgr.HasRunningSession(7) {
		t.Fatal("HasRunningSession(7) = true after completion, want false")
	}
	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(seenCwd)
		return os.IsNotExist(err)
	})
}

func TestDispatchImplementorSkipsWhenAlreadyRunningForWorkItem(t *testing.T) {
	log := logger.Default()
	emitter := events.NewEmitter(log)

	block := make(chan agentsdk.Message)
	calls := 0
	query := func(ctx context.Context, params agentsdk.QueryParams) (<-chan agentsdk.Message, agentsdk.Interrupter, error) {
		calls++
		return block, &fakeInterrupter{called: make(chan struct{})}, nil
	}

	repo := initTestRepo(t)
	wtMgr, err := worktree.NewManager(repo, nil)
	if err != nil {
		t.Fatalf("worktree.NewManager() error = %v", err)
	}
	agentsCfg, loggingCfg := testConfig()
	mgr := NewManager(query, wtMgr, emitter, repo, agentsCfg, loggingCfg, log)

	mgr.DispatchImplementor(context.Background(), 9, "issue-9", "HEAD", "", "first")
	waitFor(t, time.Second, func() bool { return mgr.HasRunningSession(9) })

	mgr.DispatchImplementor(context.Background(), 9, "issue-9", "HEAD", "", "second")
	time.Sleep(50 * time.Millisecond)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (second dispatch should have been skipped)", calls)
	}
	close(block)
}

func TestCancelAgentCallsInterruptAndFinalizesAsFailed(t *testing.T) {
	log := logger.Default()
	emitter := events.NewEmitter(log)
	var got []events.Event
	emitter.Subscribe(func(evt events.Event) error { got = append(got, evt); return nil })

	block := make(chan agentsdk.Message)
	interrupter := &fakeInterrupter{called: make(chan struct{})}
	query := func(ctx context.Context, params agentsdk.QueryParams) (<-chan agentsdk.Message, agentsdk.Interrupter, error) {
		return block, interrupter, nil
	}

	repo := initTestRepo(t)
	wtMgr, err := worktree.NewManager(repo, nil)
	if err != nil {
		t.Fatalf("worktree.NewManager() error = %v", err)
	}
	agentsCfg, loggingCfg := testConfig()
	mgr := NewManager(query, wtMgr, emitter, repo, agentsCfg, loggingCfg, log)

	mgr.DispatchImplementor(context.Background(), 3, "issue-3", "HEAD", "", "go")
	waitFor(t, time.Second, func() bool { return mgr.HasRunningSession(3) })

	mgr.CancelAgent(3)

	select {
	case <-interrupter.called:
	case <-time.After(time.Second):
		t.Fatal("Interrupt() was never called")
	}

	waitFor(t, time.Second, func() bool { return !mgr.HasRunningSession(3) })

	var sawFailed bool
	for _, evt := range got {
		if evt.Type == events.TypeAgentFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatal("expected an agentFailed event after cancellation")
	}
	close(block)
}

func TestDispatchImplementorEmitsFailedWhenWorkingCopyCreationFails(t *testing.T) {
	log := logger.Default()
	emitter := events.NewEmitter(log)
	var got []events.Event
	emitter.Subscribe(func(evt events.Event) error { got = append(got, evt); return nil })

	repo := initTestRepo(t)
	wtMgr, err := worktree.NewManager(repo, nil)
	if err != nil {
		t.Fatalf("worktree.NewManager() error = %v", err)
	}

	query := func(ctx context.Context, params agentsdk.QueryParams) (<-chan agentsdk.Message, agentsdk.Interrupter, error) {
		t.Fatal("query should never be invoked when working-copy creation fails")
		return nil, nil, errors.New("unreachable")
	}

	agentsCfg, loggingCfg := testConfig()
	mgr := NewManager(query, wtMgr, emitter, repo, agentsCfg, loggingCfg, log)

	// empty BranchBase with a nonexistent branch name selects the
	// existing-branch strategy, which fails because the branch doesn't exist.
	mgr.DispatchImplementor(context.Background(), 11, "does-not-exist", "", "", "go")

	waitFor(t, time.Second, func() bool { return len(got) >= 1 })
	if got[0].Type != events.TypeAgentFailed {
		t.Fatalf("got[0].Type = %v, want agentFailed", got[0].Type)
	}
	if got[0].Agent.SessionID != "" {
		t.Fatalf("Agent.SessionID = %q, want empty", got[0].Agent.SessionID)
	}
	if mgr.HasRunningSession(11) {
		t.Fatal("HasRunningSession(11) = true, want false after early failure")
	}
}

func TestGetAgentStreamReplaysBufferedChunksThenCloses(t *testing.T) {
	log := logger.Default()
	emitter := events.NewEmitter(log)
	emitter.Subscribe(func(events.Event) error { return nil })

	ch := make(chan agentsdk.Message, 4)
	query := func(ctx context.Context, params agentsdk.QueryParams) (<-chan agentsdk.Message, agentsdk.Interrupter, error) {
		return ch, &fakeInterrupter{called: make(chan struct{})}, nil
	}
	agentsCfg, loggingCfg := testConfig()
	mgr := NewManager(query, nil, emitter, "/tmp/repo", agentsCfg, loggingCfg, log)

	mgr.DispatchPlanner(context.Background(), nil, "stream this")

	ch <- agentsdk.Message{Type: agentsdk.MessageSystemInit, SessionID: "sess-stream"}
	waitFor(t, time.Second, func() bool {
		_, ok := mgr.GetAgentStream("sess-stream")
		return ok
	})

	ch <- agentsdk.Message{Type: agentsdk.MessageAssistant, ContentBlocks: []agentsdk.ContentBlock{{Type: "text", Text: "hello "}}}
	time.Sleep(20 * time.Millisecond) // let the monitor goroutine publish before we subscribe

	stream, ok := mgr.GetAgentStream("sess-stream")
	if !ok {
		t.Fatal("GetAgentStream() ok = false, want true while session is live")
	}

	first := <-stream
	if first != "hello " {
		t.Fatalf("first replayed chunk = %q, want %q", first, "hello ")
	}

	ch <- agentsdk.Message{Type: agentsdk.MessageAssistant, ContentBlocks: []agentsdk.ContentBlock{{Type: "text", Text: "world"}}}
	second := <-stream
	if second != "world" {
		t.Fatalf("second (live) chunk = %q, want %q", second, "world")
	}

	ch <- agentsdk.Message{Type: agentsdk.MessageResultSuccess}
	close(ch)

	if _, open := <-stream; open {
		t.Fatal("stream channel should be closed once the session finishes")
	}
}

func TestGetAgentStreamUnknownSessionReturnsFalse(t *testing.T) {
	log := logger.Default()
	emitter := events.NewEmitter(log)
	agentsCfg, loggingCfg := testConfig()
	mgr := NewManager(staticQuery(), nil, emitter, "/tmp/repo", agentsCfg, loggingCfg, log)

	if _, ok := mgr.GetAgentStream("does-not-exist"); ok {
		t.Fatal("GetAgentStream() ok = true for unknown session, want false")
	}
}
