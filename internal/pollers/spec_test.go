package pollers

import (
	"context"
	"testing"

	"github.com/ridgeline-labs/controlplane/internal/events"
	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/trackerclient"
)

// fakeSpecTracker models GitHub's real non-recursive Git Trees semantics:
// each level of the tree is fetched separately, keyed by its own ref/SHA, and
// every entry within that level carries only its own single-segment name —
// matching internal/trackerclient/github.go's c.gh.Git.GetTree passthrough,
// not a shortcut that a multi-segment SpecsDir could never actually exercise.
type fakeSpecTracker struct {
	trackerclient.Client
	trees   map[string][]trackerclient.TreeEntry // ref/tree-sha -> its direct children (non-recursive)
	subtree []trackerclient.TreeEntry            // recursive fetch result
	content map[string][]byte
	ref     string
	refErr  error
}

func (f *fakeSpecTracker) GetTree(ctx context.Context, ref string, recursive bool) ([]trackerclient.TreeEntry, error) {
	if !recursive {
		return f.trees[ref], nil
	}
	return f.subtree, nil
}

func (f *fakeSpecTracker) GetFileContent(ctx context.Context, path, ref string) ([]byte, error) {
	return f.content[path], nil
}

func (f *fakeSpecTracker) GetRef(ctx context.Context, ref string) (string, error) {
	return f.ref, f.refErr
}

func approvedSpec(title string) []byte {
	return []byte("---\nstatus: approved\ntitle: " + title + "\n---\n\n# " + title + "\n")
}

func TestSpecPollerEmitsAddedForNewApprovedFile(t *testing.T) {
	emitter := events.NewEmitter(logger.Default())
	var got []events.Event
	emitter.Subscribe(func(evt events.Event) error { got = append(got, evt); return nil })

	tracker := &fakeSpecTracker{
		trees: map[string][]trackerclient.TreeEntry{
			"main":     {{Path: "docs", Type: "tree", SHA: "docs-sha"}},
			"docs-sha": {{Path: "specs", Type: "tree", SHA: "dir-digest-1"}},
		},
		subtree: []trackerclient.TreeEntry{
			{Path: "docs/specs/a.md", Type: "blob", SHA: "blob-1"},
		},
		content: map[string][]byte{"docs/specs/a.md": approvedSpec("a")},
		ref:     "commit-1",
	}
	poller := NewSpecPoller(tracker, emitter, "docs/specs", "main", nil)

	result, err := poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(result.Changes) != 1 || result.Changes[0].Type != "added" {
		t.Fatalf("result.Changes = %+v, want one added change", result.Changes)
	}
	if result.CommitDigest != "commit-1" {
		t.Fatalf("CommitDigest = %q, want commit-1", result.CommitDigest)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
}

func TestSpecPollerSkipsWhenDirectoryDigestUnchanged(t *testing.T) {
	emitter := events.NewEmitter(logger.Default())
	calls := 0
	emitter.Subscribe(func(events.Event) error { calls++; return nil })

	tracker := &fakeSpecTracker{
		trees: map[string][]trackerclient.TreeEntry{
			"main":     {{Path: "docs", Type: "tree", SHA: "docs-sha"}},
			"docs-sha": {{Path: "specs", Type: "tree", SHA: "dir-digest-1"}},
		},
		subtree: []trackerclient.TreeEntry{{Path: "docs/specs/a.md", Type: "blob", SHA: "blob-1"}},
		content: map[string][]byte{"docs/specs/a.md": approvedSpec("a")},
		ref:     "commit-1",
	}
	poller := NewSpecPoller(tracker, emitter, "docs/specs", "main", nil)
	ctx := context.Background()

	first, err := poller.Poll(ctx)
	if err != nil || len(first.Changes) != 1 {
		t.Fatalf("first Poll() = %+v, err = %v", first, err)
	}

	second, err := poller.Poll(ctx)
	if err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if len(second.Changes) != 0 || second.CommitDigest != "" {
		t.Fatalf("second Poll() = %+v, want empty batch (digest unchanged)", second)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSpecPollerDropsUnparseableFrontmatter(t *testing.T) {
	emitter := events.NewEmitter(logger.Default())
	tracker := &fakeSpecTracker{
		trees: map[string][]trackerclient.TreeEntry{
			"main":     {{Path: "docs", Type: "tree", SHA: "docs-sha"}},
			"docs-sha": {{Path: "specs", Type: "tree", SHA: "dir-digest-1"}},
		},
		subtree: []trackerclient.TreeEntry{{Path: "docs/specs/a.md", Type: "blob", SHA: "blob-1"}},
		content: map[string][]byte{"docs/specs/a.md": []byte("no frontmatter here")},
		ref:     "commit-1",
	}
	poller := NewSpecPoller(tracker, emitter, "docs/specs", "main", nil)

	result, err := poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(result.Changes) != 0 {
		t.Fatalf("result.Changes = %+v, want none (unparseable frontmatter dropped)", result.Changes)
	}
}

func TestSpecPollerDetectsModifiedOnBlobDigestChange(t *testing.T) {
	emitter := events.NewEmitter(logger.Default())
	tracker := &fakeSpecTracker{
		trees: map[string][]trackerclient.TreeEntry{
			"main":     {{Path: "docs", Type: "tree", SHA: "docs-sha"}},
			"docs-sha": {{Path: "specs", Type: "tree", SHA: "dir-digest-1"}},
		},
		subtree: []trackerclient.TreeEntry{{Path: "docs/specs/a.md", Type: "blob", SHA: "blob-1"}},
		content: map[string][]byte{"docs/specs/a.md": approvedSpec("a")},
		ref:     "commit-1",
	}
	poller := NewSpecPoller(tracker, emitter, "docs/specs", "main", nil)
	ctx := context.Background()
	poller.Poll(ctx)

	tracker.trees["docs-sha"] = []trackerclient.TreeEntry{{Path: "specs", Type: "tree", SHA: "dir-digest-2"}}
	tracker.subtree[0].SHA = "blob-2"
	tracker.content["docs/specs/a.md"] = approvedSpec("a-v2")
	tracker.ref = "commit-2"

	result, err := poller.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(result.Changes) != 1 || result.Changes[0].Type != "modified" {
		t.Fatalf("result.Changes = %+v, want one modified change", result.Changes)
	}
}
