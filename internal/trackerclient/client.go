// Package trackerclient defines the narrow interface the engine uses to talk to
// the hosted source-control service (issues, labels, pull requests, trees, CI
// status) and a concrete GitHub-backed implementation of it.
package trackerclient

import "context"

// Issue is a tracker issue — the engine's raw view of a work item before the
// work-item poller turns it into a model.WorkItem.
type Issue struct {
	Number int
	Title  string
	Body   string
	Labels []string
	Open   bool
}

// PullRequest is a tracker pull request — the engine's raw view of a revision.
type PullRequest struct {
	Number  int
	Title   string
	URL     string
	HeadSHA string
	HeadRef string
	Author  string
	Body    string
	Draft   bool
	Open    bool
}

// Review is a single review left on a pull request.
type Review struct {
	Author string
	State  string // APPROVED, CHANGES_REQUESTED, COMMENTED, PENDING, DISMISSED
	Body   string
}

// Comment is a single inline review comment on a pull request.
type Comment struct {
	Author string
	Path   string
	Body   string
}

// CombinedStatus is the aggregate of all legacy commit statuses for a ref.
type CombinedStatus struct {
	State      string // failure, pending, success
	StatusCount int
}

// CheckRun is a single CI check-run result for a ref.
type CheckRun struct {
	Name       string
	Status     string // queued, in_progress, completed
	Conclusion string // success, failure, neutral, cancelled, timed_out, action_required, skipped
}

// TreeEntry is one entry in a recursive git tree listing.
type TreeEntry struct {
	Path string
	SHA  string
	Type string // blob, tree
}

// Client is the capability surface the engine's pollers, dispatch, and command
// handlers need from the hosted tracker. Implementations must propagate errors
// unchanged; the core decides per-call/per-cycle whether to retry, log, or fail.
type Client interface {
	ListOpenIssuesByLabel(ctx context.Context, label string) ([]Issue, error)
	GetIssue(ctx context.Context, number int) (*Issue, error)
	AddLabel(ctx context.Context, number int, label string) error
	RemoveLabel(ctx context.Context, number int, label string) error

	ListPullRequests(ctx context.Context) ([]PullRequest, error)
	GetPullRequest(ctx context.Context, number int) (*PullRequest, error)
	FindPullRequestForBranch(ctx context.Context, branch string) (*PullRequest, error)
	ListPRFiles(ctx context.Context, number int) ([]string, error)
	ListPRReviews(ctx context.Context, number int) ([]Review, error)
	ListPRInlineComments(ctx context.Context, number int) ([]Comment, error)

	GetCombinedCommitStatus(ctx context.Context, ref string) (*CombinedStatus, error)
	ListCheckRuns(ctx context.Context, ref string) ([]CheckRun, error)

	GetTree(ctx context.Context, ref string, recursive bool) ([]TreeEntry, error)
	GetRef(ctx context.Context, ref string) (string, error)
	GetFileContent(ctx context.Context, path, ref string) ([]byte, error)
}
