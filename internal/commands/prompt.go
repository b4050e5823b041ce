package commands

import (
	"fmt"
	"strings"

	"github.com/ridgeline-labs/controlplane/internal/trackerclient"
)

// prFeedback aggregates a pull request's files, reviews, and CI status —
// the same reviews+comments+checks aggregation internal/github/service.go
// performs for its PRFeedback type, scoped down to what the implementor and
// reviewer prompts actually need.
type prFeedback struct {
	files   []string
	reviews []trackerclient.Review
	ciState string
}

// promptContext carries everything a prompt builder needs: the issue always,
// the pull request and its feedback only when one exists.
type promptContext struct {
	issue    trackerclient.Issue
	pr       *trackerclient.PullRequest
	feedback prFeedback
}

// buildImplementorPrompt renders the work-item details, enriched with pull
// request files/reviews/CI status when a PR already exists for it.
func buildImplementorPrompt(ctx promptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement work item #%d: %s\n\n%s\n", ctx.issue.Number, ctx.issue.Title, ctx.issue.Body)

	if ctx.pr == nil {
		fmt.Fprintf(&b, "\nOpen a pull request for this change whose description contains "+
			"\"Closes #%d\" so it is recognized as linked to this work item.\n", ctx.issue.Number)
		return b.String()
	}

	fmt.Fprintf(&b, "\nAn existing pull request #%d (%s) is open for this work item. ", ctx.pr.Number, ctx.pr.Title)
	b.WriteString("Continue from its current state rather than starting over.\n")
	writeFeedback(&b, ctx.feedback)
	return b.String()
}

// buildReviewerPrompt renders the issue plus the pull request's title, files,
// and prior reviews for a review pass.
func buildReviewerPrompt(ctx promptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review pull request #%d (%s) for work item #%d: %s\n\n%s\n",
		ctx.pr.Number, ctx.pr.Title, ctx.issue.Number, ctx.issue.Title, ctx.issue.Body)
	writeFeedback(&b, ctx.feedback)
	return b.String()
}

func writeFeedback(b *strings.Builder, feedback prFeedback) {
	if len(feedback.files) > 0 {
		b.WriteString("\nFiles changed:\n")
		for _, f := range feedback.files {
			fmt.Fprintf(b, "  - %s\n", f)
		}
	}
	if len(feedback.reviews) > 0 {
		b.WriteString("\nPrior reviews:\n")
		for _, r := range feedback.reviews {
			fmt.Fprintf(b, "  - %s (%s): %s\n", r.Author, r.State, r.Body)
		}
	}
	if feedback.ciState != "" {
		fmt.Fprintf(b, "\nCI status: %s\n", feedback.ciState)
	}
}
