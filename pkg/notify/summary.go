package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/jdziat/simple-durable-replication/pkg/core"
	"github.com/jdziat/simple-durable-replication/pkg/security"
)

// Summary builds the completion message for a finished job.
func Summary(p *core.JobProgress, finishedAt time.Time) (subject, body string) {
	subject = fmt.Sprintf("[replication] %s completed: %d ok, %d failed, %d skipped",
		p.JobName, p.Counts.Success, p.Counts.Failed, p.Counts.Skipped)

	elapsed := finishedAt.Sub(p.StartedAt).Round(time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Replication job %q completed.\n\n", p.JobName)
	fmt.Fprintf(&b, "Total units: %d\n", p.TotalUnits)
	fmt.Fprintf(&b, "Success: %d\n", p.Counts.Success)
	fmt.Fprintf(&b, "Failed: %d\n", p.Counts.Failed)
	fmt.Fprintf(&b, "Skipped: %d\n", p.Counts.Skipped)
	fmt.Fprintf(&b, "Started: %s\n", p.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Elapsed: %s\n", elapsed)
	if p.Counts.Failed > 0 && p.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", security.SanitizeErrorMessage(p.LastError))
	}
	return subject, b.String()
}
