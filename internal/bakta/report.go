package bakta

import (
	"bytes"
	"fmt"
	"strings"

	"defensepipe/internal/fsutil"
)

func writeReport(path string, rep *Report) error {
	var b bytes.Buffer
	b.WriteString("BAKTA API RUN SUMMARY REPORT\n")
	b.WriteString(strings.Repeat("=", 50) + "\n\n")
	fmt.Fprintf(&b, "Total files processed: %d\n", len(rep.Jobs))
	fmt.Fprintf(&b, "Successful: %d\n", rep.Successful)
	fmt.Fprintf(&b, "Failed: %d\n\n", rep.Failed)

	if rep.Successful > 0 {
		b.WriteString("SUCCESSFUL JOBS:\n")
		b.WriteString(strings.Repeat("-", 20) + "\n")
		for _, j := range rep.Jobs {
			if j.State == JobCompleted {
				fmt.Fprintf(&b, "%s: %s (%.1f minutes)\n", j.FileID, j.ResultPath, j.Duration().Minutes())
			}
		}
		b.WriteString("\n")
	}
	if rep.Failed > 0 {
		b.WriteString("FAILED JOBS:\n")
		b.WriteString(strings.Repeat("-", 20) + "\n")
		for _, j := range rep.Jobs {
			if j.State.Failed() {
				fmt.Fprintf(&b, "%s: %s - %s\n", j.FileID, j.State, j.Error)
			}
		}
	}
	return fsutil.WriteFileAtomic(path, b.Bytes(), 0644)
}
