// Package output provides styled terminal output helpers (success, error,
// warning, run summaries) using lipgloss.
package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fleetyard/basesync/internal/engine"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// RunReport prints the per-entity stats table and the error summary for a
// finished run.
func RunReport(report *engine.RunReport) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Sync run (%s) started %s",
		report.Type, report.StartedAt.Format(time.RFC3339))))

	for _, s := range report.Stats {
		line := fmt.Sprintf("  %-10s %-22s processed=%-4d created=%-3d updated=%-3d unchanged=%-4d skipped=%-3d errors=%d",
			s.Entity, s.Direction, s.Processed, s.Created, s.Updated, s.Unchanged, s.Skipped, s.Errors)
		if s.Errors > 0 {
			fmt.Println(warningStyle.Render(line))
		} else {
			fmt.Println(line)
		}
	}

	if report.Summary == nil || report.Summary.Empty() {
		Success("completed with no errors")
		return
	}

	fmt.Println(titleStyle.Render("Errors:"))
	for _, l := range report.Summary.Lines() {
		fmt.Println(errorStyle.Render(fmt.Sprintf("  %s %s [%s] x%d: %s",
			l.Entity, l.Direction, l.Kind, l.Count, l.Message)))
		if len(l.Records) > 0 {
			fmt.Println(subtleStyle.Render("    records: " + strings.Join(l.Records, ", ")))
		}
	}
}
