// Package summary renders the end-of-run summary printed to the terminal.
package summary

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/logrun/internal/phase"
	"github.com/mattjoyce/logrun/internal/run"
)

// Theme centralizes summary styling.
type Theme struct {
	OK     lipgloss.Style
	Failed lipgloss.Style
	Warn   lipgloss.Style
	Border lipgloss.Style
	Title  lipgloss.Style
	Label  lipgloss.Style
	Dim    lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		OK:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Failed: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple).
			Padding(0, 1),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Label: lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		Dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}

// Render formats a run outcome. runErr is the error Run returned, if any.
func Render(out run.Outcome, runErr error, theme Theme) string {
	status := theme.OK.Render("completed")
	switch {
	case runErr != nil || out.Phase == phase.Failed:
		status = theme.Failed.Render("failed")
	case out.Terminated:
		status = theme.Warn.Render("stopped by signal")
	}

	rows := [][2]string{
		{"run", out.RunID},
		{"status", status},
		{"scope", out.Scope},
	}
	if !out.FinishedAt.IsZero() && !out.StartedAt.IsZero() {
		rows = append(rows, [2]string{"elapsed", out.FinishedAt.Sub(out.StartedAt).Round(time.Millisecond).String()})
	}

	if out.Parsed {
		r := out.Result
		rows = append(rows,
			[2]string{"sources", humanize.Comma(int64(r.Sources))},
			[2]string{"lines", fmt.Sprintf("%s (%s counted, %s skipped)",
				humanize.Comma(r.Lines), humanize.Comma(r.Counted), humanize.Comma(r.Skipped))},
			[2]string{"read", humanize.Bytes(uint64(max(r.Bytes, 0)))},
		)
	} else {
		rows = append(rows, [2]string{"parse", theme.Dim.Render("skipped")})
	}

	if rep := out.Report; rep.Path != "" {
		rows = append(rows,
			[2]string{"report", rep.Path},
			[2]string{"days", humanize.Comma(int64(rep.Days))},
			[2]string{"hits", humanize.Comma(rep.Hits)},
		)
		if rep.Pruned > 0 {
			rows = append(rows, [2]string{"pruned", humanize.Comma(rep.Pruned) + " buckets"})
		}
	}
	if runErr != nil {
		rows = append(rows, [2]string{"error", theme.Failed.Render(runErr.Error())})
	}

	width := 0
	for _, r := range rows {
		width = max(width, len(r[0]))
	}
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, theme.Title.Render("logrun"))
	for _, r := range rows {
		label := theme.Label.Render(r[0] + strings.Repeat(" ", width-len(r[0])))
		lines = append(lines, label+"  "+r[1])
	}

	return theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// Print writes the rendered summary followed by a newline.
func Print(w io.Writer, out run.Outcome, runErr error) {
	fmt.Fprintln(w, Render(out, runErr, NewDefaultTheme()))
}
