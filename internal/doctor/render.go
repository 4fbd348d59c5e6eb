package doctor

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	nameStyle  = lipgloss.NewStyle().Width(13)

	statusStyles = map[string]lipgloss.Style{
		StatusPass: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		StatusFail: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		StatusWarn: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		StatusSkip: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
)

// Render writes a human-readable report. lipgloss drops colours when w is
// not a terminal.
func Render(w io.Writer, d Diagnosis) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("floorwatch doctor (%s)", d.Timestamp.Format(time.RFC3339))))
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%s %s/%s (%s)", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)))
	fmt.Fprintln(w)

	failed := 0
	for _, res := range d.Results {
		if res.Status == StatusFail {
			failed++
		}
		style, ok := statusStyles[res.Status]
		if !ok {
			style = lipgloss.NewStyle()
		}
		fmt.Fprintf(w, "%s %s %s\n", style.Width(5).Render(res.Status), nameStyle.Render(res.Name), res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "      %s\n", dimStyle.Render(res.Detail))
		}
	}

	fmt.Fprintln(w)
	if failed > 0 {
		fmt.Fprintln(w, statusStyles[StatusFail].Render(fmt.Sprintf("%d check(s) failed", failed)))
		return
	}
	fmt.Fprintln(w, statusStyles[StatusPass].Render("all checks passed"))
}
