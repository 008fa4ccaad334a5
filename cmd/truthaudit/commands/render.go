package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/oktsec/truthaudit/internal/audit"
)

var (
	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 2)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func statusLabel(s audit.Status) string {
	switch s {
	case audit.StatusPassed:
		return color.GreenString(string(s))
	case audit.StatusWarning:
		return color.YellowString(string(s))
	case audit.StatusFailed:
		return color.RedString(string(s))
	case audit.StatusEscalated:
		return color.MagentaString(string(s))
	default:
		return string(s)
	}
}

func agentStatusLabel(s string) string {
	switch s {
	case audit.AgentActive:
		return color.GreenString(s)
	case audit.AgentPaused:
		return color.YellowString(s)
	case audit.AgentDisabled:
		return color.RedString(s)
	default:
		return s
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes one audit result as a short human-readable block.
func printResult(w io.Writer, r audit.Result) {
	fmt.Fprintf(w, "%s  agent=%s  truth=%.2f  %s\n", r.SessionID, r.AgentID, r.Scores.TruthScore, statusLabel(r.Status))
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf(
		"  accuracy=%.1f completeness=%.1f latency=%.1f errors=%.1f citations=%.1f format=%.1f",
		r.Scores.AccuracyScore, r.Scores.CompletenessScore, r.Scores.LatencyScore,
		r.Scores.ErrorRateScore, r.Scores.CitationScore, r.Scores.FormatScore)))
	for _, t := range r.TriggeredRules {
		fmt.Fprintf(w, "  rule %s %s (%s): actual %.2f %s %.2f\n",
			t.Rule.ID, t.Rule.DisplayName(), t.Rule.Severity, t.Actual, t.Rule.Operator, t.Rule.Threshold)
	}
	if len(r.ActionsTaken) > 0 {
		fmt.Fprintf(w, "  actions: %s\n", strings.Join(r.ActionsTaken, ", "))
	}
	if r.Escalated && r.EscalationReason != nil {
		fmt.Fprintf(w, "  escalated: %s\n", color.MagentaString(*r.EscalationReason))
	}
}

func renderSummary(sum audit.Summary) string {
	body := fmt.Sprintf("%s\n\nAudited   %d\nPassed    %s\nWarnings  %s\nFailed    %s\nEscalated %s",
		titleStyle.Render("Batch audit"),
		sum.Total,
		color.GreenString("%d", sum.Passed),
		color.YellowString("%d", sum.Warnings),
		color.RedString("%d", sum.Failed),
		color.MagentaString("%d", sum.Escalated),
	)
	return boxStyle.Render(body)
}
