package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/gammadia/nomadcloud/agent"
	"github.com/gammadia/nomadcloud/server/api"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	stateColors = map[string]lipgloss.Color{
		string(agent.StateCreated):            lipgloss.Color("8"),
		string(agent.StateRegistered):         lipgloss.Color("6"),
		string(agent.StateAwaitingAllocation): lipgloss.Color("6"),
		string(agent.StateTasksStarting):      lipgloss.Color("3"),
		string(agent.StateTasksRunning):       lipgloss.Color("3"),
		string(agent.StateAgentConnected):     lipgloss.Color("2"),
		string(agent.StateFailed):             lipgloss.Color("1"),
		stateTerminating:                      lipgloss.Color("5"),
	}
)

const stateTerminating = "terminating"

var agentColumns = []string{"NAME", "TEMPLATE", "LABEL", "STATE", "STATUS", "RETENTION", "AGE"}

// agentRow renders one agent as table cells, ages relative to now.
func agentRow(a api.AgentView, now time.Time) []string {
	return []string{
		a.Name,
		a.Template,
		a.Label,
		agentState(a),
		agentStatus(a, now),
		retention(a),
		formatAge(now.Sub(a.CreatedAt)),
	}
}

// agentState is the lifecycle state, terminating once a teardown began.
func agentState(a api.AgentView) string {
	if a.Terminating && a.State != agent.StateFailed {
		return stateTerminating
	}
	return string(a.State)
}

func agentStatus(a api.AgentView, now time.Time) string {
	switch {
	case !a.Online:
		return "offline"
	case a.Busy:
		return fmt.Sprintf("busy (%d done)", a.BuildsCompleted)
	case a.IdleSince != nil:
		return "idle " + formatAge(now.Sub(*a.IdleSince))
	default:
		return "idle"
	}
}

func retention(a api.AgentView) string {
	if a.Retention == agent.RetainOnce {
		return "once"
	}
	return fmt.Sprintf("%s %s", a.Retention, a.RetentionAfter)
}

// formatAge prints d at the coarsest meaningful unit.
func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func agentsTable(agents []api.AgentView, now time.Time) string {
	headers := make([]string, 0, len(agentColumns))
	for _, h := range agentColumns {
		headers = append(headers, headerStyle.Render(h))
	}

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers(headers...).
		StyleFunc(func(_, _ int) lipgloss.Style { return cellStyle })
	for _, a := range agents {
		row := agentRow(a, now)
		if c, ok := stateColors[row[3]]; ok {
			row[3] = lipgloss.NewStyle().Foreground(c).Render(row[3])
		}
		t.Row(row...)
	}
	return t.String()
}

// wrapList joins items into lines no longer than width.
func wrapList(items []string, width int) []string {
	var lines []string
	var line strings.Builder
	for _, item := range items {
		if line.Len() > 0 && line.Len()+1+len(item) > width {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(item)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return lines
}
