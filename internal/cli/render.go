package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/edgelens/edgelens"
)

// Style definitions
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("246"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("82"))

	badStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	borderColor = lipgloss.Color("238")
)

// renderProcessState colors the gateway child state.
func renderProcessState(s edgelens.ProcessState) string {
	switch s {
	case edgelens.StateRunning:
		return okStyle.Render("● " + string(s))
	case edgelens.StateStarting:
		return warnStyle.Render("◐ " + string(s))
	case edgelens.StateCrashed:
		return badStyle.Render("✗ " + string(s))
	default:
		return dimStyle.Render("○ " + string(s))
	}
}

// renderServiceState colors an edge worker state.
func renderServiceState(s edgelens.ServiceState) string {
	switch s {
	case edgelens.ServiceRunning:
		return okStyle.Render("● " + string(s))
	case edgelens.ServiceStarting, edgelens.ServiceStopping:
		return warnStyle.Render("◐ " + string(s))
	case edgelens.ServiceFailed:
		return badStyle.Render("✗ " + string(s))
	default:
		return dimStyle.Render("○ " + string(s))
	}
}

// formatAgo formats a duration in a human-readable way
func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// renderSupervisorStatus renders the admin API's status block.
func renderSupervisorStatus(st *edgelens.SupervisorStatus) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Supervisor") + "  ")
	b.WriteString(fmt.Sprintf("v%s", strings.TrimPrefix(st.Version, "v")))
	if !st.StartedAt.IsZero() {
		b.WriteString(dimStyle.Render("  up " + formatAgo(time.Since(st.StartedAt))))
	}
	b.WriteString("\n\n")

	g := st.Gateway
	b.WriteString(labelStyle.Render("Gateway    ") + renderProcessState(g.State))
	if g.PID > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  pid %d", g.PID)))
	}
	if g.ExitCode != nil {
		b.WriteString(badStyle.Render(fmt.Sprintf("  exit code %d", *g.ExitCode)))
	}
	if g.Restarts > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  restarts %d", g.Restarts)))
	}
	if !g.LastChange.IsZero() {
		b.WriteString(dimStyle.Render("  " + formatAgo(time.Since(g.LastChange)) + " ago"))
	}
	b.WriteString("\n")

	b.WriteString(labelStyle.Render("Edge node  "))
	if st.Node.Reachable {
		b.WriteString(okStyle.Render("● reachable"))
		if st.AgentVersion != "" {
			b.WriteString(dimStyle.Render("  agent v" + strings.TrimPrefix(st.AgentVersion, "v")))
		}
	} else {
		b.WriteString(badStyle.Render("✗ unreachable"))
	}
	if st.Node.Detail != "" {
		b.WriteString(dimStyle.Render("  " + st.Node.Detail))
	}
	b.WriteString("\n")

	if len(st.Probes) > 0 {
		b.WriteString(labelStyle.Render("Ports      "))
		for i, p := range st.Probes {
			if i > 0 {
				b.WriteString("  ")
			}
			if p.Reachable {
				b.WriteString(okStyle.Render(strconv.Itoa(p.Port) + " ●"))
			} else {
				b.WriteString(badStyle.Render(strconv.Itoa(p.Port) + " ○"))
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}

// plainSupervisorStatus is the pipe-friendly variant.
func plainSupervisorStatus(st *edgelens.SupervisorStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "supervisor: v%s\n", strings.TrimPrefix(st.Version, "v"))
	fmt.Fprintf(&b, "gateway: %s", st.Gateway.State)
	if st.Gateway.PID > 0 {
		fmt.Fprintf(&b, " pid=%d", st.Gateway.PID)
	}
	if st.Gateway.ExitCode != nil {
		fmt.Fprintf(&b, " exit_code=%d", *st.Gateway.ExitCode)
	}
	fmt.Fprintf(&b, " restarts=%d\n", st.Gateway.Restarts)
	fmt.Fprintf(&b, "node: reachable=%t", st.Node.Reachable)
	if st.Node.Detail != "" {
		fmt.Fprintf(&b, " detail=%q", st.Node.Detail)
	}
	b.WriteString("\n")
	for _, p := range st.Probes {
		fmt.Fprintf(&b, "port %d: reachable=%t\n", p.Port, p.Reachable)
	}
	return b.String()
}

// renderAgentStatus renders the edge agent's own view, used when the
// supervisor is not running.
func renderAgentStatus(st *edgelens.AgentStatus) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Edge agent") + "  ")
	fmt.Fprintf(&b, "v%s", strings.TrimPrefix(st.Version, "v"))
	if st.Hostname != "" {
		b.WriteString(dimStyle.Render("  " + st.Hostname))
	}
	if !st.StartedAt.IsZero() {
		b.WriteString(dimStyle.Render("  up " + formatAgo(time.Since(st.StartedAt))))
	}
	b.WriteString("\n")
	if len(st.ListeningPorts) > 0 {
		b.WriteString(labelStyle.Render("Listening  "))
		for i, p := range st.ListeningPorts {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(strconv.Itoa(p))
		}
		b.WriteString("\n")
	}
	if len(st.Services) > 0 {
		b.WriteString("\n")
		b.WriteString(servicesTable(st.Services))
		b.WriteString("\n")
	}
	return b.String()
}

// streamsTable renders the gateway's per-stream counters.
func streamsTable(streams []edgelens.StreamInfo) string {
	rows := make([][]string, len(streams))
	for i, s := range streams {
		conn := badStyle.Render("○ down")
		if s.Connected {
			conn = okStyle.Render("● up")
		}
		last := "-"
		if s.LastFrameAt != nil && !s.LastFrameAt.IsZero() {
			last = formatAgo(time.Since(*s.LastFrameAt)) + " ago"
		}
		rows[i] = []string{
			s.Name,
			string(s.Kind),
			conn,
			strconv.FormatUint(s.Frames, 10),
			strconv.Itoa(s.Clients),
			last,
		}
	}

	t := table.New().
		Headers("STREAM", "KIND", "LINK", "FRAMES", "CLIENTS", "LAST FRAME").
		Rows(rows...).
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == -1 {
				return headerStyle.Align(lipgloss.Center)
			}
			return lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
		})
	return t.Render()
}

// servicesTable renders the edge worker list.
func servicesTable(infos []edgelens.ServiceInfo) string {
	rows := make([][]string, len(infos))
	for i, s := range infos {
		pid := "-"
		if s.PID > 0 {
			pid = strconv.Itoa(s.PID)
		}
		since := "-"
		if s.StartedAt != nil && !s.StartedAt.IsZero() {
			since = formatAgo(time.Since(*s.StartedAt)) + " ago"
		}
		exit := "-"
		if s.ExitCode != nil {
			exit = strconv.Itoa(*s.ExitCode)
		}
		rows[i] = []string{s.Name, renderServiceState(s.State), pid, since, exit}
	}

	t := table.New().
		Headers("NAME", "STATE", "PID", "STARTED", "EXIT").
		Rows(rows...).
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == -1 {
				return headerStyle.Align(lipgloss.Center)
			}
			return lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
		})
	return t.Render()
}

// eventsTable renders journal events, newest first.
func eventsTable(events []edgelens.Event) string {
	rows := make([][]string, len(events))
	for i, ev := range events {
		rows[i] = []string{
			ev.At.Local().Format("15:04:05"),
			ev.Kind,
			ev.Subject,
			ev.Detail,
		}
	}

	t := table.New().
		Headers("TIME", "KIND", "SUBJECT", "DETAIL").
		Rows(rows...).
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == -1 {
				return headerStyle.Align(lipgloss.Center)
			}
			s := lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
			if col == 0 {
				return s.Foreground(lipgloss.Color("246"))
			}
			return s
		})
	return t.Render()
}
