package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/internal/config"
)

// watchInterval is the dashboard refresh period.
const watchInterval = 2 * time.Second

func newWatchCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of gateway and edge health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isInteractiveTerminal() {
				return fmt.Errorf("watch needs an interactive terminal")
			}
			cfg, err := e.load()
			if err != nil {
				return err
			}
			admin, err := e.adminClient()
			if err != nil {
				return err
			}
			client, err := e.agentClient()
			if err != nil {
				return err
			}

			model := watchModel{cfg: cfg, admin: admin, client: client}
			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
}

// watchSnapshot is one refresh pass over the three status surfaces.
type watchSnapshot struct {
	sup      *edgelens.SupervisorStatus
	supErr   error
	gw       *edgelens.GatewayStatus
	agent    *edgelens.AgentStatus
	agentErr error
	at       time.Time
}

type watchTick struct{}

// watchModel is the bubbletea model for the dashboard.
type watchModel struct {
	cfg    *config.Config
	admin  *edgelens.AdminClient
	client *edgelens.Client
	snap   watchSnapshot
}

func (m watchModel) Init() tea.Cmd {
	return m.refresh
}

// refresh gathers a snapshot. Each surface fails independently; the view
// shows what answered.
func (m watchModel) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), watchInterval)
	defer cancel()

	var snap watchSnapshot
	snap.at = time.Now()
	snap.sup, snap.supErr = m.admin.SupervisorStatus(ctx)
	snap.gw, _ = fetchGatewayStatus(ctx, gatewayURL(m.cfg))
	snap.agent, snap.agentErr = m.client.Status(ctx)
	return snap
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "r":
			return m, m.refresh
		}

	case watchSnapshot:
		m.snap = msg
		return m, tea.Tick(watchInterval, func(time.Time) tea.Msg { return watchTick{} })

	case watchTick:
		return m, m.refresh
	}

	return m, nil
}

func (m watchModel) View() string {
	if m.snap.at.IsZero() {
		return dimStyle.Render("gathering status...") + "\n"
	}

	var b strings.Builder

	if m.snap.sup != nil {
		b.WriteString(renderSupervisorStatus(m.snap.sup))
	} else {
		b.WriteString(badStyle.Render("supervisor not running"))
		if m.snap.supErr != nil {
			b.WriteString(dimStyle.Render("  " + m.snap.supErr.Error()))
		}
		b.WriteString("\n")
	}

	if m.snap.gw != nil && len(m.snap.gw.Streams) > 0 {
		b.WriteString("\n" + streamsTable(m.snap.gw.Streams) + "\n")
	}

	if m.snap.agent != nil && len(m.snap.agent.Services) > 0 {
		b.WriteString("\n" + servicesTable(m.snap.agent.Services) + "\n")
	} else if m.snap.agentErr != nil && m.snap.sup == nil {
		b.WriteString(badStyle.Render("edge agent unreachable") + dimStyle.Render("  "+m.snap.agentErr.Error()) + "\n")
	}

	help := fmt.Sprintf("updated %s • r refresh • q quit", m.snap.at.Format("15:04:05"))
	b.WriteString(helpStyle.Render(help))
	return b.String()
}
