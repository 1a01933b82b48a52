package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/internal/config"
)

// statusTimeout bounds every query the status command makes. Status must
// answer quickly even when half the system is down.
const statusTimeout = 5 * time.Second

func newStatusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show supervisor, gateway and edge node health",
		Long: `Query the supervisor's admin API for the gateway child state, edge node
reachability and the latest port probes. When the supervisor is not
running, fall back to asking the edge agent directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()

			cfg, err := e.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			admin, err := e.adminClient()
			if err != nil {
				return err
			}
			st, err := admin.SupervisorStatus(ctx)
			if err == nil {
				if term.IsTerminal(int(os.Stdout.Fd())) {
					fmt.Fprint(out, renderSupervisorStatus(st))
					printStreams(ctx, out, cfg)
				} else {
					fmt.Fprint(out, plainSupervisorStatus(st))
				}
				return nil
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "supervisor not running (%v); asking the edge agent\n\n", err)

			client, err := e.agentClient()
			if err != nil {
				return err
			}
			ast, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("edge agent %s: %w", cfg.Edge.AgentURL(), err)
			}
			fmt.Fprint(out, renderAgentStatus(ast))
			return nil
		},
	}
}

// printStreams appends the gateway's per-stream counters when the gateway
// is answering. Best effort: a down gateway already shows in the child
// state above.
func printStreams(ctx context.Context, out io.Writer, cfg *config.Config) {
	st, err := fetchGatewayStatus(ctx, gatewayURL(cfg))
	if err != nil || len(st.Streams) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, streamsTable(st.Streams))
}

// fetchGatewayStatus reads the gateway's /status JSON.
func fetchGatewayStatus(ctx context.Context, baseURL string) (*edgelens.GatewayStatus, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway status: %s", resp.Status)
	}
	var st edgelens.GatewayStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}
