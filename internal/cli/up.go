package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgelens/edgelens/internal/config"
	"github.com/edgelens/edgelens/internal/supervise"
	"github.com/edgelens/edgelens/packages/probe"
	"github.com/edgelens/edgelens/pkg/journal"
	"github.com/edgelens/edgelens/pkg/tap"
)

func newUpCmd(e *env) *cobra.Command {
	var startWorkers bool
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run the supervision loop",
		Long: `Launch the local gateway as a supervised child, probe the edge node's
stream ports, and serve the admin API until interrupted.

Crashes are detected and journaled; whether a crashed gateway is restarted
follows the configured restart policy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := e.load()
			if err != nil {
				return err
			}

			logFile, err := tap.InitProcessLogger(cfg.LogDir, "supervisor")
			if err != nil {
				return err
			}
			defer logFile.Close()

			j, err := journal.Open(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer j.Close()

			client, err := e.agentClient()
			if err != nil {
				return err
			}

			autoStart := startWorkers || cfg.Supervisor.AutoStartWorkers
			if autoStart {
				autoStart, err = shouldStartWorkers(cmd, cfg, assumeYes)
				if err != nil {
					return err
				}
			}

			sup := supervise.New(supervise.Options{
				GatewayCommand:   cfg.Supervisor.GatewayCommand,
				GracePeriod:      time.Duration(cfg.Supervisor.GracePeriod),
				RestartOnCrash:   cfg.Supervisor.Restart == config.RestartOnCrash,
				MaxRestarts:      cfg.Supervisor.MaxRestarts,
				EdgeHost:         cfg.Edge.Host,
				ProbePorts:       cfg.ProbePorts(),
				ProbeInterval:    time.Duration(cfg.Supervisor.ProbeInterval),
				ProbeTimeout:     time.Duration(cfg.Supervisor.ProbeTimeout),
				PollInterval:     time.Duration(cfg.Supervisor.PollInterval),
				StartupGrace:     time.Duration(cfg.Supervisor.StartupGrace),
				Client:           client,
				EdgeLogDir:       cfg.Edge.LogDir,
				AutoStartWorkers: autoStart,
				Journal:          j,
				AdminListen:      cfg.Supervisor.AdminListen,
			})
			return sup.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&startWorkers, "start-workers", false, "ask the agent to start all edge workers at startup")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip confirmation prompts")
	return cmd
}

// shouldStartWorkers decides whether `up` asks the agent to start the edge
// workers. Ports already serving need no start; when some are down, an
// interactive operator gets to veto the launch. Non-interactive runs
// (systemd, scripts) proceed without a prompt.
func shouldStartWorkers(cmd *cobra.Command, cfg *config.Config, assumeYes bool) (bool, error) {
	prober := probe.New(time.Duration(cfg.Supervisor.ProbeTimeout))
	results := prober.CheckAll(cmd.Context(), cfg.Edge.Host, edgePorts(cfg))

	down := 0
	for _, r := range results {
		if !r.Open {
			down++
		}
	}
	if down == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Edge workers already serving; skipping auto-start.")
		return false, nil
	}

	return confirm(assumeYes || !isInteractiveTerminal(),
		"Start edge workers?",
		fmt.Sprintf("%d of %d edge ports on %s are not serving yet.", down, len(results), cfg.Edge.Host))
}

// edgePorts is the stream ports only; reserved ports are expected to be
// down and must not trigger an auto-start.
func edgePorts(cfg *config.Config) []int {
	ports := make([]int, 0, len(cfg.Streams))
	for _, s := range cfg.Streams {
		ports = append(ports, s.Port)
	}
	return ports
}
