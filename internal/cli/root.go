// Package cli implements the edgelens operator command tree. The CLI runs
// on the gateway node: `edgelens up` hosts the supervision loop, the other
// commands talk to the supervisor's admin API and to the edge agent.
package cli

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/internal/config"
	"github.com/edgelens/edgelens/packages/remotecmd"
)

// Execute runs the command tree. The context carries signal cancellation
// from main.
func Execute(ctx context.Context) error {
	return newRootCmd(&env{}).ExecuteContext(ctx)
}

func newRootCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:   "edgelens",
		Short: "Operate a two-node edgelens deployment",
		Long: `edgelens supervises the gateway relay and drives the edge node's agent:
probe health, start and stop workers, tail logs, deploy builds.

Configuration comes from ` + config.DefaultPath + ` (override with --config)
plus EDGELENS_* environment variables.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&e.cfgPath, "config", "c", config.DefaultPath, "path to the edgelens config file")

	root.AddCommand(
		newUpCmd(e),
		newStatusCmd(e),
		newWatchCmd(e),
		newEventsCmd(e),
		newLogsCmd(e),
		newServicesCmd(e),
		newDeployCmd(e),
		newExecCmd(e),
		newShellCmd(e),
		newPromptCmd(e),
		newStopCmd(e),
		newAuthCmd(e),
		newVersionCmd(e),
	)

	return root
}

// ExitCode maps err to a process exit code. Remote commands keep their
// remote exit code; everything else is 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var xe *remotecmd.ExitError
	if errors.As(err, &xe) {
		return xe.Code
	}
	return 1
}

// Quiet reports whether err has already been surfaced to the user and main
// should exit without printing it again. Remote exit codes fall in this
// bucket: the command's own output is the diagnostic.
func Quiet(err error) bool {
	var xe *remotecmd.ExitError
	return errors.As(err, &xe)
}

// env is the state shared across subcommands: the parsed config and the
// clients derived from it, resolved lazily so `edgelens version` works
// without a config file.
type env struct {
	cfgPath string
	cfg     *config.Config
}

// load parses the config once. A missing file at the default path falls
// back to built-in defaults; a missing file at an explicit --config path is
// an error.
func (e *env) load() (*config.Config, error) {
	if e.cfg != nil {
		return e.cfg, nil
	}
	path := e.cfgPath
	if path == config.DefaultPath {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	e.cfg = cfg
	return cfg, nil
}

// agentClient returns a client for the edge agent, with the token resolved
// from config first and the keyring second.
func (e *env) agentClient() (*edgelens.Client, error) {
	cfg, err := e.load()
	if err != nil {
		return nil, err
	}
	token := cfg.Edge.AgentToken
	if token == "" {
		token, _ = keyringToken(cfg.Edge.Host)
	}
	var opts []edgelens.Option
	if token != "" {
		opts = append(opts, edgelens.WithToken(token))
	}
	return edgelens.New(cfg.Edge.AgentURL(), opts...), nil
}

// adminClient returns a client for the local supervisor admin API.
func (e *env) adminClient() (*edgelens.AdminClient, error) {
	cfg, err := e.load()
	if err != nil {
		return nil, err
	}
	return edgelens.NewAdminClient(adminURL(cfg)), nil
}

// adminURL turns the supervisor's listen address into a base URL. The
// admin API binds to localhost, so a bare port means 127.0.0.1.
func adminURL(cfg *config.Config) string {
	addr := cfg.Supervisor.AdminListen
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// gatewayURL is the local gateway's base URL, derived the same way.
func gatewayURL(cfg *config.Config) string {
	addr := cfg.Gateway.Listen
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
