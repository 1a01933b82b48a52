package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/edgelens/edgelens"
)

func newExecCmd(e *env) *cobra.Command {
	var dir string
	var envVars []string

	cmd := &cobra.Command{
		Use:   "exec <command> [args...]",
		Short: "Run a command on the edge node",
		Long: `Run a command on the edge node over the agent's exec channel. Arguments
are passed verbatim, with no shell in between; the remote exit code
becomes the CLI's own.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := e.agentClient()
			if err != nil {
				return err
			}

			var opts *edgelens.ExecOptions
			if dir != "" || len(envVars) > 0 {
				opts = &edgelens.ExecOptions{Dir: dir, Env: envVars}
			}
			rc, err := client.CommandWith(cmd.Context(), opts, args[0], args[1:]...)
			if err != nil {
				return err
			}
			rc.Stdin = os.Stdin
			rc.Stdout = os.Stdout
			rc.Stderr = os.Stderr
			return rc.Run()
		},
	}

	// Flags after the command belong to the remote command.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&dir, "dir", "", "working directory on the edge node")
	cmd.Flags().StringArrayVar(&envVars, "env", nil, "KEY=value pairs added to the command environment")
	return cmd
}
