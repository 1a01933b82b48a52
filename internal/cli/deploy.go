package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/pkg/journal"
)

// deployTimeout bounds the whole transfer. Builds are tens of megabytes
// over a local link; anything slower is a stuck transfer.
const deployTimeout = 5 * time.Minute

func newDeployCmd(e *env) *cobra.Command {
	var dest string
	var launch string
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   "deploy <dir>",
		Short: "Push a build directory to the edge node",
		Long: `Tar the local directory, stream it to the edge agent and unpack it under
--dest on the edge node. With --launch, run a command there afterwards
(typically restarting workers). Both steps ask for confirmation and the
transfer is journaled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			out := cmd.OutOrStdout()

			cfg, err := e.load()
			if err != nil {
				return err
			}

			ok, err := confirm(assumeYes,
				fmt.Sprintf("Deploy %s to %s?", dir, cfg.Edge.Host),
				fmt.Sprintf("The contents replace files under %s on the edge node.", dest))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(out, "Aborted.")
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), deployTimeout)
			defer cancel()
			client, err := e.agentClient()
			if err != nil {
				return err
			}
			deployer := edgelens.NewAgentDeployer(client, dest)

			start := time.Now()
			if err := deployer.Transfer(ctx, dir); err != nil {
				return err
			}
			fmt.Fprintf(out, "Deployed %s to %s:%s in %s\n",
				dir, cfg.Edge.Host, dest, time.Since(start).Round(time.Millisecond))

			// Record the deploy even when no supervisor is running;
			// the journal database is shared.
			if j, jerr := journal.Open(cfg.DataDir); jerr == nil {
				j.Append(edgelens.EventDeploy, dir, "dest "+dest)
				j.Close()
			}

			if launch == "" {
				return nil
			}
			ok, err = confirm(assumeYes,
				"Run launch command on the edge node?",
				launch)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(out, "Transfer kept; launch skipped.")
				return nil
			}
			text, err := deployer.RemoteExec(ctx, launch)
			if text != "" {
				fmt.Fprint(out, text)
			}
			if err != nil {
				return fmt.Errorf("launch command: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dest, "dest", "/opt/edgelens", "destination directory on the edge node")
	cmd.Flags().StringVar(&launch, "launch", "", "command to run on the node after the transfer")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip confirmation prompts")
	return cmd
}
