package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newStopCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the supervised gateway",
		Long: `Ask the running supervisor to stop the gateway child. The supervision
loop itself keeps running and keeps probing; start a new gateway by
restarting the supervisor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), serviceActionTimeout)
			defer cancel()

			admin, err := e.adminClient()
			if err != nil {
				return err
			}
			if err := admin.StopGateway(ctx); err != nil {
				return fmt.Errorf("stop gateway: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Gateway stopped.")
			return nil
		},
	}
}
