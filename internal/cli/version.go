package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgelens/edgelens"
)

func newVersionCmd(e *env) *cobra.Command {
	var withAgent bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the edgelens version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "edgelens v%s\n", strings.TrimPrefix(edgelens.Version, "v"))
			if !withAgent {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()
			client, err := e.agentClient()
			if err != nil {
				return err
			}
			st, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("agent version: %w", err)
			}
			fmt.Fprintf(out, "agent    v%s", strings.TrimPrefix(st.Version, "v"))
			if !edgelens.AgentCompatible(st.Version) {
				fmt.Fprint(out, warnStyle.Render("  (older than this CLI supports)"))
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&withAgent, "agent", false, "also query the edge agent's version")
	return cmd
}
