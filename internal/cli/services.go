package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/edgelens/edgelens"
)

// serviceActionTimeout bounds start/stop/restart round trips. Stopping
// waits for the agent's grace period, so this is longer than a status call.
const serviceActionTimeout = 30 * time.Second

func newServicesCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "services",
		Aliases: []string{"svc"},
		Short:   "Manage edge worker processes",
		Long: `List and control the worker processes managed by the edge agent.
Stopping or restarting a worker interrupts its stream and asks for
confirmation first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listServices(cmd, e)
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List workers and their states",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return listServices(cmd, e)
			},
		},
		newServiceActionCmd(e, "start", "Start a worker", false),
		newServiceActionCmd(e, "stop", "Stop a worker", true),
		newServiceActionCmd(e, "restart", "Restart a worker", true),
		newStartAllCmd(e),
	)
	return cmd
}

func listServices(cmd *cobra.Command, e *env) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	client, err := e.agentClient()
	if err != nil {
		return err
	}
	infos, err := client.Services(ctx)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}

	out := cmd.OutOrStdout()
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		for _, s := range infos {
			fmt.Fprintf(out, "%s %s\n", s.Name, s.State)
		}
		return nil
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No services registered on the edge agent.")
		return nil
	}
	fmt.Fprintln(out, servicesTable(infos))
	return nil
}

// newServiceActionCmd builds the start/stop/restart commands, which differ
// only in the client call and whether they interrupt a running stream.
func newServiceActionCmd(e *env, verb, short string, destructive bool) *cobra.Command {
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			if destructive {
				ok, err := confirm(assumeYes,
					fmt.Sprintf("%s worker %q?", titleVerb(verb), name),
					"The stream it serves goes dark until the worker is running again.")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), serviceActionTimeout)
			defer cancel()
			client, err := e.agentClient()
			if err != nil {
				return err
			}

			var info *edgelens.ServiceInfo
			switch verb {
			case "start":
				info, err = client.StartService(ctx, name)
			case "stop":
				info, err = client.StopService(ctx, name)
			case "restart":
				info, err = client.RestartService(ctx, name)
			}
			if err != nil {
				return fmt.Errorf("%s %s: %w", verb, name, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", info.Name, renderServiceState(info.State))
			return nil
		},
	}

	if destructive {
		cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")
	}
	return cmd
}

func newStartAllCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "start-all",
		Short: "Start every registered worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), serviceActionTimeout)
			defer cancel()
			client, err := e.agentClient()
			if err != nil {
				return err
			}
			if err := client.StartAll(ctx); err != nil {
				return fmt.Errorf("start all: %w", err)
			}
			return listServices(cmd, e)
		},
	}
}

func titleVerb(verb string) string {
	if verb == "" {
		return verb
	}
	return string(verb[0]-'a'+'A') + verb[1:]
}
