package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"
)

// keyringService namespaces edgelens entries in the system keyring. The
// account is the edge host, so several edges can carry distinct tokens.
const keyringService = "edgelens"

// keyringToken reads the stored agent token for host.
func keyringToken(host string) (string, error) {
	return keyring.Get(keyringService, host)
}

func newAuthCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the agent token",
		Long: `Store the edge agent's bearer token in the system keyring. A token in
the config file or EDGELENS_AGENT_TOKEN wins over the keyring when both
are set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return authStatus(cmd, e)
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set [token]",
			Short: "Store the agent token",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := e.load()
				if err != nil {
					return err
				}
				var token string
				if len(args) == 1 {
					token = args[0]
				} else {
					token, err = promptForToken(cfg.Edge.Host)
					if err != nil {
						return err
					}
				}
				if err := keyring.Set(keyringService, cfg.Edge.Host, token); err != nil {
					return fmt.Errorf("store token: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Token stored for %s.\n", cfg.Edge.Host)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether a token is stored",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return authStatus(cmd, e)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the stored token",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := e.load()
				if err != nil {
					return err
				}
				err = keyring.Delete(keyringService, cfg.Edge.Host)
				if errors.Is(err, keyring.ErrNotFound) {
					fmt.Fprintf(cmd.OutOrStdout(), "No token stored for %s.\n", cfg.Edge.Host)
					return nil
				}
				if err != nil {
					return fmt.Errorf("remove token: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Token removed for %s.\n", cfg.Edge.Host)
				return nil
			},
		},
	)
	return cmd
}

func authStatus(cmd *cobra.Command, e *env) error {
	cfg, err := e.load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if cfg.Edge.AgentToken != "" {
		fmt.Fprintf(out, "Token for %s comes from the config or environment.\n", cfg.Edge.Host)
		return nil
	}
	if _, err := keyringToken(cfg.Edge.Host); err == nil {
		fmt.Fprintf(out, "Token for %s is stored in the keyring.\n", cfg.Edge.Host)
		return nil
	}
	fmt.Fprintf(out, "No token configured for %s; the agent must run without one.\n", cfg.Edge.Host)
	return nil
}
