package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/edgelens/edgelens"
)

func newShellCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "shell [command...]",
		Short: "Interactive shell on the edge node",
		Long: `Open an interactive shell on the edge node on a pseudo-terminal. The
local terminal goes raw for the duration; window resizes are forwarded.
A command given instead of the default shell runs interactively too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("shell needs an interactive terminal; use exec for scripted commands")
			}

			client, err := e.agentClient()
			if err != nil {
				return err
			}

			argv := args
			if len(argv) == 0 {
				argv = []string{"/bin/sh"}
			}

			opts := &edgelens.ExecOptions{TTY: true}
			if width, height, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
				opts.Cols, opts.Rows = uint16(width), uint16(height)
			}
			rc, err := client.CommandWith(cmd.Context(), opts, argv[0], argv[1:]...)
			if err != nil {
				return err
			}
			rc.Stdin = os.Stdin
			rc.Stdout = os.Stdout
			rc.Stderr = os.Stderr

			oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
			if err != nil {
				return fmt.Errorf("failed to set terminal to raw mode: %w", err)
			}
			defer func() {
				term.Restore(int(os.Stdin.Fd()), oldState)
				// Show cursor in case the remote session hid it
				fmt.Print("\033[?25h")
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGWINCH)
			defer signal.Stop(sigCh)
			go func() {
				for range sigCh {
					if width, height, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
						rc.Resize(uint16(width), uint16(height))
					}
				}
			}()

			return rc.Run()
		},
	}
}
