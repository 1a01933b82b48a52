// Command edgelens is the operator CLI for a two-node edgelens
// deployment. `edgelens up` hosts the supervision loop on the gateway
// node; the remaining subcommands talk to the running supervisor's admin
// API and to the edge agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/edgelens/edgelens/internal/cli"
)

func main() {
	// A local .env carries EDGELENS_* and LOG_* settings in dev setups.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		if !cli.Quiet(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		stop()
		os.Exit(cli.ExitCode(err))
	}
}
