// Command edgelens-agent is the edge node control plane: it manages the
// worker processes and exposes status, logs, exec and deploy over a
// token-guarded HTTP API. In containerized edge deployments it typically
// runs as PID 1 and reaps orphaned children.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/edgelens/edgelens/internal/agent"
	"github.com/edgelens/edgelens/internal/config"
	"github.com/edgelens/edgelens/pkg/tap"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the edgelens config file")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "edgelens-agent:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	logFile, err := tap.InitProcessLogger(cfg.LogDir, "agent")
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agent.New(agent.Options{
		Listen:    cfg.Agent.Listen,
		Token:     cfg.Agent.Token,
		LogDir:    cfg.LogDir,
		Services:  cfg.Agent.Services,
		StopGrace: 10 * time.Second,
	})
	return a.Run(ctx)
}
