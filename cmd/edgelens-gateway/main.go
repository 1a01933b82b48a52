// Command edgelens-gateway relays the edge node's MJPEG streams to
// browsers. It is normally launched and supervised by `edgelens up`, but
// runs fine standalone.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/edgelens/edgelens/internal/config"
	"github.com/edgelens/edgelens/internal/gateway"
	"github.com/edgelens/edgelens/pkg/tap"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the edgelens config file")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "edgelens-gateway:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	logFile, err := tap.InitProcessLogger(cfg.LogDir, "gateway")
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streams := make([]gateway.Upstream, 0, len(cfg.Streams))
	for _, s := range cfg.Streams {
		streams = append(streams, gateway.Upstream{
			Name: s.Name,
			Kind: s.Kind,
			URL:  s.URL(cfg.Edge.Host),
		})
	}

	gw := gateway.New(gateway.Options{
		Listen:          cfg.Gateway.Listen,
		Streams:         streams,
		DialTimeout:     cfg.Gateway.DialTimeout.Duration(),
		RetryInterval:   cfg.Gateway.RetryInterval.Duration(),
		InferCommandURL: cfg.Gateway.InferCommandURL,
	})
	return gw.Run(ctx)
}
