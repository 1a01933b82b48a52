// Command edgelens-capture serves the raw camera feed as MJPEG on the
// edge node. It owns the capture device; the inference worker re-reads
// the published stream rather than opening the device itself.
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
	"github.com/edgelens/edgelens/internal/worker"
	"github.com/edgelens/edgelens/pkg/tap"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the edgelens config file")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "edgelens-capture:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	logFile, err := tap.InitProcessLogger(cfg.LogDir, "capture")
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(worker.Options{
		Name:   "raw",
		Device: cfg.Capture.Device,
		Listen: cfg.Capture.Listen,
	})
	return w.Run(ctx)
}
