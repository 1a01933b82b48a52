// Command edgelens-infer runs detection over the raw feed and serves the
// annotated result as MJPEG. Its command API accepts prompt updates; when
// Kafka brokers are configured, detection events are published there.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/edgelens/edgelens/internal/config"
	"github.com/edgelens/edgelens/internal/worker"
	"github.com/edgelens/edgelens/pkg/detect"
	"github.com/edgelens/edgelens/pkg/tap"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the edgelens config file")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "edgelens-infer:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	logFile, err := tap.InitProcessLogger(cfg.LogDir, "infer")
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	detector := detect.NewDemo(cfg.Infer.Prompt)
	defer detector.Close()

	// nil when no brokers are configured; a nil publisher drops silently.
	publisher := detect.NewPublisher(detect.PublisherConfig{
		Brokers: cfg.Infer.Kafka.Brokers,
		Topic:   cfg.Infer.Kafka.Topic,
		Logger:  slog.Default(),
	})
	defer publisher.Close()

	w := worker.New(worker.Options{
		Name:          "annotated",
		Device:        cfg.Infer.Device,
		Listen:        cfg.Infer.Listen,
		CommandListen: cfg.Infer.CommandListen,
		Detector:      detector,
		Publisher:     publisher,
	})
	return w.Run(ctx)
}
