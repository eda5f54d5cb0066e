package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/ipcam-mixer/internal/config"
	"github.com/e7canasta/ipcam-mixer/internal/core"
	"github.com/e7canasta/ipcam-mixer/internal/gstengine"
	"github.com/e7canasta/ipcam-mixer/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	source := flag.String("source", "", "RTSP source address, overrides the configuration")
	latency := flag.Int("latency", 0, "Source jitter buffer latency in milliseconds")
	synthetic := flag.Bool("synthetic", false, "Composite a synthetic test source next to the camera")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.LoadWith(*configPath, func(cfg *config.Config) {
		// Only flags given on the command line override the file.
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "source":
				cfg.SourceAddress = *source
			case "latency":
				cfg.SourceLatencyMS = *latency
			case "synthetic":
				cfg.SyntheticEnabled = *synthetic
			}
		})
	})
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(int(supervisor.ExitSetup))
	}

	slog.Info("starting ipcam-mixer",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"debug", *debug,
	)

	eng := gstengine.New()
	if err := eng.Available(); err != nil {
		slog.Error("media engine unavailable", "error", err)
		os.Exit(int(supervisor.ExitSetup))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := core.Run(ctx, cfg, eng)
	stop()

	slog.Debug("ipcam-mixer stopped", "exit_code", int(code))
	os.Exit(int(code))
}
