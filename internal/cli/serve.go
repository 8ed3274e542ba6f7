package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/tickscope/tickscope/internal/control"
	"github.com/tickscope/tickscope/internal/engine"
	"github.com/tickscope/tickscope/internal/httpapi"
	"github.com/tickscope/tickscope/internal/platform/logger"
	"github.com/tickscope/tickscope/internal/platform/metrics"
	"github.com/tickscope/tickscope/internal/protocol"
)

// ServeCommand returns the CLI command definition for the 'serve'
// subcommand, which runs the capture engine and its HTTP/websocket surface.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the capture engine and control channel server",
		Description: `Starts the tickscope server: the frame cache, live source polling,
series resolution, the websocket control channel at /ws, and the HTTP
query API. Sources listed in the config begin polling immediately.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a config file (overrides discovery)",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "HTTP bind address",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "HTTP port",
			},
			&cli.IntFlag{
				Name:  "cache-budget-mb",
				Usage: "Shared frame cache budget in MiB",
			},
			&cli.IntFlag{
				Name:  "cache-tail-size",
				Usage: "Dense tail length per capture, in frames",
			},
			&cli.StringSliceFlag{
				Name:  "source",
				Usage: "Capture source to poll at startup (file path or URL); repeatable",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := LoadEffectiveConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	applyServeFlags(cfg, cmd)

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	m := metrics.New()
	eng := engine.New(engine.Config{
		CacheBudgetBytes: cfg.CacheBudgetBytes(),
		CacheTailSize:    cfg.CacheTailSize,
	}, log, m)
	defer eng.Close()

	hub := control.NewHub(eng, log, m)
	server := httpapi.New(eng, hub, log, m)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	for _, src := range cfg.Sources {
		meta, err := eng.LiveStart(runCtx, protocol.LiveStart{
			Source:         src.Source,
			Filename:       src.Filename,
			CaptureID:      src.CaptureID,
			PollIntervalMs: src.PollIntervalMs,
		})
		if err != nil {
			log.Warn("startup source unavailable",
				slog.String("source", src.Source),
				slog.String("error", err.Error()))
			continue
		}
		log.Info("polling source",
			slog.String("source", src.Source),
			slog.String("capture", meta.ID))
	}

	log.Info("tickscope listening",
		slog.String("addr", cfg.Addr()),
		slog.Int("cache_budget_mb", cfg.CacheBudgetMB))

	if err := server.ListenAndServe(runCtx, cfg.Addr()); err != nil {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

func applyServeFlags(cfg *Config, cmd *cli.Command) {
	if cmd.String("host") != "" {
		cfg.HTTPHost = cmd.String("host")
	}
	if cmd.Int("port") > 0 {
		cfg.HTTPPort = int(cmd.Int("port"))
	}
	if cmd.Int("cache-budget-mb") > 0 {
		cfg.CacheBudgetMB = int(cmd.Int("cache-budget-mb"))
	}
	if cmd.Int("cache-tail-size") > 0 {
		cfg.CacheTailSize = int(cmd.Int("cache-tail-size"))
	}
	for _, src := range cmd.StringSlice("source") {
		cfg.Sources = append(cfg.Sources, SourceConfig{Source: src})
	}
	if cmd.Bool("verbose") {
		cfg.Verbose = true
		cfg.LogLevel = "debug"
	}
}
