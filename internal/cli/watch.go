package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/tickscope/tickscope/internal/capture"
	"github.com/tickscope/tickscope/internal/client"
	"github.com/tickscope/tickscope/internal/platform/logger"
	"github.com/tickscope/tickscope/internal/protocol"
)

// WatchCommand returns the 'watch' subcommand: a headless controller that
// connects to a running server, starts sources, selects metrics, and prints
// windowed series values to stdout.
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Connect to a tickscope server and follow metric series",
		Description: `Registers as the controller on a running server's control channel,
optionally starts polling sources, selects the given metric paths, and
prints the active window's values once per second.

Metrics are given as capture-relative dotted paths, e.g.:

  tickscope watch --source sim.jsonl --metric player.position.x

With no --source or --metric flags, the previous session's sources and
selections are restored from the defaults file; they are saved back on
exit.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a config file (overrides discovery)",
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "Server websocket URL",
				Value: "ws://127.0.0.1:4750/ws",
			},
			&cli.StringSliceFlag{
				Name:  "source",
				Usage: "Source to start polling; repeatable",
			},
			&cli.StringSliceFlag{
				Name:  "metric",
				Usage: "Dotted metric path to follow; repeatable",
			},
			&cli.BoolFlag{
				Name:  "takeover",
				Usage: "Evict a controller that is already registered",
			},
			&cli.IntFlag{
				Name:  "window",
				Usage: "Auto-scroll window size in ticks",
				Value: client.DefaultWindowSize,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Action: runWatch,
	}
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	level := "warn"
	if cmd.Bool("verbose") {
		level = "debug"
	}
	log := logger.New(level, "text")

	store := client.NewStore()
	store.SetWindowAuto(int64(cmd.Int("window")))

	c := client.New(client.Config{
		URL:        cmd.String("url"),
		InstanceID: "watch-" + uuid.NewString(),
		Log:        log,
	}, store)
	if cmd.Bool("takeover") {
		c.Takeover()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = c.Run(runCtx)
	}()

	if err := waitConnected(runCtx, c); err != nil {
		return err
	}

	var defaultsFile string
	if cfg, err := LoadEffectiveConfig(cmd.String("config")); err == nil {
		defaultsFile = cfg.DefaultsFile
	}

	var sources []protocol.LiveStart
	for _, src := range cmd.StringSlice("source") {
		sources = append(sources, protocol.LiveStart{Source: src})
	}
	metricPaths := make([][]string, 0, len(cmd.StringSlice("metric")))
	for _, m := range cmd.StringSlice("metric") {
		metricPaths = append(metricPaths, capture.SplitPath(m))
	}

	if len(sources) == 0 && len(metricPaths) == 0 && defaultsFile != "" {
		d, err := client.LoadDefaults(defaultsFile)
		if err != nil {
			return err
		}
		if err := c.Restore(runCtx, d); err != nil {
			log.Warn("restore failed", "error", err)
		}
		for _, m := range d.Metrics {
			metricPaths = append(metricPaths, m.Path)
		}
	} else if len(sources) > 0 {
		if err := c.SyncCaptureSources(runCtx, protocol.SyncCaptureSources{Sources: sources}); err != nil {
			return fmt.Errorf("failed to start sources: %w", err)
		}
	}
	if defaultsFile != "" {
		defer func() {
			if err := client.SaveDefaults(defaultsFile, c.Snapshot()); err != nil {
				log.Warn("saving defaults failed", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	selected := make(map[string]bool)

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
			// Selection is retried each second; captures appear only after
			// the server announces them.
			for _, meta := range store.Captures() {
				for _, path := range metricPaths {
					key := meta.ID + "\x00" + capture.JoinPath(path)
					if selected[key] {
						continue
					}
					if err := c.SelectMetric(runCtx, meta.ID, path, "", ""); err != nil {
						log.Debug("select failed", "error", err)
						continue
					}
					selected[key] = true
				}
			}
			printWindow(store, metricPaths)
		}
	}
}

func waitConnected(ctx context.Context, c *client.Client) error {
	deadline := time.After(15 * time.Second)
	for {
		switch c.Status() {
		case client.StatusConnected:
			return nil
		case client.StatusSuspended:
			return fmt.Errorf("another controller is registered; rerun with --takeover")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out connecting to server")
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func printWindow(store *client.Store, paths [][]string) {
	win := store.ActiveWindow()
	for _, meta := range store.Captures() {
		for _, path := range paths {
			points := store.Series(meta.ID, path)
			var last float64
			n := 0
			for _, p := range points {
				if p.Tick < win.Start || p.Tick > win.End {
					continue
				}
				last = p.Value
				n++
			}
			if n == 0 {
				continue
			}
			fmt.Printf("%s %s ticks %d-%d: %d points, last=%g\n",
				meta.Filename, capture.JoinPath(path), win.Start, win.End, n, last)
		}
	}
}
