package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/e7canasta/framereel"
	"github.com/e7canasta/framereel/internal/config"
	"github.com/e7canasta/framereel/internal/control"
	"github.com/e7canasta/framereel/internal/emitter"
	"github.com/e7canasta/framereel/internal/playback"
	"github.com/e7canasta/framereel/internal/runstore"
)

const defaultConfigPath = "config/framereel.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	source := flag.String("source", "", "Image source to play (file path or http(s) URL)")
	mode := flag.String("mode", "", "Decode mode override: local, worker-transfer, worker-decode-only")
	preload := flag.Int("preload", -1, "Prefetch window override (-1 keeps the configured value)")
	headless := flag.Bool("headless", false, "Play without a window, driven by a ticker at refresh_hz")
	loops := flag.Int("loops", 1, "Number of sequences to play (0 loops until interrupted)")
	flag.Parse()

	cfg, found, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		logLevel = slog.LevelInfo
	}
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if !found {
		slog.Info("config file not found, using defaults", "config", *configPath)
	}
	if *source == "" {
		slog.Error("missing -source")
		os.Exit(2)
	}
	if err := applyOverrides(cfg, *mode, *preload); err != nil {
		slog.Error("invalid flags", "error", err)
		os.Exit(2)
	}

	slog.Info("starting framereel",
		"config", *configPath,
		"source", *source,
		"decode_mode", cfg.DecodeMode,
		"preload", cfg.Preload(),
		"headless", *headless,
		"debug", *debug,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var store *runstore.Store
	if cfg.Record.DBPath != "" {
		store, err = runstore.Open(cfg.Record.DBPath)
		if err != nil {
			slog.Error("failed to open run store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	opts := []framereel.Option{
		framereel.WithLogger(logger),
		framereel.WithOnFinish(func(r framereel.Report) { finished(store, r) }),
	}
	var win *window
	if !*headless {
		req := playback.NewManualRequester()
		opts = append(opts, framereel.WithRequester(req))
		win = newWindow(req, cfg.Output.Width, cfg.Output.Height)
	}

	player, err := framereel.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to create player", "error", err)
		os.Exit(1)
	}

	out := framereel.NewOutput(cfg.Output.Width, cfg.Output.Height)
	r := newReel(player, out, *source)

	var (
		mqtt *emitter.MQTTEmitter
		ctrl *control.Handler
	)
	if cfg.MQTT.Broker != "" {
		mqtt = startEmitter(ctx, cfg.MQTT, player, logger)
		ctrl = startControl(ctx, cfg.MQTT, mqtt, r, cancel, logger)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- r.run(ctx, *loops)
	}()

	var runErr error
	if win != nil {
		runErr = win.run(ctx, player, out, errChan)
	} else {
		runErr = <-errChan
	}
	if runErr != nil {
		slog.Error("playback error", "error", runErr)
	}

	shutdownTimeout := time.Duration(cfg.ShutdownTimeout) * time.Second
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	cancel()
	if err := player.Stop(shutdownCtx); err != nil {
		slog.Error("stop failed", "error", err)
	}
	st := player.PoolStats()
	slog.Info("pool summary",
		"surfaces_created", st.SurfacesCreated,
		"surfaces_reused", st.SurfacesReused,
		"scratch_created", st.ScratchCreated,
		"scratch_reused", st.ScratchReused,
		"free_bytes", humanize.Bytes(uint64(st.FreeBytes)),
		"transfers", player.Transfers(),
	)
	if err := player.Close(); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
	if ctrl != nil {
		ctrl.Stop()
	}
	if mqtt != nil {
		mqtt.Disconnect()
	}
	if store != nil {
		logRecent(shutdownCtx, store)
	}

	if runErr != nil {
		os.Exit(1)
	}
	slog.Info("framereel stopped successfully")
}

// applyOverrides folds command line overrides into cfg and revalidates it
func applyOverrides(cfg *config.Config, mode string, preload int) error {
	if mode != "" {
		cfg.DecodeMode = mode
	}
	if preload >= 0 {
		cfg.PreloadCount = &preload
	}
	return config.Validate(cfg)
}

func startEmitter(ctx context.Context, cfg config.MQTTConfig, p *framereel.Player, logger *slog.Logger) *emitter.MQTTEmitter {
	e := emitter.NewMQTTEmitter(cfg, logger)
	if err := e.Connect(ctx); err != nil {
		// Telemetry is optional, playback goes on without it.
		slog.Warn("mqtt unavailable, events will not be published", "error", err)
	}

	events := make(chan framereel.Event, 64)
	if err := p.Events().Subscribe("mqtt", events); err != nil {
		slog.Warn("failed to subscribe mqtt emitter", "error", err)
		return e
	}
	go e.Forward(ctx, events)
	return e
}

// startControl accepts remote play, stop, get_status and shutdown commands
func startControl(ctx context.Context, cfg config.MQTTConfig, e *emitter.MQTTEmitter, r *reel, shutdown context.CancelFunc, logger *slog.Logger) *control.Handler {
	if !e.Stats().Connected {
		return nil
	}
	h := control.NewHandler(cfg, e.Client(), control.CommandCallbacks{
		OnPlay: r.play,
		OnStop: func() error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return r.pause(stopCtx)
		},
		OnGetStatus: r.status,
		OnShutdown: func() error {
			shutdown()
			return nil
		},
	}, logger)
	if err := h.Start(ctx); err != nil {
		slog.Warn("remote control unavailable", "error", err)
		return nil
	}
	return h
}

func finished(store *runstore.Store, r framereel.Report) {
	slog.Info("playback summary",
		"session_id", r.Session,
		"outcome", string(r.Outcome),
		"frames", r.Frames,
		"stalls", r.Stalls,
		"wall", r.Wall.Round(time.Millisecond).String(),
		"fps_mean", humanize.FtoaWithDigits(r.FPS.FPSMean, 1),
		"fps_min", humanize.FtoaWithDigits(r.FPS.FPSMin, 1),
		"jitter_max_ms", humanize.FtoaWithDigits(r.FPS.JitterMax*1000, 2),
		"stable", r.FPS.IsStable,
	)
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := store.Record(ctx, runstore.FromReport(r)); err != nil {
		slog.Warn("failed to record run", "error", err)
	}
}

func logRecent(ctx context.Context, store *runstore.Store) {
	counts, err := store.Count(ctx)
	if err != nil {
		slog.Warn("failed to read run store", "error", err)
		return
	}
	slog.Info("recorded runs", "completed", counts["completed"], "stopped", counts["stopped"], "failed", counts["failed"])

	runs, err := store.Recent(ctx, 3)
	if err != nil {
		slog.Warn("failed to read recent runs", "error", err)
		return
	}
	for _, run := range runs {
		slog.Info("recent run",
			"session_id", run.Session,
			"outcome", run.Outcome,
			"frames", run.Frames,
			"fps_mean", run.FPSMean,
			"started", humanize.Time(run.Started),
		)
	}
}
