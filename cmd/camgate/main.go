package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camgate/internal/auth"
	"camgate/internal/camera"
	"camgate/internal/catalog"
	"camgate/internal/config"
	"camgate/internal/gateway"
	"camgate/internal/logging"
	"camgate/internal/mediamtx"
	"camgate/internal/metrics"
	"camgate/internal/retention"
	"camgate/internal/session"
)

func main() {
	configPath := flag.String("config", os.Getenv("CAMGATE_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := logging.New("info")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	tokens := auth.NewManager(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	relay := mediamtx.New(logger, cfg.MediaMTX.BaseURL, cfg.MediaMTX.Timeout)

	for _, dir := range []string{cfg.Storage.RecordingsDir, cfg.Storage.SnapshotsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal().Err(err).Str("dir", dir).Msg("failed to create storage directory")
		}
	}

	var store catalog.Store
	if cfg.Storage.DatabaseURL != "" {
		pg, err := catalog.Open(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open artifact catalog")
		}
		defer pg.Close()
		store = pg
	} else {
		mem := catalog.NewMemory()
		if err := mem.LoadDir(cfg.Storage.RecordingsDir, catalog.KindRecording); err != nil {
			logger.Warn().Err(err).Msg("failed to seed recording catalog")
		}
		if err := mem.LoadDir(cfg.Storage.SnapshotsDir, catalog.KindSnapshot); err != nil {
			logger.Warn().Err(err).Msg("failed to seed snapshot catalog")
		}
		store = mem
	}

	bus := camera.NewBus(logger)
	defer bus.Close()

	prober := camera.NewV4L2Prober(cfg.Monitor.ProbeTimeout, cfg.Monitor.ProbeRetries)
	source := camera.NewDevEventSource(logger, "/dev")
	monitor := camera.New(logger, prober, source, camera.StatEnumerator{}, bus, camera.Options{
		DevDir:          "/dev",
		DeviceRange:     cfg.Monitor.DeviceRange,
		PollIntervalMin: cfg.Monitor.PollIntervalMin,
		PollIntervalMax: cfg.Monitor.PollIntervalMax,
		ProbeQueueSize:  cfg.Monitor.ProbeQueueSize,
	}, m)

	control := session.NewController(logger, relay, store, session.Options{
		RecordingsDir: cfg.Storage.RecordingsDir,
		SnapshotsDir:  cfg.Storage.SnapshotsDir,
		RTSPBase:      cfg.MediaMTX.RTSPBase,
		RelayTimeout:  cfg.MediaMTX.Timeout,
	}, m)
	defer control.Close()
	bus.AddHandler(control)

	cleaner := retention.NewCleaner(logger, store,
		[]string{cfg.Storage.RecordingsDir, cfg.Storage.SnapshotsDir},
		control.InProgressPaths,
		retention.Policy{
			Type:         retention.PolicyType(cfg.Retention.PolicyType),
			MaxAgeDays:   cfg.Retention.MaxAgeDays,
			MaxSizeBytes: cfg.Retention.MaxSizeBytes,
			Enabled:      cfg.Retention.Enabled,
		}, cfg.Retention.CheckInterval, m)
	go cleaner.Run(ctx)

	srv := gateway.NewServer(logger, tokens, monitor, control, cleaner, store, relay, gateway.Options{
		RequestTimeout:  cfg.Gateway.RequestTimeout,
		RateLimit:       cfg.Gateway.RateLimit,
		RateBurst:       cfg.Gateway.RateBurst,
		SendQueueSize:   cfg.Gateway.SendQueueSize,
		WriteBufferSize: cfg.Gateway.WriteBufferSize,
		RTSPBase:        cfg.MediaMTX.RTSPBase,
		HLSBase:         cfg.MediaMTX.HLSBase,
		HealthInterval:  cfg.MediaMTX.HealthInterval,
	}, m)
	bus.AddHandler(srv)
	control.SetNotifier(srv.HandleSessionUpdate)
	go srv.Run(ctx)

	if err := monitor.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start device monitor")
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("camgate listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	srv.Close()
	if err := monitor.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("monitor stop timed out")
	}
	logger.Info().Msg("shutdown complete")
}
