package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/gridlens/internal/cache"
	"github.com/withObsrvr/gridlens/internal/config"
	"github.com/withObsrvr/gridlens/internal/dataset"
	"github.com/withObsrvr/gridlens/internal/logging"
	"github.com/withObsrvr/gridlens/internal/manager"
	"github.com/withObsrvr/gridlens/internal/metrics"
	"github.com/withObsrvr/gridlens/internal/server"
	"github.com/withObsrvr/gridlens/internal/simulator"
	"github.com/withObsrvr/gridlens/internal/source"
	"github.com/withObsrvr/gridlens/internal/status"
	"github.com/withObsrvr/gridlens/internal/storage"
	"github.com/withObsrvr/gridlens/internal/watcher"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] gridlens %s (%s)", Version, GitSHA)

	cfg := config.MustLoad()
	logger := logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	catalog, err := dataset.NewCatalog(dataset.Builtin())
	if err != nil {
		log.Fatalf("[main] invalid dataset catalog: %v", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New("gridlens")
	}

	durable, err := cache.OpenBackend(ctx, storage.Config{
		Backend:    cfg.Cache.Backend,
		LocalDir:   cfg.Cache.LocalDir,
		Bucket:     cfg.Cache.Bucket,
		S3Endpoint: cfg.Cache.S3Endpoint,
		S3Region:   cfg.Cache.S3Region,
		Prefix:     cfg.Cache.Prefix,
	}, cfg.Cache.PostgresDSN)
	if err != nil {
		log.Fatalf("[main] failed to open durable cache: %v", err)
	}
	defer durable.Close()

	bundle, err := source.OpenBundle(cfg.Samples.Dir)
	if err != nil {
		log.Fatalf("[main] failed to open sample bundle: %v", err)
	}
	defer bundle.Close()

	exports, err := storage.OpenLocalBucket(cfg.Export.Dir)
	if err != nil {
		log.Fatalf("[main] failed to open export directory: %v", err)
	}
	defer exports.Close()

	client := &http.Client{Timeout: cfg.Gateway.Timeout}

	var limiter *rate.Limiter
	if cfg.Gateway.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Gateway.RequestsPerSecond), 1)
	}

	streamers := source.NewStreamers(catalog, source.GatewayConfig{
		BaseURL:  cfg.Gateway.BaseURL,
		APIKey:   cfg.Gateway.APIKey,
		PageSize: cfg.Gateway.PageSize,
		Client:   client,
		Limiter:  limiter,
		Metrics:  m,
		Logger:   logger,
	}, bundle)

	var sim *simulator.Simulator
	if cfg.Simulator.BaseURL != "" {
		sim = simulator.New(simulator.Config{
			BaseURL:  cfg.Simulator.BaseURL,
			TTL:      cfg.Simulator.TTL,
			PageSize: cfg.Gateway.PageSize,
			Client:   client,
			Metrics:  m,
			Logger:   logger,
		})
	}

	mgr := manager.New(manager.ConfigFrom(cfg), manager.Deps{
		Streamers: streamers,
		Durable:   durable,
		Status:    status.New(nil),
		Simulator: sim,
		Exports:   exports,
		Metrics:   m,
		Logger:    logger,
	})
	defer mgr.Shutdown()

	slog.Info("data manager ready",
		"datasets", len(streamers),
		"stream", mgr.ShouldAttemptStream(false),
		"gateway_configured", cfg.Gateway.Configured(),
		"simulator", sim.Configured(),
	)

	for _, key := range mgr.Keys() {
		st, err := mgr.InitializeConnection(ctx, key)
		if err != nil {
			slog.Warn("initial connection check failed", "dataset", key, "error", err)
			continue
		}
		slog.Info("initial status", "dataset", key, "status", st.State)
	}

	var metricsHandler http.Handler
	if m != nil {
		metricsHandler = m.Handler()
	}
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.New(mgr, server.Options{
			CORSOrigins: cfg.Server.CORSOrigins,
			Metrics:     metricsHandler,
			Logger:      logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.New(mgr, cfg.Poll.Interval, nil, logger).Run(gctx)
	})
	g.Go(func() error {
		log.Printf("[main] listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			log.Printf("[main] shutdown complete")
		} else {
			log.Fatalf("[main] gridlens failed: %v", err)
		}
	}

	log.Println("[main] gridlens stopped cleanly")
}
