package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/HerbHall/orderlist/internal/config"
	"github.com/HerbHall/orderlist/internal/items"
	"github.com/HerbHall/orderlist/internal/kv"
	"github.com/HerbHall/orderlist/internal/server"
	"github.com/HerbHall/orderlist/internal/store"
	"github.com/HerbHall/orderlist/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	dev := flag.Bool("dev", false, "human-readable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	settings, _, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(*dev || settings.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("orderlist starting", zap.String("version", version.Short()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run closes the backend before returning.
	if err := run(ctx, settings, logger, openBackend); err != nil {
		logger.Fatal("orderlist failed", zap.Error(err))
	}
	logger.Info("orderlist stopped")
}

// backendOpener connects the configured backing store.
type backendOpener func(ctx context.Context, s *config.Settings) (kv.Backend, error)

// run serves until ctx is done or the server fails. The backend is closed
// on every return path.
func run(ctx context.Context, settings *config.Settings, logger *zap.Logger, open backendOpener) error {
	backend, err := open(ctx, settings)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", settings.Backend.Driver, err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("failed to close backend", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	itemStore, err := items.New(backend, settings.Items, logger, items.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("create item store: %w", err)
	}
	if err := itemStore.Init(ctx); err != nil {
		return fmt.Errorf("seed order index: %w", err)
	}

	srv := server.New(server.Options{
		Addr:         settings.Server.Addr(),
		ReadTimeout:  settings.Server.ReadTimeout,
		WriteTimeout: settings.Server.WriteTimeout,
		CORSOrigins:  settings.Server.CORSOrigins,
		RateLimit:    settings.Server.RateLimit,
		RateBurst:    settings.Server.RateBurst,
		Gatherer:     reg,
	}, itemStore, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("orderlist ready",
		zap.String("addr", settings.Server.Addr()),
		zap.String("backend", settings.Backend.Driver),
		zap.Int64("max_items", itemStore.MaxItems()),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if serveErr == nil {
		// Start returns once Shutdown has closed the listener.
		serveErr = <-errCh
	}
	return serveErr
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openBackend(ctx context.Context, s *config.Settings) (kv.Backend, error) {
	switch s.Backend.Driver {
	case config.DriverSQLite:
		st, err := store.New(s.SQLite.Path, store.Options{BusyTimeoutMS: s.SQLite.BusyTimeoutMS})
		if err != nil {
			return nil, err
		}
		b, err := kv.NewSQLite(ctx, st)
		if err != nil {
			st.Close()
			return nil, err
		}
		return b, nil
	default:
		return kv.NewRedis(ctx, kv.RedisOptions{
			URL:          s.Redis.URL,
			DialTimeout:  s.Redis.DialTimeout,
			ReadTimeout:  s.Redis.ReadTimeout,
			WriteTimeout: s.Redis.WriteTimeout,
			PoolSize:     s.Redis.PoolSize,
		})
	}
}
