package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/api"
	"github.com/xraph/escrow/audit"
	"github.com/xraph/escrow/engine"
	"github.com/xraph/escrow/lock"
	"github.com/xraph/escrow/relay"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and live feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(*cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, v, cfg, os.Stderr)
		},
	}

	f := cmd.Flags()
	f.String("addr", "", "HTTP listen address (default :8080)")
	f.String("store", "", "Store driver: memory, postgres or mongo")
	f.String("dsn", "", "Store connection string")
	f.String("redis", "", "Redis URL; enables the distributed lock and relay")
	f.String("log-level", "", "Log level: debug, info, warn or error")
	return cmd
}

// serve runs the daemon until ctx is done.
func serve(ctx context.Context, v *viper.Viper, cfg daemonConfig, logOut io.Writer) error {
	logger := newLogger(cfg, logOut)

	tel, err := initTelemetry(ctx, cfg.Telemetry.Enabled, logOut)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Engine.ShutdownTimeout)
		defer cancel()
		if flushErr := tel.Shutdown(flushCtx); flushErr != nil {
			logger.Warn("telemetry flush failed", slog.String("error", flushErr.Error()))
		}
	}()

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Store.Migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return fmt.Errorf("migrate %s store: %w", cfg.Store.Driver, err)
		}
	}

	tr, err := escrow.New(
		escrow.WithStore(s),
		escrow.WithLogger(logger),
		escrow.WithConfig(cfg.Engine),
	)
	if err != nil {
		_ = s.Close()
		return err
	}

	opts := []engine.Option{
		engine.WithTracerProvider(tel.tracerProvider),
		engine.WithMeterProvider(tel.meterProvider),
		engine.WithBackoff(retryStrategy(cfg.RetryInterval)),
	}
	if cfg.Audit.Enabled {
		recorder := audit.NewLogRecorder(logger.With(slog.String("component", "audit")))
		opts = append(opts, engine.WithExtension(audit.New(recorder, audit.WithLogger(logger))))
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		ropts, parseErr := redis.ParseURL(cfg.Redis.URL)
		if parseErr != nil {
			_ = s.Close()
			return fmt.Errorf("redis.url: %w", parseErr)
		}
		rdb = redis.NewClient(ropts)
		defer func() { _ = rdb.Close() }()
		if pingErr := rdb.Ping(ctx).Err(); pingErr != nil {
			_ = s.Close()
			return fmt.Errorf("redis ping: %w", pingErr)
		}
		if cfg.Redis.Lock {
			opts = append(opts, engine.WithLocker(lock.NewRedis(rdb,
				lock.WithTTL(cfg.Engine.LockTTL),
				lock.WithLogger(logger),
			)))
		}
	}

	eng, err := engine.Build(tr, opts...)
	if err != nil {
		_ = s.Close()
		return err
	}

	var rl *relay.Relay
	if rdb != nil && cfg.Redis.Relay {
		rl = relay.New(rdb, eng.Broker(),
			relay.WithChannel(cfg.Redis.Channel),
			relay.WithLogger(logger),
		)
		eng.Extensions().Register(rl)
	}

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(reloadHandler(v, eng, logger))
		v.WatchConfig()
	}

	a := api.New(eng,
		api.WithLogger(logger),
		api.WithLimiter(api.NewLimiter(cfg.Limiter)),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("escrowd listening",
			slog.String("addr", cfg.HTTP.Addr),
			slog.String("store", cfg.Store.Driver),
			slog.Bool("relay", rl != nil),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if rl != nil {
		g.Go(func() error { return rl.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("escrowd shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Engine.ShutdownTimeout)
		defer cancel()

		// Hijacked feed connections are not tracked by the server; stopping
		// the engine closes them through the broker.
		srvErr := srv.Shutdown(shutdownCtx)
		return errors.Join(srvErr, eng.Stop(shutdownCtx))
	})

	return g.Wait()
}

// reloadHandler applies hot-reloadable settings after the config file
// changes. Only the lock timeout is reloadable; everything else needs a
// restart.
func reloadHandler(v *viper.Viper, eng *engine.Engine, logger *slog.Logger) func(fsnotify.Event) {
	return func(e fsnotify.Event) {
		logger.Info("config file changed",
			slog.String("file", e.Name),
			slog.String("op", e.Op.String()),
		)
		d := v.GetDuration("engine.lock_timeout")
		if d <= 0 {
			logger.Warn("ignoring non-positive engine.lock_timeout", slog.Duration("lock_timeout", d))
			return
		}
		eng.SetLockTimeout(d)
	}
}
