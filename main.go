package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"orderflow/internal/api"
	"orderflow/internal/dispatch"
	"orderflow/internal/events"
	"orderflow/internal/gateway"
	"orderflow/internal/monitor"
	"orderflow/internal/order"
	"orderflow/internal/reconciliation"
	"orderflow/pkg/config"
	"orderflow/pkg/db"
	"orderflow/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(log)

	// `orderflow token <subject>` prints an API token and exits.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, log); err != nil {
		log.Error("orderflow stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting orderflow", "port", cfg.Port, "venue", cfg.Venue, "db_path", cfg.DBPath)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	(&monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Log: log}, Log: log}).Start(ctx)

	gw, err := gateway.New(cfg)
	if err != nil {
		return err
	}

	// The engine recovers executing orders before anything can submit.
	engine, err := order.NewEngine(ctx, database, gw, order.EngineConfig{
		RecheckInterval:      cfg.RecheckInterval,
		MaxBackoff:           cfg.RecheckMaxBackoff,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		Bus:                  bus,
		Metrics:              metrics,
		Log:                  log,
	})
	if err != nil {
		return fmt.Errorf("start order engine: %w", err)
	}
	defer engine.Close()

	handlers := dispatch.NewRegistry()
	handlers.Register(dispatch.TypeOrderPlacement, order.NewPlacementHandler(engine, log))

	pool := dispatch.NewPool(database, handlers, dispatch.Options{
		IdleBackoff: cfg.DispatchIdleBackoff,
		Bus:         bus,
		Metrics:     metrics,
		Log:         log,
	})
	restored, err := pool.Restore(ctx)
	if err != nil {
		log.Error("some event managers could not be restored", "error", err)
	}
	log.Info("event managers restored", "count", restored)

	controller := order.NewController(database, pool, metrics, log)
	sweep := reconciliation.NewService(database, engine, cfg.ReconcileInterval, log)

	server := api.NewServer(api.Deps{
		DB:         database,
		Bus:        bus,
		Pool:       pool,
		Controller: controller,
		Engine:     engine,
		Sweep:      sweep,
		Metrics:    metrics,
		JWTSecret:  cfg.JWTSecret,
		Log:        log,
	})
	httpServer := server.HTTPServer(":" + cfg.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweep.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		// Stop intake first, then let running handlers finish.
		err := httpServer.Shutdown(shutdownCtx)
		if stopErr := pool.StopAll(shutdownCtx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		return err
	})

	return g.Wait()
}

func printToken(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: orderflow token <subject>")
	}
	token, err := api.IssueToken(args[0], cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
