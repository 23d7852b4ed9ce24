package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"adwatch/internal/analyzer"
	"adwatch/internal/browser"
	"adwatch/internal/config"
	"adwatch/internal/events"
	"adwatch/internal/geo"
	httpserver "adwatch/internal/http"
	"adwatch/internal/metrics"
	"adwatch/internal/migrate"
	"adwatch/internal/pipeline"
	"adwatch/internal/scheduler"
	"adwatch/internal/source"
	"adwatch/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlx.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	if err := migrate.Run(db.DB, "db/migrations"); err != nil {
		return err
	}
	logger.Info("migrations applied")

	st := store.New(db, logger.Named("store"))
	if cfg.Database.Echo {
		st.EnableEcho()
	}
	m := metrics.New()

	pool := browser.NewPool(browser.Config{
		MaxContexts:   cfg.Browser.MaxContexts,
		MaxConcurrent: cfg.Browser.MaxConcurrent,
		ControlURL:    cfg.Browser.ControlURL,
	}, logger.Named("browser"))
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Close()

	var gaz *geo.Gazetteer
	if cfg.Geo.PostalCodesPath != "" {
		gaz, err = geo.Load(cfg.Geo.PostalCodesPath, logger.Named("geo"))
		if err != nil {
			return err
		}
	}

	src := source.NewKleinanzeigenSource(pool, logger.Named("source"))
	pipe := pipeline.New(src, pool, gaz, pipeline.Config{
		RetryCount:       cfg.Scraper.RetryCount,
		MaxDetailWorkers: cfg.Scraper.MaxDetailWorkers,
	}, logger.Named("pipeline"))

	bus := events.NewBus(logger.Named("events"))
	bus.Start()
	defer bus.Stop()

	anl := analyzer.New(analyzer.NewStoreRepository(st), bus, m, analyzer.Config{
		QueueSize:         cfg.Analyzer.QueueSize,
		PHashThreshold:    cfg.Analyzer.PHashThreshold,
		ParallelDownloads: int64(cfg.Analyzer.ParallelDownloads),
		MaxImageBytes:     int64(cfg.Analyzer.MaxImageBytes),
		FetchTimeout:      time.Duration(cfg.Analyzer.FetchTimeoutSeconds) * time.Second,
	}, logger.Named("analyzer"))
	anl.Subscribe(bus)
	anl.Start()
	defer anl.Stop()

	sched := scheduler.New(st, pipe, scheduler.NewStoreSink(st, logger.Named("sink")), bus, logger.Named("scheduler"))
	sched.SetMetrics(m)
	bootstrap, err := scheduler.ParseBootstrapJobs(cfg.Scheduler.JobsJSON, cfg.Scheduler.DefaultIntervalSeconds, logger.Named("scheduler"))
	if err != nil {
		return err
	}
	if err := sched.Start(ctx, bootstrap); err != nil {
		return err
	}
	defer sched.Stop()

	server := httpserver.NewServer(sched, st, st, pool, m.Handler(), logger.Named("http"))
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := server.Shutdown(10 * time.Second); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func buildLogger(cfg config.Logging) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}
