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

	"github.com/meridian-lab/project-meridian/internal/adspend"
	"github.com/meridian-lab/project-meridian/internal/analytics"
	corecfg "github.com/meridian-lab/project-meridian/internal/core/config"
	"github.com/meridian-lab/project-meridian/internal/core/identity"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
	"github.com/meridian-lab/project-meridian/internal/core/storage/clickhouse"
	"github.com/meridian-lab/project-meridian/internal/core/storage/postgres"
	"github.com/meridian-lab/project-meridian/internal/ingestion"
	"github.com/meridian-lab/project-meridian/internal/migrations"
	"github.com/meridian-lab/project-meridian/internal/quality"
	"github.com/meridian-lab/project-meridian/internal/reporting"
	"github.com/meridian-lab/project-meridian/internal/server"
	"github.com/meridian-lab/project-meridian/internal/sessionizer"
)

func main() {
	configPath := flag.String("config", "meridian.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	sweepInterval := mustDuration("sessionizer.sweep_interval", cfg.Sessionizer.SweepInterval)
	cronInterval := mustDuration("analytics.cron_interval", cfg.Analytics.CronInterval)
	timeBudget := mustDuration("analytics.time_budget", cfg.Analytics.TimeBudget)
	staleness := mustDuration("analytics.staleness_threshold", cfg.Analytics.StalenessThreshold)
	expiryInterval := mustDuration("quality.expiry_interval", cfg.Quality.ExpiryInterval)

	// 2. Initialize Storage (PostgreSQL always carries the derived state)
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbAdapter.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// 2.2. Event log backend: postgres by default, clickhouse when configured.
	var eventStore storage.EventStore = dbAdapter
	if cfg.Database.Type == "clickhouse" {
		chAdapter, err := clickhouse.NewAdapter(cfg.Database.ClickHouseDSN)
		if err != nil {
			slog.Error("Failed to initialize clickhouse", "error", err)
			os.Exit(1)
		}
		defer chAdapter.Close()
		eventStore = chAdapter
		slog.Info("Event log backed by clickhouse")
	}

	sessionStore := postgres.NewSessionAdapter(dbAdapter.DB())
	qualityStore := postgres.NewQualityAdapter(dbAdapter.DB())
	derivedStore := postgres.NewDerivedAdapter(dbAdapter.DB())
	spendStore := postgres.NewAdSpendAdapter(dbAdapter.DB())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize Identity Resolution
	resolver := identity.NewResolver()
	links, err := sessionStore.LoadLinks(ctx)
	if err != nil {
		slog.Error("Failed to load identity links", "error", err)
		os.Exit(1)
	}
	resolver.Load(links)
	slog.Info("Identity links loaded", "count", resolver.Len())

	// 4. Initialize Quality Monitoring
	monitor := quality.NewMonitor(qualityStore, cfg.Quality.RetentionDays)
	monitor.StartExpiry(ctx, expiryInterval)

	// 5. Initialize Sessionizer (cron-based sweep over the event log)
	sessionizerScheduler := sessionizer.NewScheduler(
		sweepInterval,
		eventStore,
		sessionStore,
		resolver,
		sessionizer.SweepParameter{
			BatchSize:   cfg.Sessionizer.BatchSize,
			WorkerCount: cfg.Sessionizer.WorkerCount,
			Timeout:     cfg.Sessionizer.Timeout(),
		},
	)

	// 6. Initialize Analytics (batch recompute + atomic swap)
	runner := analytics.NewRunner(
		eventStore,
		sessionStore, // SessionStore
		sessionStore, // ProfileStore
		derivedStore,
		resolver,
		analytics.RunParameter{
			LookbackDays: cfg.Analytics.LookbackDays,
			FunnelWindow: time.Duration(cfg.Analytics.FunnelWindowHours) * time.Hour,
			CohortDays:   cfg.Analytics.CohortDays,
			Funnels:      cfg.FunnelDefs,
			TimeBudget:   timeBudget,
		},
	)
	analyticsScheduler := analytics.NewScheduler(cronInterval, staleness, runner, derivedStore)

	// 7. Initialize Ad Spend Feed Sync
	if cfg.AdSpend.Enabled {
		syncInterval := mustDuration("adspend.sync_interval", cfg.AdSpend.SyncInterval)
		syncer := adspend.NewSyncer(cfg.AdSpend.FeedDir, spendStore, monitor)
		syncer.StartSync(ctx, syncInterval)
	} else {
		slog.Info("Ad spend sync disabled by config")
	}

	// 8. Initialize API Services
	ingestionSvc := ingestion.NewService(
		eventStore, sessionStore, sessionStore, resolver, monitor, cfg.Server.MaxBodySizeMB)
	reportingSvc := reporting.NewService(
		eventStore, sessionStore, sessionStore, derivedStore, spendStore, monitor, resolver)

	// 9. Initialize Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), dbAdapter.DB(), cfg.Server.Mode)
	ingestionSvc.RegisterRoutes(srv.Engine)
	reportingSvc.RegisterRoutes(srv.Engine)

	// 10. Start Background Schedulers
	if cfg.Sessionizer.Enabled {
		go func() {
			if err := sessionizerScheduler.Start(ctx); err != nil {
				slog.Error("Sessionizer stopped with error", "error", err)
			}
		}()
	} else {
		slog.Info("Sessionizer disabled by config")
	}

	if cfg.Analytics.Enabled {
		go func() {
			if err := analyticsScheduler.Start(ctx); err != nil {
				slog.Error("Analytics scheduler stopped with error", "error", err)
			}
		}()
	} else {
		slog.Info("Analytics scheduler disabled by config")
	}

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func mustDuration(name, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Error("Invalid duration in config", "key", name, "value", value, "error", err)
		os.Exit(1)
	}
	return d
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
