package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/orchestrake/internal/broker"
	"github.com/basket/orchestrake/internal/bus"
	"github.com/basket/orchestrake/internal/config"
	"github.com/basket/orchestrake/internal/monitor"
	"github.com/basket/orchestrake/internal/otelshim"
	"github.com/basket/orchestrake/internal/persistence"
	"github.com/basket/orchestrake/internal/recovery"
	"github.com/basket/orchestrake/internal/scheduler"
	"github.com/basket/orchestrake/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Run the broker, scheduler, and self-healing monitor
  %s -report-cron ""  Use a fixed interval instead of a cron expression for monitor reports

ENVIRONMENT VARIABLES:
  ORCHESTRAKE_HOME             Data directory (default: ~/.orchestrake)
  ORCHESTRAKE_LOG_LEVEL        Overrides log_level from config.yaml
  ORCHESTRAKE_DB_PATH          Overrides db_path from config.yaml
  ORCHESTRAKE_MAX_CONCURRENT   Overrides broker.max_concurrent
  ORCHESTRAKE_BROKER_EXECUTABLE Overrides broker.executable

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	reportCron := flag.String("report-cron", "", "5-field cron expression for monitor report cadence (empty: fixed interval)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "needs_genesis", cfg.NeedsGenesis)

	otelProvider, err := otelshim.Init(ctx, otelshim.Config{Enabled: false})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelshim.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.HomeDir, dbPath)
	}
	journal, err := persistence.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_JOURNAL_OPEN", err)
	}
	defer journal.Close()
	logger.Info("startup phase", "phase", "journal_opened", "path", dbPath)

	rec := recovery.New(recovery.WithPatternLearning(256))
	if snapshots, err := journal.LoadBreakerSnapshots(ctx); err != nil {
		logger.Warn("failed to load breaker snapshots", "error", err)
	} else {
		logger.Info("startup phase", "phase", "breaker_snapshots_restored", "count", len(snapshots))
	}

	eventBus := bus.New(logger)

	sched := scheduler.New(
		scheduler.WithAging(scheduler.AgingConfig{
			Interval:  time.Duration(cfg.Scheduler.AgingIntervalMS) * time.Millisecond,
			Increment: cfg.Scheduler.AgingIncrement,
			Cap:       cfg.Scheduler.AgingCap,
		}),
		scheduler.WithGlobalLimits(scheduler.GlobalLimits{
			CPU:    cfg.Scheduler.GlobalCPU,
			Memory: cfg.Scheduler.GlobalMemory,
		}),
		scheduler.WithMaxBurst(cfg.Scheduler.MaxBurst),
	)
	for _, p := range cfg.Projects {
		sched.RegisterProject(scheduler.Project{
			ID:           p.ID,
			Name:         p.Name,
			Path:         p.Path,
			BasePriority: p.BasePriority,
			Weight:       p.Weight,
			Quota:        scheduler.ResourceQuota{CPU: p.QuotaCPU, Memory: p.QuotaMemory},
		})
	}
	logger.Info("startup phase", "phase", "scheduler_ready", "projects", len(cfg.Projects))

	brk := broker.New(broker.Config{
		MaxConcurrent:  cfg.Broker.MaxConcurrent,
		PollTimeout:    time.Duration(cfg.Broker.PollTimeoutMS) * time.Millisecond,
		DefaultTimeout: time.Duration(cfg.Broker.DefaultTimeoutMS) * time.Millisecond,
		GracePeriod:    time.Duration(cfg.Broker.GracePeriodMS) * time.Millisecond,
		RateLimitGrace: time.Duration(cfg.Broker.RateLimitGraceMS) * time.Millisecond,
		MaxRetries:     cfg.Broker.MaxRetries,
		Executable:     cfg.Broker.Executable,
		ScratchRoot:    cfg.Broker.ScratchRoot,
	}, eventBus, eventBus, rec, logger)

	probes := []monitor.Probe{
		monitor.NewMemoryProbe(0.85),
		monitor.NewCPUProbe(4096),
		monitor.NewDiskProbe(cfg.Broker.ScratchRoot, 256<<20),
		monitor.NewProcessProbe(func() int { return len(sched.Snapshot().Running) }, 64),
		monitor.NewLogProbe(filepath.Join(cfg.HomeDir, "logs")),
		monitor.NewDependencyProbe(""),
	}
	mon := monitor.New(monitor.Config{
		Probes:         probes,
		Recovery:       rec,
		Logger:         logger,
		ProbeInterval:  time.Duration(cfg.Monitor.ProbeIntervalMS) * time.Millisecond,
		ReportInterval: time.Duration(cfg.Monitor.ReportIntervalMS) * time.Millisecond,
		ReportCron:     *reportCron,
		HealCooldown:   time.Duration(cfg.Monitor.HealCooldownMS) * time.Millisecond,
		HealAttemptCap: cfg.Monitor.HealAttemptCap,
	})

	go func() {
		for report := range mon.Reports() {
			logger.Info("monitor report", "generated_at", report.GeneratedAt, "probes", len(report.Probes), "healing_events", len(report.RecentHealing))
			for _, trip := range report.Breakers {
				if trip.State == recovery.StateOpen {
					metrics.CircuitTrips.Add(context.Background(), 1)
				}
			}
		}
	}()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path)
		}
	}()

	mon.Start(ctx)
	go brk.Run(ctx)

	logger.Info("startup phase", "phase", "running")
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	brk.Shutdown(shutdownCtx)
	mon.Stop()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
