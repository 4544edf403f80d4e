/*
Gradwatch is a supervision daemon for ML training runs. It launches the
training workload on a local or remote backend, ingests the run's metric
and log streams over a unix socket, evaluates alerting rules against
them, and hands anomalies to a diagnosing agent whose refactor verdicts
can be applied automatically: snapshot, patch, restart, and roll back if
the patch does not take. A rollout state machine with generations, leases,
and a heartbeat watchdog keeps the observed workload converging on the
desired one, including exponential back-off recovery and an OOM resource
back-off policy.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gradwatch/agent"
	"gradwatch/alerts"
	"gradwatch/models"
	"gradwatch/patch"
	"gradwatch/runtime"
	"gradwatch/server"
	"gradwatch/server/telemetry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "gradwatchd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := LoadConfig(args)
	if err != nil {
		return err
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zlog.Sync()
	logger := zlog.Sugar()

	if cfg.FreshRun && cfg.RunDir != "" {
		purged := purgeEventFiles(cfg.RunDir)
		logger.Infow("fresh run: purged event files", "run_dir", cfg.RunDir, "count", purged)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state := models.NewRunState(cfg.TrainingFile, cfg.CodebaseRoot)
	checkpoints := &patch.Store{Root: filepath.Join(cfg.CodebaseRoot, patch.DefaultRoot)}
	detector := alerts.NewDetector(alerts.LoadRulesFromEnv(""), nil)

	supervisor := runtime.NewSupervisor(cfg.SupervisorConfig(), state, checkpoints, logger)

	var oracle agent.Oracle = agent.UnconfiguredOracle{}
	if cfg.OracleCmd != "" {
		oracle = &agent.CommandOracle{Command: cfg.OracleCmd}
	}
	oracle = agent.WithBreaker(oracle)

	index := agent.IndexCodebase(cfg.CodebaseRoot, agent.DefaultIndexLimits())
	executor := agent.NewGuardedExecutor(checkpoints, cfg.AutoMode, func(ctx context.Context) error {
		return supervisor.Start(ctx, true)
	})
	engine := agent.NewEngine(state, index, oracle, executor, logger)

	supervisor.SetAutoModeQuery(executor.AutoMode)
	supervisor.SetAlertResponder(func(ctx context.Context, alert models.Alert) bool {
		response := engine.HandleAlert(ctx, &alert)
		return response != nil && response.Plan.IsRefactor() && response.Plan.CodeChanges != ""
	})

	ingest := server.New(cfg.SocketPath, state, engine, detector, supervisor, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ingest.Serve(groupCtx)
	})
	group.Go(func() error {
		supervisor.Watchdog(groupCtx)
		return nil
	})
	if cfg.TelemetryAddr != "" {
		endpoint := telemetry.New(cfg.TelemetryAddr, ingest.Snapshot, logger)
		ingest.SetNotify(endpoint.Notify)
		group.Go(func() error {
			return endpoint.Serve(groupCtx)
		})
	}
	if cfg.StartTraining {
		group.Go(func() error {
			if err := supervisor.Start(groupCtx, true); err != nil {
				logger.Errorw("initial start failed", "error", err)
			}
			return nil
		})
	}

	err = group.Wait()
	supervisor.Shutdown(context.Background())
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// purgeEventFiles removes *tfevents* files under runDir so a fresh run
// does not inherit stale curves.
func purgeEventFiles(runDir string) int {
	purged := 0
	filepath.Walk(runDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.Contains(filepath.Base(path), "tfevents") {
			if os.Remove(path) == nil {
				purged++
			}
		}
		return nil
	})
	return purged
}
