package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pysched/pysched/internal/config"
	"github.com/pysched/pysched/internal/engine"
	"github.com/pysched/pysched/internal/envmgr"
	"github.com/pysched/pysched/internal/eventbus"
	"github.com/pysched/pysched/internal/frontend"
	"github.com/pysched/pysched/internal/logger"
	"github.com/pysched/pysched/internal/logger/tag"
	"github.com/pysched/pysched/internal/mailer"
	"github.com/pysched/pysched/internal/models"
	"github.com/pysched/pysched/internal/runqueue"
	"github.com/pysched/pysched/internal/scheduler"
	"github.com/pysched/pysched/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler and the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runStart(cmd.Context(), cfg)
	},
}

func runStart(ctx context.Context, cfg *config.Config) error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logFile, err := os.OpenFile(
		filepath.Join(cfg.LogsDir(), "pysched.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	logOpts := []logger.Option{
		logger.WithFormat(cfg.LogFormat),
		logger.WithWriter(logFile),
	}
	if cfg.Debug {
		logOpts = append(logOpts, logger.WithDebug())
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(logOpts...))
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info(ctx, "Starting pysched",
		tag.Version(version), tag.Dir(cfg.DataPath))

	if cfg.SecretKey == "" {
		// Sessions will not survive a restart without a configured key.
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return err
		}
		cfg.SecretKey = hex.EncodeToString(key)
		logger.Warn(ctx, "PYSCHED_SECRET_KEY is not set, generated an ephemeral signing key")
	}

	st, err := store.Open(ctx, cfg.CatalogPath())
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SeedSettings(ctx); err != nil {
		return err
	}
	if swept, err := st.SweepOrphans(ctx); err != nil {
		return err
	} else if swept > 0 {
		logger.Warn(ctx, "Marked abandoned runs as failed", tag.Count(int(swept)))
	}
	if err := frontend.EnsureAdminUser(ctx, st, cfg); err != nil {
		return err
	}

	bus := eventbus.New(0)
	defer bus.Shutdown()

	envs := envmgr.New(cfg.ScriptsDir(), bus)

	var notifier engine.Notifier
	if m := mailer.New(mailer.Config(cfg.SMTP)); m != nil {
		notifier = m
	}

	eng := engine.New(st, envs, bus, notifier, engine.Options{
		DefaultTimeout:   cfg.DefaultScriptTimeout,
		OutputLimitBytes: cfg.OutputLimitBytes,
	})

	queue := runqueue.New(cfg.QueueSize, cfg.Workers, st, func(runCtx context.Context, req *models.RunRequest) {
		if _, err := eng.Execute(runCtx, req); err != nil {
			logger.Error(runCtx, "Run failed to start",
				tag.ScriptID(req.ScriptID), tag.TaskID(req.TaskID), tag.Error(err))
		}
	})
	if replayed, err := replayPendingRuns(ctx, st, queue); err != nil {
		return err
	} else if replayed > 0 {
		logger.Info(ctx, "Replayed queued runs from the previous instance", tag.Count(replayed))
	}
	queue.Start(ctx)
	defer queue.Stop()

	sched := scheduler.New(st, queue, eng, bus)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	go retentionLoop(ctx, st, cfg)

	server := frontend.New(cfg, st, eng, queue, sched, envs, bus)
	if err := server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info(ctx, "Shutting down")

	// Stop taking requests first, then let the queue drain in-flight runs.
	shutdownCtx := context.WithoutCancel(ctx)
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "HTTP shutdown failed", tag.Error(err))
	}
	return nil
}

// replayPendingRuns re-admits runs that were accepted but never started
// before the last shutdown. Runs that no longer fit the queue drop their
// mirror rows through the journal.
func replayPendingRuns(ctx context.Context, st *store.Store, queue *runqueue.Queue) (int, error) {
	pending, err := st.ListPendingRecords(ctx)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, record := range pending {
		req := &models.RunRequest{
			ScriptID:    record.ScriptID,
			TriggerID:   record.TriggerID,
			TriggeredBy: record.TriggeredBy,
			RecordID:    record.ID,
		}
		if err := queue.Enqueue(ctx, req); err != nil {
			logger.Warn(ctx, "Dropping queued run that no longer fits",
				tag.RecordID(record.ID), tag.Error(err))
			continue
		}
		replayed++
	}
	return replayed, nil
}

// retentionLoop applies the record retention policy once a day at 02:00
// local time.
func retentionLoop(ctx context.Context, st *store.Store, cfg *config.Config) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		keep, days := retentionPolicy(ctx, st, cfg)
		removed, err := st.CleanupRecords(ctx, keep, days)
		if err != nil {
			logger.Error(ctx, "Retention cleanup failed", tag.Error(err))
			continue
		}
		if removed > 0 {
			logger.Info(ctx, "Retention cleanup removed old records", tag.Count(int(removed)))
		}
	}
}

func retentionPolicy(ctx context.Context, st *store.Store, cfg *config.Config) (keep, days int) {
	keep, days = cfg.MaxRecordsPerScript, cfg.RetentionDays
	if raw, err := st.GetSetting(ctx, models.SettingMaxExecutionLogs); err == nil {
		if n, perr := strconv.Atoi(raw); perr == nil && n > 0 {
			keep = n
		}
	}
	if raw, err := st.GetSetting(ctx, models.SettingLogRetentionDays); err == nil {
		if n, perr := strconv.Atoi(raw); perr == nil && n > 0 {
			days = n
		}
	}
	return keep, days
}
