package cmd

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"example.com/activitylog/internal/outbox"
	"example.com/activitylog/internal/persistence/postgres"
)

func newDLQCmd(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Re-queue or quarantine failed outbox deliveries on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runDLQ(ctx, opts, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process one batch and exit")
	return cmd
}

func runDLQ(ctx context.Context, opts *rootOptions, once bool) error {
	cfg := opts.cfg
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	logger := opts.logger()
	defer func() { _ = logger.Sync() }()

	pool, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	manager := outbox.NewDLQManager(pool, cfg.DLQ.MaxRetries, cfg.DLQ.BaseDelay, logger)
	runOnce := func() {
		requeued, err := manager.RunOnce(ctx, cfg.DLQ.BatchSize)
		if err != nil {
			logger.Error("dlq.run_failed", zap.Error(err))
			return
		}
		if requeued > 0 {
			logger.Info("dlq.requeued", zap.Int("count", requeued))
		}
	}

	if once {
		requeued, err := manager.RunOnce(ctx, cfg.DLQ.BatchSize)
		if err != nil {
			return err
		}
		logger.Info("dlq.requeued", zap.Int("count", requeued))
		return nil
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(cfg.DLQ.Schedule, runOnce); err != nil {
		return err
	}
	scheduler.Start()
	logger.Info("dlq.scheduled", zap.String("schedule", cfg.DLQ.Schedule))

	var metricsErr error
	if cfg.DLQ.MetricsAddr != "" {
		metricsErr = serve(ctx, metricsServer(cfg.DLQ.MetricsAddr), 5*time.Second, logger)
	} else {
		<-ctx.Done()
	}

	<-scheduler.Stop().Done()
	return metricsErr
}
