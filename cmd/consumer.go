package cmd

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/activitylog/internal/consumer"
	"example.com/activitylog/internal/persistence/postgres"
	"example.com/activitylog/pkg/events"
)

func newConsumerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consumer",
		Short: "Maintain daily activity rollups from the activity_events topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runConsumer(ctx, opts)
		},
	}
}

func runConsumer(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	logger := opts.logger()
	defer func() { _ = logger.Sync() }()

	pool, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Consumer.GroupID,
		Topic:          events.TopicActivityEvents,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("consumer.reader_close_failed", zap.Error(err))
		}
	}()

	processor := consumer.NewProcessor(reader, consumer.NewRollupHandler(pool),
		consumer.WithLogger(logger),
		consumer.WithRetryDelay(cfg.Consumer.RetryDelay),
	)

	logger.Info("consumer.started",
		zap.String("topic", events.TopicActivityEvents),
		zap.String("group_id", cfg.Consumer.GroupID),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := processor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.Consumer.MetricsAddr != "" {
		g.Go(func() error {
			return serve(gctx, metricsServer(cfg.Consumer.MetricsAddr), 5*time.Second, logger)
		})
	}
	return g.Wait()
}
