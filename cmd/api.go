package cmd

import (
	"context"
	"io"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"example.com/activitylog/internal/api"
	"example.com/activitylog/internal/auth"
	"example.com/activitylog/internal/cache"
	"example.com/activitylog/internal/domain"
	"example.com/activitylog/internal/outbox"
	"example.com/activitylog/internal/persistence/postgres"
	httptransport "example.com/activitylog/internal/transport/http"
)

func newAPICmd(opts *rootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the activity HTTP API and run the outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runAPI(ctx, opts, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func runAPI(ctx context.Context, opts *rootOptions, migrate bool) error {
	cfg := opts.cfg
	if err := cfg.ValidateAPI(); err != nil {
		return err
	}
	logger := opts.logger()
	defer func() { _ = logger.Sync() }()

	pool, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	if migrate {
		if err := postgres.Migrate(ctx, pool, postgres.MigrateUp); err != nil {
			return err
		}
	}

	cacher, err := cache.New(ctx, cache.Options{
		MaxSize:   cfg.Cache.MaxSize,
		RedisAddr: cfg.Cache.RedisAddr,
		RedisPass: cfg.Cache.RedisPass,
		RedisDB:   cfg.Cache.RedisDB,
	})
	if err != nil {
		return errors.Wrap(err, "init cache")
	}
	if closer, ok := cacher.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	service := domain.NewService(postgres.NewRepository(pool), domain.WithCache(cacher, cfg.Cache.CountsTTL))
	router := api.NewRouter(api.NewHandler(service), api.RouterConfig{
		Auth:        auth.Config{Secret: cfg.Auth.Secret, Issuer: cfg.Auth.Issuer},
		Logger:      logger,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, router)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var dispatcher *outbox.Dispatcher
	if cfg.Outbox.Enabled {
		producer := outbox.NewKafkaProducer(cfg.Kafka.Brokers)
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("kafka.producer_close_failed", zap.Error(err))
			}
		}()
		dispatcher = outbox.NewDispatcher(pool, producer,
			outbox.NewSchemaRegistryClient(cfg.Kafka.SchemaRegistryURL),
			cfg.Outbox.PollInterval, cfg.Outbox.BatchSize,
			outbox.WithLogger(logger),
			outbox.WithClaimLease(cfg.Outbox.ClaimLease))
		go dispatcher.Start(ctx)
	}

	err = serve(ctx, server, cfg.Server.ShutdownTimeout, logger)
	cancel()
	if dispatcher != nil {
		dispatcher.Wait()
	}
	return err
}
