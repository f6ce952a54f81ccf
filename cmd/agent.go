package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"example.com/activitylog/internal/client"
	"example.com/activitylog/internal/config"
	"example.com/activitylog/internal/syncer"
	"example.com/activitylog/internal/syncqueue"
	"example.com/activitylog/pkg/activityapi"
)

// agentFlags override the agent section of the loaded config when set.
type agentFlags struct {
	backend string
	path    string
	apiURL  string
	token   string
}

func (f *agentFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.backend, "backend", "", "queue backend: bolt or sqlite")
	fs.StringVar(&f.path, "queue", "", "queue database path")
	fs.StringVar(&f.apiURL, "api-url", "", "activity API base URL")
	fs.StringVar(&f.token, "token", "", "bearer token for the activity API")
}

func (f *agentFlags) apply(fs *pflag.FlagSet, cfg *config.AgentConfig) {
	if fs.Changed("backend") {
		cfg.Backend = f.backend
	}
	if fs.Changed("queue") {
		cfg.Path = f.path
	}
	if fs.Changed("api-url") {
		cfg.APIURL = f.apiURL
	}
	if fs.Changed("token") {
		cfg.Token = f.token
	}
}

func newAgentCmd(opts *rootOptions) *cobra.Command {
	flags := &agentFlags{}
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Device-side offline queue and sync loop",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.load(); err != nil {
				return err
			}
			flags.apply(cmd.Flags(), &opts.cfg.Agent)
			return opts.cfg.ValidateAgent()
		},
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	flags.register(cmd.PersistentFlags())

	cmd.AddCommand(
		newAgentRunCmd(opts),
		newAgentEnqueueCmd(opts),
		newAgentSyncCmd(opts),
		newAgentStatusCmd(opts),
		newAgentFailedCmd(opts),
		newAgentRetryCmd(opts),
		newAgentDiscardCmd(opts),
	)
	return cmd
}

func openQueue(ctx context.Context, cfg config.AgentConfig) (syncqueue.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := syncqueue.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := syncqueue.OpenBolt(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func orchestratorOptions(cfg config.AgentConfig, logger *zap.Logger, online bool) []syncer.Option {
	opts := []syncer.Option{
		syncer.WithInterval(cfg.SyncInterval),
		syncer.WithAttemptTimeout(cfg.AttemptTimeout),
		syncer.WithSyncingTimeout(cfg.SyncingTimeout),
		syncer.WithMaxRetries(cfg.MaxRetries),
		syncer.WithLogger(logger),
		syncer.WithOnline(online),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, syncer.WithRateLimit(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1)))
	}
	return opts
}

// withOrchestrator opens the queue and hands fn an idle orchestrator over it.
func withOrchestrator(ctx context.Context, opts *rootOptions, online bool, fn func(*syncer.Orchestrator, *client.Client) error) error {
	cfg := opts.cfg.Agent
	logger := opts.logger()

	store, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("agent.queue_close_failed", zap.Error(err))
		}
	}()

	api := client.New(cfg.APIURL, cfg.Token)
	orch := syncer.New(store, api, orchestratorOptions(cfg, logger, online)...)
	defer func() { _ = orch.Close() }()

	return fn(orch, api)
}

func newAgentRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Probe connectivity and sync the queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			cfg := opts.cfg.Agent
			logger := opts.logger()
			defer func() { _ = logger.Sync() }()

			return withOrchestrator(ctx, opts, false, func(orch *syncer.Orchestrator, api *client.Client) error {
				updates, unsubscribe := orch.Subscribe()
				defer unsubscribe()

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					syncer.RunProbe(gctx, orch, api, cfg.ProbeInterval, cfg.AttemptTimeout)
					return nil
				})
				g.Go(func() error {
					for {
						select {
						case <-gctx.Done():
							return nil
						case st := <-updates:
							logger.Info("agent.status",
								zap.Int("pending", st.PendingCount),
								zap.Int("failed", st.FailedCount),
								zap.Bool("online", st.IsOnline),
								zap.Bool("syncing", st.IsSyncing),
								zap.String("last_error", st.LastError),
							)
						}
					}
				})
				if cfg.MetricsAddr != "" {
					g.Go(func() error {
						return serve(gctx, metricsServer(cfg.MetricsAddr), 5*time.Second, logger)
					})
				}

				logger.Info("agent.started",
					zap.String("backend", cfg.Backend),
					zap.String("queue", cfg.Path),
					zap.String("api_url", cfg.APIURL),
				)
				return g.Wait()
			})
		},
	}
}

type enqueueFlags struct {
	file       string
	projectID  string
	propertyID string
	eventType  string
	summary    string
	entityType string
	entityID   string
	actorType  string
	homeowner  bool
	data       string
}

func (f *enqueueFlags) request(cmd *cobra.Command) (activityapi.CreateEventRequest, error) {
	var req activityapi.CreateEventRequest
	if f.file != "" {
		var r io.Reader = cmd.InOrStdin()
		if f.file != "-" {
			file, err := os.Open(f.file)
			if err != nil {
				return req, errors.Wrap(err, "open event file")
			}
			defer file.Close()
			r = file
		}
		if err := json.NewDecoder(r).Decode(&req); err != nil {
			return req, errors.Wrap(err, "decode event")
		}
	}

	fs := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("project", &req.ProjectID, f.projectID)
	set("property", &req.PropertyID, f.propertyID)
	set("type", &req.EventType, f.eventType)
	set("summary", &req.Summary, f.summary)
	set("entity-type", &req.EntityType, f.entityType)
	set("entity-id", &req.EntityID, f.entityID)
	set("actor-type", &req.ActorType, f.actorType)
	if fs.Changed("homeowner") {
		req.HomeownerVisible = &f.homeowner
	}
	if f.data != "" {
		if err := json.Unmarshal([]byte(f.data), &req.EventData); err != nil {
			return req, errors.Wrap(err, "decode --data")
		}
	}

	if req.EventType == "" || req.EntityType == "" || req.EntityID == "" {
		return req, errors.New("event type, entity type and entity id are required")
	}
	if req.InputMethod == "" {
		req.InputMethod = "offline_queue"
	}
	return req, nil
}

func newAgentEnqueueCmd(opts *rootOptions) *cobra.Command {
	f := &enqueueFlags{}
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record an activity event in the local queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(cmd)
			if err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), opts, false, func(orch *syncer.Orchestrator, _ *client.Client) error {
				id, err := orch.Enqueue(req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&f.file, "file", "f", "", "read a JSON event from file (- for stdin)")
	fs.StringVar(&f.projectID, "project", "", "project id")
	fs.StringVar(&f.propertyID, "property", "", "property id")
	fs.StringVar(&f.eventType, "type", "", "event type, e.g. task.completed")
	fs.StringVar(&f.summary, "summary", "", "human readable summary")
	fs.StringVar(&f.entityType, "entity-type", "", "entity type")
	fs.StringVar(&f.entityID, "entity-id", "", "entity id")
	fs.StringVar(&f.actorType, "actor-type", "", "actor type")
	fs.BoolVar(&f.homeowner, "homeowner", false, "visible to the homeowner")
	fs.StringVar(&f.data, "data", "", "event_data as a JSON object")
	return cmd
}

func newAgentSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			cfg := opts.cfg.Agent
			api := client.New(cfg.APIURL, cfg.Token)
			pingCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
			err := api.Ping(pingCtx)
			cancel()
			if err != nil {
				return errors.Wrap(err, "activity API unreachable")
			}

			return withOrchestrator(ctx, opts, true, func(orch *syncer.Orchestrator, _ *client.Client) error {
				res, err := orch.SyncNow(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "synced=%d retried=%d failed=%d recovered=%d\n", res.Synced, res.Retried, res.Failed, res.Recovered)
				if err != nil {
					return err
				}
				if st, err := orch.Status(); err == nil && st.LastError != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "last error: %s\n", st.LastError)
				}
				return nil
			})
		},
	}
}

func newAgentStatusCmd(opts *rootOptions) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and API reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := opts.cfg.Agent

			online := false
			if !offline {
				pingCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
				online = client.New(cfg.APIURL, cfg.Token).Ping(pingCtx) == nil
				cancel()
			}

			return withOrchestrator(ctx, opts, online, func(orch *syncer.Orchestrator, _ *client.Client) error {
				st, err := orch.Status()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pending: %d\nfailed:  %d\nonline:  %t\n", st.PendingCount, st.FailedCount, st.IsOnline)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the connectivity probe")
	return cmd
}

func newAgentFailedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List items that exhausted their retries or were rejected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), opts, false, func(orch *syncer.Orchestrator, _ *client.Client) error {
				items, err := orch.FailedItems()
				if err != nil {
					return err
				}
				return printItems(cmd.OutOrStdout(), items)
			})
		},
	}
}

func printItems(w io.Writer, items []syncqueue.Item) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tENTITY\tRETRIES\tQUEUED\tERROR")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d\t%s\t%s\n",
			item.ID, item.Data.EventType, item.Data.EntityType, item.Data.EntityID,
			item.RetryCount, item.Timestamp.Format(time.RFC3339), item.Error)
	}
	return tw.Flush()
}

func newAgentRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [ids...]",
		Short: "Move failed items back to pending (all of them when no ids are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), opts, false, func(orch *syncer.Orchestrator, _ *client.Client) error {
				n, err := orch.RetryFailed(args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d item(s)\n", n)
				return nil
			})
		},
	}
}

func newAgentDiscardCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Drop a failed item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), opts, false, func(orch *syncer.Orchestrator, _ *client.Client) error {
				if err := orch.Discard(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
				return nil
			})
		},
	}
}
