package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"example.com/activitylog/internal/config"
	"example.com/activitylog/internal/logging"
)

// Version is stamped at build time with -ldflags "-X example.com/activitylog/cmd.Version=...".
var Version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
	cfg        config.Config
}

func New() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:               "activitylog [command]",
		Short:             "Activity event log and offline sync agent",
		Version:           Version,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")

	cmd.AddCommand(
		newAPICmd(opts),
		newConsumerCmd(opts),
		newDLQCmd(opts),
		newMigrateCmd(opts),
		newAgentCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	o.cfg = cfg

	logging.SetConfig(logging.Config{
		Level:      logging.ParseLevel(cfg.Log.Level),
		FilePath:   cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return nil
}

func (o *rootOptions) logger() *zap.Logger {
	return logging.DefaultLogger()
}
