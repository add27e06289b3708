package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hannabros/researchflow"
	"github.com/hannabros/researchflow/internal/config"
	"github.com/hannabros/researchflow/internal/logging"
	"github.com/hannabros/researchflow/internal/xjson"
)

type cli struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

// newRootCmd builds the command tree with its own viper instance so that
// every invocation starts from defaults and the environment.
func newRootCmd() *cobra.Command {
	c := &cli{v: config.NewViper()}

	root := &cobra.Command{
		Use:               "researchflow",
		Short:             "Run and operate research workflow instances",
		SilenceUsage:      true,
		PersistentPreRunE: c.setupConfig,
	}

	if err := c.setupFlags(root); err != nil {
		// Flag names are static; a bind failure is a programming error.
		panic(err)
	}

	root.AddCommand(
		c.submitCmd(),
		c.listCmd(),
		c.statusCmd(),
		c.historyCmd(),
		c.approveCmd(),
		c.cancelCmd(),
		c.replayCmd(),
		c.recoverCmd(),
		c.watchCmd(),
		c.workerCmd(),
	)
	return root
}

func (c *cli) setupFlags(cmd *cobra.Command) error {
	f := cmd.PersistentFlags()
	f.String("config", "", "Path to a YAML config file.")
	f.String("store-backend", "", "Storage backend: memory, sqlite, postgres, redis or mongo.")
	f.String("store-dsn", "", "Connection string or file path for the storage backend.")
	f.String("log-level", "", "Log level: debug, info, warn or error.")
	f.String("log-format", "", "Log format: json or console.")

	binds := map[string]string{
		"store.backend": "store-backend",
		"store.dsn":     "store-dsn",
		"log.level":     "log-level",
		"log.format":    "log-format",
	}
	for key, name := range binds {
		if err := c.v.BindPFlag(key, f.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) setupConfig(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(c.v, path)
	if err != nil {
		return err
	}
	c.cfg = cfg

	logger, err := logging.NewWithWriter(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c.logger = logger
	return nil
}

// open connects to the configured backend. The caller closes the bundle.
func (c *cli) open(cmd *cobra.Command) (*researchflow.Bundle, error) {
	b, err := researchflow.Open(cmd.Context(), c.cfg, c.logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", c.cfg.Store.Backend, err)
	}
	return b, nil
}

// printJSON writes v as one JSON line.
func printJSON(cmd *cobra.Command, v any) error {
	data, err := xjson.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
