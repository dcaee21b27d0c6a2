package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"docket/api/internal/config"
	"docket/api/internal/logging"
)

func newRootCmd() *cobra.Command {
	var envFiles []string

	cmd := &cobra.Command{
		Use:          "docket-api",
		Short:        "Change request and quality document approval service",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load before reading the environment (default .env,.env.local)")

	load := func() (config.Config, *logrus.Logger, error) {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return config.Config{}, nil, err
		}
		return cfg, logging.New(cfg.LogLevel, cfg.LogFormat), nil
	}

	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newMigrateCmd(load))
	cmd.AddCommand(newTokenCmd(load))
	return cmd
}

type loader func() (config.Config, *logrus.Logger, error)
