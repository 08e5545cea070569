package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/wafportal/backend/internal/config"
	"github.com/wafportal/backend/internal/database"
	"github.com/wafportal/backend/internal/logger"
	"github.com/wafportal/backend/internal/version"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wafportal",
		Short:         "WAF admin portal with master/slave configuration sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.AddCommand(
		newServeCmd(),
		newResetPasswordCmd(),
		newHistoryCmd(),
		newSlavesCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Name, version.Full())
		},
	}
}

// openDatabase loads the configuration and opens a migrated database for
// the maintenance commands. Log output goes to stderr so stdout carries
// only command output.
func openDatabase() (config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Debug, os.Stderr)

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		return cfg, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return cfg, nil, fmt.Errorf("migrate database: %w", err)
	}
	return cfg, db, nil
}
