package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/wafportal/backend/internal/models"
	"github.com/wafportal/backend/internal/services"
)

func newResetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password <email> <new-password>",
		Short: "Set a user's password and unlock the account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDatabase()
			if err != nil {
				return err
			}
			if err := services.NewAuthService(db, cfg).ResetPassword(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password updated for %s\n", args[0])
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var (
		node  uint
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync attempts",
		Long: `Show recent sync attempts, newest first. On a slave, attempts against
the master are recorded under node 0.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := openDatabase()
			if err != nil {
				return err
			}
			history := services.NewSyncHistoryService(db)

			var logs []models.SyncLog
			if cmd.Flags().Changed("node") {
				logs, err = history.ListByNode(node, limit, 0)
			} else {
				logs, err = history.ListRecent(limit, 0)
			}
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("ID", "Node", "Type", "Status", "Hash", "Changes", "Started", "Duration", "Error")
			for _, l := range logs {
				if err := table.Append([]string{
					strconv.FormatUint(uint64(l.ID), 10),
					strconv.FormatUint(uint64(l.NodeID), 10),
					string(l.Type),
					string(l.Status),
					shortHash(l.ConfigHash),
					strconv.Itoa(l.ChangesCount),
					l.StartedAt.Local().Format(time.DateTime),
					formatDuration(l.DurationMs),
					l.ErrorMessage,
				}); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
	cmd.Flags().UintVar(&node, "node", 0, "Only show attempts against this node")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of attempts to show")
	return cmd
}

func newSlavesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slaves",
		Short: "List registered slaves",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := openDatabase()
			if err != nil {
				return err
			}
			registry := services.NewSlaveRegistry(db, cfg.Cluster.DefaultSlavePort, cfg.Cluster.DefaultSyncIntervalSeconds)
			nodes, err := registry.List()
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("ID", "Name", "Address", "Status", "Sync", "Interval", "Last seen")
			for _, n := range nodes {
				lastSeen := "never"
				if n.LastSeen != nil {
					lastSeen = n.LastSeen.Local().Format(time.DateTime)
				}
				if err := table.Append([]string{
					strconv.FormatUint(uint64(n.ID), 10),
					n.Name,
					fmt.Sprintf("%s:%d", n.Host, n.Port),
					string(n.Status),
					strconv.FormatBool(n.SyncEnabled),
					(time.Duration(n.SyncIntervalSeconds) * time.Second).String(),
					lastSeen,
				}); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}
