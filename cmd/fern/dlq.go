package main

import (
	"context"
	"fmt"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/dlq"
	"github.com/Ramsey-B/fern/pkg/models"
)

func dlqCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage the dead-letter store",
	}
	cmd.AddCommand(dlqListCmd(e), dlqStatsCmd(e), dlqAbandonCmd(e))
	return cmd
}

func dlqListCmd(e *env) *cobra.Command {
	var filter dlq.Filter
	var category, queue, severity, status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Category = models.Category(category)
			filter.QueueType = models.QueueType(queue)
			filter.Severity = models.Severity(severity)
			filter.Status = models.ErrorStatus(status)
			return e.withApp(cmd, func(ctx context.Context, a *app) error {
				recs, err := a.dlq.List(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "error category")
	cmd.Flags().StringVar(&queue, "queue", "", "queue type (recoverable or manual_review)")
	cmd.Flags().StringVar(&filter.Date, "date", "", "partition date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&filter.BatchID, "batch-id", "", "originating batch id")
	cmd.Flags().StringVar(&severity, "severity", "", "severity")
	cmd.Flags().StringVar(&status, "status", "", "status; resolved and abandoned read the archive")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum records, 0 for all")
	return cmd
}

func dlqStatsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count live dead-letter records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.dlq.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func dlqAbandonCmd(e *env) *cobra.Command {
	var reason, operator string

	cmd := &cobra.Command{
		Use:   "abandon ID",
		Short: "Close a dead-letter record without recovering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				u, err := user.Current()
				if err != nil {
					return fmt.Errorf("--operator is required: %w", err)
				}
				operator = u.Username
			}
			return e.withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.recovery.Abandon(ctx, args[0], reason, operator)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the record is abandoned")
	cmd.Flags().StringVar(&operator, "operator", "", "operator name (default current user)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
