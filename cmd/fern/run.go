package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/recovery"
)

var errBatchAborted = errors.New("batch aborted")

func runCmd(e *env) *cobra.Command {
	var batchID, prefix, asOf string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch and print its manifest",
		Long: `Reads every landing object under --prefix, validates, cleans and
deduplicates them, and commits the output only if no severity ceiling is
breached. The manifest is printed in every case; the exit code is non-zero
when the batch aborted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			batch := orchestrator.Batch{ID: batchID, Prefix: prefix}
			if asOf != "" {
				t, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return fmt.Errorf("invalid --as-of: %w", err)
				}
				batch.AsOf = t
			}

			return e.withApp(cmd, func(ctx context.Context, a *app) error {
				m, err := a.orch.Run(ctx, a.snap, batch)
				if printErr := printJSON(cmd.OutOrStdout(), m); printErr != nil && err == nil {
					err = printErr
				}
				if err != nil {
					return err
				}
				if m.Decision != models.DecisionCommitted {
					return fmt.Errorf("%w: %s", errBatchAborted, m.AbortReason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch id; reruns with the same id are idempotent")
	cmd.Flags().StringVar(&prefix, "prefix", "", "landing prefix to read, e.g. 2024-01-15/")
	cmd.Flags().StringVar(&asOf, "as-of", "", "RFC 3339 reference time for date plausibility")
	_ = cmd.MarkFlagRequired("batch-id")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func recoverCmd(e *env) *cobra.Command {
	var date, batchID string
	var auto bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run a recovery pass over the dead-letter store",
		Long: `Without --auto the pass only reports what it would do. With --auto,
recoverable records are fixed and replayed as one recovery batch, and records
without a usable fix are escalated to manual review.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.recovery.Recover(ctx, recovery.Request{Date: date, BatchID: batchID, AutoRecover: auto})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "partition date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "originating batch id")
	cmd.Flags().BoolVar(&auto, "auto", false, "apply fixes and replay")
	cmd.MarkFlagsOneRequired("date", "batch-id")
	return cmd
}
