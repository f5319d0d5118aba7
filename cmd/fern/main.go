package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
)

var Version = "dev"

// env is shared by every subcommand through the persistent pre-run
type env struct {
	envFile  string
	snapshot string
	cfg      *config.Config
	logger   ectologger.Logger
	sync     func() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:           "fern",
		Short:         "Fern - data quality gateway for batch sports statistics",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var files []string
			if e.envFile != "" {
				files = append(files, e.envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}
			if e.snapshot != "" {
				cfg.SnapshotPath = e.snapshot
			}
			logger, sync, err := newLogger(cfg)
			if err != nil {
				return err
			}
			e.cfg, e.logger, e.sync = cfg, logger, sync
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if e.sync != nil {
				_ = e.sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&e.envFile, "env-file", "", "env file to load before the environment (default .env)")
	root.PersistentFlags().StringVar(&e.snapshot, "snapshot", "", "configuration snapshot path (overrides SNAPSHOT_PATH)")

	root.AddCommand(
		runCmd(e),
		recoverCmd(e),
		dlqCmd(e),
		serveCmd(e),
		landCmd(e),
		migrateCmd(e),
	)
	return root
}

// withApp builds the app for one command and closes it afterwards
func (e *env) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
