package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/internal/middleware"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/storage"
)

func serveCmd(e *env) *cobra.Command {
	var sweep string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator API and run the maintenance sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("sweep") {
				e.cfg.SweepSchedule = sweep
			}
			return serve(cmd.Context(), e)
		},
	}
	cmd.Flags().StringVar(&sweep, "sweep", "", `cron spec of the recovery sweep, e.g. "@every 1h" (overrides SWEEP_SCHEDULE)`)
	return cmd
}

func serve(ctx context.Context, e *env) error {
	cfg, logger := e.cfg, e.logger
	var a *app
	var server *http.Server
	sched := scheduler.New(logger)

	s := startup.New(logger, cfg.StartupMaxAttempts)
	s.Add(&startup.Func{
		ID: "app",
		OnStart: func(ctx context.Context) error {
			var err error
			a, err = newApp(ctx, cfg, logger)
			return err
		},
		OnStop: func(ctx context.Context) error {
			if a != nil {
				a.Close(ctx)
			}
			return nil
		},
	})
	var consumer *kafka.Consumer
	s.Add(&startup.Func{
		ID:       "landing-consumer",
		Requires: []string{"app"},
		OnStart: func(ctx context.Context) error {
			if !cfg.KafkaConsumerEnabled {
				return nil
			}
			lander := kafka.NewLander(a.landing, a.snap.Location, logger)
			consumer = kafka.NewConsumer(kafka.ConsumerConfig{
				Brokers:       cfg.KafkaBrokers,
				Topic:         cfg.KafkaInputTopic,
				ConsumerGroup: cfg.KafkaConsumerGroup,
			}, logger, lander.Handle)
			// the consumer outlives the startup attempt
			return consumer.Start(context.WithoutCancel(ctx))
		},
		OnStop: func(context.Context) error {
			if consumer == nil {
				return nil
			}
			return consumer.Stop()
		},
	})
	s.Add(&startup.Func{
		ID:       "scheduler",
		Requires: []string{"app"},
		OnStart: func(ctx context.Context) error {
			if !cfg.SweepEnabled || cfg.SweepSchedule == "" {
				logger.Info("recovery sweep disabled")
				return nil
			}
			job := scheduler.RecoverySweep(a.recovery, a.snap.Location, cfg.SweepLookbackDays, time.Now, logger)
			if err := sched.Add("recovery-sweep", cfg.SweepSchedule, job); err != nil {
				return err
			}
			return sched.Start(ctx)
		},
		OnStop: sched.Stop,
	})
	s.Add(&startup.Func{
		ID:       "http",
		Requires: []string{"app"},
		OnStart: func(ctx context.Context) error {
			routerCfg := handlers.RouterConfig{
				AppName:       cfg.AppName,
				ConfigVersion: a.snap.Version,
				AllowOrigins:  cfg.AllowOrigins,
				AllowMethods:  cfg.AllowMethods,
				HealthChecks:  healthChecks(a),
			}
			if cfg.AuthEnabled {
				verifier, err := middleware.NewOIDCVerifier(ctx, cfg.AuthIssuerURL, cfg.AuthClientID)
				if err != nil {
					return err
				}
				routerCfg.Verifier = verifier
			}
			router := handlers.NewRouter(routerCfg, logger,
				handlers.NewDLQHandler(a.dlq, a.recovery, logger),
				handlers.NewRecoveryHandler(a.recovery, logger),
				handlers.NewBatchHandler(a.orch),
			)
			server = &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Port),
				Handler:           router,
				ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
				WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
				IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
				ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
				MaxHeaderBytes:    cfg.MaxHeaderBytes,
			}
			go func() {
				logger.Infof("Starting HTTP server on port %d", cfg.Port)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.WithError(err).Error("HTTP server stopped")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if server == nil {
				return nil
			}
			return server.Shutdown(ctx)
		},
	})

	stopCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	}
	if err := s.Start(ctx); err != nil {
		sctx, cancel := stopCtx()
		defer cancel()
		_ = s.Stop(sctx)
		return err
	}
	<-ctx.Done()
	logger.Info("shutting down")

	sctx, cancel := stopCtx()
	defer cancel()
	return s.Stop(sctx)
}

func healthChecks(a *app) map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{
		"store": func(ctx context.Context) error {
			_, err := storage.Exists(ctx, a.store, "manifests/_health")
			return err
		},
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Ping
	}
	if a.db != nil {
		checks["postgres"] = a.db.PingContext
	}
	return checks
}
