package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/kafka"
)

func landCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "land",
		Short: "Consume raw records from Kafka into the landing store",
		Long: `Each message on KAFKA_INPUT_TOPIC is written to the landing store under
the date it was ingested. Messages are committed only once landed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, func(ctx context.Context, a *app) error {
				lander := kafka.NewLander(a.landing, a.snap.Location, a.logger)
				consumer := kafka.NewConsumer(kafka.ConsumerConfig{
					Brokers:       e.cfg.KafkaBrokers,
					Topic:         e.cfg.KafkaInputTopic,
					ConsumerGroup: e.cfg.KafkaConsumerGroup,
				}, a.logger, lander.Handle)

				if err := consumer.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()

				done := make(chan error, 1)
				go func() { done <- consumer.Stop() }()
				select {
				case err := <-done:
					return err
				case <-time.After(30 * time.Second):
					a.logger.Warn("timed out waiting for the consumer to stop")
					return nil
				}
			})
		},
	}
}
