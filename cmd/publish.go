package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/worklog/event-relay/internal/config"
	"github.com/worklog/event-relay/internal/db"
	"github.com/worklog/event-relay/internal/kafka"
	"github.com/worklog/event-relay/internal/logger"
	"github.com/worklog/event-relay/internal/relay"
	"github.com/worklog/event-relay/internal/repository"
)

// publishCmd is the operator escape hatch for dead-lettered rows: send a
// single event unconditionally, bypassing status filters.
var publishCmd = &cobra.Command{
	Use:   "publish <event-id>",
	Short: "Publish a single outbox event immediately, bypassing status filters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventID := args[0]

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger.Init(cfg.Log.Level)

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		producer := kafka.NewProducerFromConfig(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		defer func() { _ = producer.Close() }()

		rly := relay.New(repository.NewOutboxRepository(sqlDB), producer, relay.Config{
			Topic:       cfg.Kafka.Topic,
			BatchSize:   cfg.Relay.BatchSize,
			MaxRetry:    cfg.Relay.MaxRetry,
			Retention:   cfg.Relay.Retention,
			SendTimeout: cfg.Relay.SendTimeout,
		}, logger.Log)

		if err := rly.PublishNow(context.Background(), eventID); err != nil {
			return fmt.Errorf("publish %s: %w", eventID, err)
		}

		fmt.Printf(">> publish triggered for %s (check logs for outcome)\n", eventID)
		return nil
	},
}
