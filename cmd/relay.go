package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/worklog/event-relay/internal/config"
	"github.com/worklog/event-relay/internal/db"
	httpSrv "github.com/worklog/event-relay/internal/http"
	"github.com/worklog/event-relay/internal/kafka"
	"github.com/worklog/event-relay/internal/lock"
	"github.com/worklog/event-relay/internal/logger"
	"github.com/worklog/event-relay/internal/metrics"
	"github.com/worklog/event-relay/internal/relay"
	"github.com/worklog/event-relay/internal/repository"
	"github.com/worklog/event-relay/internal/scheduler"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the outbox relay (scheduled publish/retry/cleanup + ops HTTP server)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger.Init(cfg.Log.Level)
		log := logger.Log

		metrics.MustRegister(prometheus.DefaultRegisterer)

		// MySQL (outbox store)
		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		// Redis (lock provider backing)
		redisClient, err := db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		// Kafka producer (broker adapter)
		producer := kafka.NewProducerFromConfig(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		defer func() { _ = producer.Close() }()

		outboxRepo := repository.NewOutboxRepository(mysqlDB)

		rly := relay.New(outboxRepo, producer, relay.Config{
			Topic:       cfg.Kafka.Topic,
			BatchSize:   cfg.Relay.BatchSize,
			MaxRetry:    cfg.Relay.MaxRetry,
			Retention:   cfg.Relay.Retention,
			SendTimeout: cfg.Relay.SendTimeout,
		}, log)

		locks := lock.NewRedisProvider(redisClient)

		sched := scheduler.New(rly, locks, scheduler.Config{
			PublishInterval: cfg.Relay.PublishInterval,
			RetryInterval:   cfg.Relay.RetryInterval,
			CleanupInterval: cfg.Relay.CleanupInterval,
			LockMaxHold:     cfg.Lock.MaxHold,
			LockMinHold:     cfg.Lock.MinHold,
		}, log)

		server := httpSrv.NewServer(outboxRepo, sched, rly.MaxRetry())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		log.Info("relay started",
			zap.String("http_addr", cfg.HTTP.Addr),
			zap.String("topic", cfg.Kafka.Topic),
			zap.Int("batch_size", cfg.Relay.BatchSize),
			zap.Int("max_retry", cfg.Relay.MaxRetry),
			zap.Duration("retention", cfg.Relay.Retention))

		schedErr := make(chan error, 1)
		go func() { schedErr <- sched.Run(ctx) }()

		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
			}
			stop()
		}

		// let in-flight sends complete or fail cleanly
		if err := <-schedErr; err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler exited", zap.Error(err))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		return nil
	},
}
