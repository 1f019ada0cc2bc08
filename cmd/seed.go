package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/worklog/event-relay/internal/config"
	"github.com/worklog/event-relay/internal/db"
	"github.com/worklog/event-relay/internal/repository"
	"github.com/worklog/event-relay/internal/service/enqueue"
)

// demo work-record approval events, one per (aggregate, action)
var seedEvents = []struct {
	aggregateID string
	action      string
	state       string
}{
	{"work-record-1001", "approved", "APPROVED"},
	{"work-record-1002", "rejected", "REJECTED"},
	{"work-record-1003", "approved", "APPROVED"},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Enqueue demo work-record approval events through the producer API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

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

		svc := enqueue.New(repository.NewOutboxRepository(sqlDB))
		ctx := context.Background()

		for _, e := range seedEvents {
			payload, err := json.Marshal(map[string]any{
				"workRecordId": e.aggregateID,
				"state":        e.state,
				"changedBy":    "seed",
			})
			if err != nil {
				return fmt.Errorf("marshal payload: %w", err)
			}

			// nil tx: the seed command is a standalone producer
			id, err := svc.Enqueue(ctx, nil, enqueue.Params{
				AggregateID:   e.aggregateID,
				AggregateType: "work_record",
				EventType:     "work_record.approval_changed",
				EventAction:   e.action,
				Payload:       payload,
				PartitionKey:  e.aggregateID,
				OccurredAt:    time.Now(),
			})
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", e.aggregateID, err)
			}
			fmt.Printf(">> enqueued %s (%s)\n", id, e.aggregateID)
		}

		return nil
	},
}
