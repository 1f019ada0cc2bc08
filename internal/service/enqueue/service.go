package enqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/worklog/event-relay/internal/model"
	"github.com/worklog/event-relay/internal/util"
)

// Store is the only outbox capability producers need.
type Store interface {
	Insert(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error
}

var (
	ErrAggregateIDRequired   = errors.New("enqueue: aggregate id is required")
	ErrAggregateTypeRequired = errors.New("enqueue: aggregate type is required")
	ErrEventTypeRequired     = errors.New("enqueue: event type is required")
	ErrPayloadRequired       = errors.New("enqueue: payload is required")
	ErrInvalidPayload        = errors.New("enqueue: payload is not valid JSON")
)

// Params describes one business occurrence to record.
type Params struct {
	AggregateID   string
	AggregateType string
	EventType     string
	EventAction   string
	Payload       json.RawMessage
	PartitionKey  string
	OccurredAt    time.Time
}

func (p Params) validate() error {
	if p.AggregateID == "" {
		return ErrAggregateIDRequired
	}
	if p.AggregateType == "" {
		return ErrAggregateTypeRequired
	}
	if p.EventType == "" {
		return ErrEventTypeRequired
	}
	if len(p.Payload) == 0 {
		return ErrPayloadRequired
	}
	if !json.Valid(p.Payload) {
		return ErrInvalidPayload
	}
	return nil
}

// Service is the producer-facing write path. It never talks to the broker:
// producer availability is decoupled from broker and relay availability.
type Service struct {
	outbox Store
}

func New(outboxRepo Store) *Service {
	return &Service{outbox: outboxRepo}
}

// Enqueue records one event row using the caller's transaction. If the
// caller's tx rolls back, the row never becomes visible, which closes the
// dual-write gap without two-phase commit. A nil tx opens and commits one
// internally for standalone producers.
//
// Returns the generated event ID (ULID).
func (s *Service) Enqueue(ctx context.Context, tx *sqlx.Tx, p Params) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}

	occurredAt := p.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	partitionKey := p.PartitionKey
	if partitionKey == "" {
		partitionKey = p.AggregateID
	}

	ev := &model.OutboxEvent{
		EventID:       util.New(),
		AggregateID:   p.AggregateID,
		AggregateType: p.AggregateType,
		EventType:     p.EventType,
		EventAction:   p.EventAction,
		EventData:     p.Payload,
		EventStatus:   model.StatusPending,
		PartitionKey:  partitionKey,
		OccurredAt:    occurredAt,
		CreatedAt:     time.Now(),
	}

	if err := s.outbox.Insert(ctx, tx, ev); err != nil {
		return "", err
	}

	return ev.EventID, nil
}
