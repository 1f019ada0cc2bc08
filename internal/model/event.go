package model

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// EventStatus is the lifecycle state of an outbox row.
type EventStatus string

const (
	StatusPending   EventStatus = "PENDING"
	StatusPublished EventStatus = "PUBLISHED"
	StatusFailed    EventStatus = "FAILED"
)

func (s EventStatus) String() string { return string(s) }

func (s EventStatus) Valid() bool {
	return s == StatusPending || s == StatusPublished || s == StatusFailed
}

// ParseEventStatus normalizes input. Returns (value, true) if valid;
// otherwise (pending, false).
func ParseEventStatus(raw string) (EventStatus, bool) {
	switch EventStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, true
	case StatusPublished:
		return StatusPublished, true
	case StatusFailed:
		return StatusFailed, true
	default:
		return StatusPending, false
	}
}

// Scan rejects unrecognized status values at the persistence boundary
// instead of letting raw strings leak into the state machine.
func (s *EventStatus) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("event status: unsupported scan type %T", src)
	}

	parsed, ok := ParseEventStatus(raw)
	if !ok {
		return fmt.Errorf("event status: unrecognized value %q", raw)
	}
	*s = parsed

	return nil
}

func (s EventStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("event status: invalid value %q", string(s))
	}
	return string(s), nil
}

// CanTransition reports whether moving to next is allowed:
// Pending -> Published|Failed, Failed -> Published|Failed (re-attempt),
// Published is terminal.
func (s EventStatus) CanTransition(next EventStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusPublished || next == StatusFailed
	case StatusFailed:
		return next == StatusPublished || next == StatusFailed
	default:
		return false
	}
}

// OutboxEvent is the DB entity persisted in the outbox_events table.
// Rows are created by producers (enqueue), mutated only by the relay,
// and deleted only by cleanup once Published and past retention.
type OutboxEvent struct {
	EventID       string      `db:"event_id"`
	AggregateID   string      `db:"aggregate_id"`
	AggregateType string      `db:"aggregate_type"`
	EventType     string      `db:"event_type"`
	EventAction   string      `db:"event_action"`
	EventData     []byte      `db:"event_data"` // opaque JSON payload, never inspected here
	EventStatus   EventStatus `db:"event_status"`
	PartitionKey  string      `db:"partition_key"`
	OccurredAt    time.Time   `db:"occurred_at"`
	PublishedAt   *time.Time  `db:"published_at"`
	RetryCount    int         `db:"retry_count"`
	ErrorMessage  *string     `db:"error_message"`
	CreatedAt     time.Time   `db:"created_at"`
}

// DeadLettered reports whether the row has exhausted its retry budget.
// Such rows stay Failed until an operator republishes them manually.
func (e *OutboxEvent) DeadLettered(maxRetry int) bool {
	return e.EventStatus == StatusFailed && e.RetryCount >= maxRetry
}
