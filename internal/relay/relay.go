package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/worklog/event-relay/internal/metrics"
	"github.com/worklog/event-relay/internal/model"
)

// Store is the slice of the outbox repository the relay needs. Rows are
// created by producers and mutated only here; every status mutation is a
// single statement so a row is either fully advanced or left untouched.
type Store interface {
	FindPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	FindRetryable(ctx context.Context, maxRetry, limit int) ([]model.OutboxEvent, error)
	FindByID(ctx context.Context, eventID string) (*model.OutboxEvent, error)
	MarkPublished(ctx context.Context, eventID string, publishedAt time.Time) error
	MarkFailed(ctx context.Context, eventID, errMsg string) error
	IncrementRetryCount(ctx context.Context, eventID string) error
	RecordSendError(ctx context.Context, eventID, errMsg string) error
	DeleteOldPublished(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context, status model.EventStatus) (int64, error)
}

// Broker is the transport port. Sends sharing a key must reach the broker
// in call order; the relay stays ignorant of the transport behind it.
type Broker interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
}

// Config carries the relay knobs; zero values fall back to defaults.
type Config struct {
	Topic       string
	BatchSize   int           // default 100
	MaxRetry    int           // default 3
	Retention   time.Duration // default 7 days
	SendTimeout time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Relay moves committed outbox rows to the broker. Delivery is
// at-least-once: a crash between a successful send and the status update
// resends the row on a later tick, so consumers de-duplicate on event_id.
type Relay struct {
	store  Store
	broker Broker
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func New(store Store, broker Broker, cfg Config, log *zap.Logger) *Relay {
	return &Relay{
		store:  store,
		broker: broker,
		cfg:    cfg.withDefaults(),
		log:    log,
		now:    time.Now,
	}
}

// MaxRetry exposes the effective retry budget (used by the ops surface to
// list dead-lettered rows).
func (r *Relay) MaxRetry() int { return r.cfg.MaxRetry }

// send performs one bounded broker call. The context is detached from the
// caller's cancellation so a shutdown lets an in-flight row advance or
// fail cleanly rather than being interrupted mid-update.
func (r *Relay) send(ctx context.Context, ev *model.OutboxEvent) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SendTimeout)
	defer cancel()

	return r.broker.Send(sendCtx, r.cfg.Topic, ev.PartitionKey, ev.EventData)
}

// PublishPending selects up to BatchSize Pending rows, oldest first, and
// sends them sequentially. A failure on one row is recorded on that row and
// never aborts the rest of the batch; rows already advanced stay advanced.
func (r *Relay) PublishPending(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.BatchDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds()) }()

	events, err := r.store.FindPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	var published, failed int
	for i := range events {
		ev := &events[i]
		if err := r.send(ctx, ev); err != nil {
			failed++
			metrics.EventsRelayedTotal.WithLabelValues("publish", "failed").Inc()
			r.log.Warn("publish send failed",
				zap.String("event_id", ev.EventID),
				zap.String("partition_key", ev.PartitionKey),
				zap.Error(err))
			if uerr := r.store.MarkFailed(ctx, ev.EventID, err.Error()); uerr != nil {
				r.log.Error("mark failed", zap.String("event_id", ev.EventID), zap.Error(uerr))
			}
			continue
		}

		published++
		metrics.EventsRelayedTotal.WithLabelValues("publish", "published").Inc()
		if uerr := r.store.MarkPublished(ctx, ev.EventID, r.now()); uerr != nil {
			// row stays Pending and will be resent; at-least-once
			r.log.Error("mark published", zap.String("event_id", ev.EventID), zap.Error(uerr))
		}
	}

	r.log.Info("publish pass complete",
		zap.Int("selected", len(events)),
		zap.Int("published", published),
		zap.Int("failed", failed))

	return nil
}

// RetryFailed re-attempts Failed rows that still have retry budget. The
// retry count is incremented before the send so the attempt is bounded
// even when the send itself blows up; a failed re-send only refreshes the
// error message and leaves the row Failed.
func (r *Relay) RetryFailed(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.BatchDuration.WithLabelValues("retry").Observe(time.Since(start).Seconds()) }()

	events, err := r.store.FindRetryable(ctx, r.cfg.MaxRetry, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	r.observeFailedBacklog(ctx)

	if len(events) == 0 {
		return nil
	}

	var published int
	for i := range events {
		ev := &events[i]

		// count the attempt regardless of outcome
		if err := r.store.IncrementRetryCount(ctx, ev.EventID); err != nil {
			r.log.Error("increment retry count", zap.String("event_id", ev.EventID), zap.Error(err))
			continue
		}

		if err := r.send(ctx, ev); err != nil {
			metrics.EventsRelayedTotal.WithLabelValues("retry", "failed").Inc()
			r.log.Warn("retry send failed",
				zap.String("event_id", ev.EventID),
				zap.Int("retry_count", ev.RetryCount+1),
				zap.Error(err))
			if uerr := r.store.RecordSendError(ctx, ev.EventID, err.Error()); uerr != nil {
				r.log.Error("record send error", zap.String("event_id", ev.EventID), zap.Error(uerr))
			}
			continue
		}

		published++
		metrics.EventsRelayedTotal.WithLabelValues("retry", "published").Inc()
		if uerr := r.store.MarkPublished(ctx, ev.EventID, r.now()); uerr != nil {
			r.log.Error("mark published", zap.String("event_id", ev.EventID), zap.Error(uerr))
		}
	}

	r.log.Info("retry pass complete",
		zap.Int("selected", len(events)),
		zap.Int("published", published))

	return nil
}

// CleanupOld deletes Published rows past the retention horizon. Pending and
// Failed rows are excluded by the store query and survive for audit until
// resolved. Running it again with nothing newly eligible deletes zero rows.
func (r *Relay) CleanupOld(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.BatchDuration.WithLabelValues("cleanup").Observe(time.Since(start).Seconds()) }()

	cutoff := r.now().Add(-r.cfg.Retention)
	deleted, err := r.store.DeleteOldPublished(ctx, cutoff)
	if err != nil {
		return err
	}

	metrics.CleanupDeletedTotal.Add(float64(deleted))
	r.log.Info("cleanup pass complete",
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", deleted))

	return nil
}

// PublishNow is the operator path: look the row up by id and send it
// unconditionally, bypassing status filters, so dead-lettered rows can be
// replayed after a root-cause fix. An unknown id is a logged no-op.
func (r *Relay) PublishNow(ctx context.Context, eventID string) error {
	ev, err := r.store.FindByID(ctx, eventID)
	if err != nil {
		return err
	}
	if ev == nil {
		r.log.Warn("publish now: event not found", zap.String("event_id", eventID))
		return nil
	}

	if err := r.send(ctx, ev); err != nil {
		metrics.EventsRelayedTotal.WithLabelValues("publish_now", "failed").Inc()
		r.log.Warn("publish now send failed", zap.String("event_id", eventID), zap.Error(err))
		if uerr := r.store.MarkFailed(ctx, eventID, err.Error()); uerr != nil {
			r.log.Error("mark failed", zap.String("event_id", eventID), zap.Error(uerr))
		}
		return nil
	}

	metrics.EventsRelayedTotal.WithLabelValues("publish_now", "published").Inc()
	if uerr := r.store.MarkPublished(ctx, eventID, r.now()); uerr != nil {
		r.log.Error("mark published", zap.String("event_id", eventID), zap.Error(uerr))
	}

	r.log.Info("publish now complete", zap.String("event_id", eventID))

	return nil
}

func (r *Relay) observeFailedBacklog(ctx context.Context) {
	n, err := r.store.CountByStatus(ctx, model.StatusFailed)
	if err != nil {
		r.log.Debug("count failed backlog", zap.Error(err))
		return
	}
	metrics.FailedBacklog.Set(float64(n))
}
