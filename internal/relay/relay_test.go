package relay

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/worklog/event-relay/internal/model"
)

// memStore mimics the outbox table's selection and mutation semantics
// in memory.
type memStore struct {
	events map[string]*model.OutboxEvent

	findPendingLimit   int
	findRetryableLimit int
}

func newMemStore(events ...*model.OutboxEvent) *memStore {
	s := &memStore{events: make(map[string]*model.OutboxEvent)}
	for _, ev := range events {
		s.events[ev.EventID] = ev
	}
	return s
}

func (s *memStore) sorted(filter func(*model.OutboxEvent) bool, limit int) []model.OutboxEvent {
	var out []model.OutboxEvent
	for _, ev := range s.events {
		if filter(ev) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].EventID < out[j].EventID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memStore) FindPending(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	s.findPendingLimit = limit
	return s.sorted(func(e *model.OutboxEvent) bool {
		return e.EventStatus == model.StatusPending
	}, limit), nil
}

func (s *memStore) FindRetryable(_ context.Context, maxRetry, limit int) ([]model.OutboxEvent, error) {
	s.findRetryableLimit = limit
	return s.sorted(func(e *model.OutboxEvent) bool {
		return e.EventStatus == model.StatusFailed && e.RetryCount < maxRetry
	}, limit), nil
}

func (s *memStore) FindByID(_ context.Context, eventID string) (*model.OutboxEvent, error) {
	ev, ok := s.events[eventID]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (s *memStore) MarkPublished(_ context.Context, eventID string, publishedAt time.Time) error {
	ev := s.events[eventID]
	ev.EventStatus = model.StatusPublished
	ev.PublishedAt = &publishedAt
	ev.ErrorMessage = nil
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, eventID, errMsg string) error {
	ev := s.events[eventID]
	ev.EventStatus = model.StatusFailed
	ev.ErrorMessage = &errMsg
	ev.RetryCount++
	return nil
}

func (s *memStore) IncrementRetryCount(_ context.Context, eventID string) error {
	s.events[eventID].RetryCount++
	return nil
}

func (s *memStore) RecordSendError(_ context.Context, eventID, errMsg string) error {
	s.events[eventID].ErrorMessage = &errMsg
	return nil
}

func (s *memStore) DeleteOldPublished(_ context.Context, before time.Time) (int64, error) {
	var deleted int64
	for id, ev := range s.events {
		if ev.EventStatus == model.StatusPublished && ev.PublishedAt != nil && ev.PublishedAt.Before(before) {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memStore) CountByStatus(_ context.Context, status model.EventStatus) (int64, error) {
	var n int64
	for _, ev := range s.events {
		if ev.EventStatus == status {
			n++
		}
	}
	return n, nil
}

type sentMsg struct {
	topic   string
	key     string
	payload string
}

// fakeBroker records sends in call order and fails per partition key.
type fakeBroker struct {
	sent     []sentMsg
	errByKey map[string]error
}

func (b *fakeBroker) Send(_ context.Context, topic, key string, payload []byte) error {
	if err := b.errByKey[key]; err != nil {
		return err
	}
	b.sent = append(b.sent, sentMsg{topic: topic, key: key, payload: string(payload)})
	return nil
}

func pendingEvent(id, key string, occurredAt time.Time) *model.OutboxEvent {
	return &model.OutboxEvent{
		EventID:       id,
		AggregateID:   "work-record-" + id,
		AggregateType: "work_record",
		EventType:     "work_record.approval_changed",
		EventAction:   "approved",
		EventData:     []byte(`{"state":"APPROVED"}`),
		EventStatus:   model.StatusPending,
		PartitionKey:  key,
		OccurredAt:    occurredAt,
		CreatedAt:     occurredAt,
	}
}

func newTestRelay(store Store, broker Broker, cfg Config) *Relay {
	return New(store, broker, cfg, zap.NewNop())
}

func TestPublishPendingMarksEventPublished(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := newMemStore(pendingEvent("01X", "u1", t0))
	broker := &fakeBroker{}
	r := newTestRelay(store, broker, Config{Topic: "worklog.events"})

	require.NoError(t, r.PublishPending(context.Background()))

	ev := store.events["01X"]
	assert.Equal(t, model.StatusPublished, ev.EventStatus)
	require.NotNil(t, ev.PublishedAt)
	assert.False(t, ev.PublishedAt.Before(ev.OccurredAt), "publishedAt must not precede occurredAt")
	require.Len(t, broker.sent, 1)
	assert.Equal(t, "worklog.events", broker.sent[0].topic)
	assert.Equal(t, "u1", broker.sent[0].key)
}

func TestPublishPendingPreservesPerKeyOrder(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	x := pendingEvent("01X", "u1", t0)
	x.EventData = []byte(`{"seq":1}`)
	y := pendingEvent("02Y", "u1", t0.Add(time.Second))
	y.EventData = []byte(`{"seq":2}`)
	store := newMemStore(y, x)
	broker := &fakeBroker{}
	r := newTestRelay(store, broker, Config{Topic: "worklog.events"})

	require.NoError(t, r.PublishPending(context.Background()))

	// oldest occurredAt sent first for the shared key
	require.Len(t, broker.sent, 2)
	assert.Equal(t, `{"seq":1}`, broker.sent[0].payload)
	assert.Equal(t, `{"seq":2}`, broker.sent[1].payload)
	assert.Equal(t, "u1", broker.sent[0].key)
	assert.Equal(t, "u1", broker.sent[1].key)
}

func TestPublishPendingHonorsBatchSize(t *testing.T) {
	t0 := time.Now()
	var events []*model.OutboxEvent
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		events = append(events, pendingEvent(id, id, t0))
		t0 = t0.Add(time.Millisecond)
	}
	store := newMemStore(events...)
	broker := &fakeBroker{}
	r := newTestRelay(store, broker, Config{Topic: "t", BatchSize: 2})

	require.NoError(t, r.PublishPending(context.Background()))

	assert.Equal(t, 2, store.findPendingLimit)
	assert.Len(t, broker.sent, 2)
}

func TestPublishPendingIsolatesRowFailures(t *testing.T) {
	t0 := time.Now()
	store := newMemStore(
		pendingEvent("a", "k1", t0),
		pendingEvent("b", "k2", t0.Add(time.Millisecond)),
		pendingEvent("c", "k3", t0.Add(2*time.Millisecond)),
	)
	broker := &fakeBroker{errByKey: map[string]error{"k2": errors.New("broker down")}}
	r := newTestRelay(store, broker, Config{Topic: "t"})

	require.NoError(t, r.PublishPending(context.Background()))

	assert.Equal(t, model.StatusPublished, store.events["a"].EventStatus)
	assert.Equal(t, model.StatusPublished, store.events["c"].EventStatus)

	failed := store.events["b"]
	assert.Equal(t, model.StatusFailed, failed.EventStatus)
	assert.Equal(t, 1, failed.RetryCount)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "broker down", *failed.ErrorMessage)
}

func TestRetryFailedCountsAttemptBeforeSend(t *testing.T) {
	ev := pendingEvent("z", "u9", time.Now())
	ev.EventStatus = model.StatusFailed
	ev.RetryCount = 1
	store := newMemStore(ev)
	broker := &fakeBroker{errByKey: map[string]error{"u9": errors.New("still down")}}
	r := newTestRelay(store, broker, Config{Topic: "t", MaxRetry: 3})

	require.NoError(t, r.RetryFailed(context.Background()))

	got := store.events["z"]
	assert.Equal(t, model.StatusFailed, got.EventStatus)
	assert.Equal(t, 2, got.RetryCount, "attempt counted exactly once")
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "still down", *got.ErrorMessage)
}

func TestRetryFailedPublishesOnSuccess(t *testing.T) {
	ev := pendingEvent("z", "u9", time.Now())
	ev.EventStatus = model.StatusFailed
	ev.RetryCount = 2
	store := newMemStore(ev)
	broker := &fakeBroker{}
	r := newTestRelay(store, broker, Config{Topic: "t", MaxRetry: 3})

	require.NoError(t, r.RetryFailed(context.Background()))

	got := store.events["z"]
	assert.Equal(t, model.StatusPublished, got.EventStatus)
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.PublishedAt)
}

func TestRetryFailedStopsAtMaxRetry(t *testing.T) {
	ev := pendingEvent("z", "u9", time.Now())
	ev.EventStatus = model.StatusFailed
	store := newMemStore(ev)
	broker := &fakeBroker{errByKey: map[string]error{"u9": errors.New("boom")}}
	r := newTestRelay(store, broker, Config{Topic: "t", MaxRetry: 3})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.RetryFailed(ctx))
	}

	got := store.events["z"]
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, model.StatusFailed, got.EventStatus)
	assert.True(t, got.DeadLettered(3))

	// fourth pass: retry budget exhausted, no further attempt
	require.NoError(t, r.RetryFailed(ctx))
	assert.Equal(t, 3, store.events["z"].RetryCount)
	assert.Empty(t, broker.sent)
}

func TestCleanupOldDeletesOnlyPublishedPastRetention(t *testing.T) {
	now := time.Now()
	old := now.Add(-10 * 24 * time.Hour)

	published := pendingEvent("old-published", "k", old)
	published.EventStatus = model.StatusPublished
	published.PublishedAt = &old

	stalePending := pendingEvent("old-pending", "k", old)
	stalePending.CreatedAt = old

	recent := pendingEvent("fresh-published", "k", now)
	recent.EventStatus = model.StatusPublished
	recent.PublishedAt = &now

	store := newMemStore(published, stalePending, recent)
	r := newTestRelay(store, &fakeBroker{}, Config{Topic: "t", Retention: 7 * 24 * time.Hour})

	ctx := context.Background()
	require.NoError(t, r.CleanupOld(ctx))

	assert.NotContains(t, store.events, "old-published")
	assert.Contains(t, store.events, "old-pending", "pending rows survive regardless of age")
	assert.Contains(t, store.events, "fresh-published")

	// a second pass with nothing newly eligible deletes zero rows
	before := len(store.events)
	require.NoError(t, r.CleanupOld(ctx))
	assert.Len(t, store.events, before)
}

func TestPublishNowUnknownIDIsNoOp(t *testing.T) {
	store := newMemStore()
	broker := &fakeBroker{}
	r := newTestRelay(store, broker, Config{Topic: "t"})

	require.NoError(t, r.PublishNow(context.Background(), "nope"))
	assert.Empty(t, broker.sent)
}

func TestPublishNowBypassesStatusFilters(t *testing.T) {
	ev := pendingEvent("dead", "u1", time.Now())
	ev.EventStatus = model.StatusFailed
	ev.RetryCount = 5 // past any retry budget
	store := newMemStore(ev)
	broker := &fakeBroker{}
	r := newTestRelay(store, broker, Config{Topic: "t", MaxRetry: 3})

	require.NoError(t, r.PublishNow(context.Background(), "dead"))

	require.Len(t, broker.sent, 1)
	assert.Equal(t, model.StatusPublished, store.events["dead"].EventStatus)
}

func TestPublishNowFailureCountsAttempt(t *testing.T) {
	ev := pendingEvent("dead", "u1", time.Now())
	ev.EventStatus = model.StatusFailed
	ev.RetryCount = 3
	store := newMemStore(ev)
	broker := &fakeBroker{errByKey: map[string]error{"u1": errors.New("broker down")}}
	r := newTestRelay(store, broker, Config{Topic: "t", MaxRetry: 3})

	require.NoError(t, r.PublishNow(context.Background(), "dead"))

	got := store.events["dead"]
	assert.Equal(t, model.StatusFailed, got.EventStatus)
	assert.Equal(t, 4, got.RetryCount)
}
