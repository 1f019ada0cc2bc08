package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers      []string
	WriteTimeout time.Duration // default 10s
	BatchTimeout time.Duration // default 10ms, flush latency for single sends
}

// Producer is a thin wrapper around segmentio/kafka-go Writer.
//
// The Hash balancer routes every message with the same key to the same
// partition, so sequential sends sharing a key arrive in call order
// (per-key ordering, not global ordering).
type Producer struct {
	w *kafka.Writer
}

func NewProducerFromConfig(c Config) *Producer {
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 10 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: wt,
		BatchTimeout: bt,
		// synchronous: Send must not return before the broker acked
		Async: false,
	}

	return &Producer{w: w}
}

// Send publishes one message and blocks until the broker acks or errors.
// Transport failures surface as the returned error; the caller decides
// what the failure means for the row.
func (p *Producer) Send(ctx context.Context, topic, key string, payload []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
}

func (p *Producer) Close() error { return p.w.Close() }
