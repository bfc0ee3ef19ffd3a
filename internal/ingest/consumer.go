package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/infrasalud/internal/observability"
	"github.com/example/infrasalud/internal/storage"
)

// MessageReader is the subset of *kafka.Reader the consumers use.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
}

const maxBackoff = 30 * time.Second

// Consume reads messages until ctx is done, backing off on read errors. A
// handler error is counted and logged and never stops the loop.
func Consume(ctx context.Context, r MessageReader, topic string, logger *slog.Logger, handle func(context.Context, kafka.Message) error) {
	backoff := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer stopping", slog.String("topic", topic))
				return
			}
			logger.Warn("kafka read error", slog.String("topic", topic), slog.Any("error", err), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if err := handle(ctx, m); err != nil {
			observability.ConsumerMessagesTotal.WithLabelValues(topic, "error").Inc()
			logger.Warn("message handling failed", slog.String("topic", topic), slog.String("key", string(m.Key)), slog.Any("error", err))
			continue
		}
		observability.ConsumerMessagesTotal.WithLabelValues(topic, "ok").Inc()
	}
}

// Refresher re-runs the live queries affected by a change.
type Refresher interface {
	Refresh(ctx context.Context, c storage.Change)
}

// ChangeHandler applies change events written by other server instances.
// Events carrying this instance's own origin were already applied locally.
func ChangeHandler(live Refresher, origin string) func(context.Context, kafka.Message) error {
	return func(ctx context.Context, m kafka.Message) error {
		var c storage.Change
		if err := json.Unmarshal(m.Value, &c); err != nil {
			return err
		}
		if c.Origin != "" && c.Origin == origin {
			return nil
		}
		live.Refresh(ctx, c)
		return nil
	}
}
