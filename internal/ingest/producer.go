// Package ingest moves worker presence and document change events through
// Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/infrasalud/internal/geo"
	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/storage"
)

const (
	PresenceTopic = "worker-presence"
	ChangeTopic   = "doc-changes"
)

// MessageWriter is the subset of *kafka.Writer the producers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer MessageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}, AllowAutoTopicCreation: true}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) publish(ctx context.Context, key string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// PresenceProducer publishes worker position updates keyed by worker id.
type PresenceProducer struct{ *KafkaProducer }

func NewPresenceProducer(brokers []string) *PresenceProducer {
	return &PresenceProducer{NewKafkaProducer(brokers, PresenceTopic)}
}

func (p *PresenceProducer) PublishPresence(ctx context.Context, pr models.Presence) error {
	return p.publish(ctx, pr.WorkerID, pr)
}

// ChangeProducer publishes document change events keyed by document id.
type ChangeProducer struct{ *KafkaProducer }

func NewChangeProducer(brokers []string) *ChangeProducer {
	return &ChangeProducer{NewKafkaProducer(brokers, ChangeTopic)}
}

func (p *ChangeProducer) PublishChange(ctx context.Context, c storage.Change) error {
	return p.publish(ctx, string(c.Collection)+"/"+c.ID, c)
}

// DirectPresence writes presence straight into the local index when Kafka
// is not configured.
type DirectPresence struct {
	Geo geo.Geo
}

func (d *DirectPresence) PublishPresence(_ context.Context, p models.Presence) error {
	d.Geo.Upsert(p)
	return nil
}
