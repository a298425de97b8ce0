package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

// MessageWriter is the part of *kafka.Writer the notifier needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaNotifier struct {
	w MessageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewKafkaNotifier(w MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{w: w}
}

// Notify keys messages by image id so events for one image stay ordered
// within a partition.
func (k *KafkaNotifier) Notify(ctx context.Context, ev schema.ImageEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ImageID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "tenant_id", Value: []byte(ev.TenantID)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.w.Close()
}
