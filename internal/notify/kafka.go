package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a Kafka topic. Messages are keyed by escrow
// id (or party id for tier events) so one escrow's events stay ordered.
type KafkaSink struct {
	w messageWriter
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (k *KafkaSink) Name() string { return "kafka" }

// Send publishes one event.
func (k *KafkaSink) Send(ctx context.Context, event *Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(partitionKey(event)),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "event-id", Value: []byte(event.ID)},
		},
	})
}

// Close flushes pending messages.
func (k *KafkaSink) Close() error {
	return k.w.Close()
}

func partitionKey(event *Event) string {
	if id, ok := event.Data["escrowId"].(string); ok && id != "" {
		return id
	}
	if id, ok := event.Data["partyId"].(string); ok {
		return id
	}
	return event.ID
}
