package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/ayo6706/midas-core/internal/observability"
)

// DeadLetter wraps an event that was skipped without being applied.
type DeadLetter struct {
	EventKey string    `json:"event_key"`
	Reason   string    `json:"reason"`
	Detail   string    `json:"detail"`
	Payload  string    `json:"payload"`
	FailedAt time.Time `json:"failed_at"`
}

type DeadLetterPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewDeadLetterPublisher(producer sarama.SyncProducer, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{producer: producer, topic: topic}
}

func (p *DeadLetterPublisher) Publish(ctx context.Context, letter DeadLetter) error {
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now().UTC()
	}
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(letter.EventKey),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("reason"), Value: []byte(letter.Reason)},
		},
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}
	observability.IncrementDeadLetter(letter.Reason)
	return nil
}

func (p *DeadLetterPublisher) Close() error {
	return p.producer.Close()
}
