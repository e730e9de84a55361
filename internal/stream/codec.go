package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ayo6706/midas-core/internal/domain"
	"github.com/ayo6706/midas-core/internal/models"
	"github.com/shopspring/decimal"
)

// EventIDHeader, when present on a message, is used as the redelivery key.
const EventIDHeader = "event-id"

var ErrUndecodable = errors.New("undecodable transfer message")

type transferMessage struct {
	SenderID    int64            `json:"senderId"`
	RecipientID int64            `json:"recipientId"`
	Amount      *decimal.Decimal `json:"amount"`
}

// Codec decodes consumed messages. KeyEpoch prefixes offset-derived event keys
// and must be changed whenever the topic is recreated or its offsets are reset,
// otherwise new events at reused offsets are taken for redeliveries.
type Codec struct {
	KeyEpoch string
}

// DecodeTransfer decodes msg with an empty key epoch.
func DecodeTransfer(msg *sarama.ConsumerMessage) (models.TransferEvent, error) {
	return Codec{}.Decode(msg)
}

// EventKey returns the redelivery key of msg with an empty key epoch.
func EventKey(msg *sarama.ConsumerMessage) string {
	return Codec{}.EventKey(msg)
}

// Decode turns a consumed message into a TransferEvent. Structurally absent
// fields decode to zero values and are rejected by the processor.
func (c Codec) Decode(msg *sarama.ConsumerMessage) (models.TransferEvent, error) {
	event := models.TransferEvent{
		EventKey: c.EventKey(msg),
		Payload:  msg.Value,
	}

	var body transferMessage
	if err := json.Unmarshal(msg.Value, &body); err != nil {
		return event, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	event.SenderID = body.SenderID
	event.RecipientID = body.RecipientID
	if body.Amount != nil {
		amount, err := domain.FromDecimal(*body.Amount)
		if err != nil {
			return event, fmt.Errorf("%w: amount %s: %v", ErrUndecodable, body.Amount.String(), err)
		}
		event.Amount = amount
	}
	return event, nil
}

// EventKey identifies a message across redeliveries. The event-id header wins;
// otherwise the key is derived from the message position.
func (c Codec) EventKey(msg *sarama.ConsumerMessage) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == EventIDHeader && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	if c.KeyEpoch != "" {
		return fmt.Sprintf("%s/%s/%d/%d", c.KeyEpoch, msg.Topic, msg.Partition, msg.Offset)
	}
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}
