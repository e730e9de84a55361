// Package stream consumes transfer events from Kafka and hands them to the
// transfer processor.
package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/ayo6706/midas-core/internal/domain"
	"github.com/ayo6706/midas-core/internal/models"
	"github.com/ayo6706/midas-core/internal/observability"
	"github.com/ayo6706/midas-core/internal/service"
	"go.uber.org/zap"
)

type Processor interface {
	Process(ctx context.Context, event models.TransferEvent) (*service.ProcessResult, error)
}

type DeadLetterSink interface {
	Publish(ctx context.Context, letter DeadLetter) error
}

// TransferConsumer drives the consume loop. Partitions are processed
// concurrently; messages within a partition are processed in order.
type TransferConsumer struct {
	group        sarama.ConsumerGroup
	topics       []string
	processor    Processor
	codec        Codec
	deadLetters  DeadLetterSink
	retryBackoff time.Duration
	logger       *zap.Logger
}

func NewTransferConsumer(group sarama.ConsumerGroup, topic string, processor Processor, logger *zap.Logger) *TransferConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferConsumer{
		group:        group,
		topics:       []string{topic},
		processor:    processor,
		retryBackoff: 2 * time.Second,
		logger:       logger,
	}
}

// WithDeadLetters publishes skipped and undecodable events to sink.
func (c *TransferConsumer) WithDeadLetters(sink DeadLetterSink) *TransferConsumer {
	c.deadLetters = sink
	return c
}

// WithKeyEpoch prefixes offset-derived event keys with epoch.
func (c *TransferConsumer) WithKeyEpoch(epoch string) *TransferConsumer {
	c.codec.KeyEpoch = epoch
	return c
}

// WithRetryBackoff sets the pause before a failed session is restarted.
func (c *TransferConsumer) WithRetryBackoff(d time.Duration) *TransferConsumer {
	if d > 0 {
		c.retryBackoff = d
	}
	return c
}

// Start consumes until ctx is cancelled. A persistence failure ends the
// current session without marking the failing message, so the restarted
// session resumes from the last committed offset.
func (c *TransferConsumer) Start(ctx context.Context) error {
	for {
		sessionCtx, abort := context.WithCancel(ctx)
		handler := &transferHandler{consumer: c, abort: abort}
		err := c.group.Consume(sessionCtx, c.topics, handler)
		abort()

		if ctx.Err() != nil {
			c.logger.Info("context cancelled, shutting down consumer")
			return nil
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}

		switch {
		case handler.failed.Load():
			observability.IncrementConsumerRestart()
			c.logger.Warn("restarting consumer session after processing failure", zap.Duration("backoff", c.retryBackoff))
		case err != nil:
			c.logger.Error("error from consumer", zap.Error(err))
		default:
			// Rebalance; rejoin immediately.
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.retryBackoff):
		}
	}
}

func (c *TransferConsumer) Close() error {
	return c.group.Close()
}

// handle returns an error only when the message must be redelivered.
func (c *TransferConsumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	event, err := c.codec.Decode(msg)
	if err != nil {
		c.logger.Warn("transfer skipped",
			zap.String("event_key", event.EventKey),
			zap.String("reason_code", domain.OutcomeMalformed),
			zap.Error(err),
		)
		observability.ObserveTransfer(domain.OutcomeMalformed, 0)
		c.deadLetter(ctx, event, domain.OutcomeMalformed, err.Error())
		return nil
	}

	result, err := c.processor.Process(ctx, event)
	if err != nil {
		return err
	}
	if result.Skipped() {
		c.deadLetter(ctx, event, result.Outcome, result.Reason)
	}
	return nil
}

func (c *TransferConsumer) deadLetter(ctx context.Context, event models.TransferEvent, reason, detail string) {
	if c.deadLetters == nil {
		return
	}
	err := c.deadLetters.Publish(ctx, DeadLetter{
		EventKey: event.EventKey,
		Reason:   reason,
		Detail:   detail,
		Payload:  string(event.Payload),
	})
	if err != nil {
		c.logger.Error("dead letter publish failed", zap.String("event_key", event.EventKey), zap.Error(err))
	}
}

type transferHandler struct {
	consumer *TransferConsumer
	abort    context.CancelFunc
	failed   atomic.Bool
}

func (h *transferHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("consumer session started", zap.Int32("generation", session.GenerationID()))
	return nil
}

func (h *transferHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("consumer session ended")
	return nil
}

func (h *transferHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.consumer.handle(ctx, msg); err != nil {
				h.consumer.logger.Error("transfer not applied, awaiting redelivery",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				h.failed.Store(true)
				h.abort()
				return nil
			}
			session.MarkMessage(msg, "")
		}
	}
}
