package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards integration events to a Kafka topic from a background loop.
// Messages are keyed by merchant id so one merchant keeps its ordering on a partition.
type KafkaPublisher struct {
	w       messageWriter
	inbox   chan kafka.Message
	closeCh chan struct{}
	logger  zerolog.Logger
}

var _ ports.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher for topic on the given brokers
func NewKafkaPublisher(brokers []string, topic string, buf int, logger zerolog.Logger) *KafkaPublisher {
	return newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}, buf, logger)
}

func newKafkaPublisher(w messageWriter, buf int, logger zerolog.Logger) *KafkaPublisher {
	if buf <= 0 {
		buf = 256
	}
	return &KafkaPublisher{
		w:       w,
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
		logger:  logger,
	}
}

// Start runs the write loop until ctx is cancelled, then flushes what is queued
func (p *KafkaPublisher) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				p.drain()
				return
			case m := <-p.inbox:
				p.write(m)
			}
		}
	}()
}

func (p *KafkaPublisher) drain() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			if err := p.w.Close(); err != nil {
				p.logger.Error().Err(err).Msg("Failed to close kafka writer")
			}
			return
		}
	}
}

func (p *KafkaPublisher) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.logger.Error().
			Err(err).
			Str("key", string(m.Key)).
			Msg("Failed to write event to kafka")
	}
}

// Publish enqueues the event. It fails instead of blocking when the queue is full.
func (p *KafkaPublisher) Publish(ctx context.Context, event domain.IntegrationEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.MerchantID),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
			{Key: "id", Value: []byte(event.ID)},
		},
	}

	select {
	case p.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("kafka publish queue full, dropping %s", event.Type)
	}
}

// WaitClosed blocks until the write loop has flushed and exited
func (p *KafkaPublisher) WaitClosed() { <-p.closeCh }
