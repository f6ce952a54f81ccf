// Package consumer reads recorded activity events from Kafka and hands them to a Handler.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"example.com/activitylog/pkg/events"
)

// Reader is the subset of kafka.Reader the processor needs.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is a decoded Kafka record emitted by the outbox dispatcher.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	TenantID      string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger overrides the processor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRetryDelay sets the pause after a handler failure.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Processor) {
		p.retryDelay = d
	}
}

// Processor pulls messages from Kafka, decodes them and dispatches them to a Handler.
type Processor struct {
	reader     Reader
	handler    Handler
	logger     *zap.Logger
	retryDelay time.Duration
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:     reader,
		handler:    handler,
		logger:     zap.NewNop(),
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes messages until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.logger.Warn("consumer.fetch_failed", zap.Error(err))
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			p.logger.Warn("consumer.decode_failed",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(decodeErr),
			)
			recordDecodeError(msg.Topic)
			// Malformed records are committed so they cannot wedge the partition.
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.logger.Warn("consumer.commit_failed", zap.Error(commitErr))
			}
			continue
		}

		if handleErr := p.handler.Handle(ctx, event); handleErr != nil {
			p.logger.Error("consumer.handle_failed",
				zap.String("event_type", event.EventType),
				zap.String("tenant_id", event.TenantID),
				zap.Int64("offset", event.Offset),
				zap.Error(handleErr),
			)
			recordHandlerError(event)
			if err := sleep(ctx, p.retryDelay); err != nil {
				return err
			}
			continue
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.Warn("consumer.commit_failed", zap.Error(commitErr))
			continue
		}
		recordProcessed(event)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func decodeMessage(msg kafka.Message) (Message, error) {
	if len(msg.Value) < 5 || msg.Value[0] != 0 {
		return Message{}, errors.Errorf("invalid wire frame of %d bytes", len(msg.Value))
	}

	eventType, ok := headerValue(msg, events.HeaderEventType)
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}
	tenantID, _ := headerValue(msg, events.HeaderTenantID)
	schemaSubject, _ := headerValue(msg, events.HeaderSchemaSubject)

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Timestamp:     msg.Time,
		EventType:     string(eventType),
		TenantID:      string(tenantID),
		SchemaSubject: string(schemaSubject),
		SchemaID:      int(binary.BigEndian.Uint32(msg.Value[1:5])),
		Payload:       json.RawMessage(append([]byte(nil), msg.Value[5:]...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
