package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
)

// KafkaProducer publishes claimed outbox rows. Rows arrive already grouped per
// topic, so each topic gets one long-lived writer tuned for small, ordered batches.
type KafkaProducer struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{brokers: brokers, writers: map[string]*kafka.Writer{}}
}

// WriteMessages blocks until every message is acknowledged by all in-sync replicas.
// Partition keys are org:project, so a project's activity lands on one partition in outbox order.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	writer, err := p.writer(topic)
	if err != nil {
		return err
	}
	return writer.WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writer(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.Errorf("producer closed, cannot publish to %s", topic)
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		// the dispatcher already batches; do not hold a claimed batch waiting for more
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = w
	return w, nil
}

// Close flushes and closes every topic writer. Later publishes fail.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	writers := p.writers
	p.writers = map[string]*kafka.Writer{}
	p.closed = true
	p.mu.Unlock()

	var closeErr error
	for topic, w := range writers {
		if err := w.Close(); err != nil && closeErr == nil {
			closeErr = errors.Wrapf(err, "close %s writer", topic)
		}
	}
	return closeErr
}
