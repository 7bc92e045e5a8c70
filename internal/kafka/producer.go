package kafka

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher is what domain code depends on; *Producer satisfies it.
type Publisher interface {
	Publish(key, value []byte, headers ...kafka.Header)
}

type Producer struct {
	w         *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewProducer(brokers []string, topic string, buf int) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

// Start drains the inbox until Close is called, then flushes and closes the writer.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		defer func() { _ = p.w.Close() }()
		for m := range p.inbox {
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.w.WriteMessages(wctx, m); err != nil {
				slog.Error("kafka publish failed", "topic", p.w.Topic, "key", string(m.Key), "err", err)
			}
			cancel()
		}
	}()
}

// Publish queues a message. After Close it drops the message and logs it.
func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		slog.Warn("kafka publish after close dropped", "topic", p.w.Topic, "key", string(key))
		return
	}
	p.inbox <- kafka.Message{
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
}

// Close the inbox so the goroutine flushes what is left and exits.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
}

// Wait until the goroutine is done.
func (p *Producer) WaitClosed() { <-p.closeCh }
