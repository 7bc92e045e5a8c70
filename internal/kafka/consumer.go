package kafka

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler must return nil only when the message is done and its offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type Consumer struct {
	r       *kafka.Reader
	workers int
}

func NewConsumer(brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers}
}

// Start fetches until ctx is done. Each partition is pinned to one worker and
// a message is retried until its handler succeeds, so offsets are committed
// in order and a failed message is never committed past.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	shards := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup

	for i := range shards {
		shards[i] = make(chan kafka.Message, 256)
		wg.Add(1)
		go func(id int, jobs <-chan kafka.Message) {
			defer wg.Done()
			for m := range jobs {
				if !handleWithRetry(ctx, h, m, retryBase, retryMax) {
					return
				}
				if err := c.r.CommitMessages(ctx, m); err != nil {
					slog.Warn("commit offset failed", "worker", id, "partition", m.Partition, "offset", m.Offset, "err", err)
				}
			}
		}(i, shards[i])
	}
	defer wg.Wait()
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case shards[shardFor(m.Partition, len(shards))] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

const (
	retryBase = 200 * time.Millisecond
	retryMax  = 10 * time.Second
)

func shardFor(partition, n int) int {
	if partition < 0 {
		partition = -partition
	}
	return partition % n
}

// handleWithRetry runs h until it returns nil, backing off between attempts.
// It reports false when ctx ends first.
func handleWithRetry(ctx context.Context, h Handler, m kafka.Message, base, ceiling time.Duration) bool {
	wait := base
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			return true
		}
		slog.Warn("feed handler error, retrying",
			"partition", m.Partition, "offset", m.Offset, "attempt", attempt, "backoff", wait, "err", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		if wait *= 2; wait > ceiling {
			wait = ceiling
		}
	}
}
