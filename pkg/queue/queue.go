// Package queue moves job identifiers through a durable redis FIFO. Delivery
// is at-least-once: publishing may repeat, the consumer must be idempotent
// per job id.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKey matches the list the processing workers consume.
const DefaultKey = "processing_queue"

// Publisher pushes job ids onto the FIFO after the ingestion transaction
// commits. Failures here never roll back committed database state.
type Publisher struct {
	client *redis.Client
	key    string
}

func NewPublisher(addr, key string) *Publisher {
	if key == "" {
		key = DefaultKey
	}
	return &Publisher{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
	}
}

// Publish appends the job id to the FIFO.
func (p *Publisher) Publish(ctx context.Context, jobID uuid.UUID) error {
	return p.client.RPush(ctx, p.key, jobID.String()).Err()
}

// Close releases the underlying connection pool.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Consumer pops job ids for the worker side.
type Consumer struct {
	client *redis.Client
	key    string
}

func NewConsumer(addr, key string) *Consumer {
	if key == "" {
		key = DefaultKey
	}
	return &Consumer{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
	}
}

// ErrEmpty is returned when the blocking pop times out with nothing queued.
var ErrEmpty = errors.New("queue empty")

// Pop blocks up to timeout for the next job id.
func (c *Consumer) Pop(ctx context.Context, timeout time.Duration) (uuid.UUID, error) {
	res, err := c.client.BLPop(ctx, timeout, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrEmpty
	}
	if err != nil {
		return uuid.Nil, err
	}
	// BLPop returns [key, value]
	if len(res) < 2 {
		return uuid.Nil, ErrEmpty
	}
	return uuid.Parse(res[1])
}

func (c *Consumer) Close() error {
	return c.client.Close()
}
