// Package events publishes order changes to Redis subscribers and to the
// storage events queue.
package events

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
	"github.com/james-iacabucci/formedfor-operations-sub001/storage"
)

// Clock hands out strictly increasing Unix nanosecond timestamps so that
// consumers can discard stale events.
type Clock struct {
	last atomic.Int64
	now  func() time.Time
}

// NewClock creates a clock reading now, or time.Now when now is nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a timestamp greater than every previous one.
func (c *Clock) Next() int64 {
	for {
		now := c.now().UnixNano()
		last := c.last.Load()
		if now <= last {
			now = last + 1
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

func encode(clock *Clock, ev domain.OrderChanged) ([]byte, error) {
	if ev.Time == 0 {
		ev.Time = clock.Next()
	}
	return sonic.Marshal(ev)
}

// RedisPublisher publishes order changes on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	clock   *Clock
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(client *redis.Client, channel string, clock *Clock) *RedisPublisher {
	if clock == nil {
		clock = NewClock(nil)
	}
	return &RedisPublisher{client: client, channel: channel, clock: clock}
}

func (p *RedisPublisher) OrderChanged(ctx context.Context, ev domain.OrderChanged) error {
	payload, err := encode(p.clock, ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

type enqueuer interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueuePublisher enqueues order changes on an Azure storage queue for
// consumers that cannot hold a Redis subscription.
type QueuePublisher struct {
	queue enqueuer
	clock *Clock
}

// NewQueuePublisher connects to the named queue.
func NewQueuePublisher(connStr, queueName string, clock *Clock) (*QueuePublisher, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, storage.QueueClientOptions())
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = NewClock(nil)
	}
	return &QueuePublisher{queue: q, clock: clock}, nil
}

func (p *QueuePublisher) OrderChanged(ctx context.Context, ev domain.OrderChanged) error {
	payload, err := encode(p.clock, ev)
	if err != nil {
		return err
	}
	_, err = p.queue.EnqueueMessage(ctx, string(payload), nil)
	return err
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []ordering.Notifier

func (m Multi) OrderChanged(ctx context.Context, ev domain.OrderChanged) error {
	var errs []error
	for _, n := range m {
		if err := n.OrderChanged(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
