package events

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
	"github.com/james-iacabucci/formedfor-operations-sub001/storage"
)

type dequeuer interface {
	Dequeue(ctx context.Context) ([]*azqueue.DequeuedMessage, error)
	Delete(ctx context.Context, id, receipt string) error
}

type queueClient struct{ q *azqueue.QueueClient }

func (c queueClient) Dequeue(ctx context.Context) ([]*azqueue.DequeuedMessage, error) {
	resp, err := c.q.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c queueClient) Delete(ctx context.Context, id, receipt string) error {
	_, err := c.q.DeleteMessage(ctx, id, receipt, nil)
	return err
}

// QueueRelay drains order changes from a storage queue and hands them to a
// notifier, usually a RedisPublisher feeding the live streams.
type QueueRelay struct {
	queue  dequeuer
	next   ordering.Notifier
	logger *log.Logger
	idle   time.Duration
}

// NewQueueRelay connects to the named queue.
func NewQueueRelay(connStr, queueName string, next ordering.Notifier, logger *log.Logger) (*QueueRelay, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, storage.QueueClientOptions())
	if err != nil {
		return nil, err
	}
	return newQueueRelay(queueClient{q}, next, logger), nil
}

func newQueueRelay(q dequeuer, next ordering.Notifier, logger *log.Logger) *QueueRelay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &QueueRelay{queue: q, next: next, logger: logger, idle: time.Second}
}

// Run relays until ctx is done.
func (r *QueueRelay) Run(ctx context.Context) error {
	for {
		n, err := r.relayOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.WithError(err).Error("receive")
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.idle):
		}
	}
}

// relayOnce handles one dequeue and returns how many messages it saw.
// Malformed messages are deleted. A message whose delivery fails stays on the
// queue and becomes visible again after the visibility timeout.
func (r *QueueRelay) relayOnce(ctx context.Context) (int, error) {
	msgs, err := r.queue.Dequeue(ctx)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		if msg == nil || msg.MessageID == nil || msg.PopReceipt == nil {
			continue
		}
		entry := r.logger.WithField("message_id", *msg.MessageID)
		var ev domain.OrderChanged
		if msg.MessageText == nil || sonic.UnmarshalString(*msg.MessageText, &ev) != nil || ev.OwnerID == "" {
			entry.Warn("dropping malformed order change")
		} else if err := r.next.OrderChanged(ctx, ev); err != nil {
			entry.WithError(err).Error("unable to relay order change")
			continue
		}
		if err := r.queue.Delete(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
			entry.WithError(err).Warn("unable to delete message")
		}
	}
	return len(msgs), nil
}
