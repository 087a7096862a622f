package events

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
)

const subscriberBuffer = 16

// Hub fans order changes out to the live streams of each owner.
type Hub struct {
	clock *Clock

	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

// NewHub creates an empty hub.
func NewHub(clock *Clock) *Hub {
	if clock == nil {
		clock = NewClock(nil)
	}
	return &Hub{clock: clock, subs: make(map[string]map[chan []byte]struct{})}
}

// Add registers a stream for ownerID. Payloads are dropped for a stream that
// falls more than a few events behind.
func (h *Hub) Add(ownerID string) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	if h.subs[ownerID] == nil {
		h.subs[ownerID] = make(map[chan []byte]struct{})
	}
	h.subs[ownerID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Remove unregisters a stream.
func (h *Hub) Remove(ownerID string, ch chan []byte) {
	h.mu.Lock()
	if m, ok := h.subs[ownerID]; ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(h.subs, ownerID)
		}
	}
	h.mu.Unlock()
}

// Broadcast sends payload to every stream of ownerID without blocking.
func (h *Hub) Broadcast(ownerID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ownerID] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// OrderChanged lets the hub receive events in process when no Redis channel
// is configured.
func (h *Hub) OrderChanged(_ context.Context, ev domain.OrderChanged) error {
	payload, err := encode(h.clock, ev)
	if err != nil {
		return err
	}
	h.Broadcast(ev.OwnerID, payload)
	return nil
}

// Subscribe relays order changes published on channel to the hub until ctx
// is done. The go-redis PubSub reconnects and resubscribes on its own after
// a dropped connection, pinging idle connections to notice them, so the
// message channel only closes once the subscription is closed.
func Subscribe(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, hub *Hub) {
	sub := rc.Subscribe(ctx, channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev domain.OrderChanged
			if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil || ev.OwnerID == "" {
				logger.WithField("channel", channel).Warn("ignoring malformed order change")
				continue
			}
			hub.Broadcast(ev.OwnerID, []byte(msg.Payload))
		}
	}
}
