package events

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
)

func TestHubAddRemoveBroadcast(t *testing.T) {
	h := NewHub(nil)
	ch := h.Add("user1")
	other := h.Add("user2")

	h.Broadcast("user1", []byte("hello"))
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("expected hello got %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	select {
	case <-other:
		t.Fatal("message leaked to another owner")
	default:
	}

	h.Remove("user1", ch)
	h.Broadcast("user1", []byte("world"))
	select {
	case <-ch:
		t.Fatal("received message after removal")
	default:
	}
}

func TestHubDropsForSlowStreams(t *testing.T) {
	h := NewHub(nil)
	ch := h.Add("user1")
	for i := 0; i < subscriberBuffer+5; i++ {
		h.Broadcast("user1", []byte("x"))
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("expected a full buffer of %d, got %d", subscriberBuffer, len(ch))
	}
}

func TestHubOrderChangedEncodesEvent(t *testing.T) {
	h := NewHub(NewClock(func() time.Time { return time.Unix(0, 42) }))
	ch := h.Add("user1")
	if err := h.OrderChanged(context.Background(), domain.OrderChanged{OwnerID: "user1", ScopeKey: "status:done", Reason: domain.ReasonMoved}); err != nil {
		t.Fatalf("order changed: %v", err)
	}
	var ev domain.OrderChanged
	if err := sonic.Unmarshal(<-ch, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.ScopeKey != "status:done" || ev.Time != 42 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSubscribeRelaysPublishedEvents(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	logger, hook := test.NewNullLogger()
	h := NewHub(nil)
	ch := h.Add("user1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Subscribe(ctx, logger, rc, "chan", h)
		close(done)
	}()

	// wait for subscription to start
	deadline := time.Now().Add(time.Second)
	for len(m.PubSubChannels("chan")) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := rc.Publish(context.Background(), "chan", "not json").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	pub := NewRedisPublisher(rc, "chan", nil)
	if err := pub.OrderChanged(context.Background(), domain.OrderChanged{OwnerID: "user1", ScopeKey: "status:todo", Reason: domain.ReasonCreated}); err != nil {
		t.Fatalf("publish event: %v", err)
	}

	select {
	case msg := <-ch:
		if !strings.Contains(string(msg), `"scopeKey":"status:todo"`) {
			t.Fatalf("unexpected payload %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no event relayed")
	}
	if len(hook.AllEntries()) != 1 || hook.LastEntry().Message != "ignoring malformed order change" {
		t.Fatalf("expected one warning for the malformed payload, got %d entries", len(hook.AllEntries()))
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not exit")
	}
}

func TestSubscribeSurvivesRedisRestart(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	logger, hook := test.NewNullLogger()
	h := NewHub(nil)
	ch := h.Add("user1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Subscribe(ctx, logger, rc, "chan", h)

	waitSubscribed := func() {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for len(m.PubSubChannels("chan")) == 0 {
			if time.Now().After(deadline) {
				t.Fatal("subscription not established")
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	waitSubscribed()
	m.Close()
	if err := m.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	waitSubscribed()

	pub := NewRedisPublisher(rc, "chan", nil)
	if err := pub.OrderChanged(context.Background(), domain.OrderChanged{OwnerID: "user1", ScopeKey: "status:done", Reason: domain.ReasonMoved}); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	select {
	case msg := <-ch:
		if !strings.Contains(string(msg), `"scopeKey":"status:done"`) {
			t.Fatalf("unexpected payload %s", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event relayed after reconnect")
	}
	if len(hook.AllEntries()) != 0 {
		t.Fatalf("unexpected log entries %v", hook.AllEntries())
	}
}
