package client

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/james-iacabucci/formedfor-operations-sub001/api"
	"github.com/james-iacabucci/formedfor-operations-sub001/board"
	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
	"github.com/james-iacabucci/formedfor-operations-sub001/memstore"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
)

const (
	owner  = "owner-1"
	secret = "client-test-secret"
)

func newServer(t *testing.T) (*Client, *memstore.Store) {
	t.Helper()
	return newServerWith(t, nil)
}

func newServerWith(t *testing.T, deduper api.Deduper) (*Client, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	for i, id := range []string{"a", "b", "c"} {
		st.Put(domain.Task{ID: id, OwnerID: owner, ScopeKey: "status:todo", Status: domain.StatusTodo, Title: id, PriorityOrder: int64(i+1) * 1000, Version: 1})
	}
	st.Put(domain.Task{ID: "z", OwnerID: owner, ScopeKey: "status:done", Status: domain.StatusDone, Title: "z", PriorityOrder: 1000, Version: 1})

	logger, _ := test.NewNullLogger()
	engine := ordering.NewEngine(st, domain.Grouping{Kind: domain.GroupByStatus}, ordering.WithLogger(logger))
	auth, err := api.NewAuth(nil, api.AuthConfig{TestSecret: secret})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	e := echo.New()
	api.Register(e, engine, auth, deduper, logger)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": owner,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return New(srv.URL+"/", token), st
}

func TestClientListCreateDelete(t *testing.T) {
	c, _ := newServer(t)
	ctx := context.Background()

	created, err := c.Create(ctx, domain.NewTask{Title: "Sand base"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.PriorityOrder != 4000 || created.OwnerID != owner {
		t.Fatalf("unexpected task %+v", created)
	}

	tasks, err := c.List(ctx, owner, "status:todo")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := board.IDs(tasks); len(got) != 4 || got[3] != created.ID {
		t.Fatalf("unexpected order %v", got)
	}

	if err := c.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.Delete(ctx, created.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientMoveErrorsMapToDomain(t *testing.T) {
	c, _ := newServer(t)
	ctx := context.Background()

	_, err := c.Move(ctx, ordering.MoveRequest{TaskID: "a", ToIndex: 9})
	if !errors.Is(err, domain.ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition, got %v", err)
	}
	_, err = c.Move(ctx, ordering.MoveRequest{TaskID: "a", ToIndex: 1, ExpectedVersion: 4})
	if !errors.Is(err, domain.ErrConcurrencyConflict) || !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 409 || apiErr.Message == "" {
		t.Fatalf("unexpected api error %#v", err)
	}
}

func TestClientMoveRetryReusesIdempotencyKey(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	c, st := newServerWith(t, api.NewRedisDeduper(rc, time.Hour))
	var generated int
	c.NewKey = func() string {
		generated++
		return fmt.Sprintf("generated-%d", generated)
	}
	ctx := context.Background()

	req := ordering.MoveRequest{TaskID: "c", ToIndex: 0, IdempotencyKey: "drag-1"}
	first, err := c.Move(ctx, req)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	_, err = c.Move(ctx, req)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "duplicate_request" {
		t.Fatalf("expected retry to be deduplicated, got %v", err)
	}
	stored, err := st.GetTask(ctx, owner, "c")
	if err != nil || stored.Version != first.Task.Version || stored.PriorityOrder != first.Task.PriorityOrder {
		t.Fatalf("retry was applied: %+v %v", stored, err)
	}
	if generated != 0 {
		t.Fatalf("explicit key was replaced by %d generated keys", generated)
	}

	for _, id := range []string{"b", "a"} {
		if _, err := c.Move(ctx, ordering.MoveRequest{TaskID: id, ToIndex: 0}); err != nil {
			t.Fatalf("move %s: %v", id, err)
		}
	}
	if generated != 2 {
		t.Fatalf("expected a generated key per keyless move, got %d", generated)
	}
}

func TestClientRejectsBadToken(t *testing.T) {
	c, _ := newServer(t)
	c.Bearer = "a.b.c"
	_, err := c.List(context.Background(), owner, "status:todo")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 401 || apiErr.Code != "unauthorized" {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestDragSessionOverHTTP(t *testing.T) {
	c, st := newServer(t)
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	b := board.New(owner, domain.Grouping{Kind: domain.GroupByStatus})
	if err := b.Refresh(ctx, c, "status:todo", "status:done"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	s := board.NewDragSession(b, c, c, logger)
	if err := s.Begin("c"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Hover("status:done", 1); err != nil {
		t.Fatalf("hover: %v", err)
	}
	if err := s.Drop(ctx); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if s.State() != board.Settled {
		t.Fatalf("unexpected state %v", s.State())
	}
	if got := board.IDs(b.Displayed("status:done")); len(got) != 2 || got[1] != "c" {
		t.Fatalf("unexpected done column %v", got)
	}
	if got := board.IDs(b.Confirmed("status:todo")); len(got) != 2 {
		t.Fatalf("source column not refreshed: %v", got)
	}
	moved, err := st.GetTask(ctx, owner, "c")
	if err != nil || moved.Status != domain.StatusDone || moved.PriorityOrder != 1001 {
		t.Fatalf("unexpected stored task %+v %v", moved, err)
	}
}
