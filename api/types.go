package api

import (
	"context"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
)

// Service is the ordering surface the handlers expose. *ordering.Engine
// implements it.
type Service interface {
	List(ctx context.Context, ownerID, scopeKey string) ([]domain.Task, error)
	Create(ctx context.Context, nt domain.NewTask) (domain.Task, error)
	Move(ctx context.Context, req ordering.MoveRequest) (ordering.MoveResult, error)
	Delete(ctx context.Context, ownerID, id string) error
	Respace(ctx context.Context, ownerID, scopeKey string) ([]domain.Task, error)
}

// Authenticator is implemented by types able to extract owner IDs from headers.
type Authenticator interface {
	OwnerIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate moves.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, ownerID, key string) (bool, error)
	// Remove deletes a previously added key, used when the move fails.
	Remove(ctx context.Context, ownerID, key string) error
}

type scopeResponse struct {
	Scope string        `json:"scope"`
	Tasks []domain.Task `json:"tasks"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
