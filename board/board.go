// Package board models the client side of the task board: the order last
// confirmed by the server, the order currently displayed, and the optimistic
// reorder commands that move between the two.
package board

import (
	"context"
	"sync"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
)

// Mover persists a move. Both ordering.Engine and client.Client implement it.
type Mover interface {
	Move(ctx context.Context, req ordering.MoveRequest) (ordering.MoveResult, error)
}

// Lister fetches the authoritative order of a scope.
type Lister interface {
	List(ctx context.Context, ownerID, scopeKey string) ([]domain.Task, error)
}

// Board keeps, per scope, the server order and the displayed order of one
// owner's tasks. It is safe for concurrent use.
type Board struct {
	mu       sync.Mutex
	ownerID  string
	grouping domain.Grouping
	server   map[string][]domain.Task
	display  map[string][]domain.Task
}

// New creates an empty board.
func New(ownerID string, grouping domain.Grouping) *Board {
	return &Board{
		ownerID:  ownerID,
		grouping: grouping,
		server:   map[string][]domain.Task{},
		display:  map[string][]domain.Task{},
	}
}

// OwnerID returns the owner whose tasks the board shows.
func (b *Board) OwnerID() string { return b.ownerID }

// Load replaces both the server and the displayed order of a scope.
func (b *Board) Load(scopeKey string, tasks []domain.Task) {
	sorted := clone(tasks)
	domain.SortTasks(sorted)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.server[scopeKey] = sorted
	b.display[scopeKey] = clone(sorted)
}

// Refresh loads the given scopes from l.
func (b *Board) Refresh(ctx context.Context, l Lister, scopeKeys ...string) error {
	for _, scope := range scopeKeys {
		tasks, err := l.List(ctx, b.ownerID, scope)
		if err != nil {
			return err
		}
		b.Load(scope, tasks)
	}
	return nil
}

// Displayed returns a copy of the order currently shown for a scope.
func (b *Board) Displayed(scopeKey string) []domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.display[scopeKey])
}

// Confirmed returns a copy of the last order confirmed by the server.
func (b *Board) Confirmed(scopeKey string) []domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.server[scopeKey])
}

// locate finds a displayed task. The caller holds the lock.
func (b *Board) locate(taskID string) (string, int) {
	for scope, tasks := range b.display {
		if idx := domain.IndexOf(tasks, taskID); idx >= 0 {
			return scope, idx
		}
	}
	return "", -1
}

func clone(tasks []domain.Task) []domain.Task {
	if tasks == nil {
		return nil
	}
	return append(make([]domain.Task, 0, len(tasks)), tasks...)
}

// IDs returns the ids of tasks in order.
func IDs(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
