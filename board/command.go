package board

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
)

// Command is a user action shown before the server confirms it.
type Command interface {
	// OptimisticApply updates the displayed order without persisting.
	OptimisticApply() error
	// Persist sends the action to the server.
	Persist(ctx context.Context) error
	// Revert restores the displayed order captured before OptimisticApply.
	// Calling it more than once has no further effect.
	Revert()
}

// ReorderCommand moves a task to ToIndex of ToScope on a board. An empty
// ToScope keeps the task in its current scope.
type ReorderCommand struct {
	TaskID  string
	ToScope string
	ToIndex int

	board    *Board
	mover    Mover
	key      string
	snapshot map[string][]domain.Task
	version  int64
	result   ordering.MoveResult
}

var _ Command = (*ReorderCommand)(nil)

// NewReorderCommand creates a reorder of taskID on b persisted through m.
// Every Persist of the command carries the same idempotency key.
func NewReorderCommand(b *Board, m Mover, taskID, toScope string, toIndex int) *ReorderCommand {
	return &ReorderCommand{TaskID: taskID, ToScope: toScope, ToIndex: toIndex, board: b, mover: m, key: uuid.NewString()}
}

// Result returns the server response of a successful Persist.
func (c *ReorderCommand) Result() ordering.MoveResult { return c.result }

func (c *ReorderCommand) OptimisticApply() error {
	b := c.board
	b.mu.Lock()
	defer b.mu.Unlock()

	from, idx := b.locate(c.TaskID)
	if idx < 0 {
		return fmt.Errorf("%w: task %s is not on the board", domain.ErrNotFound, c.TaskID)
	}
	to := c.ToScope
	if to == "" {
		to = from
	}
	task := b.display[from][idx]
	if to != from {
		if err := b.grouping.Place(&task, to); err != nil {
			return err
		}
	}

	snapshot := map[string][]domain.Task{from: clone(b.display[from])}
	if to != from {
		snapshot[to] = clone(b.display[to])
	}

	source := b.display[from]
	source = append(source[:idx:idx], source[idx+1:]...)
	dest := source
	if to != from {
		b.display[from] = source
		dest = b.display[to]
	}
	pos := min(max(c.ToIndex, 0), len(dest))
	out := make([]domain.Task, 0, len(dest)+1)
	out = append(out, dest[:pos]...)
	out = append(out, task)
	out = append(out, dest[pos:]...)
	b.display[to] = out

	if c.snapshot == nil {
		c.snapshot = snapshot
	}
	c.version = task.Version
	return nil
}

func (c *ReorderCommand) Persist(ctx context.Context) error {
	res, err := c.mover.Move(ctx, ordering.MoveRequest{
		OwnerID:         c.board.ownerID,
		TaskID:          c.TaskID,
		ToScope:         c.ToScope,
		ToIndex:         c.ToIndex,
		ExpectedVersion: c.version,
		IdempotencyKey:  c.key,
	})
	if err != nil {
		return err
	}
	c.result = res
	return nil
}

func (c *ReorderCommand) Revert() {
	if c.snapshot == nil {
		return
	}
	b := c.board
	b.mu.Lock()
	defer b.mu.Unlock()
	for scope, tasks := range c.snapshot {
		b.display[scope] = clone(tasks)
	}
}
