package board

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
)

// State is a step of the drag lifecycle.
type State int

const (
	Idle State = iota
	Dragging
	Dropped
	Settled
	Reverted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dragging:
		return "dragging"
	case Dropped:
		return "dropped"
	case Settled:
		return "settled"
	case Reverted:
		return "reverted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DragSession drives one drag and drop at a time on a board. Hovering
// reorders the display only; dropping persists the last hover and then either
// settles on the server order or reverts to the order before the drag.
type DragSession struct {
	board  *Board
	mover  Mover
	lister Lister
	logger *log.Logger

	state  State
	taskID string
	from   string
	cmd    *ReorderCommand
}

// NewDragSession creates an idle session on b.
func NewDragSession(b *Board, m Mover, l Lister, logger *log.Logger) *DragSession {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &DragSession{board: b, mover: m, lister: l, logger: logger}
}

// State returns the current lifecycle state.
func (s *DragSession) State() State { return s.state }

func (s *DragSession) transition(from ...State) error {
	for _, st := range from {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("%w: session is %s", domain.ErrInvalidTransition, s.state)
}

// Begin picks up a task. A settled or reverted session can start a new drag.
func (s *DragSession) Begin(taskID string) error {
	if err := s.transition(Idle, Settled, Reverted); err != nil {
		return err
	}
	s.board.mu.Lock()
	scope, idx := s.board.locate(taskID)
	s.board.mu.Unlock()
	if idx < 0 {
		return fmt.Errorf("%w: task %s is not on the board", domain.ErrNotFound, taskID)
	}
	s.state = Dragging
	s.taskID = taskID
	s.from = scope
	s.cmd = nil
	return nil
}

// Hover shows the dragged task at toIndex of toScope.
func (s *DragSession) Hover(toScope string, toIndex int) error {
	if err := s.transition(Dragging); err != nil {
		return err
	}
	if s.cmd != nil {
		s.cmd.Revert()
	}
	cmd := NewReorderCommand(s.board, s.mover, s.taskID, toScope, toIndex)
	if err := cmd.OptimisticApply(); err != nil {
		s.cmd = nil
		return err
	}
	s.cmd = cmd
	return nil
}

// Cancel abandons the drag and restores the display.
func (s *DragSession) Cancel() error {
	if err := s.transition(Dragging); err != nil {
		return err
	}
	if s.cmd != nil {
		s.cmd.Revert()
	}
	s.state = Idle
	s.cmd = nil
	return nil
}

// Drop persists the last hover. On failure the display reverts to the order
// before the drag and the error is returned.
func (s *DragSession) Drop(ctx context.Context) error {
	if err := s.transition(Dragging); err != nil {
		return err
	}
	if s.cmd == nil {
		return fmt.Errorf("%w: nothing to drop", domain.ErrInvalidTransition)
	}
	s.state = Dropped
	if err := s.cmd.Persist(ctx); err != nil {
		s.cmd.Revert()
		s.state = Reverted
		s.logger.WithError(err).WithField("task", s.taskID).Warn("move rejected, display reverted")
		return err
	}
	s.settle(ctx)
	return nil
}

// settle reloads the scopes the drop touched. When the reload fails the
// optimistic display is kept and becomes the confirmed order.
func (s *DragSession) settle(ctx context.Context) {
	to := s.cmd.Result().ToScope
	if to == "" {
		to = s.cmd.ToScope
	}
	scopes := []string{s.from}
	if to != "" && to != s.from {
		scopes = append(scopes, to)
	}
	if err := s.board.Refresh(ctx, s.lister, scopes...); err != nil {
		s.logger.WithError(err).WithField("task", s.taskID).Warn("unable to reload board after move")
		s.board.mu.Lock()
		for _, scope := range scopes {
			s.board.server[scope] = clone(s.board.display[scope])
		}
		s.board.mu.Unlock()
	}
	s.state = Settled
}
