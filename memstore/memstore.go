// Package memstore keeps tasks in process memory. It backs local runs and
// tests and supports injecting failures into individual operations.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
)

// Operation names accepted by FailOn.
const (
	OpGet    = "get"
	OpList   = "list"
	OpShift  = "shift"
	OpUpdate = "update"
	OpInsert = "insert"
	OpDelete = "delete"
)

// Store is a mutex guarded map of tasks keyed by owner and id.
type Store struct {
	mu       sync.Mutex
	tasks    map[string]domain.Task
	failures map[string]error
	calls    []string
}

// New creates an empty store.
func New() *Store {
	return &Store{tasks: map[string]domain.Task{}, failures: map[string]error{}}
}

func key(ownerID, id string) string { return ownerID + "/" + id }

// FailOn makes every later call of op return err. A nil err clears it.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns the operations invoked so far, in order.
func (s *Store) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Put stores t as is, bypassing ordering. It is meant for seeding.
func (s *Store) Put(tasks ...domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[key(t.OwnerID, t.ID)] = t
	}
}

func (s *Store) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetTask(ctx, ownerID, id)
}

func (s *Store) ListScope(ctx context.Context, ownerID, scopeKey string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListScope(ctx, ownerID, scopeKey)
}

func (s *Store) ShiftRange(ctx context.Context, shift domain.RangeShift) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ShiftRange(ctx, shift)
}

func (s *Store) UpdatePlacement(ctx context.Context, p domain.Placement) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdatePlacement(ctx, p)
}

func (s *Store) InsertTask(ctx context.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertTask(ctx, t)
}

func (s *Store) DeleteTask(ctx context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeleteTask(ctx, ownerID, id)
}

// WithinTx runs fn against a copy of the tasks and keeps the copy only when
// fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ordering.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := make(map[string]domain.Task, len(s.tasks))
	for k, t := range s.tasks {
		staged[k] = t
	}
	v := &view{store: s, tasks: staged}
	if err := fn(v); err != nil {
		return err
	}
	s.tasks = staged
	return nil
}

func (s *Store) view() *view { return &view{store: s, tasks: s.tasks} }

// view applies operations to a task map; the caller holds the store lock.
type view struct {
	store *Store
	tasks map[string]domain.Task
}

func (v *view) record(op string) error {
	v.store.calls = append(v.store.calls, op)
	return v.store.failures[op]
}

func (v *view) GetTask(_ context.Context, ownerID, id string) (domain.Task, error) {
	if err := v.record(OpGet); err != nil {
		return domain.Task{}, err
	}
	t, ok := v.tasks[key(ownerID, id)]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (v *view) ListScope(_ context.Context, ownerID, scopeKey string) ([]domain.Task, error) {
	if err := v.record(OpList); err != nil {
		return nil, err
	}
	out := []domain.Task{}
	for _, t := range v.tasks {
		if t.OwnerID == ownerID && t.ScopeKey == scopeKey {
			out = append(out, t)
		}
	}
	domain.SortTasks(out)
	return out, nil
}

func (v *view) ShiftRange(_ context.Context, shift domain.RangeShift) (int, error) {
	if err := shift.Validate(); err != nil {
		return 0, err
	}
	if err := v.record(OpShift); err != nil {
		return 0, err
	}
	n := 0
	for k, t := range v.tasks {
		if !shift.Covers(t) {
			continue
		}
		t.PriorityOrder += shift.Delta
		t.Version++
		t.UpdatedAt = shift.At
		v.tasks[k] = t
		n++
	}
	return n, nil
}

func (v *view) UpdatePlacement(_ context.Context, p domain.Placement) (domain.Task, error) {
	if err := v.record(OpUpdate); err != nil {
		return domain.Task{}, err
	}
	k := key(p.OwnerID, p.TaskID)
	t, ok := v.tasks[k]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if p.ExpectedVersion != 0 && p.ExpectedVersion != t.Version {
		return domain.Task{}, domain.ErrConcurrencyConflict
	}
	p.Apply(&t)
	v.tasks[k] = t
	return t, nil
}

func (v *view) InsertTask(_ context.Context, t domain.Task) error {
	if err := v.record(OpInsert); err != nil {
		return err
	}
	k := key(t.OwnerID, t.ID)
	if _, exists := v.tasks[k]; exists {
		return fmt.Errorf("%w: task %s already exists", domain.ErrConcurrencyConflict, t.ID)
	}
	v.tasks[k] = t
	return nil
}

func (v *view) DeleteTask(_ context.Context, ownerID, id string) error {
	if err := v.record(OpDelete); err != nil {
		return err
	}
	k := key(ownerID, id)
	if _, ok := v.tasks[k]; !ok {
		return domain.ErrNotFound
	}
	delete(v.tasks, k)
	return nil
}
