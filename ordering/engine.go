package ordering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
)

const tracerName = "taskorder/ordering"

// Store is the persistence contract of the engine.
type Store interface {
	GetTask(ctx context.Context, ownerID, id string) (domain.Task, error)
	// ListScope returns the tasks of a scope in display order.
	ListScope(ctx context.Context, ownerID, scopeKey string) ([]domain.Task, error)
	// ShiftRange applies the shift and returns the number of rows it touched.
	ShiftRange(ctx context.Context, shift domain.RangeShift) (int, error)
	UpdatePlacement(ctx context.Context, p domain.Placement) (domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, ownerID, id string) error
}

// Transactor is implemented by stores able to apply several writes atomically.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(Store) error) error
}

// Direct is implemented by stores that serve reads from a cache. Uncached
// returns the store the cache reads through to. Keys are planned from it so
// a listing cached before a concurrent write never decides a placement.
type Direct interface {
	Uncached() Store
}

// Notifier receives order changes after they are committed.
type Notifier interface {
	OrderChanged(ctx context.Context, ev domain.OrderChanged) error
}

// MoveRequest asks for a task to be placed at ToIndex of ToScope. An empty
// ToScope keeps the task in its current scope.
type MoveRequest struct {
	OwnerID         string `json:"-"`
	TaskID          string `json:"-"`
	ToScope         string `json:"toScope,omitempty"`
	ToIndex         int    `json:"toIndex"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty"`
	// IdempotencyKey names one user action across retries. Transports that
	// deduplicate use it; the engine does not.
	IdempotencyKey  string `json:"-"`
}

// MoveResult describes a committed move.
type MoveResult struct {
	Task        domain.Task        `json:"task"`
	FromScope   string             `json:"fromScope"`
	ToScope     string             `json:"toScope"`
	Shift       *domain.RangeShift `json:"shift,omitempty"`
	ShiftedRows int                `json:"shiftedRows"`
}

// Engine places tasks within scopes. It keeps no state between calls; the
// order lives in the store.
type Engine struct {
	store    Store
	grouping domain.Grouping
	notifier Notifier
	logger   *log.Logger
	now      func() time.Time
	newID    func() string
}

// Option customises an Engine.
type Option func(*Engine)

// WithNotifier sets the receiver of committed order changes.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator replaces the uuid generator used for new tasks.
func WithIDGenerator(gen func() string) Option { return func(e *Engine) { e.newID = gen } }

// NewEngine creates an engine over store using grouping to derive scopes.
func NewEngine(store Store, grouping domain.Grouping, opts ...Option) *Engine {
	if store == nil {
		panic("ordering.NewEngine: store is nil")
	}
	e := &Engine{
		store:    store,
		grouping: grouping,
		logger:   log.StandardLogger(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Grouping returns the grouping the engine derives scopes with.
func (e *Engine) Grouping() domain.Grouping { return e.grouping }

// List returns the tasks of a scope in display order.
func (e *Engine) List(ctx context.Context, ownerID, scopeKey string) ([]domain.Task, error) {
	if err := e.grouping.Validate(scopeKey); err != nil {
		return nil, err
	}
	tasks, err := e.store.ListScope(ctx, ownerID, scopeKey)
	if err != nil {
		return nil, domain.Persistence("list scope", err)
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// Create appends a new task after the current maximum of its scope.
func (e *Engine) Create(ctx context.Context, nt domain.NewTask) (_ domain.Task, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ordering.create")
	defer func() { endSpan(span, err) }()

	title := strings.TrimSpace(nt.Title)
	if title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", domain.ErrInvalidTask)
	}
	status := nt.Status
	if status == "" {
		status = domain.StatusTodo
	}
	if !status.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidScope, status)
	}
	now := e.now().UTC()
	t := domain.Task{
		ID:        e.newID(),
		OwnerID:   nt.OwnerID,
		Status:    status,
		ParentID:  nt.ParentID,
		Assignee:  nt.Assignee,
		Title:     title,
		Notes:     nt.Notes,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.ScopeKey = e.grouping.ScopeKey(t)
	span.SetAttributes(attribute.String("task.scope", t.ScopeKey))

	existing, err := e.source().ListScope(ctx, t.OwnerID, t.ScopeKey)
	if err != nil {
		return domain.Task{}, domain.Persistence("list scope", err)
	}
	t.PriorityOrder = appendKey(existing)
	if err := e.store.InsertTask(ctx, t); err != nil {
		return domain.Task{}, domain.Persistence("insert task", err)
	}
	e.notify(ctx, domain.OrderChanged{OwnerID: t.OwnerID, ScopeKey: t.ScopeKey, TaskID: t.ID, Reason: domain.ReasonCreated})
	return t, nil
}

func appendKey(existing []domain.Task) int64 {
	if len(existing) == 0 {
		return domain.BaselineBottom
	}
	max := existing[0].PriorityOrder
	for _, t := range existing[1:] {
		if t.PriorityOrder > max {
			max = t.PriorityOrder
		}
	}
	return max + domain.AppendGap
}

// Delete removes a task. The gap it leaves is not closed.
func (e *Engine) Delete(ctx context.Context, ownerID, id string) error {
	t, err := e.store.GetTask(ctx, ownerID, id)
	if err != nil {
		return domain.Persistence("get task", err)
	}
	if err := e.store.DeleteTask(ctx, ownerID, id); err != nil {
		return domain.Persistence("delete task", err)
	}
	e.notify(ctx, domain.OrderChanged{OwnerID: ownerID, ScopeKey: t.ScopeKey, TaskID: id, Reason: domain.ReasonDeleted})
	return nil
}

// Move places a task at req.ToIndex of its destination scope. The shift of
// neighbours and the write of the moved task either both happen or neither
// does; without transactions the shift is written first so a failure leaves
// a gap, never a duplicate key.
func (e *Engine) Move(ctx context.Context, req MoveRequest) (res MoveResult, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ordering.move",
		trace.WithAttributes(
			attribute.String("task.id", req.TaskID),
			attribute.Int("move.to_index", req.ToIndex),
		))
	defer func() {
		endSpan(span, err)
		observeMove(res, err)
	}()

	task, err := e.store.GetTask(ctx, req.OwnerID, req.TaskID)
	if err != nil {
		return MoveResult{}, domain.Persistence("get task", err)
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != task.Version {
		return MoveResult{}, fmt.Errorf("%w: task %s is at version %d, not %d", domain.ErrConcurrencyConflict, task.ID, task.Version, req.ExpectedVersion)
	}

	moved := task
	if req.ToScope != "" && req.ToScope != task.ScopeKey {
		if err := e.grouping.Place(&moved, req.ToScope); err != nil {
			return MoveResult{}, err
		}
	}
	res.FromScope = task.ScopeKey
	res.ToScope = moved.ScopeKey
	span.SetAttributes(attribute.String("move.from_scope", res.FromScope), attribute.String("move.to_scope", res.ToScope))

	plan, err := e.planMove(ctx, moved, res.FromScope == res.ToScope, req.ToIndex)
	if errors.Is(err, domain.ErrDuplicateOrder) {
		e.logger.WithFields(log.Fields{"owner": req.OwnerID, "scope": moved.ScopeKey}).Warn("duplicate priority keys, respacing scope before move")
		if _, rerr := e.respace(ctx, req.OwnerID, moved.ScopeKey); rerr != nil {
			return MoveResult{}, rerr
		}
		fresh, gerr := e.store.GetTask(ctx, req.OwnerID, req.TaskID)
		if gerr != nil {
			return MoveResult{}, domain.Persistence("get task", gerr)
		}
		task.Version = fresh.Version
		plan, err = e.planMove(ctx, moved, res.FromScope == res.ToScope, req.ToIndex)
	}
	if err != nil {
		return MoveResult{}, err
	}

	now := e.now().UTC()
	moved.PriorityOrder = plan.Target
	placement := domain.PlacementFor(moved, now)
	placement.ExpectedVersion = task.Version
	if plan.Shift != nil {
		plan.Shift.OwnerID = moved.OwnerID
		plan.Shift.ScopeKey = moved.ScopeKey
		plan.Shift.ExcludeID = moved.ID
		plan.Shift.At = now
		collisionsResolved.Inc()
	}

	err = e.commit(ctx, func(st Store) error {
		if plan.Shift != nil {
			n, err := st.ShiftRange(ctx, *plan.Shift)
			if err != nil {
				return domain.Persistence("shift range", err)
			}
			res.ShiftedRows = n
		}
		updated, err := st.UpdatePlacement(ctx, placement)
		if err != nil {
			return domain.Persistence("update placement", err)
		}
		res.Task = updated
		return nil
	})
	if err != nil {
		e.logger.WithError(err).WithFields(log.Fields{"task": req.TaskID, "scope": moved.ScopeKey}).Error("move failed")
		return MoveResult{}, err
	}
	res.Shift = plan.Shift

	e.notify(ctx, domain.OrderChanged{OwnerID: moved.OwnerID, ScopeKey: res.ToScope, TaskID: moved.ID, Reason: domain.ReasonMoved})
	if res.FromScope != res.ToScope {
		e.notify(ctx, domain.OrderChanged{OwnerID: moved.OwnerID, ScopeKey: res.FromScope, TaskID: moved.ID, Reason: domain.ReasonMoved})
	}
	return res, nil
}

func (e *Engine) planMove(ctx context.Context, moved domain.Task, sameScope bool, toIndex int) (MovePlan, error) {
	dest, err := e.source().ListScope(ctx, moved.OwnerID, moved.ScopeKey)
	if err != nil {
		return MovePlan{}, domain.Persistence("list scope", err)
	}
	domain.SortTasks(dest)
	fromIndex := -1
	if idx := domain.IndexOf(dest, moved.ID); idx >= 0 {
		if sameScope {
			fromIndex = idx
		}
		dest = append(dest[:idx:idx], dest[idx+1:]...)
	}
	return Plan(domain.Keys(dest), fromIndex, toIndex)
}

// Respace rewrites the keys of a scope to evenly spaced values in display
// order. It is a maintenance operation for scopes holding duplicate keys.
func (e *Engine) Respace(ctx context.Context, ownerID, scopeKey string) (_ []domain.Task, err error) {
	if err := e.grouping.Validate(scopeKey); err != nil {
		return nil, err
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ordering.respace",
		trace.WithAttributes(attribute.String("task.scope", scopeKey)))
	defer func() { endSpan(span, err) }()

	tasks, err := e.respace(ctx, ownerID, scopeKey)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, domain.OrderChanged{OwnerID: ownerID, ScopeKey: scopeKey, Reason: domain.ReasonRespaced})
	return tasks, nil
}

func (e *Engine) respace(ctx context.Context, ownerID, scopeKey string) ([]domain.Task, error) {
	tasks, err := e.source().ListScope(ctx, ownerID, scopeKey)
	if err != nil {
		return nil, domain.Persistence("list scope", err)
	}
	domain.SortTasks(tasks)
	now := e.now().UTC()
	out := make([]domain.Task, 0, len(tasks))
	err = e.commit(ctx, func(st Store) error {
		out = out[:0]
		for i, t := range tasks {
			t.PriorityOrder = int64(i+1) * domain.AppendGap
			p := domain.PlacementFor(t, now)
			p.ExpectedVersion = t.Version
			updated, err := st.UpdatePlacement(ctx, p)
			if err != nil {
				return domain.Persistence("respace", err)
			}
			out = append(out, updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	respacedScopes.Inc()
	return out, nil
}

// source is the store placements are planned from.
func (e *Engine) source() Store {
	if d, ok := e.store.(Direct); ok {
		return d.Uncached()
	}
	return e.store
}

func (e *Engine) commit(ctx context.Context, fn func(Store) error) error {
	if tx, ok := e.store.(Transactor); ok {
		return domain.Persistence("transaction", tx.WithinTx(ctx, fn))
	}
	return fn(e.store)
}

func (e *Engine) notify(ctx context.Context, ev domain.OrderChanged) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.OrderChanged(ctx, ev); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{"owner": ev.OwnerID, "scope": ev.ScopeKey, "reason": ev.Reason}).Error("unable to publish order change")
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
