// Package sqlstore keeps tasks in a SQL database. Postgres is reached through
// the pgx stdlib driver and SQLite through modernc.org/sqlite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
)

// Driver names accepted by Open.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		owner_id       TEXT NOT NULL,
		id             TEXT NOT NULL,
		scope_key      TEXT NOT NULL,
		status         TEXT NOT NULL,
		parent_id      TEXT NOT NULL DEFAULT '',
		assignee       TEXT NOT NULL DEFAULT '',
		title          TEXT NOT NULL,
		notes          TEXT NOT NULL DEFAULT '',
		priority_order BIGINT NOT NULL,
		version        BIGINT NOT NULL,
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL,
		PRIMARY KEY (owner_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_scope_order ON tasks (owner_id, scope_key, priority_order)`,
}

const taskColumns = `owner_id, id, scope_key, status, parent_id, assignee, title, notes, priority_order, version, created_at, updated_at`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ordering.Store on a *sql.DB.
type Store struct {
	db *sql.DB
	q  querier
}

// Open connects with driver (DriverPostgres or DriverSQLite) and checks the
// connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return New(db), nil
}

// New wraps an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tasks table and its scope index when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var (
		t                domain.Task
		status           string
		created, updated int64
	)
	err := row.Scan(&t.OwnerID, &t.ID, &t.ScopeKey, &status, &t.ParentID, &t.Assignee, &t.Title, &t.Notes, &t.PriorityOrder, &t.Version, &created, &updated)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id = $1 AND id = $2`, ownerID, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return t, err
}

func (s *Store) ListScope(ctx context.Context, ownerID, scopeKey string) ([]domain.Task, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner_id = $1 AND scope_key = $2 ORDER BY priority_order, id`,
		ownerID, scopeKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ShiftRange moves the keys of the range with a single UPDATE.
func (s *Store) ShiftRange(ctx context.Context, shift domain.RangeShift) (int, error) {
	if err := shift.Validate(); err != nil {
		return 0, err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET priority_order = priority_order + $1, version = version + 1, updated_at = $2
		 WHERE owner_id = $3 AND scope_key = $4 AND priority_order >= $5 AND priority_order <= $6 AND id <> $7`,
		shift.Delta, shift.At.UnixNano(), shift.OwnerID, shift.ScopeKey, shift.Start, shift.End, shift.ExcludeID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) UpdatePlacement(ctx context.Context, p domain.Placement) (domain.Task, error) {
	query := `UPDATE tasks SET scope_key = $1, status = $2, parent_id = $3, assignee = $4, priority_order = $5, version = version + 1, updated_at = $6
		WHERE owner_id = $7 AND id = $8`
	args := []any{p.ScopeKey, string(p.Status), p.ParentID, p.Assignee, p.PriorityOrder, p.At.UnixNano(), p.OwnerID, p.TaskID}
	if p.ExpectedVersion != 0 {
		query += ` AND version = $9`
		args = append(args, p.ExpectedVersion)
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, err
	}
	if n == 0 {
		current, gerr := s.GetTask(ctx, p.OwnerID, p.TaskID)
		if gerr != nil {
			return domain.Task{}, gerr
		}
		return domain.Task{}, fmt.Errorf("%w: task %s is at version %d, not %d", domain.ErrConcurrencyConflict, p.TaskID, current.Version, p.ExpectedVersion)
	}
	return s.GetTask(ctx, p.OwnerID, p.TaskID)
}

func (s *Store) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.OwnerID, t.ID, t.ScopeKey, string(t.Status), t.ParentID, t.Assignee, t.Title, t.Notes,
		t.PriorityOrder, t.Version, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		if _, gerr := s.GetTask(ctx, t.OwnerID, t.ID); gerr == nil {
			return fmt.Errorf("%w: task %s already exists", domain.ErrConcurrencyConflict, t.ID)
		}
		return err
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, ownerID, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return nil
}

// WithinTx runs fn inside BEGIN and COMMIT. Any error from fn rolls back.
func (s *Store) WithinTx(ctx context.Context, fn func(ordering.Store) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
