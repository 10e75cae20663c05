package task

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

//go:embed schema.sql
var schema string

const taskColumns = `id, scene_timestamp, composite_name, priority, status, attempts, last_error, worker_id, created_at, updated_at`

// PostgresRepository stores tasks in PostgreSQL. The partial unique index on
// active keys resolves concurrent creates: the first insert wins.
type PostgresRepository struct {
	db *dbpg.DB
}

// NewPostgresRepository creates a new PostgresRepository with the given DB connection.
func NewPostgresRepository(db *dbpg.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the tasks table and its indexes if missing.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (model.Task, error) {
	var (
		t         model.Task
		status    string
		lastError sql.NullString
	)
	err := s.Scan(&t.ID, &t.SceneTimestamp, &t.CompositeName, &t.Priority, &status,
		&t.Attempts, &lastError, &t.WorkerID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return model.Task{}, err
	}

	t.Status = model.TaskStatus(status)
	t.SceneTimestamp = t.SceneTimestamp.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if lastError.Valid {
		t.SetError(lastError.String)
	}
	return t, nil
}

// Create inserts t unless an active task holds its key, in which case that
// task is returned with created false.
func (r *PostgresRepository) Create(ctx context.Context, t model.Task) (model.Task, bool, error) {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (scene_timestamp, composite_name) WHERE status IN ('pending', 'in_progress')
		DO NOTHING
		RETURNING ` + taskColumns

	created, err := scanTask(r.db.Master.QueryRowContext(ctx, query,
		t.ID, t.SceneTimestamp, t.CompositeName, t.Priority, string(t.Status),
		t.Attempts, t.LastError, t.WorkerID, t.CreatedAt, t.UpdatedAt,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, false, fmt.Errorf("create: failed to insert task: %w", err)
	}

	existing, err := scanTask(r.db.Master.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE scene_timestamp = $1 AND composite_name = $2 AND status IN ('pending', 'in_progress')
	`, t.SceneTimestamp, t.CompositeName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The conflicting task resolved in between; try again.
			return r.Create(ctx, t)
		}
		return model.Task{}, false, fmt.Errorf("create: failed to load existing task: %w", err)
	}

	return existing, false, nil
}

// Get retrieves a task by ID.
func (r *PostgresRepository) Get(ctx context.Context, id string) (model.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, ErrTaskNotFound
		}
		return model.Task{}, fmt.Errorf("get: failed to get task: %w", err)
	}
	return t, nil
}

// List returns matching tasks, highest priority first.
func (r *PostgresRepository) List(ctx context.Context, f model.TaskFilter) ([]model.Task, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Composite != "" {
		add("composite_name = $%d", f.Composite)
	}
	if !f.Since.IsZero() {
		add("scene_timestamp >= $%d", f.Since)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.db.Master.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: failed to query tasks: %w", err)
	}
	defer rows.Close()

	out := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list: failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return out, nil
}

// UpdateStatus applies u to the task with id.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, u Update) (model.Task, error) {
	t, err := scanTask(r.db.Master.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $2,
		    last_error = $3,
		    worker_id = CASE WHEN $4 = '' THEN worker_id ELSE $4 END,
		    attempts = GREATEST(attempts, $5),
		    priority = GREATEST(priority, $6),
		    updated_at = NOW()
		WHERE id = $1
		  AND status IN ('pending', 'in_progress')
		  AND NOT (status = 'in_progress' AND worker_id <> '' AND $4 <> '' AND worker_id <> $4)
		RETURNING `+taskColumns,
		id, string(u.Status), u.Error, u.WorkerID, u.Attempts, u.Priority,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("update: failed to update task: %w", err)
	}

	// Distinguish a missing task from a finished or foreign one.
	cur, err := r.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if err := checkUpdate(cur, u); err != nil {
		return model.Task{}, err
	}
	return model.Task{}, ErrInvalidTransition
}

// Claim moves a pending task to in progress for workerID. Concurrent claims
// skip rows locked by another transaction.
func (r *PostgresRepository) Claim(ctx context.Context, id, workerID string) (model.Task, error) {
	t, err := scanTask(r.db.Master.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'in_progress', worker_id = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM tasks
			WHERE id = $1 AND status = 'pending'
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		id, workerID,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("claim: failed to claim task: %w", err)
	}

	if _, err := r.Get(ctx, id); err != nil {
		return model.Task{}, err
	}
	return model.Task{}, ErrAlreadyClaimed
}

// ResetStale returns in-progress tasks not updated since before to pending.
func (r *PostgresRepository) ResetStale(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', worker_id = '', updated_at = NOW()
		WHERE status = 'in_progress' AND updated_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	return int(n), nil
}
