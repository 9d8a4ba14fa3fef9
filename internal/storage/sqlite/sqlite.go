package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/storage"
	"github.com/slok/codebroker/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.Repository.
type Repository struct {
	db       *sql.DB
	migrator *migrations.Migrator
	logger   log.Logger
}

var _ storage.Repository = &Repository{}

// NewRepository creates a new SQLite repository, running the pending migrations.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, migrator: migrator, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// DB returns the underlying database handle.
func (r *Repository) DB() *sql.DB { return r.db }

// SchemaVersion returns the applied migration version.
func (r *Repository) SchemaVersion(ctx context.Context) (uint, error) {
	v, dirty, err := r.migrator.Version(ctx)
	if err != nil {
		return 0, err
	}
	if dirty {
		return v, fmt.Errorf("schema version %d is dirty", v)
	}
	return v, nil
}

const taskColumns = `
	id, workspace_id, account_id, organization_id, client_id,
	code, runtime_id, status, timeout_ms,
	exit_code, error, stdout, stderr, result,
	created_at, started_at, completed_at
`

// CreateTask creates a new task in the repository.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.WorkspaceID, t.AccountID, t.OrganizationID, t.ClientID,
		t.Code, t.RuntimeID, t.Status, t.TimeoutMs,
		nullableInt(t.ExitCode), t.Error, t.Stdout, t.Stderr, t.Result,
		t.CreatedAt.UnixMilli(), nullableTime(t.StartedAt), nullableTime(t.CompletedAt),
	)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("task %s: %w", t.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert task: %w", err)
	}

	r.logger.Debugf("Created task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	return &t, nil
}

// ListTasks returns the tasks newest first.
func (r *Repository) ListTasks(ctx context.Context, opts model.TaskListOpts) ([]model.Task, error) {
	var where []string
	var args []any
	if opts.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, opts.WorkspaceID)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}
	if !opts.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, opts.CreatedBefore.UnixMilli())
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if opts.OldestFirst {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

// TransitionTask stores the task only if the stored status is still from.
func (r *Repository) TransitionTask(ctx context.Context, from model.TaskStatus, t model.Task) error {
	if !from.CanTransition(t.Status) {
		return fmt.Errorf("task %s can't transition from %s to %s: %w", t.ID, from, t.Status, model.ErrNotValid)
	}

	query := `
		UPDATE tasks
		SET
			status = ?,
			exit_code = ?,
			error = ?,
			stdout = ?,
			stderr = ?,
			result = ?,
			started_at = ?,
			completed_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		t.Status,
		nullableInt(t.ExitCode),
		t.Error,
		t.Stdout,
		t.Stderr,
		t.Result,
		nullableTime(t.StartedAt),
		nullableTime(t.CompletedAt),
		t.ID,
		from,
	)
	if err != nil {
		return fmt.Errorf("could not update task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing task from a lost compare-and-set.
		if _, err := r.GetTask(ctx, t.ID); err != nil {
			return err
		}
		return fmt.Errorf("task %s is not %s: %w", t.ID, from, model.ErrConflict)
	}

	r.logger.Debugf("Transitioned task %s: %s -> %s", t.ID, from, t.Status)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (model.Task, error) {
	var t model.Task
	var exitCode sql.NullInt64
	var createdAt int64
	var startedAt, completedAt sql.NullInt64

	err := s.Scan(
		&t.ID, &t.WorkspaceID, &t.AccountID, &t.OrganizationID, &t.ClientID,
		&t.Code, &t.RuntimeID, &t.Status, &t.TimeoutMs,
		&exitCode, &t.Error, &t.Stdout, &t.Stderr, &t.Result,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return model.Task{}, err
	}

	if exitCode.Valid {
		ec := int(exitCode.Int64)
		t.ExitCode = &ec
	}
	t.CreatedAt = timeFromUnixMilli(createdAt)
	t.StartedAt = optionalTime(startedAt)
	t.CompletedAt = optionalTime(completedAt)

	return t, nil
}

func isUniqueErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return int64(*i)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func optionalTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := timeFromUnixMilli(n.Int64)
	return &t
}

func timeFromUnixMilli(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func marshalInput(in map[string]any) (string, error) {
	if in == nil {
		return "{}", nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("could not marshal input: %w", err)
	}
	return string(data), nil
}

func unmarshalInput(data string) (map[string]any, error) {
	in := map[string]any{}
	if data == "" {
		return in, nil
	}
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return nil, fmt.Errorf("could not unmarshal input: %w", err)
	}
	return in, nil
}
