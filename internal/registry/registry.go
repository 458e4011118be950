package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskwire/internal/idgen"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func IsTerminalStatus(status Status) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Task is a snapshot of one submitted generative request.
type Task struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Status         Status    `json:"status"`
	Output         string    `json:"output,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

var (
	ErrNotFound          = errors.New("task not found")
	ErrDuplicateTask     = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition for %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type Option func(*Registry)

func WithClock(nowFn func() time.Time) Option {
	return func(r *Registry) {
		if nowFn != nil {
			r.nowFn = nowFn
		}
	}
}

// Registry is the single writer of task status. Transitions are
// compare-and-set updates so two racing completions resolve to exactly
// one terminal state.
type Registry struct {
	db    *sql.DB
	nowFn func() time.Time
}

func New(db *sql.DB, opts ...Option) *Registry {
	r := &Registry{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create allocates a new pending task. An empty taskID asks the
// registry to generate one.
func (r *Registry) Create(ctx context.Context, taskID, conversationID string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		taskID = idgen.New()
	}
	now := r.nowFn()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, conversation_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, conversationID, StatusPending, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return Task{}, fmt.Errorf("%w: %s", ErrDuplicateTask, taskID)
		}
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return Task{
		ID:             taskID,
		ConversationID: conversationID,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (r *Registry) Get(ctx context.Context, taskID string) (Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, status, output, error, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID)
	return scanTask(row)
}

func (r *Registry) List(ctx context.Context, status Status, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, conversation_id, status, output, error, created_at, updated_at FROM tasks`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func (r *Registry) MarkRunning(ctx context.Context, taskID string) error {
	return r.transition(ctx, taskID, StatusRunning, "", "", []Status{StatusPending})
}

func (r *Registry) MarkCompleted(ctx context.Context, taskID, output string) error {
	return r.transition(ctx, taskID, StatusCompleted, output, "", []Status{StatusPending, StatusRunning})
}

func (r *Registry) MarkFailed(ctx context.Context, taskID, reason string) error {
	return r.transition(ctx, taskID, StatusFailed, "", reason, []Status{StatusPending, StatusRunning})
}

func (r *Registry) transition(ctx context.Context, taskID string, to Status, output, reason string, from []Status) error {
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, nullable(output), nullable(reason), r.nowFn().Format(time.RFC3339Nano), taskID}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE tasks SET status = ?, output = COALESCE(?, output), error = COALESCE(?, error), updated_at = ?
		WHERE id = ? AND status IN (%s)
	`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task status rows affected: %w", err)
	}
	if affected == 0 {
		current, err := r.currentStatus(ctx, taskID)
		if err != nil {
			return err
		}
		return &TransitionError{TaskID: taskID, From: current, To: to}
	}
	return nil
}

func (r *Registry) currentStatus(ctx context.Context, taskID string) (Status, error) {
	var status Status
	err := r.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return "", fmt.Errorf("load task status: %w", err)
	}
	return status, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var output, errStr sql.NullString
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&task.ID, &task.ConversationID, &task.Status, &output, &errStr, &createdAtStr, &updatedAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.Output = output.String
	task.Error = errStr.String
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return task, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint violation")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
