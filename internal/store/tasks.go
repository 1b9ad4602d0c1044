package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskError     = "error"
)

// Task types with special handling.
const (
	TaskTypeGeneral    = "general"
	TaskTypeEscalation = "escalation"
	TaskTypeDelegated  = "delegated"
	TaskTypeAlert      = "alert"
)

// Task is a unit of work owned by one agent.
type Task struct {
	ID             string                 `json:"id"`
	AgentID        string                 `json:"agent_id"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Type           string                 `json:"type"`
	Priority       int                    `json:"priority"`
	Status         string                 `json:"status"`
	Input          map[string]interface{} `json:"input"`
	Result         map[string]interface{} `json:"result,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Content returns the task's request text: input.content when present, else the title.
func (t Task) Content() string {
	if t.Input != nil {
		if c, ok := t.Input["content"].(string); ok && strings.TrimSpace(c) != "" {
			return c
		}
	}
	if strings.TrimSpace(t.Description) != "" {
		return t.Title + "\n\n" + t.Description
	}
	return t.Title
}

// DefaultTaskPriority is stored when NewTask.Priority is nil.
const DefaultTaskPriority = 5

// NewTask carries the fields accepted on insert.
type NewTask struct {
	AgentID     string
	Title       string
	Description string
	Type        string
	// Priority is stored as given, zero included; nil means DefaultTaskPriority.
	Priority       *int
	Input          map[string]interface{}
	IdempotencyKey string
}

// Priority returns p for NewTask.Priority.
func Priority(p int) *int { return &p }

// ResolvedPriority is the priority CreateTask stores for in.
func (in NewTask) ResolvedPriority() int {
	if in.Priority == nil {
		return DefaultTaskPriority
	}
	return *in.Priority
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	AgentID string
	Status  string
	Limit   int
}

const taskColumns = `id, agent_id, title, description, type, priority, status, input, result, idempotency_key, created_at, started_at, completed_at`

func scanTask(row rowScanner) (Task, error) {
	var (
		t                  Task
		inputRaw, resRaw   []byte
		idemKey            sql.NullString
		started, completed sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.AgentID, &t.Title, &t.Description, &t.Type, &t.Priority, &t.Status,
		&inputRaw, &resRaw, &idemKey, &t.CreatedAt, &started, &completed); err != nil {
		return Task{}, err
	}
	t.Input = unmarshalJSON(inputRaw)
	t.Result = unmarshalJSON(resRaw)
	if idemKey.Valid {
		t.IdempotencyKey = idemKey.String
	}
	if started.Valid {
		v := started.Time
		t.StartedAt = &v
	}
	if completed.Valid {
		v := completed.Time
		t.CompletedAt = &v
	}
	return t, nil
}

// CreateTask inserts a pending task. When IdempotencyKey collides with an existing task the
// existing row is returned with created=false.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (Task, bool, error) {
	if in.AgentID == "" {
		return Task{}, false, fmt.Errorf("task agent_id required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return Task{}, false, fmt.Errorf("task title required")
	}
	if in.Type == "" {
		in.Type = TaskTypeGeneral
	}
	priority := in.ResolvedPriority()
	if priority < 0 || priority > 10 {
		return Task{}, false, fmt.Errorf("task priority %d out of range 0-10", priority)
	}
	input, err := marshalJSON(in.Input)
	if err != nil {
		return Task{}, false, fmt.Errorf("marshal task input: %w", err)
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO tasks (agent_id, title, description, type, priority, status, input, idempotency_key)
VALUES ($1,$2,$3,$4,$5,'pending',$6,$7)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING `+taskColumns,
		in.AgentID, in.Title, in.Description, in.Type, priority, input, nullString(in.IdempotencyKey))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) && in.IdempotencyKey != "" {
		existing, err := s.taskByIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return Task{}, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("insert task: %w", err)
	}
	return t, true, nil
}

func (s *Store) taskByIdempotencyKey(ctx context.Context, key string) (Task, error) {
	t, err := scanTask(s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE idempotency_key=$1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task by idempotency key: %w", err)
	}
	return t, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	t, err := scanTask(s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// PendingTasks returns up to limit pending tasks for the agent, highest priority then oldest first.
func (s *Store) PendingTasks(ctx context.Context, agentID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE agent_id=$1 AND status='pending'
ORDER BY priority DESC, created_at ASC
LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("pending tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		clauses = append(clauses, fmt.Sprintf("agent_id=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		clauses = append(clauses, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		q += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTaskRunning moves a pending task to running.
func (s *Store) MarkTaskRunning(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET status='running', started_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	return requireAffected(res)
}

// CompleteTask stores the result and marks the task completed.
func (s *Store) CompleteTask(ctx context.Context, id string, result map[string]interface{}) error {
	raw, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET status='completed', result=$1, completed_at=NOW() WHERE id=$2`, raw, id)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return requireAffected(res)
}

// FailTask records the error message and marks the task as errored.
func (s *Store) FailTask(ctx context.Context, id, message string) error {
	raw, err := marshalJSON(map[string]interface{}{"error": message})
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET status='error', result=$1, completed_at=NOW() WHERE id=$2`, raw, id)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return requireAffected(res)
}

// CountTasksByStatus returns task counts keyed by status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// FailStuckTasks marks tasks running since before as errored with message and returns them.
func (s *Store) FailStuckTasks(ctx context.Context, before time.Time, message string) ([]Task, error) {
	raw, err := marshalJSON(map[string]interface{}{"error": message})
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
UPDATE tasks SET status='error', result=$1, completed_at=NOW()
WHERE status='running' AND started_at < $2
RETURNING `+taskColumns, raw, before)
	if err != nil {
		return nil, fmt.Errorf("fail stuck tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}
