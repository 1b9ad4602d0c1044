package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Agent kinds.
const (
	KindQueen       = "queen"
	KindSubordinate = "subordinate"
)

// Agent statuses.
const (
	AgentOnline  = "online"
	AgentPaused  = "paused"
	AgentOffline = "offline"
)

// Decision modes read from the queen's config.
const (
	DecisionModeAuto     = "auto"
	DecisionModeSemiAuto = "semi-auto"
)

// Agent is a registry row. ParentID is empty for the queen.
type Agent struct {
	ID            string                 `json:"id"`
	Kind          string                 `json:"kind"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	Status        string                 `json:"status"`
	ModelProvider string                 `json:"model_provider"`
	ModelName     string                 `json:"model_name"`
	SystemPrompt  string                 `json:"system_prompt"`
	Channels      []string               `json:"channels"`
	Config        map[string]interface{} `json:"config"`
	ParentID      string                 `json:"parent_id,omitempty"`
	ActiveTasks   int                    `json:"active_tasks"`
	LastHeartbeat *time.Time             `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// DecisionMode returns the queen's decision mode, semi-auto unless explicitly auto.
func (a Agent) DecisionMode() string {
	if a.Config != nil {
		if mode, ok := a.Config["decision_mode"].(string); ok && mode == DecisionModeAuto {
			return DecisionModeAuto
		}
	}
	return DecisionModeSemiAuto
}

// Deleted reports whether the agent was soft deleted.
func (a Agent) Deleted() bool {
	if a.Config == nil {
		return false
	}
	v, _ := a.Config["deleted"].(bool)
	return v
}

// AgentFilter narrows ListAgents. Empty fields match everything.
type AgentFilter struct {
	Kind     string
	Status   string
	ParentID string
}

// NewAgent carries the fields accepted on insert.
type NewAgent struct {
	Kind          string
	Name          string
	Description   string
	Status        string
	ModelProvider string
	ModelName     string
	SystemPrompt  string
	Channels      []string
	Config        map[string]interface{}
	ParentID      string
}

// AgentPatch is a partial update; nil fields are left unchanged and Config is merged key by key.
type AgentPatch struct {
	Description   *string
	ModelProvider *string
	ModelName     *string
	SystemPrompt  *string
	Channels      *[]string
	Config        map[string]interface{}
}

// Empty reports whether the patch would change nothing.
func (p AgentPatch) Empty() bool {
	return p.Description == nil && p.ModelProvider == nil && p.ModelName == nil &&
		p.SystemPrompt == nil && p.Channels == nil && len(p.Config) == 0
}

const agentColumns = `id, kind, name, description, status, model_provider, model_name, system_prompt, channels, config, parent_id, active_tasks, last_heartbeat, created_at, updated_at`

func scanAgent(row rowScanner) (Agent, error) {
	var (
		a         Agent
		cfgRaw    []byte
		parentID  sql.NullString
		heartbeat sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.Kind, &a.Name, &a.Description, &a.Status, &a.ModelProvider, &a.ModelName,
		&a.SystemPrompt, pq.Array(&a.Channels), &cfgRaw, &parentID, &a.ActiveTasks, &heartbeat, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Agent{}, err
	}
	a.Config = unmarshalJSON(cfgRaw)
	if a.Config == nil {
		a.Config = map[string]interface{}{}
	}
	if parentID.Valid {
		a.ParentID = parentID.String
	}
	if heartbeat.Valid {
		t := heartbeat.Time
		a.LastHeartbeat = &t
	}
	if a.Channels == nil {
		a.Channels = []string{}
	}
	return a, nil
}

// CreateAgent inserts an agent row and returns it.
func (s *Store) CreateAgent(ctx context.Context, in NewAgent) (Agent, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Agent{}, fmt.Errorf("agent name required")
	}
	if in.Kind == "" {
		in.Kind = KindSubordinate
	}
	if in.Kind == KindSubordinate && in.ParentID == "" {
		return Agent{}, fmt.Errorf("subordinate agent requires parent_id")
	}
	if in.Status == "" {
		in.Status = AgentOnline
	}
	if in.Channels == nil {
		in.Channels = []string{}
	}
	cfg, err := marshalJSON(in.Config)
	if err != nil {
		return Agent{}, fmt.Errorf("marshal agent config: %w", err)
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO agents (kind, name, description, status, model_provider, model_name, system_prompt, channels, config, parent_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING `+agentColumns,
		in.Kind, in.Name, in.Description, in.Status, in.ModelProvider, in.ModelName, in.SystemPrompt,
		pq.Array(in.Channels), cfg, nullString(in.ParentID))
	a, err := scanAgent(row)
	if uniqueViolation(err, "agents_decision_unique") {
		return Agent{}, fmt.Errorf("agent for decision %v: %w", in.Config["decision_id"], ErrConflict)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return a, nil
}

func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

// GetAgent loads a single agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// GetQueen loads the single controller agent.
func (s *Store) GetQueen(ctx context.Context) (Agent, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE kind='queen' LIMIT 1`)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get queen: %w", err)
	}
	return a, nil
}

// ListAgents returns agents matching the filter, queen first.
func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]Agent, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if f.Kind != "" {
		args = append(args, f.Kind)
		clauses = append(clauses, fmt.Sprintf("kind=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		clauses = append(clauses, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.ParentID != "" {
		args = append(args, f.ParentID)
		clauses = append(clauses, fmt.Sprintf("parent_id=$%d", len(args)))
	}
	q := `SELECT ` + agentColumns + ` FROM agents`
	if len(clauses) > 0 {
		q += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	q += ` ORDER BY kind ASC, created_at ASC`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindAgentByDecision returns the agent a decision already created, if any.
func (s *Store) FindAgentByDecision(ctx context.Context, decisionID string) (Agent, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE config->>'decision_id'=$1 LIMIT 1`, decisionID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, false, nil
	}
	if err != nil {
		return Agent{}, false, fmt.Errorf("find agent by decision: %w", err)
	}
	return a, true, nil
}

// UpdateAgent applies a partial update and returns the updated row.
func (s *Store) UpdateAgent(ctx context.Context, id string, p AgentPatch) (Agent, error) {
	if p.Empty() {
		return s.GetAgent(ctx, id)
	}
	var (
		sets []string
		args []interface{}
	)
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.ModelProvider != nil {
		add("model_provider", *p.ModelProvider)
	}
	if p.ModelName != nil {
		add("model_name", *p.ModelName)
	}
	if p.SystemPrompt != nil {
		add("system_prompt", *p.SystemPrompt)
	}
	if p.Channels != nil {
		add("channels", pq.Array(*p.Channels))
	}
	if len(p.Config) > 0 {
		cfg, err := marshalJSON(p.Config)
		if err != nil {
			return Agent{}, fmt.Errorf("marshal agent config: %w", err)
		}
		args = append(args, cfg)
		sets = append(sets, fmt.Sprintf("config=config || $%d::jsonb", len(args)))
	}
	args = append(args, id)
	q := `UPDATE agents SET ` + strings.Join(sets, ", ") + `, updated_at=NOW() WHERE id=$` + fmt.Sprint(len(args)) + ` RETURNING ` + agentColumns
	a, err := scanAgent(s.DB.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("update agent: %w", err)
	}
	return a, nil
}

// SetAgentStatus changes an agent's status.
func (s *Store) SetAgentStatus(ctx context.Context, id, status string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE agents SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return requireAffected(res)
}

// SoftDeleteAgent marks the agent offline and records the deletion in its config.
func (s *Store) SoftDeleteAgent(ctx context.Context, id, reason string) error {
	patch, err := marshalJSON(map[string]interface{}{
		"deleted":        true,
		"deleted_at":     time.Now().UTC().Format(time.RFC3339),
		"deleted_reason": reason,
	})
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE agents SET status='offline', config=config || $1::jsonb, updated_at=NOW() WHERE id=$2`, patch, id)
	if err != nil {
		return fmt.Errorf("soft delete agent: %w", err)
	}
	return requireAffected(res)
}

// Heartbeat stamps last_heartbeat without touching updated_at.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE agents SET last_heartbeat=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// AdjustActiveTasks adds delta to the agent's active task counter, never going below zero.
func (s *Store) AdjustActiveTasks(ctx context.Context, id string, delta int) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE agents SET active_tasks=GREATEST(active_tasks + $1, 0) WHERE id=$2`, delta, id)
	if err != nil {
		return fmt.Errorf("adjust active tasks: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStaleAgentsOffline sets online subordinates whose last heartbeat is older than before to
// offline and returns them. Agents that never sent a heartbeat are left alone.
func (s *Store) MarkStaleAgentsOffline(ctx context.Context, before time.Time) ([]Agent, error) {
	rows, err := s.DB.QueryContext(ctx, `
UPDATE agents SET status='offline', updated_at=NOW()
WHERE kind='subordinate' AND status='online' AND last_heartbeat < $1
RETURNING `+agentColumns, before)
	if err != nil {
		return nil, fmt.Errorf("mark stale agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
