package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Decision statuses.
const (
	DecisionPending  = "pending"
	DecisionApproved = "approved"
	DecisionExecuted = "executed"
	DecisionRejected = "rejected"
)

// Decision records a governed structural change proposed by the queen.
type Decision struct {
	ID              string    `json:"id"`
	QueenID         string    `json:"queen_id"`
	Type            string    `json:"decision_type"`
	Context         string    `json:"context"`
	Text            string    `json:"decision_text"`
	Status          string    `json:"status"`
	Result          string    `json:"result,omitempty"`
	AffectedAgentID string    `json:"affected_agent_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewDecision carries the fields accepted on insert.
type NewDecision struct {
	QueenID string
	Type    string
	Context string
	Text    string
	Status  string
}

// DecisionFilter narrows ListDecisions.
type DecisionFilter struct {
	Status string
	Limit  int
}

const decisionColumns = `id, queen_id, decision_type, context, decision_text, status, result, affected_agent_id, created_at, updated_at`

func scanDecision(row rowScanner) (Decision, error) {
	var (
		d        Decision
		result   sql.NullString
		affected sql.NullString
	)
	if err := row.Scan(&d.ID, &d.QueenID, &d.Type, &d.Context, &d.Text, &d.Status, &result, &affected, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Decision{}, err
	}
	d.Result = result.String
	d.AffectedAgentID = affected.String
	return d, nil
}

// CreateDecision inserts a decision row.
func (s *Store) CreateDecision(ctx context.Context, in NewDecision) (Decision, error) {
	if in.QueenID == "" || in.Type == "" {
		return Decision{}, fmt.Errorf("decision queen_id and type required")
	}
	if in.Status == "" {
		in.Status = DecisionPending
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO decisions (queen_id, decision_type, context, decision_text, status)
VALUES ($1,$2,$3,$4,$5)
RETURNING `+decisionColumns, in.QueenID, in.Type, in.Context, in.Text, in.Status)
	d, err := scanDecision(row)
	if err != nil {
		return Decision{}, fmt.Errorf("insert decision: %w", err)
	}
	return d, nil
}

// GetDecision loads a decision by id.
func (s *Store) GetDecision(ctx context.Context, id string) (Decision, error) {
	d, err := scanDecision(s.DB.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{}, ErrNotFound
	}
	if err != nil {
		return Decision{}, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// RecentDecisions returns the latest decisions regardless of status.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	return s.ListDecisions(ctx, DecisionFilter{Limit: limit})
}

// ListDecisions returns decisions matching the filter, newest first.
func (s *Store) ListDecisions(ctx context.Context, f DecisionFilter) ([]Decision, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if f.Status != "" {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE status=$1 ORDER BY created_at DESC LIMIT $2`, f.Status, f.Limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+decisionColumns+` FROM decisions ORDER BY created_at DESC LIMIT $1`, f.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ApproveDecision moves a pending decision to approved. Already approved decisions are left as is.
func (s *Store) ApproveDecision(ctx context.Context, id string) error {
	return s.transitionDecision(ctx, id, DecisionApproved, "", DecisionPending, DecisionApproved)
}

// RejectDecision moves a pending or approved decision to rejected with the given reason.
func (s *Store) RejectDecision(ctx context.Context, id, reason string) error {
	return s.transitionDecision(ctx, id, DecisionRejected, reason, DecisionPending, DecisionApproved)
}

func (s *Store) transitionDecision(ctx context.Context, id, to, result string, from ...string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE decisions SET status=$1, result=COALESCE(NULLIF($2,''), result), updated_at=NOW()
WHERE id=$3 AND status = ANY($4)`, to, result, id, pq.Array(from))
	if err != nil {
		return fmt.Errorf("update decision status: %w", err)
	}
	return s.decisionApplied(ctx, id, res)
}

// decisionApplied maps an update that matched no row to ErrNotFound or ErrConflict.
func (s *Store) decisionApplied(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetDecision(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// MarkDecisionExecuted records a successful execution. A decision rejected
// while it was being applied stays rejected and ErrConflict is returned.
func (s *Store) MarkDecisionExecuted(ctx context.Context, id, result, affectedAgentID string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE decisions SET status='executed', result=$1, affected_agent_id=COALESCE($2::uuid, affected_agent_id), updated_at=NOW()
WHERE id=$3 AND status <> 'rejected'`, result, nullString(affectedAgentID), id)
	if err != nil {
		return fmt.Errorf("mark decision executed: %w", err)
	}
	return s.decisionApplied(ctx, id, res)
}

// MarkDecisionFailed stores the error and returns the decision to pending so it can be retried.
// Executed and rejected decisions are final; ErrConflict is returned for them.
func (s *Store) MarkDecisionFailed(ctx context.Context, id, message string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE decisions SET status='pending', result=$1, updated_at=NOW()
WHERE id=$2 AND status NOT IN ('executed','rejected')`, "error: "+message, id)
	if err != nil {
		return fmt.Errorf("mark decision failed: %w", err)
	}
	return s.decisionApplied(ctx, id, res)
}

// SetDecisionAffectedAgent links a decision to the agent it touched before execution finishes.
func (s *Store) SetDecisionAffectedAgent(ctx context.Context, id, agentID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE decisions SET affected_agent_id=$1, updated_at=NOW() WHERE id=$2`, agentID, id)
	if err != nil {
		return fmt.Errorf("set decision affected agent: %w", err)
	}
	return nil
}
