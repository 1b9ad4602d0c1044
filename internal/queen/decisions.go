package queen

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/hive/internal/action"
	"github.com/mohammad-safakhou/hive/internal/store"
	"go.uber.org/zap"
)

// RegisterDecision records a for governance. In auto mode the decision is approved and executed
// at once; otherwise it waits as pending. Execution failures stay on the decision record.
func (c *Controller) RegisterDecision(ctx context.Context, queen store.Agent, a action.Action, userMessage, raw string) (store.Decision, error) {
	status := store.DecisionPending
	mode := queen.DecisionMode()
	if mode == store.DecisionModeAuto {
		status = store.DecisionApproved
	}
	d, err := c.store.CreateDecision(ctx, store.NewDecision{
		QueenID: queen.ID,
		Type:    string(a.Type()),
		Context: userMessage,
		Text:    raw,
		Status:  status,
	})
	if err != nil {
		return store.Decision{}, fmt.Errorf("create decision: %w", err)
	}
	c.log(ctx, queen.ID, store.LogAction, fmt.Sprintf("decision registered: %s (%s)", a.Type(), status), map[string]interface{}{
		"decision_id": d.ID,
		"action_type": string(a.Type()),
		"mode":        mode,
	})
	if status != store.DecisionApproved {
		return d, nil
	}
	return c.execute(ctx, d, a)
}

func (c *Controller) execute(ctx context.Context, d store.Decision, a action.Action) (store.Decision, error) {
	if err := c.exec.Execute(ctx, d.QueenID, d.ID, a); err != nil {
		c.logger.Warn("decision execution failed", zap.String("decision_id", d.ID), zap.Error(err))
	}
	fresh, err := c.store.GetDecision(ctx, d.ID)
	if err != nil {
		return d, nil
	}
	return fresh, nil
}

// Approve moves a pending decision to approved and executes it. The returned decision reflects
// the outcome; an execution failure leaves it pending with the error in its result.
func (c *Controller) Approve(ctx context.Context, id string) (store.Decision, error) {
	if err := c.store.ApproveDecision(ctx, id); err != nil {
		return store.Decision{}, err
	}
	d, err := c.store.GetDecision(ctx, id)
	if err != nil {
		return store.Decision{}, err
	}
	c.log(ctx, d.QueenID, store.LogAction, "decision approved: "+d.Type, map[string]interface{}{"decision_id": d.ID})
	return c.execute(ctx, d, extractOrNil(d.Text))
}

// Reject closes a pending or approved decision without executing it.
func (c *Controller) Reject(ctx context.Context, id, reason string) (store.Decision, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "rejected by operator"
	}
	if err := c.store.RejectDecision(ctx, id, reason); err != nil {
		return store.Decision{}, err
	}
	d, err := c.store.GetDecision(ctx, id)
	if err != nil {
		return store.Decision{}, err
	}
	c.log(ctx, d.QueenID, store.LogAction, "decision rejected: "+d.Type, map[string]interface{}{"decision_id": d.ID, "reason": reason})
	return d, nil
}

// Retry re-runs an approved decision, or a pending one whose earlier execution failed, by
// re-extracting its action from the stored model answer. Executed decisions are returned as is.
func (c *Controller) Retry(ctx context.Context, id string) (store.Decision, error) {
	d, err := c.store.GetDecision(ctx, id)
	if err != nil {
		return store.Decision{}, err
	}
	switch d.Status {
	case store.DecisionExecuted:
		return d, nil
	case store.DecisionRejected:
		return store.Decision{}, store.ErrConflict
	case store.DecisionPending:
		if !strings.HasPrefix(d.Result, "error: ") {
			return store.Decision{}, ErrAwaitingApproval
		}
	}
	return c.execute(ctx, d, extractOrNil(d.Text))
}

// RunApproved executes every decision left in the approved state and reports how many ran.
func (c *Controller) RunApproved(ctx context.Context) (int, error) {
	ds, err := c.store.ListDecisions(ctx, store.DecisionFilter{Status: store.DecisionApproved})
	if err != nil {
		return 0, err
	}
	for _, d := range ds {
		if ctx.Err() != nil {
			break
		}
		c.execute(ctx, d, extractOrNil(d.Text))
	}
	return len(ds), nil
}

func extractOrNil(text string) action.Action {
	a, err := action.Extract(text)
	if err != nil {
		return nil
	}
	return a
}
