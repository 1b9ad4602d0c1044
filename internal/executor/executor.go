// Package executor applies approved queen decisions to the agent registry.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/hive/internal/action"
	"github.com/mohammad-safakhou/hive/internal/store"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// ErrDecisionClosed is returned when a rejected decision is executed, or when it is rejected
// while being applied.
var ErrDecisionClosed = errors.New("executor: decision is rejected")

// Store captures the registry and decision methods the executor needs.
type Store interface {
	GetDecision(ctx context.Context, id string) (store.Decision, error)
	GetAgent(ctx context.Context, id string) (store.Agent, error)
	FindAgentByDecision(ctx context.Context, decisionID string) (store.Agent, bool, error)
	CreateAgent(ctx context.Context, in store.NewAgent) (store.Agent, error)
	UpdateAgent(ctx context.Context, id string, p store.AgentPatch) (store.Agent, error)
	SetAgentStatus(ctx context.Context, id, status string) error
	SoftDeleteAgent(ctx context.Context, id, reason string) error
	AdjustActiveTasks(ctx context.Context, id string, delta int) error
	SetDecisionAffectedAgent(ctx context.Context, id, agentID string) error
	MarkDecisionExecuted(ctx context.Context, id, result, affectedAgentID string) error
	MarkDecisionFailed(ctx context.Context, id, message string) error
}

// Auditor receives persistent audit entries.
type Auditor interface {
	Log(ctx context.Context, agentID, level, message string, metadata map[string]interface{})
}

// Defaults fill model fields a create_agent spec leaves empty.
type Defaults struct {
	Provider string
	Model    string
}

// Executor dispatches actions.
type Executor struct {
	store    Store
	audit    Auditor
	logger   *zap.Logger
	defaults Defaults
	executed otelmetric.Int64Counter
}

// Option configures executor behaviour.
type Option func(*Executor)

// WithAuditor sets the audit sink.
func WithAuditor(a Auditor) Option {
	return func(ex *Executor) { ex.audit = a }
}

// WithLogger sets the process logger.
func WithLogger(l *zap.Logger) Option {
	return func(ex *Executor) { ex.logger = l.Named("executor") }
}

// WithDefaults sets the model defaults for new agents.
func WithDefaults(d Defaults) Option {
	return func(ex *Executor) { ex.defaults = d }
}

// WithMeter records the decisions_executed counter on meter.
func WithMeter(meter otelmetric.Meter) Option {
	return func(ex *Executor) {
		if c, err := meter.Int64Counter("decisions_executed", otelmetric.WithDescription("Decisions run through the executor")); err == nil {
			ex.executed = c
		}
	}
}

// New creates a new Executor instance.
func New(st Store, opts ...Option) *Executor {
	ex := &Executor{store: st, logger: zap.NewNop()}
	ex.executed, _ = noop.NewMeterProvider().Meter("hive/executor").Int64Counter("decisions_executed")
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

type outcome struct {
	result   string
	affected string
}

// Execute applies a to the registry and records the result on the decision. On failure the
// decision returns to pending with the error text and the error is returned. Executing an
// already executed decision is a no-op.
func (ex *Executor) Execute(ctx context.Context, queenID, decisionID string, a action.Action) error {
	d, err := ex.store.GetDecision(ctx, decisionID)
	if err != nil {
		return fmt.Errorf("load decision: %w", err)
	}
	switch d.Status {
	case store.DecisionExecuted:
		ex.logger.Debug("decision already executed", zap.String("decision_id", decisionID))
		return nil
	case store.DecisionRejected:
		return ErrDecisionClosed
	}
	if a == nil {
		return ex.fail(ctx, queenID, d, action.ErrNoAction)
	}

	out, err := ex.apply(ctx, queenID, d, a)
	if err != nil {
		return ex.fail(ctx, queenID, d, err)
	}
	if err := ex.store.MarkDecisionExecuted(ctx, d.ID, out.result, out.affected); err != nil {
		if errors.Is(err, store.ErrConflict) {
			ex.logger.Warn("decision rejected during execution", zap.String("decision_id", d.ID), zap.String("result", out.result))
			return fmt.Errorf("execute decision %s: %w", d.ID, ErrDecisionClosed)
		}
		return ex.fail(ctx, queenID, d, fmt.Errorf("record execution: %w", err))
	}
	ex.executed.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("action", string(a.Type())),
		attribute.String("outcome", "executed"),
	))
	ex.log(ctx, queenID, store.LogAction, "decision executed: "+out.result, map[string]interface{}{
		"decision_id":       d.ID,
		"action_type":       string(a.Type()),
		"affected_agent_id": out.affected,
	})
	return nil
}

func (ex *Executor) fail(ctx context.Context, queenID string, d store.Decision, cause error) error {
	msg := cause.Error()
	switch err := ex.store.MarkDecisionFailed(ctx, d.ID, msg); {
	case errors.Is(err, store.ErrConflict):
		ex.logger.Debug("decision already closed, failure not recorded", zap.String("decision_id", d.ID))
	case err != nil:
		ex.logger.Error("record decision failure", zap.String("decision_id", d.ID), zap.Error(err))
	}
	ex.executed.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("action", d.Type),
		attribute.String("outcome", "failed"),
	))
	ex.log(ctx, queenID, store.LogError, "decision execution failed: "+msg, map[string]interface{}{
		"decision_id": d.ID,
	})
	return fmt.Errorf("execute decision %s: %w", d.ID, cause)
}

func (ex *Executor) apply(ctx context.Context, queenID string, d store.Decision, a action.Action) (outcome, error) {
	switch v := a.(type) {
	case action.CreateAgent:
		return ex.createAgent(ctx, queenID, d, v)
	case action.AdjustAgent:
		if _, err := ex.subordinate(ctx, v.Agent); err != nil {
			return outcome{}, err
		}
		patch := store.AgentPatch{
			Description:   v.Changes.Description,
			ModelProvider: v.Changes.Provider,
			ModelName:     v.Changes.Model,
			SystemPrompt:  v.Changes.Prompt,
			Channels:      v.Changes.Channels,
			Config:        v.Changes.Config,
		}
		if patch.Empty() {
			return outcome{}, fmt.Errorf("adjust_agent: no changes")
		}
		if _, err := ex.store.UpdateAgent(ctx, v.Agent, patch); err != nil {
			return outcome{}, err
		}
		return outcome{result: "agent adjusted: " + v.Agent, affected: v.Agent}, nil
	case action.PauseAgent:
		if _, err := ex.subordinate(ctx, v.Agent); err != nil {
			return outcome{}, err
		}
		if err := ex.store.SetAgentStatus(ctx, v.Agent, store.AgentPaused); err != nil {
			return outcome{}, err
		}
		return outcome{result: "agent paused: " + v.Agent, affected: v.Agent}, nil
	case action.DeleteAgent:
		ag, err := ex.store.GetAgent(ctx, v.Agent)
		if err != nil {
			return outcome{}, fmt.Errorf("agent %s: %w", v.Agent, err)
		}
		if ag.Kind == store.KindQueen {
			return outcome{}, fmt.Errorf("agent %s is the queen", v.Agent)
		}
		if !ag.Deleted() {
			if err := ex.store.SoftDeleteAgent(ctx, v.Agent, v.Reason); err != nil {
				return outcome{}, err
			}
		}
		return outcome{result: "agent deleted: " + v.Agent, affected: v.Agent}, nil
	case action.Analyze:
		return outcome{result: "analysis recorded"}, nil
	default:
		return outcome{}, fmt.Errorf("unsupported action %T", a)
	}
}

// subordinate loads a live subordinate, refusing the queen and soft deleted agents.
func (ex *Executor) subordinate(ctx context.Context, id string) (store.Agent, error) {
	ag, err := ex.store.GetAgent(ctx, id)
	if err != nil {
		return store.Agent{}, fmt.Errorf("agent %s: %w", id, err)
	}
	if ag.Kind == store.KindQueen {
		return store.Agent{}, fmt.Errorf("agent %s is the queen", id)
	}
	if ag.Deleted() {
		return store.Agent{}, fmt.Errorf("agent %s is deleted", id)
	}
	return ag, nil
}

func (ex *Executor) createAgent(ctx context.Context, queenID string, d store.Decision, v action.CreateAgent) (outcome, error) {
	if existing, ok, err := ex.existingAgent(ctx, d); err != nil {
		return outcome{}, err
	} else if ok {
		ex.logger.Info("create_agent already applied", zap.String("decision_id", d.ID), zap.String("agent_id", existing.ID))
		return outcome{result: fmt.Sprintf("agent created: %s (%s)", existing.Name, existing.ID), affected: existing.ID}, nil
	}

	spec := v.Spec
	provider := spec.Provider
	if provider == "" {
		provider = ex.defaults.Provider
	}
	model := spec.Model
	if model == "" {
		model = ex.defaults.Model
	}
	ag, err := ex.store.CreateAgent(ctx, store.NewAgent{
		Kind:          store.KindSubordinate,
		Name:          spec.Name,
		Description:   spec.Description,
		Status:        store.AgentOnline,
		ModelProvider: provider,
		ModelName:     model,
		SystemPrompt:  spec.Prompt,
		Channels:      spec.Channels,
		Config:        map[string]interface{}{"decision_id": d.ID, "created_by": "queen"},
		ParentID:      queenID,
	})
	if errors.Is(err, store.ErrConflict) {
		// another execution of d inserted the agent first
		existing, ok, ferr := ex.store.FindAgentByDecision(ctx, d.ID)
		if ferr != nil {
			return outcome{}, fmt.Errorf("create agent: %w", ferr)
		}
		if ok {
			return outcome{result: fmt.Sprintf("agent created: %s (%s)", existing.Name, existing.ID), affected: existing.ID}, nil
		}
	}
	if err != nil {
		return outcome{}, fmt.Errorf("create agent: %w", err)
	}
	if err := ex.store.SetDecisionAffectedAgent(ctx, d.ID, ag.ID); err != nil {
		ex.logger.Warn("link decision to agent", zap.String("decision_id", d.ID), zap.Error(err))
	}
	if err := ex.store.AdjustActiveTasks(ctx, queenID, 1); err != nil {
		ex.logger.Warn("bump queen active tasks", zap.Error(err))
	}
	return outcome{result: fmt.Sprintf("agent created: %s (%s)", ag.Name, ag.ID), affected: ag.ID}, nil
}

func (ex *Executor) existingAgent(ctx context.Context, d store.Decision) (store.Agent, bool, error) {
	if d.AffectedAgentID != "" {
		ag, err := ex.store.GetAgent(ctx, d.AffectedAgentID)
		if err == nil {
			return ag, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.Agent{}, false, err
		}
	}
	return ex.store.FindAgentByDecision(ctx, d.ID)
}

func (ex *Executor) log(ctx context.Context, agentID, level, msg string, meta map[string]interface{}) {
	if ex.audit == nil {
		ex.logger.Info(msg, zap.String("agent_id", agentID))
		return
	}
	ex.audit.Log(ctx, agentID, level, msg, meta)
}
