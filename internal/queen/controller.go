// Package queen implements the controller agent: it answers operator messages with full
// registry context, turns embedded actions into governed decisions and works its own task queue.
package queen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/hive/config"
	"github.com/mohammad-safakhou/hive/internal/action"
	"github.com/mohammad-safakhou/hive/internal/knowledge"
	"github.com/mohammad-safakhou/hive/internal/llm"
	"github.com/mohammad-safakhou/hive/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

var (
	// ErrAwaitingApproval is returned when a decision that was never approved is retried.
	ErrAwaitingApproval = errors.New("queen: decision awaits approval")
	// ErrNotDelegable is returned when work is delegated to the queen or a deleted agent.
	ErrNotDelegable = errors.New("queen: agent cannot take delegated tasks")
)

var tracer = otel.Tracer("hive/internal/queen")

// Store captures the persistence the controller needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (store.Agent, error)
	ListAgents(ctx context.Context, f store.AgentFilter) ([]store.Agent, error)
	SetAgentStatus(ctx context.Context, id, status string) error
	Heartbeat(ctx context.Context, id string) error

	CreateDecision(ctx context.Context, in store.NewDecision) (store.Decision, error)
	GetDecision(ctx context.Context, id string) (store.Decision, error)
	RecentDecisions(ctx context.Context, limit int) ([]store.Decision, error)
	ListDecisions(ctx context.Context, f store.DecisionFilter) ([]store.Decision, error)
	ApproveDecision(ctx context.Context, id string) error
	RejectDecision(ctx context.Context, id, reason string) error

	CreateTask(ctx context.Context, in store.NewTask) (store.Task, bool, error)
	PendingTasks(ctx context.Context, agentID string, limit int) ([]store.Task, error)
	MarkTaskRunning(ctx context.Context, id string) error
	CompleteTask(ctx context.Context, id string, result map[string]interface{}) error
	FailTask(ctx context.Context, id, message string) error
}

// Chatter is the queen's model path.
type Chatter interface {
	QueenChat(ctx context.Context, userMessage string, opts llm.Options) (llm.Completion, error)
}

// Executor applies decisions.
type Executor interface {
	Execute(ctx context.Context, queenID, decisionID string, a action.Action) error
}

// KnowledgeSource returns reference snippets.
type KnowledgeSource interface {
	Query(ctx context.Context, text string, topK int) ([]knowledge.Snippet, error)
}

// HintPusher notifies a subordinate loop that a task is waiting.
type HintPusher interface {
	Push(ctx context.Context, agentID, taskID string) error
}

// Auditor receives persistent audit entries.
type Auditor interface {
	Log(ctx context.Context, agentID, level, message string, metadata map[string]interface{})
}

// Options carries the controller's optional collaborators.
type Options struct {
	Knowledge KnowledgeSource
	Hints     HintPusher
	Audit     Auditor
	Logger    *zap.Logger
	Meter     otelmetric.Meter
}

// Controller is the queen's message handler.
type Controller struct {
	store     Store
	llm       Chatter
	exec      Executor
	knowledge KnowledgeSource
	hints     HintPusher
	audit     Auditor
	logger    *zap.Logger
	cfg       config.QueenConfig
	messages  otelmetric.Int64Counter
}

// NewController wires a controller.
func NewController(st Store, chat Chatter, exec Executor, cfg config.QueenConfig, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("hive/queen")
	}
	messages, err := meter.Int64Counter("queen_messages", otelmetric.WithDescription("Messages handled by the queen"))
	if err != nil {
		messages, _ = noop.NewMeterProvider().Meter("hive/queen").Int64Counter("queen_messages")
	}
	return &Controller{
		store:     st,
		llm:       chat,
		exec:      exec,
		knowledge: opts.Knowledge,
		hints:     opts.Hints,
		audit:     opts.Audit,
		logger:    logger.Named("queen"),
		cfg:       cfg.Normalize(),
		messages:  messages,
	}
}

// Response is the queen's answer to one message.
type Response struct {
	Message        string          `json:"message"`
	Action         action.Action   `json:"-"`
	ActionJSON     json.RawMessage `json:"action,omitempty"`
	DecisionID     string          `json:"decision_id,omitempty"`
	DecisionStatus string          `json:"decision_status,omitempty"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model,omitempty"`
	Paid           bool            `json:"paid"`
}

func (c *Controller) log(ctx context.Context, agentID, level, msg string, meta map[string]interface{}) {
	if c.audit == nil {
		return
	}
	c.audit.Log(ctx, agentID, level, msg, meta)
}

// ProcessMessage answers msg with the queen's full context and registers any embedded action as
// a decision. Only a failure of every model path is returned as an error.
func (c *Controller) ProcessMessage(ctx context.Context, queenID, msg string) (_ Response, err error) {
	ctx, span := tracer.Start(ctx, "Controller.ProcessMessage")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("queen_id", queenID))

	if strings.TrimSpace(msg) == "" {
		return Response{}, fmt.Errorf("message required")
	}
	queen, err := c.store.GetAgent(ctx, queenID)
	if err != nil {
		return Response{}, fmt.Errorf("load queen: %w", err)
	}
	c.messages.Add(ctx, 1)

	b := bundle{name: queen.Name}
	if c.knowledge != nil {
		snips, err := c.knowledge.Query(ctx, msg, c.cfg.KnowledgeTopK)
		if err != nil {
			c.logger.Warn("knowledge unavailable", zap.Error(err))
		}
		b.snippets = snips
	}
	if b.agents, err = c.store.ListAgents(ctx, store.AgentFilter{}); err != nil {
		c.logger.Warn("list agents for context", zap.Error(err))
	}
	if b.decisions, err = c.store.RecentDecisions(ctx, c.cfg.RecentDecisions); err != nil {
		c.logger.Warn("recent decisions for context", zap.Error(err))
	}

	comp, err := c.llm.QueenChat(ctx, msg, llm.Options{
		System:      b.String(),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		AgentID:     queenID,
	})
	if err != nil {
		c.log(ctx, queenID, store.LogError, "model unavailable: "+err.Error(), nil)
		return Response{}, fmt.Errorf("queen chat: %w", err)
	}
	c.log(ctx, queenID, store.LogInfo, fmt.Sprintf("LLM: %s (%s)", comp.Provider, comp.Model), map[string]interface{}{"paid": comp.Paid})

	span.SetAttributes(attribute.String("llm.provider", comp.Provider), attribute.Bool("llm.paid", comp.Paid))

	resp := Response{Message: comp.Text, Provider: comp.Provider, Model: comp.Model, Paid: comp.Paid}
	a, err := action.Extract(comp.Text)
	if err == nil {
		resp.Action = a
		resp.ActionJSON, _ = action.Marshal(a)
		d, err := c.RegisterDecision(ctx, queen, a, msg, comp.Text)
		if err != nil {
			c.logger.Error("register decision", zap.Error(err))
		} else {
			resp.DecisionID = d.ID
			resp.DecisionStatus = d.Status
		}
	}

	var actionType interface{}
	if resp.Action != nil {
		actionType = string(resp.Action.Type())
	}
	c.log(ctx, queenID, store.LogMessage, comp.Text, map[string]interface{}{
		"role":        "queen",
		"action":      actionType,
		"provider":    comp.Provider,
		"paid":        comp.Paid,
		"decision_id": resp.DecisionID,
	})
	return resp, nil
}

// Delegate files a task for a subordinate and pushes a best effort hint to its loop.
// A nil priority takes the store default.
func (c *Controller) Delegate(ctx context.Context, agentID, content string, priority *int) (store.Task, error) {
	if strings.TrimSpace(content) == "" {
		return store.Task{}, fmt.Errorf("content required")
	}
	ag, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return store.Task{}, err
	}
	if ag.Kind != store.KindSubordinate || ag.Deleted() {
		return store.Task{}, fmt.Errorf("delegate to %s: %w", agentID, ErrNotDelegable)
	}
	t, _, err := c.store.CreateTask(ctx, store.NewTask{
		AgentID:  agentID,
		Title:    clip(oneLine(content), 120),
		Type:     store.TaskTypeDelegated,
		Priority: priority,
		Input:    map[string]interface{}{"content": content, "delegated_by": ag.ParentID},
	})
	if err != nil {
		return store.Task{}, err
	}
	if c.hints != nil {
		if err := c.hints.Push(ctx, agentID, t.ID); err != nil {
			c.logger.Debug("push task hint", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	c.log(ctx, ag.ParentID, store.LogAction, fmt.Sprintf("task delegated to %s", ag.Name), map[string]interface{}{
		"task_id":  t.ID,
		"agent_id": agentID,
	})
	return t, nil
}
