// Package worker runs one polling loop per subordinate agent. Each cycle pulls the agent's
// pending tasks, answers them on the primary model and escalates to the queen when the answer
// says so.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/hive/config"
	"github.com/mohammad-safakhou/hive/internal/knowledge"
	"github.com/mohammad-safakhou/hive/internal/llm"
	"github.com/mohammad-safakhou/hive/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("hive/internal/worker")

// settleTimeout bounds the terminal writes made after a task's own context may have expired.
const settleTimeout = 5 * time.Second

// settleContext keeps ctx's values but not its deadline, so a timed out task can still be
// recorded as failed.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	PendingTasks(ctx context.Context, agentID string, limit int) ([]store.Task, error)
	MarkTaskRunning(ctx context.Context, id string) error
	CompleteTask(ctx context.Context, id string, result map[string]interface{}) error
	FailTask(ctx context.Context, id, message string) error
	CreateTask(ctx context.Context, in store.NewTask) (store.Task, bool, error)
	Heartbeat(ctx context.Context, id string) error
	SetAgentStatus(ctx context.Context, id, status string) error
	AdjustActiveTasks(ctx context.Context, id string, delta int) error
}

// Chatter is the primary-only model path.
type Chatter interface {
	SubordinateChat(ctx context.Context, userMessage string, opts llm.Options) (llm.Completion, error)
}

// KnowledgeSource returns reference snippets for a request.
type KnowledgeSource interface {
	Query(ctx context.Context, text string, topK int) ([]knowledge.Snippet, error)
}

// HintSource pops task id hints pushed on delegation.
type HintSource interface {
	Pop(ctx context.Context, agentID string) (string, bool, error)
}

// Auditor receives persistent audit entries.
type Auditor interface {
	Log(ctx context.Context, agentID, level, message string, metadata map[string]interface{})
}

// Deps are shared by every runtime the supervisor starts.
type Deps struct {
	Store     StoreAPI
	LLM       Chatter
	Knowledge KnowledgeSource
	Hints     HintSource
	Audit     Auditor
	Logger    *zap.Logger
	Config    config.WorkerConfig
	Metrics   Metrics
}

// Metrics are the worker counters.
type Metrics struct {
	Processed otelmetric.Int64Counter
	Escalated otelmetric.Int64Counter
	Failed    otelmetric.Int64Counter
}

// NewMetrics registers the worker counters on meter. A nil meter yields no-op counters.
func NewMetrics(meter otelmetric.Meter) Metrics {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("hive/worker")
	}
	var m Metrics
	m.Processed, _ = meter.Int64Counter("worker_tasks_processed", otelmetric.WithDescription("Tasks completed by subordinate loops"))
	m.Escalated, _ = meter.Int64Counter("worker_tasks_escalated", otelmetric.WithDescription("Tasks escalated to the queen"))
	m.Failed, _ = meter.Int64Counter("worker_tasks_failed", otelmetric.WithDescription("Tasks that ended in error"))
	return m
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics.Processed == nil || d.Metrics.Escalated == nil || d.Metrics.Failed == nil {
		d.Metrics = NewMetrics(nil)
	}
	d.Config = d.Config.Normalize()
	return d
}

// Outcome is what processing a single task produced.
type Outcome struct {
	Message          string
	Escalated        bool
	EscalationTaskID string
}

// Runtime is the loop state of one subordinate agent.
type Runtime struct {
	deps Deps

	mu    sync.RWMutex
	agent store.Agent
}

// NewRuntime returns a runtime for agent.
func NewRuntime(agent store.Agent, deps Deps) *Runtime {
	return &Runtime{deps: deps.withDefaults(), agent: agent}
}

// Agent returns the current agent snapshot.
func (r *Runtime) Agent() store.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agent
}

// SetAgent replaces the agent snapshot. The next task sees the new prompt and model.
func (r *Runtime) SetAgent(a store.Agent) {
	r.mu.Lock()
	r.agent = a
	r.mu.Unlock()
}

func (r *Runtime) logger() *zap.Logger {
	a := r.Agent()
	return r.deps.Logger.With(zap.String("agent_id", a.ID), zap.String("agent", a.Name))
}

func (r *Runtime) audit(ctx context.Context, level, msg string, meta map[string]interface{}) {
	if r.deps.Audit == nil {
		return
	}
	r.deps.Audit.Log(ctx, r.Agent().ID, level, msg, meta)
}

// ProcessTask runs one task to a terminal state. Errors are recorded on the task and also
// returned for the caller's logs.
func (r *Runtime) ProcessTask(ctx context.Context, task store.Task) (out Outcome, err error) {
	agent := r.Agent()
	st := r.deps.Store
	ctx, span := tracer.Start(ctx, "Runtime.ProcessTask", trace.WithAttributes(
		attribute.String("agent_id", agent.ID),
		attribute.String("task_id", task.ID),
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			sctx, cancel := settleContext(ctx)
			defer cancel()
			r.deps.Metrics.Failed.Add(sctx, 1)
			if ferr := st.FailTask(sctx, task.ID, err.Error()); ferr != nil {
				r.logger().Error("record task failure", zap.String("task_id", task.ID), zap.Error(ferr))
			}
			r.audit(sctx, store.LogError, fmt.Sprintf("[%s] error: %v", agent.Name, err), map[string]interface{}{"task_id": task.ID})
		}
	}()

	if err := st.MarkTaskRunning(ctx, task.ID); err != nil {
		return Outcome{}, fmt.Errorf("mark running: %w", err)
	}
	if err := st.AdjustActiveTasks(ctx, agent.ID, 1); err == nil {
		defer func() {
			sctx, cancel := settleContext(ctx)
			defer cancel()
			if aerr := st.AdjustActiveTasks(sctx, agent.ID, -1); aerr != nil {
				r.logger().Warn("release active task", zap.String("task_id", task.ID), zap.Error(aerr))
			}
		}()
	}
	r.audit(ctx, store.LogInfo, fmt.Sprintf("[%s] processing: %s", agent.Name, task.Title), map[string]interface{}{"task_id": task.ID})

	request := task.Content()
	out, err = r.answer(ctx, agent, task, request)
	if err != nil {
		return Outcome{}, err
	}

	result := map[string]interface{}{"message": out.Message, "escalated": out.Escalated}
	if out.EscalationTaskID != "" {
		result["escalation_task_id"] = out.EscalationTaskID
	}
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := st.CompleteTask(sctx, task.ID, result); err != nil {
		return Outcome{}, fmt.Errorf("complete task: %w", err)
	}

	r.deps.Metrics.Processed.Add(ctx, 1)
	span.SetAttributes(attribute.Bool("escalated", out.Escalated))
	if out.Escalated {
		r.deps.Metrics.Escalated.Add(ctx, 1)
		r.audit(ctx, store.LogWarn, fmt.Sprintf("[%s] escalated to queen: %s", agent.Name, task.Title), map[string]interface{}{
			"task_id":            task.ID,
			"escalation_task_id": out.EscalationTaskID,
		})
	} else {
		r.audit(ctx, store.LogInfo, fmt.Sprintf("[%s] task completed: %s", agent.Name, task.Title), map[string]interface{}{"task_id": task.ID})
	}
	return out, nil
}

func (r *Runtime) answer(ctx context.Context, agent store.Agent, task store.Task, request string) (Outcome, error) {
	cfg := r.deps.Config
	system := BuildPrompt(agent, cfg.MinPromptLength)
	if r.deps.Knowledge != nil {
		snips, err := r.deps.Knowledge.Query(ctx, request, cfg.KnowledgeTopK)
		if err != nil {
			r.logger().Debug("knowledge unavailable", zap.Error(err))
		} else if block := knowledge.FormatSnippets(snips); block != "" {
			system += "\n\nCONTEXT:\n" + block
		}
	}

	model := agent.ModelName
	if model == "" {
		model = cfg.DefaultModel
	}
	comp, err := r.deps.LLM.SubordinateChat(ctx, request, llm.Options{
		System:      system,
		Model:       model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		AgentID:     agent.ID,
	})
	if errors.Is(err, llm.ErrPrimaryUnavailable) {
		msg := fmt.Sprintf("[%s] primary model offline, cannot process.", agent.Name)
		id, eerr := r.escalate(ctx, agent, task, request, msg)
		if eerr != nil {
			return Outcome{}, eerr
		}
		return Outcome{Message: msg, Escalated: true, EscalationTaskID: id}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("model call: %w", err)
	}

	if !ShouldEscalate(comp.Text) {
		return Outcome{Message: comp.Text}, nil
	}
	id, err := r.escalate(ctx, agent, task, request, comp.Text)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Message: comp.Text, Escalated: true, EscalationTaskID: id}, nil
}

// escalate files a task for the agent's parent. The idempotency key makes a retried escalation
// of the same task a no-op.
func (r *Runtime) escalate(ctx context.Context, agent store.Agent, task store.Task, request, response string) (string, error) {
	if agent.ParentID == "" {
		r.logger().Warn("cannot escalate without parent", zap.String("task_id", task.ID))
		return "", nil
	}
	esc, created, err := r.deps.Store.CreateTask(ctx, store.NewTask{
		AgentID:     agent.ParentID,
		Title:       fmt.Sprintf("[Escalacao %s] %s", agent.Name, truncateRunes(request, 100)),
		Description: fmt.Sprintf("%s escalated this task.\n\nOriginal request: %s\n\nSubordinate answer: %s", agent.Name, request, response),
		Type:        store.TaskTypeEscalation,
		Priority:    store.Priority(r.deps.Config.EscalationPriority),
		Input: map[string]interface{}{
			"content":              request,
			"escalated_from":       agent.ID,
			"subordinate_name":     agent.Name,
			"subordinate_response": response,
			"origin_task_id":       task.ID,
		},
		IdempotencyKey: "escalation:" + task.ID,
	})
	if err != nil {
		return "", fmt.Errorf("create escalation task: %w", err)
	}
	if !created {
		r.logger().Debug("escalation already filed", zap.String("task_id", task.ID), zap.String("escalation_task_id", esc.ID))
	}
	return esc.ID, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

