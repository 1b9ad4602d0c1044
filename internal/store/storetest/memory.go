// Package storetest provides an in-memory stand-in for the Postgres store in unit tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/hive/internal/store"
)

// Memory implements the store methods used across the service, guarded by one mutex.
type Memory struct {
	mu        sync.Mutex
	agents    map[string]store.Agent
	tasks     map[string]store.Task
	decisions map[string]store.Decision
	docs      []store.KnowledgeDocument
	Logs      []store.LogEntry
	seq       int64

	// FailOn makes the named method return the error once, then clears it.
	FailOn map[string]error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		agents:    map[string]store.Agent{},
		tasks:     map[string]store.Task{},
		decisions: map[string]store.Decision{},
		FailOn:    map[string]error{},
	}
}

func (m *Memory) fail(name string) error {
	if err, ok := m.FailOn[name]; ok {
		delete(m.FailOn, name)
		return err
	}
	return nil
}

// tick returns strictly increasing timestamps so ordering by creation time is deterministic.
func (m *Memory) tick() time.Time {
	m.seq++
	return time.Unix(1700000000, 0).Add(time.Duration(m.seq) * time.Millisecond)
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAgent(a store.Agent) store.Agent {
	a.Config = cloneMap(a.Config)
	a.Channels = append([]string(nil), a.Channels...)
	return a
}

// SeedQueen inserts a queen with the given decision mode.
func (m *Memory) SeedQueen(name, mode string) store.Agent {
	a, _ := m.CreateAgent(context.Background(), store.NewAgent{
		Kind:   store.KindQueen,
		Name:   name,
		Status: store.AgentOnline,
		Config: map[string]interface{}{"decision_mode": mode},
	})
	return a
}

func (m *Memory) CreateAgent(ctx context.Context, in store.NewAgent) (store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateAgent"); err != nil {
		return store.Agent{}, err
	}
	if in.Kind == "" {
		in.Kind = store.KindSubordinate
	}
	if in.Kind == store.KindSubordinate && in.ParentID == "" {
		return store.Agent{}, fmt.Errorf("subordinate agent requires parent_id")
	}
	if in.Kind == store.KindQueen {
		for _, a := range m.agents {
			if a.Kind == store.KindQueen {
				return store.Agent{}, fmt.Errorf("queen already exists")
			}
		}
	}
	if did, _ := in.Config["decision_id"].(string); did != "" {
		for _, a := range m.agents {
			if v, _ := a.Config["decision_id"].(string); v == did {
				return store.Agent{}, fmt.Errorf("agent for decision %s: %w", did, store.ErrConflict)
			}
		}
	}
	if in.Status == "" {
		in.Status = store.AgentOnline
	}
	now := m.tick()
	a := store.Agent{
		ID:            uuid.NewString(),
		Kind:          in.Kind,
		Name:          in.Name,
		Description:   in.Description,
		Status:        in.Status,
		ModelProvider: in.ModelProvider,
		ModelName:     in.ModelName,
		SystemPrompt:  in.SystemPrompt,
		Channels:      append([]string{}, in.Channels...),
		Config:        cloneMap(in.Config),
		ParentID:      in.ParentID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if a.Config == nil {
		a.Config = map[string]interface{}{}
	}
	m.agents[a.ID] = a
	return cloneAgent(a), nil
}

func (m *Memory) GetAgent(ctx context.Context, id string) (store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetAgent"); err != nil {
		return store.Agent{}, err
	}
	a, ok := m.agents[id]
	if !ok {
		return store.Agent{}, store.ErrNotFound
	}
	return cloneAgent(a), nil
}

func (m *Memory) GetQueen(ctx context.Context) (store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.Kind == store.KindQueen {
			return cloneAgent(a), nil
		}
	}
	return store.Agent{}, store.ErrNotFound
}

func (m *Memory) ListAgents(ctx context.Context, f store.AgentFilter) ([]store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListAgents"); err != nil {
		return nil, err
	}
	var out []store.Agent
	for _, a := range m.agents {
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.ParentID != "" && a.ParentID != f.ParentID {
			continue
		}
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) FindAgentByDecision(ctx context.Context, decisionID string) (store.Agent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if v, _ := a.Config["decision_id"].(string); v == decisionID {
			return cloneAgent(a), true, nil
		}
	}
	return store.Agent{}, false, nil
}

func (m *Memory) UpdateAgent(ctx context.Context, id string, p store.AgentPatch) (store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateAgent"); err != nil {
		return store.Agent{}, err
	}
	a, ok := m.agents[id]
	if !ok {
		return store.Agent{}, store.ErrNotFound
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.ModelProvider != nil {
		a.ModelProvider = *p.ModelProvider
	}
	if p.ModelName != nil {
		a.ModelName = *p.ModelName
	}
	if p.SystemPrompt != nil {
		a.SystemPrompt = *p.SystemPrompt
	}
	if p.Channels != nil {
		a.Channels = append([]string{}, (*p.Channels)...)
	}
	for k, v := range p.Config {
		a.Config[k] = v
	}
	a.UpdatedAt = m.tick()
	m.agents[id] = a
	return cloneAgent(a), nil
}

func (m *Memory) SetAgentStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetAgentStatus"); err != nil {
		return err
	}
	a, ok := m.agents[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = m.tick()
	m.agents[id] = a
	return nil
}

func (m *Memory) SoftDeleteAgent(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = store.AgentOffline
	a.Config["deleted"] = true
	a.Config["deleted_at"] = time.Now().UTC().Format(time.RFC3339)
	a.Config["deleted_reason"] = reason
	m.agents[id] = a
	return nil
}

func (m *Memory) Heartbeat(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil
	}
	now := time.Now()
	a.LastHeartbeat = &now
	m.agents[id] = a
	return nil
}

func (m *Memory) AdjustActiveTasks(ctx context.Context, id string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil
	}
	a.ActiveTasks += delta
	if a.ActiveTasks < 0 {
		a.ActiveTasks = 0
	}
	m.agents[id] = a
	return nil
}

func (m *Memory) CreateTask(ctx context.Context, in store.NewTask) (store.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateTask"); err != nil {
		return store.Task{}, false, err
	}
	if in.IdempotencyKey != "" {
		for _, t := range m.tasks {
			if t.IdempotencyKey == in.IdempotencyKey {
				return t, false, nil
			}
		}
	}
	if in.Type == "" {
		in.Type = store.TaskTypeGeneral
	}
	t := store.Task{
		ID:             uuid.NewString(),
		AgentID:        in.AgentID,
		Title:          in.Title,
		Description:    in.Description,
		Type:           in.Type,
		Priority:       in.ResolvedPriority(),
		Status:         store.TaskPending,
		Input:          cloneMap(in.Input),
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      m.tick(),
	}
	m.tasks[t.ID] = t
	return t, true, nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.Task{}, store.ErrNotFound
	}
	return t, nil
}

func (m *Memory) PendingTasks(ctx context.Context, agentID string, limit int) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PendingTasks"); err != nil {
		return nil, err
	}
	var out []store.Task
	for _, t := range m.tasks {
		if t.AgentID == agentID && t.Status == store.TaskPending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Task
	for _, t := range m.tasks {
		if f.AgentID != "" && t.AgentID != f.AgentID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) setTask(id string, fn func(*store.Task)) error {
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&t)
	m.tasks[id] = t
	return nil
}

func (m *Memory) MarkTaskRunning(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkTaskRunning"); err != nil {
		return err
	}
	return m.setTask(id, func(t *store.Task) {
		now := time.Now()
		t.Status = store.TaskRunning
		t.StartedAt = &now
	})
}

func (m *Memory) CompleteTask(ctx context.Context, id string, result map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CompleteTask"); err != nil {
		return err
	}
	return m.setTask(id, func(t *store.Task) {
		now := time.Now()
		t.Status = store.TaskCompleted
		t.Result = cloneMap(result)
		t.CompletedAt = &now
	})
}

func (m *Memory) FailTask(ctx context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setTask(id, func(t *store.Task) {
		now := time.Now()
		t.Status = store.TaskError
		t.Result = map[string]interface{}{"error": message}
		t.CompletedAt = &now
	})
}

func (m *Memory) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out, nil
}

func (m *Memory) CreateDecision(ctx context.Context, in store.NewDecision) (store.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateDecision"); err != nil {
		return store.Decision{}, err
	}
	if in.Status == "" {
		in.Status = store.DecisionPending
	}
	now := m.tick()
	d := store.Decision{
		ID:        uuid.NewString(),
		QueenID:   in.QueenID,
		Type:      in.Type,
		Context:   in.Context,
		Text:      in.Text,
		Status:    in.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.decisions[d.ID] = d
	return d, nil
}

func (m *Memory) GetDecision(ctx context.Context, id string) (store.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return store.Decision{}, store.ErrNotFound
	}
	return d, nil
}

func (m *Memory) RecentDecisions(ctx context.Context, limit int) ([]store.Decision, error) {
	return m.ListDecisions(ctx, store.DecisionFilter{Limit: limit})
}

func (m *Memory) ListDecisions(ctx context.Context, f store.DecisionFilter) ([]store.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListDecisions"); err != nil {
		return nil, err
	}
	var out []store.Decision
	for _, d := range m.decisions {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) transition(id, to, result string, from ...string) error {
	d, ok := m.decisions[id]
	if !ok {
		return store.ErrNotFound
	}
	for _, s := range from {
		if d.Status == s {
			d.Status = to
			if result != "" {
				d.Result = result
			}
			d.UpdatedAt = m.tick()
			m.decisions[id] = d
			return nil
		}
	}
	return store.ErrConflict
}

func (m *Memory) ApproveDecision(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, store.DecisionApproved, "", store.DecisionPending, store.DecisionApproved)
}

func (m *Memory) RejectDecision(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, store.DecisionRejected, reason, store.DecisionPending, store.DecisionApproved)
}

func (m *Memory) MarkDecisionExecuted(ctx context.Context, id, result, affectedAgentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkDecisionExecuted"); err != nil {
		return err
	}
	d, ok := m.decisions[id]
	if !ok {
		return store.ErrNotFound
	}
	if d.Status == store.DecisionRejected {
		return store.ErrConflict
	}
	d.Status = store.DecisionExecuted
	d.Result = result
	if affectedAgentID != "" {
		d.AffectedAgentID = affectedAgentID
	}
	m.decisions[id] = d
	return nil
}

func (m *Memory) MarkDecisionFailed(ctx context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return store.ErrNotFound
	}
	if d.Status == store.DecisionExecuted || d.Status == store.DecisionRejected {
		return store.ErrConflict
	}
	d.Status = store.DecisionPending
	d.Result = "error: " + message
	m.decisions[id] = d
	return nil
}

func (m *Memory) SetDecisionAffectedAgent(ctx context.Context, id, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return store.ErrNotFound
	}
	d.AffectedAgentID = agentID
	m.decisions[id] = d
	return nil
}

func (m *Memory) AppendLog(ctx context.Context, e store.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.ID = m.seq
	e.CreatedAt = time.Now()
	m.Logs = append(m.Logs, e)
	return nil
}

func (m *Memory) InsertKnowledgeDocument(ctx context.Context, d store.KnowledgeDocument) (store.KnowledgeDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = uuid.NewString()
	d.CreatedAt = m.tick()
	m.docs = append(m.docs, d)
	return d, nil
}

func (m *Memory) ListKnowledgeDocuments(ctx context.Context, limit int) ([]store.KnowledgeDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.KnowledgeDocument(nil), m.docs...), nil
}

func (m *Memory) SearchKnowledge(ctx context.Context, text string, limit int) ([]store.KnowledgeDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.KnowledgeDocument
	needle := strings.ToLower(text)
	for _, d := range m.docs {
		if strings.Contains(strings.ToLower(d.Title+" "+d.Content+" "+d.Category), needle) {
			out = append(out, d)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Agent returns a snapshot without error handling, for assertions.
func (m *Memory) Agent(id string) store.Agent {
	a, _ := m.GetAgent(context.Background(), id)
	return a
}

func (m *Memory) MarkStaleAgentsOffline(ctx context.Context, before time.Time) ([]store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkStaleAgentsOffline"); err != nil {
		return nil, err
	}
	var out []store.Agent
	for id, a := range m.agents {
		if a.Kind != store.KindSubordinate || a.Status != store.AgentOnline || a.LastHeartbeat == nil || !a.LastHeartbeat.Before(before) {
			continue
		}
		a.Status = store.AgentOffline
		a.UpdatedAt = m.tick()
		m.agents[id] = a
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FailStuckTasks(ctx context.Context, before time.Time, message string) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FailStuckTasks"); err != nil {
		return nil, err
	}
	var out []store.Task
	for id, t := range m.tasks {
		if t.Status != store.TaskRunning || t.StartedAt == nil || !t.StartedAt.Before(before) {
			continue
		}
		now := time.Now()
		t.Status = store.TaskError
		t.Result = map[string]interface{}{"error": message}
		t.CompletedAt = &now
		m.tasks[id] = t
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CountLogsSince(ctx context.Context, level string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CountLogsSince"); err != nil {
		return 0, err
	}
	n := 0
	for _, e := range m.Logs {
		if e.Level == level && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// SetHeartbeat overrides an agent's last heartbeat.
func (m *Memory) SetHeartbeat(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.LastHeartbeat = &at
		m.agents[id] = a
	}
}

// SetStartedAt overrides a task's start time.
func (m *Memory) SetStartedAt(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.StartedAt = &at
		m.tasks[id] = t
	}
}

// Task returns a snapshot for assertions.
func (m *Memory) Task(id string) store.Task {
	t, _ := m.GetTask(context.Background(), id)
	return t
}

// Decision returns a snapshot for assertions.
func (m *Memory) Decision(id string) store.Decision {
	d, _ := m.GetDecision(context.Background(), id)
	return d
}

// LogMessages returns the messages of all appended log entries at the given level.
func (m *Memory) LogMessages(level string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.Logs {
		if level == "" || e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}
