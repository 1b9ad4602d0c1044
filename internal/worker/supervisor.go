package worker

import (
	"context"
	"sync"

	"github.com/mohammad-safakhou/hive/internal/store"
	"go.uber.org/zap"
)

type handle struct {
	rt      *Runtime
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
	// restart holds a snapshot to start once the stopping loop exits.
	restart *store.Agent
}

// Supervisor owns the set of running subordinate loops, keyed by agent id.
type Supervisor struct {
	deps Deps

	mu      sync.Mutex
	handles map[string]*handle
	wg      sync.WaitGroup
}

// NewSupervisor returns an empty supervisor.
func NewSupervisor(deps Deps) *Supervisor {
	return &Supervisor{deps: deps.withDefaults(), handles: map[string]*handle{}}
}

// Start launches a loop for agent under ctx. It reports false when the agent already has one.
// Cancelling ctx ends the loop without touching the agent's status.
func (s *Supervisor) Start(ctx context.Context, agent store.Agent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[agent.ID]; ok {
		if h.stopped {
			a := agent
			h.restart = &a
		}
		return false
	}
	s.launch(ctx, agent)
	return true
}

// launch must be called with s.mu held.
func (s *Supervisor) launch(ctx context.Context, agent store.Agent) {
	lctx, cancel := context.WithCancel(ctx)
	h := &handle{rt: NewRuntime(agent, s.deps), cancel: cancel, done: make(chan struct{})}
	s.handles[agent.ID] = h
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		h.rt.Run(lctx)
		s.exit(ctx, agent.ID, h)
	}()
}

func (s *Supervisor) exit(parent context.Context, id string, h *handle) {
	s.mu.Lock()
	stopped, restart := h.stopped, h.restart
	if s.handles[id] == h {
		delete(s.handles, id)
	}
	if restart != nil && parent.Err() == nil {
		s.launch(parent, *restart)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !stopped {
		return
	}
	ctx := context.WithoutCancel(parent)
	name := h.rt.Agent().Name
	if err := s.deps.Store.SetAgentStatus(ctx, id, store.AgentOffline); err != nil {
		s.deps.Logger.Warn("set agent offline", zap.String("agent_id", id), zap.Error(err))
	}
	s.deps.Logger.Info("worker stopped", zap.String("agent_id", id), zap.String("agent", name))
	if s.deps.Audit != nil {
		s.deps.Audit.Log(ctx, id, store.LogInfo, "worker stopped: "+name, nil)
	}
}

// Stop asks the agent's loop to end at its next boundary. The loop then marks the agent offline
// and drops its handle. It reports false when no loop is running.
func (s *Supervisor) Stop(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return false
	}
	h.stopped = true
	h.restart = nil
	h.cancel()
	return true
}

// Update swaps the agent snapshot of a running loop. It reports false when no loop is running.
func (s *Supervisor) Update(agent store.Agent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[agent.ID]
	if !ok || h.stopped {
		return false
	}
	h.rt.SetAgent(agent)
	return true
}

// Running reports whether the agent has a live loop.
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return ok && !h.stopped
}

// Active returns the ids of agents with a live loop.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.handles))
	for id, h := range s.handles {
		if !h.stopped {
			out = append(out, id)
		}
	}
	return out
}

// Done returns a channel closed when the agent's current loop exits, or nil when none runs.
func (s *Supervisor) Done(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[id]; ok {
		return h.done
	}
	return nil
}

// Wait blocks until every loop has exited. Cancel the context passed to Start first.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
