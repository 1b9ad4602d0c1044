// Package lifecycle keeps the set of running subordinate loops in step with the agent registry.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/hive/internal/changefeed"
	"github.com/mohammad-safakhou/hive/internal/store"
	"go.uber.org/zap"
)

// Registry lists and loads agents.
type Registry interface {
	ListAgents(ctx context.Context, f store.AgentFilter) ([]store.Agent, error)
	GetAgent(ctx context.Context, id string) (store.Agent, error)
}

// Feed streams registry change events.
type Feed interface {
	Subscribe(ctx context.Context, table string, filter changefeed.Filter) (<-chan changefeed.Event, error)
}

// Supervisor starts and stops loops.
type Supervisor interface {
	Start(ctx context.Context, agent store.Agent) bool
	Stop(id string) bool
	Update(agent store.Agent) bool
	Running(id string) bool
	Active() []string
}

// Synchronizer applies registry changes to the supervisor.
type Synchronizer struct {
	registry Registry
	feed     Feed
	sup      Supervisor
	logger   *zap.Logger
	retry    time.Duration
}

// New returns a synchronizer.
func New(reg Registry, feed Feed, sup Supervisor, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{registry: reg, feed: feed, sup: sup, logger: logger.Named("lifecycle"), retry: 5 * time.Second}
}

// Run reconciles once, then follows the agents change feed until ctx is done. A dropped
// subscription is re-established and followed by a fresh reconcile.
func (s *Synchronizer) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		s.logger.Warn("initial reconcile", zap.Error(err))
	}
	for {
		events, err := s.feed.Subscribe(ctx, "agents", changefeed.Filter{})
		if err != nil {
			s.logger.Warn("subscribe agents feed", zap.Error(err))
		} else {
			for ev := range events {
				s.Apply(ctx, ev)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.retry):
		}
		if err := s.Reconcile(ctx); err != nil {
			s.logger.Warn("reconcile after resubscribe", zap.Error(err))
		}
	}
}

func runnable(a store.Agent) bool {
	return a.Kind == store.KindSubordinate && a.Status == store.AgentOnline && !a.Deleted()
}

// Apply handles one change event.
func (s *Synchronizer) Apply(ctx context.Context, ev changefeed.Event) {
	if ev.Type == changefeed.EventResync {
		if err := s.Reconcile(ctx); err != nil {
			s.logger.Warn("reconcile on resync", zap.Error(err))
		}
		return
	}
	// the notification only names the row; the current state is reloaded
	var ref struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(ev.Record, &ref); err != nil {
		s.logger.Warn("decode agent record", zap.Error(err))
		return
	}
	if ref.ID == "" || (ref.Kind != "" && ref.Kind != store.KindSubordinate) {
		return
	}
	a, err := s.registry.GetAgent(ctx, ref.ID)
	if errors.Is(err, store.ErrNotFound) {
		s.sup.Stop(ref.ID)
		return
	}
	if err != nil {
		s.logger.Warn("reload agent", zap.String("agent_id", ref.ID), zap.Error(err))
		return
	}
	if a.Kind != store.KindSubordinate {
		return
	}
	switch ev.Type {
	case changefeed.EventInsert:
		if runnable(a) && s.sup.Start(ctx, a) {
			s.logger.Info("new subordinate started", zap.String("agent_id", a.ID), zap.String("agent", a.Name))
		}
	case changefeed.EventUpdate:
		switch {
		case !runnable(a):
			if s.sup.Stop(a.ID) {
				s.logger.Info("subordinate stopping", zap.String("agent_id", a.ID), zap.String("status", a.Status))
			}
		case !s.sup.Running(a.ID):
			if s.sup.Start(ctx, a) {
				s.logger.Info("subordinate resumed", zap.String("agent_id", a.ID))
			}
		default:
			s.sup.Update(a)
		}
	}
}

// Reconcile starts every runnable subordinate without a loop, refreshes running ones and stops
// loops whose agent is no longer runnable.
func (s *Synchronizer) Reconcile(ctx context.Context) error {
	agents, err := s.registry.ListAgents(ctx, store.AgentFilter{Kind: store.KindSubordinate})
	if err != nil {
		return fmt.Errorf("list subordinates: %w", err)
	}
	want := make(map[string]bool, len(agents))
	started := 0
	for _, a := range agents {
		if !runnable(a) {
			continue
		}
		want[a.ID] = true
		if s.sup.Running(a.ID) {
			s.sup.Update(a)
			continue
		}
		if s.sup.Start(ctx, a) {
			started++
		}
	}
	stopped := 0
	for _, id := range s.sup.Active() {
		if !want[id] && s.sup.Stop(id) {
			stopped++
		}
	}
	s.logger.Info("reconciled subordinates", zap.Int("runnable", len(want)), zap.Int("started", started), zap.Int("stopped", stopped))
	return nil
}
