// Package anomaly sweeps the registry for stale agents, stuck tasks and error bursts, and files
// an alert task for the queen when it finds any.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/hive/config"
	"github.com/mohammad-safakhou/hive/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockKey = "sched:lock:anomaly-monitor"

// Store is the registry surface a sweep touches.
type Store interface {
	MarkStaleAgentsOffline(ctx context.Context, before time.Time) ([]store.Agent, error)
	FailStuckTasks(ctx context.Context, before time.Time, message string) ([]store.Task, error)
	AdjustActiveTasks(ctx context.Context, id string, delta int) error
	CountLogsSince(ctx context.Context, level string, since time.Time) (int, error)
	GetQueen(ctx context.Context) (store.Agent, error)
	CreateTask(ctx context.Context, in store.NewTask) (store.Task, bool, error)
}

// Auditor records the sweep outcome in the agent log.
type Auditor interface {
	Log(ctx context.Context, agentID, level, message string, metadata map[string]interface{})
}

// Report is the outcome of one sweep.
type Report struct {
	StaleAgents  []store.Agent
	StuckTasks   []store.Task
	RecentErrors int
	Alerts       []string
	AlertTask    *store.Task
}

// Monitor runs Sweep on a cron schedule.
type Monitor struct {
	store  Store
	audit  Auditor
	rdb    *redis.Client
	cfg    config.MonitorConfig
	logger *zap.Logger
	now    func() time.Time
}

// Options carries the optional collaborators.
type Options struct {
	Audit  Auditor
	Redis  *redis.Client
	Logger *zap.Logger
}

// New returns a Monitor.
func New(st Store, cfg config.MonitorConfig, opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{store: st, audit: opts.Audit, rdb: opts.Redis, cfg: cfg, logger: logger.Named("anomaly"), now: time.Now}
}

// Run blocks until ctx is done, sweeping at every scheduled time. With a Redis client set only
// one replica sweeps per slot.
func (m *Monitor) Run(ctx context.Context) error {
	expr, err := cronexpr.Parse(m.cfg.Cron)
	if err != nil {
		return fmt.Errorf("parse monitor cron %q: %w", m.cfg.Cron, err)
	}
	for {
		next := expr.Next(m.now())
		if next.IsZero() {
			return fmt.Errorf("monitor cron %q never fires", m.cfg.Cron)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if !m.lock(ctx) {
			continue
		}
		r, err := m.Sweep(ctx)
		if err != nil {
			m.logger.Warn("anomaly sweep failed", zap.Error(err))
			continue
		}
		if len(r.Alerts) > 0 {
			m.logger.Info("anomaly sweep", zap.Int("alerts", len(r.Alerts)),
				zap.Int("stale_agents", len(r.StaleAgents)), zap.Int("stuck_tasks", len(r.StuckTasks)))
		}
	}
}

func (m *Monitor) lock(ctx context.Context) bool {
	if m.rdb == nil {
		return true
	}
	ok, err := m.rdb.SetNX(ctx, lockKey, "1", 50*time.Second).Result()
	if err != nil {
		m.logger.Warn("monitor lock failed", zap.Error(err))
		return true
	}
	return ok
}

// Sweep marks stale subordinates offline, fails stuck tasks and counts recent errors. When any
// of those finds something, one alert task is filed for the queen.
func (m *Monitor) Sweep(ctx context.Context) (Report, error) {
	var r Report
	now := m.now()

	stale, err := m.store.MarkStaleAgentsOffline(ctx, now.Add(-m.cfg.StaleAfter))
	if err != nil {
		return r, err
	}
	r.StaleAgents = stale
	for _, a := range stale {
		last := "never"
		if a.LastHeartbeat != nil {
			last = a.LastHeartbeat.UTC().Format(time.RFC3339)
		}
		r.Alerts = append(r.Alerts, fmt.Sprintf("Agent %s sent no heartbeat for over %s (last: %s), marked offline", a.Name, m.cfg.StaleAfter, last))
	}

	stuck, err := m.store.FailStuckTasks(ctx, now.Add(-m.cfg.StuckAfter), fmt.Sprintf("timeout: task running for more than %s", m.cfg.StuckAfter))
	if err != nil {
		return r, err
	}
	r.StuckTasks = stuck
	for _, t := range stuck {
		if err := m.store.AdjustActiveTasks(ctx, t.AgentID, -1); err != nil {
			m.logger.Warn("release stuck task slot", zap.String("task_id", t.ID), zap.Error(err))
		}
		r.Alerts = append(r.Alerts, fmt.Sprintf("Task %q stuck for over %s, marked as error", t.Title, m.cfg.StuckAfter))
	}

	n, err := m.store.CountLogsSince(ctx, store.LogError, now.Add(-m.cfg.ErrorWindow))
	if err != nil {
		return r, err
	}
	r.RecentErrors = n
	if n > m.cfg.ErrorThreshold {
		r.Alerts = append(r.Alerts, fmt.Sprintf("High error volume: %d errors in the last %s", n, m.cfg.ErrorWindow))
	}

	if len(r.Alerts) == 0 {
		return r, nil
	}
	q, err := m.store.GetQueen(ctx)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("anomalies found but no queen to alert", zap.Strings("alerts", r.Alerts))
		return r, nil
	}
	if err != nil {
		return r, fmt.Errorf("load queen: %w", err)
	}
	text := strings.Join(r.Alerts, "\n")
	if m.audit != nil {
		m.audit.Log(ctx, q.ID, store.LogWarn, fmt.Sprintf("[monitor] %d anomalies detected", len(r.Alerts)), map[string]interface{}{"alerts": r.Alerts})
	}
	t, _, err := m.store.CreateTask(ctx, store.NewTask{
		AgentID:     q.ID,
		Title:       fmt.Sprintf("[alert] %d anomalies detected", len(r.Alerts)),
		Description: text,
		Type:        store.TaskTypeAlert,
		Priority:    store.Priority(m.cfg.AlertPriority),
		Input: map[string]interface{}{
			"content": "Anomalies detected by the monitor:\n\n" + text + "\n\nAnalyse them and suggest actions.",
			"alerts":  r.Alerts,
		},
		IdempotencyKey: "anomaly:" + now.UTC().Truncate(time.Minute).Format(time.RFC3339),
	})
	if err != nil {
		return r, fmt.Errorf("file alert task: %w", err)
	}
	r.AlertTask = &t
	return r, nil
}
