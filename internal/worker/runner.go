package worker

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/hive/internal/store"
	"go.uber.org/zap"
)

// taskTimeout bounds a single task so a stalled provider cannot hold a stopping loop forever.
const taskTimeout = 5 * time.Minute

// Run polls until ctx is cancelled. Cancellation is observed between tasks and between cycles;
// a task already handed to the model runs to completion.
func (r *Runtime) Run(ctx context.Context) {
	logger := r.logger()
	logger.Info("worker started", zap.Duration("poll_interval", r.deps.Config.PollInterval))
	r.audit(ctx, store.LogInfo, "worker started: "+r.Agent().Name, nil)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		r.Cycle(ctx)
		timer.Reset(r.deps.Config.PollInterval)
	}
}

// Cycle runs one poll iteration: drain a hint, process the pending batch, heartbeat.
func (r *Runtime) Cycle(ctx context.Context) {
	agent := r.Agent()
	logger := r.logger()
	work := context.WithoutCancel(ctx)

	if r.deps.Hints != nil {
		if id, ok, err := r.deps.Hints.Pop(work, agent.ID); err != nil {
			logger.Debug("hint queue unavailable", zap.Error(err))
		} else if ok {
			logger.Debug("task hint received", zap.String("task_id", id))
		}
	}

	tasks, err := r.deps.Store.PendingTasks(work, agent.ID, r.deps.Config.BatchSize)
	if err != nil {
		logger.Warn("load pending tasks", zap.Error(err))
	}
	for i, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		// keeps a busy batch inside the anomaly monitor's stale window
		if i > 0 {
			r.heartbeat(work, agent.ID)
		}
		tctx, cancel := context.WithTimeout(work, taskTimeout)
		if _, err := r.ProcessTask(tctx, t); err != nil {
			logger.Warn("task failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		cancel()
	}
	r.heartbeat(work, agent.ID)
}

func (r *Runtime) heartbeat(ctx context.Context, id string) {
	if err := r.deps.Store.Heartbeat(ctx, id); err != nil {
		r.logger().Debug("heartbeat", zap.Error(err))
	}
}
