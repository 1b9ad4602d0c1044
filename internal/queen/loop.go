package queen

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/hive/internal/store"
	"go.uber.org/zap"
)

// taskTimeout bounds one queen task, model fallback included.
const taskTimeout = 5 * time.Minute

// Loop works the queen's own task queue: operator tasks and subordinate escalations.
type Loop struct {
	ctrl    *Controller
	queenID string
}

// NewLoop returns a loop for the queen with the given id.
func NewLoop(ctrl *Controller, queenID string) *Loop {
	return &Loop{ctrl: ctrl, queenID: queenID}
}

// Run marks the queen online and polls until ctx is done, then marks it offline.
func (l *Loop) Run(ctx context.Context) error {
	c := l.ctrl
	logger := c.logger.With(zap.String("queen_id", l.queenID))
	if err := c.store.SetAgentStatus(ctx, l.queenID, store.AgentOnline); err != nil {
		return fmt.Errorf("mark queen online: %w", err)
	}
	logger.Info("queen loop started", zap.Duration("poll_interval", c.cfg.PollInterval))
	c.log(ctx, l.queenID, store.LogInfo, "queen loop started", nil)

	defer func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.store.SetAgentStatus(bg, l.queenID, store.AgentOffline); err != nil {
			logger.Warn("mark queen offline", zap.Error(err))
		}
		logger.Info("queen loop stopped")
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		l.Cycle(ctx)
		timer.Reset(c.cfg.PollInterval)
	}
}

// Cycle processes one batch of queen tasks, re-runs approved decisions and heartbeats.
func (l *Loop) Cycle(ctx context.Context) {
	c := l.ctrl
	work := context.WithoutCancel(ctx)
	tasks, err := c.store.PendingTasks(work, l.queenID, c.cfg.BatchSize)
	if err != nil {
		c.logger.Warn("load queen tasks", zap.Error(err))
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		tctx, cancel := context.WithTimeout(work, taskTimeout)
		err := l.processTask(tctx, t)
		cancel()
		if err != nil {
			c.logger.Warn("queen task failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	if n, err := c.RunApproved(work); err != nil {
		c.logger.Warn("run approved decisions", zap.Error(err))
	} else if n > 0 {
		c.logger.Info("approved decisions executed", zap.Int("count", n))
	}
	if err := c.store.Heartbeat(work, l.queenID); err != nil {
		c.logger.Debug("queen heartbeat", zap.Error(err))
	}
}

func (l *Loop) processTask(ctx context.Context, t store.Task) (err error) {
	c := l.ctrl
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if ferr := c.store.FailTask(sctx, t.ID, err.Error()); ferr != nil {
				c.logger.Error("record queen task failure", zap.String("task_id", t.ID), zap.Error(ferr))
			}
			c.log(sctx, l.queenID, store.LogError, "task failed: "+err.Error(), map[string]interface{}{"task_id": t.ID})
		}
	}()
	if err := c.store.MarkTaskRunning(ctx, t.ID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	resp, err := c.ProcessMessage(ctx, l.queenID, taskMessage(t))
	if err != nil {
		return err
	}
	result := map[string]interface{}{"message": resp.Message}
	if resp.Action != nil {
		result["action"] = string(resp.Action.Type())
		result["decision_id"] = resp.DecisionID
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.store.CompleteTask(sctx, t.ID, result); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// taskMessage renders a task as the user turn. Escalations carry the subordinate's attempt.
func taskMessage(t store.Task) string {
	content := t.Content()
	if t.Type != store.TaskTypeEscalation || t.Input == nil {
		return content
	}
	name, _ := t.Input["subordinate_name"].(string)
	answer, _ := t.Input["subordinate_response"].(string)
	if name == "" && answer == "" {
		return content
	}
	return fmt.Sprintf("Escalation from %s.\n\nOriginal request:\n%s\n\nTheir answer:\n%s", name, content, answer)
}
