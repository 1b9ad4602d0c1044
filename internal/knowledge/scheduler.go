package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const resyncLockKey = "sched:lock:knowledge-resync"

// Scheduler rebuilds the connector's index on a cron schedule. When a Redis client is set,
// a short lock keeps several replicas from hammering the database at the same minute.
type Scheduler struct {
	Connector *Connector
	Cron      string
	Rdb       *redis.Client
	Logger    *zap.Logger
}

// NextRun returns the next fire time after from.
func NextRun(spec string, from time.Time) (time.Time, error) {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", spec, err)
	}
	next := expr.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q never fires", spec)
	}
	return next, nil
}

// Run blocks until ctx is done, resyncing at every scheduled time.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("knowledge-scheduler")
	if _, err := NextRun(s.Cron, time.Now()); err != nil {
		return err
	}
	for {
		next, _ := NextRun(s.Cron, time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		s.tick(ctx, logger)
	}
}

func (s *Scheduler) tick(ctx context.Context, logger *zap.Logger) {
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, resyncLockKey, "1", 50*time.Second).Result()
		if err != nil {
			logger.Warn("resync lock failed", zap.Error(err))
		} else if !ok {
			return
		}
	}
	if _, err := s.Connector.Resync(ctx); err != nil {
		logger.Warn("knowledge resync failed", zap.Error(err))
	}
}
