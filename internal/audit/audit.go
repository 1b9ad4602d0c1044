// Package audit writes the persistent agent log trail alongside the process log.
package audit

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/hive/internal/store"
	"go.uber.org/zap"
)

// Appender persists log entries.
type Appender interface {
	AppendLog(ctx context.Context, e store.LogEntry) error
}

// Sink mirrors every entry to zap and to agent_logs. Persistence failures are logged and dropped.
type Sink struct {
	store   Appender
	logger  *zap.Logger
	timeout time.Duration
}

// New returns a Sink. st may be nil, in which case entries only reach zap.
func New(st Appender, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: st, logger: logger.Named("audit"), timeout: 5 * time.Second}
}

// Log records one entry. It never fails: the audit trail must not break the caller.
func (s *Sink) Log(ctx context.Context, agentID, level, message string, metadata map[string]interface{}) {
	fields := []zap.Field{zap.String("agent_id", agentID)}
	if len(metadata) > 0 {
		fields = append(fields, zap.Any("metadata", metadata))
	}
	switch level {
	case store.LogError:
		s.logger.Error(message, fields...)
	case store.LogWarn:
		s.logger.Warn(message, fields...)
	default:
		s.logger.Info(message, append(fields, zap.String("level", level))...)
	}
	if s.store == nil {
		return
	}
	// entries written during shutdown must still land
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.store.AppendLog(wctx, store.LogEntry{
		AgentID:  agentID,
		Level:    level,
		Message:  message,
		Metadata: metadata,
	}); err != nil {
		s.logger.Warn("audit append failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}
