package store

import (
	"context"
	"fmt"
	"time"
)

// Log levels accepted by agent_logs.
const (
	LogInfo    = "info"
	LogWarn    = "warn"
	LogError   = "error"
	LogAction  = "action"
	LogMessage = "message"
)

// LogEntry is one append-only audit line.
type LogEntry struct {
	ID        int64                  `json:"id"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// AppendLog inserts a log entry. Rows in agent_logs are never updated or deleted.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	switch e.Level {
	case LogInfo, LogWarn, LogError, LogAction, LogMessage:
	default:
		return fmt.Errorf("invalid log level %q", e.Level)
	}
	meta, err := marshalJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal log metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO agent_logs (agent_id, level, message, metadata) VALUES ($1,$2,$3,$4)`,
		nullString(e.AgentID), e.Level, e.Message, meta)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// CountLogsSince counts entries of level written at or after since.
func (s *Store) CountLogsSince(ctx context.Context, level string, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_logs WHERE level=$1 AND created_at >= $2`, level, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return n, nil
}
