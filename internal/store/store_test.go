package store

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

var agentCols = []string{"id", "kind", "name", "description", "status", "model_provider", "model_name", "system_prompt", "channels", "config", "parent_id", "active_tasks", "last_heartbeat", "created_at", "updated_at"}

var taskCols = []string{"id", "agent_id", "title", "description", "type", "priority", "status", "input", "result", "idempotency_key", "created_at", "started_at", "completed_at"}

var decisionCols = []string{"id", "queen_id", "decision_type", "context", "decision_text", "status", "result", "affected_agent_id", "created_at", "updated_at"}

func agentRow(rows *sqlmock.Rows, id, kind, name, status, parent string, cfg string) *sqlmock.Rows {
	now := time.Now()
	var parentVal interface{}
	if parent != "" {
		parentVal = parent
	}
	return rows.AddRow(id, kind, name, "", status, "ollama", "llama3.1:8b", "", "{whatsapp}", []byte(cfg), parentVal, 0, nil, now, now)
}
