package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestCreateAgentRequiresParentForSubordinate(t *testing.T) {
	st, mock := newMockStore(t)
	if _, err := st.CreateAgent(context.Background(), NewAgent{Name: "anna"}); err == nil {
		t.Fatalf("expected error for subordinate without parent")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateAgent(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO agents (kind, name, description, status, model_provider, model_name, system_prompt, channels, config, parent_id)`)).
		WithArgs(KindSubordinate, "anna", "", AgentOnline, "ollama", "llama3.1:8b", "", sqlmock.AnyArg(), sqlmock.AnyArg(), "queen-1").
		WillReturnRows(agentRow(sqlmock.NewRows(agentCols), "agent-1", KindSubordinate, "anna", AgentOnline, "queen-1", `{"decision_id":"d-1"}`))

	a, err := st.CreateAgent(context.Background(), NewAgent{
		Name:          "anna",
		ModelProvider: "ollama",
		ModelName:     "llama3.1:8b",
		ParentID:      "queen-1",
		Config:        map[string]interface{}{"decision_id": "d-1"},
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if a.ID != "agent-1" || a.ParentID != "queen-1" {
		t.Fatalf("unexpected agent %+v", a)
	}
	if len(a.Channels) != 1 || a.Channels[0] != "whatsapp" {
		t.Fatalf("unexpected channels %v", a.Channels)
	}
	if a.Config["decision_id"] != "d-1" {
		t.Fatalf("unexpected config %v", a.Config)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM agents WHERE id=$1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(agentCols))

	_, err := st.GetAgent(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAgentsFilterAndOrder(t *testing.T) {
	st, mock := newMockStore(t)
	rows := sqlmock.NewRows(agentCols)
	agentRow(rows, "q", KindQueen, "Sophia", AgentOnline, "", `{"decision_mode":"auto"}`)
	agentRow(rows, "s", KindSubordinate, "anna", AgentOnline, "q", `{}`)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM agents WHERE status=$1 ORDER BY kind ASC, created_at ASC`)).
		WithArgs(AgentOnline).
		WillReturnRows(rows)

	agents, err := st.ListAgents(context.Background(), AgentFilter{Status: AgentOnline})
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 2 || agents[0].Kind != KindQueen {
		t.Fatalf("unexpected agents %+v", agents)
	}
	if agents[0].DecisionMode() != DecisionModeAuto {
		t.Fatalf("expected auto decision mode")
	}
	if agents[1].DecisionMode() != DecisionModeSemiAuto {
		t.Fatalf("expected semi-auto default")
	}
}

func TestUpdateAgentMergesConfig(t *testing.T) {
	st, mock := newMockStore(t)
	prompt := "you are a careful support agent"
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE agents SET system_prompt=$1, config=config || $2::jsonb, updated_at=NOW() WHERE id=$3`)).
		WithArgs(prompt, sqlmock.AnyArg(), "agent-1").
		WillReturnRows(agentRow(sqlmock.NewRows(agentCols), "agent-1", KindSubordinate, "anna", AgentOnline, "q", `{"tone":"warm"}`))

	a, err := st.UpdateAgent(context.Background(), "agent-1", AgentPatch{
		SystemPrompt: &prompt,
		Config:       map[string]interface{}{"tone": "warm"},
	})
	if err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	if a.Config["tone"] != "warm" {
		t.Fatalf("unexpected config %v", a.Config)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSoftDeleteAgent(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE agents SET status='offline', config=config || $1::jsonb, updated_at=NOW() WHERE id=$2`)).
		WithArgs(sqlmock.AnyArg(), "agent-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SoftDeleteAgent(context.Background(), "agent-1", "redundant"); err != nil {
		t.Fatalf("SoftDeleteAgent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetAgentStatusNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE agents SET status=$1, updated_at=NOW() WHERE id=$2`)).
		WithArgs(AgentPaused, "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.SetAgentStatus(context.Background(), "ghost", AgentPaused); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindAgentByDecision(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE config->>'decision_id'=$1`)).
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows(agentCols))

	_, ok, err := st.FindAgentByDecision(context.Background(), "d-1")
	if err != nil || ok {
		t.Fatalf("expected no agent, got ok=%v err=%v", ok, err)
	}
}

func TestCreateAgentDuplicateDecisionConflicts(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO agents`)).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "agents_decision_unique"})

	_, err := st.CreateAgent(context.Background(), NewAgent{
		Name:     "anna",
		ParentID: "queen-1",
		Config:   map[string]interface{}{"decision_id": "d-1"},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMarkStaleAgentsOffline(t *testing.T) {
	st, mock := newMockStore(t)
	before := time.Now().Add(-10 * time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE kind='subordinate' AND status='online' AND last_heartbeat < $1`)).
		WithArgs(before).
		WillReturnRows(agentRow(sqlmock.NewRows(agentCols), "agent-1", KindSubordinate, "anna", AgentOffline, "queen-1", `{}`))

	agents, err := st.MarkStaleAgentsOffline(context.Background(), before)
	if err != nil {
		t.Fatalf("MarkStaleAgentsOffline: %v", err)
	}
	if len(agents) != 1 || agents[0].Status != AgentOffline {
		t.Fatalf("unexpected agents %+v", agents)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
