package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestMarkDecisionFailedReturnsToPending(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id=$2 AND status NOT IN ('executed','rejected')`)).
		WithArgs("error: agent not found", "d-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.MarkDecisionFailed(context.Background(), "d-1", "agent not found"); err != nil {
		t.Fatalf("MarkDecisionFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkDecisionFailedKeepsExecutedDecision(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE decisions SET status='pending'`)).
		WithArgs("error: context canceled", "d-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM decisions WHERE id=$1`)).
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows(decisionCols).
			AddRow("d-1", "q", "create_agent", "", "{}", DecisionExecuted, "agent created", "a-1", now, now))

	err := st.MarkDecisionFailed(context.Background(), "d-1", "context canceled")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkDecisionExecutedKeepsRejection(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id=$3 AND status <> 'rejected'`)).
		WithArgs("agent paused: a-1", "a-1", "d-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM decisions WHERE id=$1`)).
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows(decisionCols).
			AddRow("d-1", "q", "pause_agent", "", "{}", DecisionRejected, "not needed", nil, now, now))

	err := st.MarkDecisionExecuted(context.Background(), "d-1", "agent paused: a-1", "a-1")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRejectExecutedDecisionConflicts(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE decisions SET status=$1`)).
		WithArgs(DecisionRejected, "not needed", "d-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM decisions WHERE id=$1`)).
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows(decisionCols).
			AddRow("d-1", "q", "create_agent", "", "{}", DecisionExecuted, "agent created", nil, now, now))

	err := st.RejectDecision(context.Background(), "d-1", "not needed")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestListDecisionsByStatus(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM decisions WHERE status=$1 ORDER BY created_at DESC LIMIT $2`)).
		WithArgs(DecisionApproved, 10).
		WillReturnRows(sqlmock.NewRows(decisionCols).
			AddRow("d-1", "q", "pause_agent", "ctx", `{"action":"pause_agent"}`, DecisionApproved, nil, "a-1", now, now))

	ds, err := st.ListDecisions(context.Background(), DecisionFilter{Status: DecisionApproved, Limit: 10})
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(ds) != 1 || ds[0].AffectedAgentID != "a-1" || ds[0].Result != "" {
		t.Fatalf("unexpected decisions %+v", ds)
	}
}
