package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/hive/internal/changefeed"
	"github.com/mohammad-safakhou/hive/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("hive"),
		tcPostgres.WithUsername("hive"),
		tcPostgres.WithPassword("hive"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://hive:hive@%s:%s/hive?sslmode=disable", host, port.Port())
}

func TestPostgresRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	dsn := startPostgres(t, ctx)
	// the listening port can open before the server accepts connections
	var err error
	for i := 0; i < 20; i++ {
		if err = store.Migrate("file://../../migrations", dsn, "up", 0); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	require.NoError(t, err, "apply migrations")
	require.NoError(t, store.Migrate("file://../../migrations", dsn, "up", 0), "second run is a no-op")

	st, err := store.NewWithDSN(ctx, dsn)
	require.NoError(t, err)
	defer st.Close()

	feed := changefeed.New(dsn, nil)
	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	events, err := feed.Subscribe(subCtx, "agents", changefeed.Filter{Types: []string{changefeed.EventInsert, changefeed.EventUpdate}})
	require.NoError(t, err)

	queen, err := st.CreateAgent(ctx, store.NewAgent{Kind: store.KindQueen, Name: "Sophia", Config: map[string]interface{}{"decision_mode": "auto"}})
	require.NoError(t, err)
	assert.Equal(t, store.DecisionModeAuto, queen.DecisionMode())
	_, err = st.CreateAgent(ctx, store.NewAgent{Kind: store.KindQueen, Name: "Second"})
	assert.Error(t, err, "only one queen")

	anna, err := st.CreateAgent(ctx, store.NewAgent{
		Name:          "Anna",
		ParentID:      queen.ID,
		ModelProvider: "ollama",
		ModelName:     "llama3.1:8b",
		Channels:      []string{"whatsapp", "email"},
		Config:        map[string]interface{}{"decision_id": "d-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"whatsapp", "email"}, anna.Channels)

	ev := waitEvent(t, events, anna.ID)
	assert.Equal(t, changefeed.EventInsert, ev.Type)

	found, ok, err := st.FindAgentByDecision(ctx, "d-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, anna.ID, found.ID)

	prompt := "You answer billing questions."
	updated, err := st.UpdateAgent(ctx, anna.ID, store.AgentPatch{SystemPrompt: &prompt, Config: map[string]interface{}{"tone": "warm"}})
	require.NoError(t, err)
	assert.Equal(t, prompt, updated.SystemPrompt)
	assert.Equal(t, "d-1", updated.Config["decision_id"], "config is merged")
	ev = waitEvent(t, events, anna.ID)
	assert.Equal(t, changefeed.EventUpdate, ev.Type)

	// prompts past the NOTIFY payload cap still save and still notify
	long := strings.Repeat("Escalate refunds above 500 to the queen. ", 250)
	_, err = st.UpdateAgent(ctx, anna.ID, store.AgentPatch{SystemPrompt: &long})
	require.NoError(t, err)
	ev = waitEvent(t, events, anna.ID)
	assert.Less(t, len(ev.Record), 512)

	_, err = st.CreateAgent(ctx, store.NewAgent{Name: "Anna again", ParentID: queen.ID, Config: map[string]interface{}{"decision_id": "d-1"}})
	assert.ErrorIs(t, err, store.ErrConflict, "one agent per decision")

	// tasks come back highest priority first, then oldest
	low, created, err := st.CreateTask(ctx, store.NewTask{AgentID: anna.ID, Title: "low", Priority: store.Priority(2)})
	require.NoError(t, err)
	require.True(t, created)
	high, _, err := st.CreateTask(ctx, store.NewTask{AgentID: anna.ID, Title: "high", Priority: store.Priority(9)})
	require.NoError(t, err)
	pending, err := st.PendingTasks(ctx, anna.ID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, []string{high.ID, low.ID}, []string{pending[0].ID, pending[1].ID})

	esc := store.NewTask{AgentID: queen.ID, Title: "[Escalacao Anna] refund", Type: store.TaskTypeEscalation, Priority: store.Priority(7), IdempotencyKey: "escalation:" + low.ID}
	first, created, err := st.CreateTask(ctx, esc)
	require.NoError(t, err)
	require.True(t, created)
	again, created, err := st.CreateTask(ctx, esc)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	require.NoError(t, st.MarkTaskRunning(ctx, low.ID))
	require.NoError(t, st.CompleteTask(ctx, low.ID, map[string]interface{}{"message": "done", "escalated": true}))
	got, err := st.GetTask(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.Status)
	assert.Equal(t, true, got.Result["escalated"])
	require.NotNil(t, got.CompletedAt)

	d, err := st.CreateDecision(ctx, store.NewDecision{QueenID: queen.ID, Type: "pause_agent", Text: "pause"})
	require.NoError(t, err)
	assert.Equal(t, store.DecisionPending, d.Status)
	require.NoError(t, st.ApproveDecision(ctx, d.ID))
	require.NoError(t, st.MarkDecisionExecuted(ctx, d.ID, "agent paused: "+anna.ID, anna.ID))
	assert.ErrorIs(t, st.RejectDecision(ctx, d.ID, "late"), store.ErrConflict)
	d, err = st.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DecisionExecuted, d.Status)
	assert.Equal(t, anna.ID, d.AffectedAgentID)

	require.NoError(t, st.SoftDeleteAgent(ctx, anna.ID, "retired"))
	deleted, err := st.GetAgent(ctx, anna.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted())
	assert.Equal(t, store.AgentOffline, deleted.Status)

	require.NoError(t, st.AdjustActiveTasks(ctx, queen.ID, -3))
	q, err := st.GetAgent(ctx, queen.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, q.ActiveTasks, "counter never goes negative")

	counts, err := st.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[store.TaskPending])
	assert.Equal(t, 1, counts[store.TaskCompleted])

	_, err = st.GetAgent(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func waitEvent(t *testing.T, events <-chan changefeed.Event, agentID string) changefeed.Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "change feed closed")
			var rec struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(ev.Record, &rec); err == nil && rec.ID == agentID {
				return ev
			}
		case <-timeout:
			t.Fatalf("no change event for %s", agentID)
		}
	}
}
