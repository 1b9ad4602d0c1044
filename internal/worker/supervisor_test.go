package worker

import (
	"context"
	"testing"
	"time"

	"github.com/mohammad-safakhou/hive/config"
	"github.com/mohammad-safakhou/hive/internal/store"
	"github.com/mohammad-safakhou/hive/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestSupervisor(t *testing.T, chat *fakeChatter) (*storetest.Memory, store.Agent, *Supervisor) {
	t.Helper()
	mem := storetest.NewMemory()
	queen := mem.SeedQueen("Sophia", store.DecisionModeSemiAuto)
	sup := NewSupervisor(Deps{
		Store:  mem,
		LLM:    chat,
		Config: config.WorkerConfig{PollInterval: 10 * time.Millisecond, Temperature: 0.3},
	})
	return mem, queen, sup
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	require.NotNil(t, ch)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
}

func TestSupervisorStartStop(t *testing.T) {
	chat := &fakeChatter{reply: replyWith("done")}
	mem, queen, sup := newTestSupervisor(t, chat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := mem.CreateAgent(ctx, store.NewAgent{Name: "Anna", ParentID: queen.ID})
	require.NoError(t, err)
	task := newTask(t, mem, sub.ID, "hello", 5)

	require.True(t, sup.Start(ctx, sub))
	assert.False(t, sup.Start(ctx, sub), "second start must be a no-op")
	assert.Equal(t, []string{sub.ID}, sup.Active())

	require.Eventually(t, func() bool {
		return mem.Task(task.ID).Status == store.TaskCompleted
	}, 2*time.Second, 5*time.Millisecond)

	done := sup.Done(sub.ID)
	require.True(t, sup.Stop(sub.ID))
	waitClosed(t, done)

	assert.False(t, sup.Running(sub.ID))
	assert.False(t, sup.Stop(sub.ID))
	assert.Equal(t, store.AgentOffline, mem.Agent(sub.ID).Status)

	// no further transitions once stopped
	later := newTask(t, mem, sub.ID, "after stop", 5)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, store.TaskPending, mem.Task(later.ID).Status)

	cancel()
	sup.Wait()
}

func TestSupervisorUpdateSwapsSnapshot(t *testing.T) {
	chat := &fakeChatter{reply: replyWith("done")}
	mem, queen, sup := newTestSupervisor(t, chat)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := mem.CreateAgent(ctx, store.NewAgent{Name: "Rex", ParentID: queen.ID, ModelName: "llama3.1:8b"})
	require.NoError(t, err)
	require.True(t, sup.Start(ctx, sub))

	sub.ModelName = "qwen2.5:7b"
	require.True(t, sup.Update(sub))
	task := newTask(t, mem, sub.ID, "hello", 5)
	require.Eventually(t, func() bool {
		return mem.Task(task.ID).Status == store.TaskCompleted
	}, 2*time.Second, 5*time.Millisecond)

	calls := chat.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "qwen2.5:7b", calls[len(calls)-1].Model)

	cancel()
	sup.Wait()
	// shutdown leaves the registry status alone so the next start resumes the agent
	assert.Equal(t, store.AgentOnline, mem.Agent(sub.ID).Status)
	assert.Empty(t, sup.Active())
}

func TestSupervisorRestartWhileStopping(t *testing.T) {
	chat := &fakeChatter{reply: replyWith("done")}
	mem, queen, sup := newTestSupervisor(t, chat)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := mem.CreateAgent(ctx, store.NewAgent{Name: "Rex", ParentID: queen.ID})
	require.NoError(t, err)
	require.True(t, sup.Start(ctx, sub))
	first := sup.Done(sub.ID)

	sup.Stop(sub.ID)
	sup.Start(ctx, sub)
	waitClosed(t, first)

	require.Eventually(t, func() bool { return sup.Running(sub.ID) }, 2*time.Second, 5*time.Millisecond)

	cancel()
	sup.Wait()
}
