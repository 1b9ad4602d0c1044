package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/mohammad-safakhou/hive/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memAppender struct {
	entries []store.LogEntry
	err     error
	ctxErr  error
}

func (m *memAppender) AppendLog(ctx context.Context, e store.LogEntry) error {
	m.ctxErr = ctx.Err()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func TestSinkPersistsAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	app := &memAppender{}
	s := New(app, zap.New(core))

	s.Log(context.Background(), "a-1", store.LogWarn, "paid path used", map[string]interface{}{"reason": "forced"})

	require.Len(t, app.entries, 1)
	assert.Equal(t, "a-1", app.entries[0].AgentID)
	assert.Equal(t, store.LogWarn, app.entries[0].Level)
	require.Equal(t, 1, logs.FilterMessage("paid path used").Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
}

func TestSinkSwallowsStoreErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := New(&memAppender{err: errors.New("db down")}, zap.New(core))
	s.Log(context.Background(), "a-1", store.LogInfo, "worker started", nil)
	assert.Equal(t, 1, logs.FilterMessage("audit append failed").Len())
}

func TestSinkSurvivesCancelledContext(t *testing.T) {
	app := &memAppender{}
	s := New(app, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Log(ctx, "a-1", store.LogInfo, "worker stopped", nil)
	require.Len(t, app.entries, 1)
	assert.NoError(t, app.ctxErr)
}
