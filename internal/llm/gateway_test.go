package llm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/hive/internal/budget"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name   string
	online bool
	err    error
	text   string
	mu     sync.Mutex
	calls  int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Chat(ctx context.Context, msg string, opts Options) (Completion, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return Completion{}, f.err
	}
	return Completion{Text: f.text, Provider: f.name, InputTokens: 1000, OutputTokens: 1000}, nil
}

func (f *fakeProvider) Status(ctx context.Context) Status {
	return Status{Provider: f.name, Online: f.online}
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordingAuditor) Log(ctx context.Context, agentID, level, message string, metadata map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, level+":"+message)
}

func TestQueenChatUsesPrimaryWhenOnline(t *testing.T) {
	primary := &fakeProvider{name: "ollama", online: true, text: "local"}
	paid := &fakeProvider{name: "anthropic", online: true, text: "paid"}
	g, err := NewGateway(primary, paid, GatewayOptions{})
	require.NoError(t, err)

	c, err := g.QueenChat(context.Background(), "hi", Options{})
	require.NoError(t, err)
	assert.Equal(t, "local", c.Text)
	assert.False(t, c.Paid)
	assert.Zero(t, paid.Calls())
}

func TestQueenChatFallsBack(t *testing.T) {
	cases := []struct {
		name    string
		primary *fakeProvider
		force   bool
		reason  string
	}{
		{"offline", &fakeProvider{name: "ollama", online: false}, false, "primary offline"},
		{"error", &fakeProvider{name: "ollama", online: true, err: errors.New("boom")}, false, "primary error: boom"},
		{"forced", &fakeProvider{name: "ollama", online: true, text: "local"}, true, "forced"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			paid := &fakeProvider{name: "anthropic", online: true, text: "paid"}
			audit := &recordingAuditor{}
			g, err := NewGateway(tc.primary, paid, GatewayOptions{ForceFallback: tc.force, Auditor: audit})
			require.NoError(t, err)

			c, err := g.QueenChat(context.Background(), "hi", Options{AgentID: "queen"})
			require.NoError(t, err)
			assert.Equal(t, "paid", c.Text)
			assert.True(t, c.Paid)
			assert.Equal(t, tc.reason, c.FallbackReason)
			assert.Equal(t, []string{"warn:paid path used"}, audit.entries)
		})
	}
}

func TestQueenChatTotalFailure(t *testing.T) {
	primary := &fakeProvider{name: "ollama", online: false}
	g, err := NewGateway(primary, nil, GatewayOptions{})
	require.NoError(t, err)
	_, err = g.QueenChat(context.Background(), "hi", Options{})
	assert.ErrorIs(t, err, ErrNoFallback)
	assert.ErrorIs(t, err, ErrPrimaryUnavailable)

	paid := &fakeProvider{name: "anthropic", online: true, err: errors.New("rate limited")}
	g, err = NewGateway(primary, paid, GatewayOptions{})
	require.NoError(t, err)
	_, err = g.QueenChat(context.Background(), "hi", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrimaryUnavailable)
}

func TestQueenChatBudgetCap(t *testing.T) {
	mon := budget.NewMonitor(budget.Limits{MaxCostUSD: 0.015})
	primary := &fakeProvider{name: "ollama", online: false}
	paid := &fakeProvider{name: "anthropic", online: true, text: "paid"}
	g, err := NewGateway(primary, paid, GatewayOptions{
		Budget:  mon,
		Pricing: budget.Pricing{Per1KInput: 0.003, Per1KOutput: 0.015},
	})
	require.NoError(t, err)

	_, err = g.QueenChat(context.Background(), "first", Options{})
	require.NoError(t, err)
	_, err = g.QueenChat(context.Background(), "second", Options{})
	var exceeded budget.ErrExceeded
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 1, paid.Calls())
}

func TestSubordinateChatNeverUsesFallback(t *testing.T) {
	primary := &fakeProvider{name: "ollama", online: false}
	paid := &fakeProvider{name: "anthropic", online: true, text: "paid"}
	g, err := NewGateway(primary, paid, GatewayOptions{ForceFallback: true})
	require.NoError(t, err)

	_, err = g.SubordinateChat(context.Background(), "hi", Options{})
	assert.ErrorIs(t, err, ErrPrimaryUnavailable)

	primary.online = true
	primary.err = errors.New("timeout")
	_, err = g.SubordinateChat(context.Background(), "hi", Options{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPrimaryUnavailable)
	assert.Zero(t, paid.Calls())
}
