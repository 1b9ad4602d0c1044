package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicChat(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"), r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5-20250929",
			"content": [{"type": "text", "text": "decision ready"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 120, "output_tokens": 30}
		}`))
	}))
	defer srv.Close()

	a := NewAnthropic("test-key", "claude-sonnet-4-5-20250929", 512, srv.URL)
	c, err := a.Chat(context.Background(), "what now?", Options{System: "you are the queen", Temperature: 0.4})
	require.NoError(t, err)
	assert.Equal(t, "decision ready", c.Text)
	assert.True(t, c.Paid)
	assert.Equal(t, int64(120), c.InputTokens)
	assert.Equal(t, int64(30), c.OutputTokens)
	assert.Equal(t, float64(512), body["max_tokens"])
	assert.NotNil(t, body["system"])
}

func TestAnthropicWithoutKeyIsOffline(t *testing.T) {
	a := NewAnthropic("", "", 0, "")
	assert.False(t, a.Status(context.Background()).Online)
	_, err := a.Chat(context.Background(), "hi", Options{})
	assert.Error(t, err)
}
