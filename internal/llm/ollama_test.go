package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaChat(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model":             got.Model,
			"message":           map[string]string{"role": "assistant", "content": "hello there"},
			"done":              true,
			"prompt_eval_count": 12,
			"eval_count":        3,
		})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "llama3.1:8b", time.Second, 0)
	c, err := o.Chat(context.Background(), "hi", Options{System: "be nice", Temperature: 0.3, MaxTokens: 1024, Model: "mistral:7b"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", c.Text)
	assert.Equal(t, int64(12), c.InputTokens)
	assert.False(t, c.Paid)

	assert.Equal(t, "mistral:7b", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, float64(1024), got.Options["num_predict"])
	assert.Equal(t, 0.3, got.Options["temperature"])
}

func TestOllamaChatServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "", time.Second, 2)
	_, err := o.Chat(context.Background(), "hi", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
	assert.Equal(t, 1, calls, "4xx responses are not retried")
}

func TestOllamaStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1:8b"},{"name":"mistral:7b"}]}`))
	}))
	st := NewOllama(srv.URL, "", time.Second, 0).Status(context.Background())
	assert.True(t, st.Online)
	assert.Equal(t, []string{"llama3.1:8b", "mistral:7b"}, st.Models)

	srv.Close()
	st = NewOllama(srv.URL, "", time.Second, 0).Status(context.Background())
	assert.False(t, st.Online)
	assert.NotEmpty(t, st.Error)
}
