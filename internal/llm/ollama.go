package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Ollama talks to a local Ollama server over its chat API.
type Ollama struct {
	baseURL      string
	defaultModel string
	http         *httpClient
	probe        *httpClient
}

// NewOllama builds an Ollama provider. timeout bounds a chat call; the liveness probe uses a short fixed timeout.
func NewOllama(baseURL, defaultModel string, timeout time.Duration, retries int) *Ollama {
	if defaultModel == "" {
		defaultModel = "llama3.1:8b"
	}
	return &Ollama{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		http:         newHTTPClient(timeout, retries, 0),
		probe:        newHTTPClient(5*time.Second, 0, 0),
	}
}

func (o *Ollama) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int64         `json:"prompt_eval_count"`
	EvalCount       int64         `json:"eval_count"`
}

func (o *Ollama) Chat(ctx context.Context, userMessage string, opts Options) (Completion, error) {
	model := opts.Model
	if model == "" {
		model = o.defaultModel
	}
	var msgs []ollamaMessage
	if opts.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: opts.System})
	}
	msgs = append(msgs, ollamaMessage{Role: "user", Content: userMessage})

	options := map[string]interface{}{"temperature": opts.Temperature}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	options["num_predict"] = maxTokens

	var resp ollamaChatResponse
	err := o.http.doJSON(ctx, http.MethodPost, o.baseURL+"/api/chat", ollamaChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   false,
		Options:  options,
	}, &resp)
	if err != nil {
		return Completion{}, fmt.Errorf("ollama chat: %w", err)
	}
	return Completion{
		Text:         resp.Message.Content,
		Provider:     o.Name(),
		Model:        model,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (o *Ollama) Status(ctx context.Context) Status {
	var tags ollamaTagsResponse
	if err := o.probe.doJSON(ctx, http.MethodGet, o.baseURL+"/api/tags", nil, &tags); err != nil {
		return Status{Provider: o.Name(), Online: false, Error: err.Error()}
	}
	st := Status{Provider: o.Name(), Online: true}
	for _, m := range tags.Models {
		st.Models = append(st.Models, m.Name)
	}
	return st
}
