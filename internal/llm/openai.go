package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompatible serves any endpoint speaking the OpenAI chat completions API
// (vLLM, LM Studio, llama.cpp server, hosted gateways).
type OpenAICompatible struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAICompatible builds a provider against baseURL, e.g. http://localhost:8000/v1.
func NewOpenAICompatible(baseURL, apiKey, defaultModel string) *OpenAICompatible {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAICompatible{client: openai.NewClientWithConfig(cfg), defaultModel: defaultModel}
}

func (o *OpenAICompatible) Name() string { return "openai" }

func (o *OpenAICompatible) Chat(ctx context.Context, userMessage string, opts Options) (Completion, error) {
	model := opts.Model
	if model == "" {
		model = o.defaultModel
	}
	var msgs []openai.ChatCompletionMessage
	if opts.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: opts.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userMessage})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: float32(opts.Temperature),
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("openai chat: empty choices")
	}
	return Completion{
		Text:         resp.Choices[0].Message.Content,
		Provider:     o.Name(),
		Model:        model,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

func (o *OpenAICompatible) Status(ctx context.Context) Status {
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return Status{Provider: o.Name(), Online: false, Error: err.Error()}
	}
	st := Status{Provider: o.Name(), Online: true}
	for _, m := range list.Models {
		st.Models = append(st.Models, m.ID)
	}
	return st
}
