package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic is the metered provider. It never probes the network for liveness:
// it is considered online whenever an API key is configured.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	hasKey    bool
}

// NewAnthropic builds the metered provider. baseURL is optional and used for self-hosted proxies.
func NewAnthropic(apiKey, model string, maxTokens int, baseURL string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
		hasKey:    strings.TrimSpace(apiKey) != "",
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Chat(ctx context.Context, userMessage string, opts Options) (Completion, error) {
	if !a.hasKey {
		return Completion{}, fmt.Errorf("anthropic chat: api key not configured")
	}
	maxTokens := a.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)),
		},
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.System}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, fmt.Errorf("anthropic chat: %w", err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			b.WriteString(variant.Text)
		}
	}
	return Completion{
		Text:         b.String(),
		Provider:     a.Name(),
		Model:        string(a.model),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Paid:         true,
	}, nil
}

func (a *Anthropic) Status(ctx context.Context) Status {
	if !a.hasKey {
		return Status{Provider: a.Name(), Online: false, Error: "api key not configured"}
	}
	return Status{Provider: a.Name(), Online: true, Models: []string{string(a.model)}}
}
