// Package llm is the model gateway: a low-cost primary provider shared by every agent and a
// metered fallback reserved for the queen.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrPrimaryUnavailable is returned when the primary provider's liveness probe fails.
	ErrPrimaryUnavailable = errors.New("llm: primary provider unavailable")
	// ErrNoFallback is returned when the queen needs the metered provider but none is configured.
	ErrNoFallback = errors.New("llm: no fallback provider configured")
)

// Options tunes a single chat call. Zero values fall back to provider defaults.
type Options struct {
	System      string
	Model       string
	Temperature float64
	MaxTokens   int
	// AgentID attributes audit entries emitted by the gateway.
	AgentID string
}

// Completion is a provider answer with accounting data.
type Completion struct {
	Text           string `json:"text"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	InputTokens    int64  `json:"input_tokens"`
	OutputTokens   int64  `json:"output_tokens"`
	Paid           bool   `json:"paid"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// Status is a provider liveness report.
type Status struct {
	Provider string   `json:"provider"`
	Online   bool     `json:"online"`
	Models   []string `json:"models,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Provider is a single model backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, userMessage string, opts Options) (Completion, error)
	Status(ctx context.Context) Status
}
