package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/hive/internal/budget"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// Auditor receives the gateway's persistent audit entries.
type Auditor interface {
	Log(ctx context.Context, agentID, level, message string, metadata map[string]interface{})
}

// GatewayOptions configures NewGateway.
type GatewayOptions struct {
	// ForceFallback routes every queen call to the metered provider.
	ForceFallback bool
	Budget        *budget.Monitor
	Pricing       budget.Pricing
	Logger        *zap.Logger
	Auditor       Auditor
	Meter         otelmetric.Meter
}

// Gateway applies the routing policy between the primary and the metered provider.
type Gateway struct {
	primary       Provider
	fallback      Provider
	forceFallback bool
	budget        *budget.Monitor
	pricing       budget.Pricing
	logger        *zap.Logger
	auditor       Auditor
	paidCalls     otelmetric.Int64Counter
}

// NewGateway wires the providers. fallback may be nil, in which case the queen has no paid path.
func NewGateway(primary, fallback Provider, opts GatewayOptions) (*Gateway, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary provider required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("hive/llm")
	}
	paid, err := meter.Int64Counter("llm_paid_calls", otelmetric.WithDescription("Calls routed to the metered model provider"))
	if err != nil {
		return nil, fmt.Errorf("create paid calls counter: %w", err)
	}
	return &Gateway{
		primary:       primary,
		fallback:      fallback,
		forceFallback: opts.ForceFallback,
		budget:        opts.Budget,
		pricing:       opts.Pricing,
		logger:        logger.Named("llm"),
		auditor:       opts.Auditor,
		paidCalls:     paid,
	}, nil
}

// QueenChat prefers the primary provider and falls back to the metered one when forced,
// when the primary is offline, or when the primary call fails. Only a failure of both is returned.
func (g *Gateway) QueenChat(ctx context.Context, userMessage string, opts Options) (Completion, error) {
	var reason string
	var primaryErr error
	if g.forceFallback {
		reason = "forced"
	} else {
		st := g.primary.Status(ctx)
		if st.Online {
			c, err := g.primary.Chat(ctx, userMessage, opts)
			if err == nil {
				return c, nil
			}
			primaryErr = err
			reason = "primary error: " + err.Error()
			g.logger.Warn("primary chat failed", zap.String("provider", g.primary.Name()), zap.Error(err))
		} else {
			primaryErr = ErrPrimaryUnavailable
			reason = "primary offline"
		}
	}
	return g.callFallback(ctx, userMessage, opts, reason, primaryErr)
}

func (g *Gateway) callFallback(ctx context.Context, userMessage string, opts Options, reason string, primaryErr error) (Completion, error) {
	if g.fallback == nil {
		if primaryErr != nil {
			return Completion{}, fmt.Errorf("%w: %w", ErrNoFallback, primaryErr)
		}
		return Completion{}, ErrNoFallback
	}
	if g.budget != nil {
		if err := g.budget.Allow(); err != nil {
			g.logger.Error("paid path refused", zap.String("reason", reason), zap.Error(err))
			return Completion{}, fmt.Errorf("fallback refused: %w", err)
		}
	}
	fbOpts := opts
	fbOpts.Model = ""
	c, err := g.fallback.Chat(ctx, userMessage, fbOpts)
	if err != nil {
		if primaryErr != nil {
			return Completion{}, fmt.Errorf("all providers failed: %w", errors.Join(primaryErr, err))
		}
		return Completion{}, fmt.Errorf("fallback chat: %w", err)
	}
	c.Paid = true
	c.FallbackReason = reason

	cost := g.pricing.Cost(c.InputTokens, c.OutputTokens)
	if g.budget != nil {
		spent := g.budget.Record(cost, c.InputTokens+c.OutputTokens)
		if err := g.budget.Allow(); err != nil {
			g.logger.Warn("paid budget exhausted", zap.Float64("spent_usd", spent.CostUSD), zap.Error(err))
		}
	}
	g.paidCalls.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("provider", g.fallback.Name()),
	))
	g.logger.Warn("paid path used",
		zap.String("agent_id", opts.AgentID),
		zap.String("reason", reason),
		zap.Int64("input_tokens", c.InputTokens),
		zap.Int64("output_tokens", c.OutputTokens),
		zap.Float64("cost_usd", cost),
	)
	if g.auditor != nil {
		g.auditor.Log(ctx, opts.AgentID, "warn", "paid path used", map[string]interface{}{
			"provider":      g.fallback.Name(),
			"reason":        reason,
			"input_tokens":  c.InputTokens,
			"output_tokens": c.OutputTokens,
			"cost_usd":      cost,
		})
	}
	return c, nil
}

// SubordinateChat uses the primary provider only. It returns ErrPrimaryUnavailable when the
// liveness probe fails and never consults the metered provider.
func (g *Gateway) SubordinateChat(ctx context.Context, userMessage string, opts Options) (Completion, error) {
	st := g.primary.Status(ctx)
	if !st.Online {
		if st.Error != "" {
			return Completion{}, fmt.Errorf("%w: %s", ErrPrimaryUnavailable, st.Error)
		}
		return Completion{}, ErrPrimaryUnavailable
	}
	return g.primary.Chat(ctx, userMessage, opts)
}

// Status reports liveness for both providers.
func (g *Gateway) Status(ctx context.Context) []Status {
	out := []Status{g.primary.Status(ctx)}
	if g.fallback != nil {
		out = append(out, g.fallback.Status(ctx))
	}
	return out
}

// PrimaryName names the primary provider.
func (g *Gateway) PrimaryName() string { return g.primary.Name() }
