// Package budget caps spend on the metered model path.
package budget

import (
	"fmt"
	"time"
)

// Limits bound paid usage inside one window. Zero values mean unlimited; a zero Window never resets.
type Limits struct {
	MaxCostUSD float64
	MaxCalls   int64
	Window     time.Duration
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	if l.MaxCostUSD < 0 {
		return fmt.Errorf("budget: max cost cannot be negative")
	}
	if l.MaxCalls < 0 {
		return fmt.Errorf("budget: max calls cannot be negative")
	}
	if l.Window < 0 {
		return fmt.Errorf("budget: window cannot be negative")
	}
	return nil
}

// Unlimited reports whether no cap applies.
func (l Limits) Unlimited() bool { return l.MaxCostUSD == 0 && l.MaxCalls == 0 }

// Pricing converts token counts into dollars.
type Pricing struct {
	Per1KInput  float64
	Per1KOutput float64
}

// Cost prices one call.
func (p Pricing) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*p.Per1KInput + float64(outputTokens)/1000*p.Per1KOutput
}

// ErrExceeded is returned once the current window has used up a limit.
type ErrExceeded struct {
	Limit string // "cost" or "calls"
	Used  string
	Max   string
	Reset time.Time
}

func (e ErrExceeded) Error() string {
	msg := fmt.Sprintf("paid budget exhausted: %s %s of %s", e.Limit, e.Used, e.Max)
	if !e.Reset.IsZero() {
		msg += ", resets at " + e.Reset.UTC().Format(time.RFC3339)
	}
	return msg
}
