package budget

import (
	"fmt"
	"sync"
	"time"
)

// Spend is the usage recorded in the current window.
type Spend struct {
	CostUSD float64
	Tokens  int64
	Calls   int64
	Since   time.Time
}

// Monitor tracks paid calls against Limits. It is safe for concurrent use.
type Monitor struct {
	limits Limits
	now    func() time.Time

	mu    sync.Mutex
	spend Spend
}

// NewMonitor starts a window now.
func NewMonitor(l Limits) *Monitor {
	return newMonitor(l, time.Now)
}

func newMonitor(l Limits, now func() time.Time) *Monitor {
	return &Monitor{limits: l, now: now, spend: Spend{Since: now()}}
}

// Allow returns ErrExceeded when the next paid call would run over a limit already reached.
func (m *Monitor) Allow() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	if m.limits.MaxCostUSD > 0 && m.spend.CostUSD >= m.limits.MaxCostUSD {
		return m.exceeded("cost", fmt.Sprintf("$%.4f", m.spend.CostUSD), fmt.Sprintf("$%.4f", m.limits.MaxCostUSD))
	}
	if m.limits.MaxCalls > 0 && m.spend.Calls >= m.limits.MaxCalls {
		return m.exceeded("calls", fmt.Sprint(m.spend.Calls), fmt.Sprint(m.limits.MaxCalls))
	}
	return nil
}

// Record adds one completed paid call.
func (m *Monitor) Record(cost float64, tokens int64) Spend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	m.spend.CostUSD += cost
	m.spend.Tokens += tokens
	m.spend.Calls++
	return m.spend
}

// Spend returns the usage of the current window.
func (m *Monitor) Spend() Spend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	return m.spend
}

// Limits returns the configured caps.
func (m *Monitor) Limits() Limits { return m.limits }

func (m *Monitor) roll() {
	if m.limits.Window <= 0 {
		return
	}
	if now := m.now(); !now.Before(m.spend.Since.Add(m.limits.Window)) {
		m.spend = Spend{Since: now}
	}
}

func (m *Monitor) exceeded(limit, used, ceiling string) ErrExceeded {
	e := ErrExceeded{Limit: limit, Used: used, Max: ceiling}
	if m.limits.Window > 0 {
		e.Reset = m.spend.Since.Add(m.limits.Window)
	}
	return e
}
