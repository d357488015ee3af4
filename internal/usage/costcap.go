package usage

import (
	"fmt"
	"sync"
)

// PricingTable maps a canonical model id to its per-million-token rates.
type PricingTable map[string]Cost

// DefaultPricingTable returns representative per-million-token rates for
// the model families the dispatcher routes to. Callers overlay their own
// table entries as pricing changes; an unknown model id costs 0 rather than
// failing the call.
func DefaultPricingTable() PricingTable {
	return PricingTable{
		"claude-3-5-sonnet": {Input: 3.00, Output: 15.00, CacheWrite: 3.75, CacheRead: 0.30},
		"claude-3-5-haiku":  {Input: 0.80, Output: 4.00, CacheWrite: 1.00, CacheRead: 0.08},
		"claude-opus-4":     {Input: 15.00, Output: 75.00, CacheWrite: 18.75, CacheRead: 1.50},
		"gpt-4o":            {Input: 2.50, Output: 10.00},
		"gpt-4o-mini":       {Input: 0.15, Output: 0.60},
		"gemini-1.5-pro":    {Input: 1.25, Output: 5.00},
		"gemini-1.5-flash":  {Input: 0.075, Output: 0.30},
	}
}

// CostCapExceeded is returned by Check once the running total has crossed
// the configured ceiling.
type CostCapExceeded struct {
	SpentUSD float64
	CapUSD   float64
}

func (e *CostCapExceeded) Error() string {
	return fmt.Sprintf("cost cap exceeded: spent $%.4f of $%.4f budget", e.SpentUSD, e.CapUSD)
}

// CostMeter is a process-wide, mutex-protected cost accumulator. Check is
// consulted before every dispatcher call; read-then-act races across
// simultaneous checks are tolerated since the cap is a soft upper bound.
type CostMeter struct {
	mu      sync.Mutex
	pricing PricingTable
	spent   float64
	capUSD  float64
}

// NewCostMeter builds a meter with capUSD as the ceiling (0 disables the
// cap entirely) and pricing as the per-model rate table.
func NewCostMeter(capUSD float64, pricing PricingTable) *CostMeter {
	if pricing == nil {
		pricing = DefaultPricingTable()
	}
	return &CostMeter{pricing: pricing, capUSD: capUSD}
}

// Check returns *CostCapExceeded if the accumulated spend already meets or
// exceeds the cap. A zero or negative cap disables the check.
func (m *CostMeter) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capUSD <= 0 {
		return nil
	}
	if m.spent >= m.capUSD {
		return &CostCapExceeded{SpentUSD: m.spent, CapUSD: m.capUSD}
	}
	return nil
}

// Record prices usage against model and adds the result to the running
// total, returning the cost of this call alone.
func (m *CostMeter) Record(model string, u Usage) float64 {
	cost, ok := m.pricing[model]
	if !ok {
		return 0
	}
	amount := cost.Estimate(&u)

	m.mu.Lock()
	m.spent += amount
	m.mu.Unlock()

	return amount
}

// Spent returns the current running total in USD.
func (m *CostMeter) Spent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent
}

// Reset zeroes the running total, e.g. at the start of a new billing period.
func (m *CostMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spent = 0
}
