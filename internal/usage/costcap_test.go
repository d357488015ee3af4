package usage

import "testing"

func TestCostMeterCheckPassesUnderCap(t *testing.T) {
	m := NewCostMeter(10, nil)
	if err := m.Check(); err != nil {
		t.Fatalf("unexpected error under cap: %v", err)
	}
}

func TestCostMeterCheckDisabledByZeroCap(t *testing.T) {
	m := NewCostMeter(0, nil)
	m.Record("gpt-4o", Usage{InputTokens: 1_000_000_000, OutputTokens: 1_000_000_000})
	if err := m.Check(); err != nil {
		t.Fatalf("expected zero cap to disable the check, got %v", err)
	}
}

func TestCostMeterTripsCapAfterRecord(t *testing.T) {
	m := NewCostMeter(0.01, PricingTable{"gpt-4o": {Input: 2.50, Output: 10.00}})
	m.Record("gpt-4o", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})

	err := m.Check()
	if err == nil {
		t.Fatal("expected cost cap to trip")
	}
	capErr, ok := err.(*CostCapExceeded)
	if !ok {
		t.Fatalf("got error type %T, want *CostCapExceeded", err)
	}
	if capErr.CapUSD != 0.01 {
		t.Fatalf("CapUSD = %v, want 0.01", capErr.CapUSD)
	}
}

func TestCostMeterRecordUnknownModelCostsZero(t *testing.T) {
	m := NewCostMeter(1, PricingTable{})
	got := m.Record("mystery-model", Usage{InputTokens: 1_000_000})
	if got != 0 {
		t.Fatalf("Record for unpriced model = %v, want 0", got)
	}
	if m.Spent() != 0 {
		t.Fatalf("Spent() = %v, want 0", m.Spent())
	}
}

func TestCostMeterResetZeroesSpend(t *testing.T) {
	m := NewCostMeter(100, PricingTable{"gpt-4o": {Input: 2.50, Output: 10.00}})
	m.Record("gpt-4o", Usage{InputTokens: 1_000_000})
	if m.Spent() == 0 {
		t.Fatal("expected nonzero spend before reset")
	}
	m.Reset()
	if m.Spent() != 0 {
		t.Fatalf("Spent() after Reset() = %v, want 0", m.Spent())
	}
}
