package llm

import (
	"testing"
	"time"

	"shadowscan/config"
)

func newTestBudget(limit float64) *Budget {
	b := NewBudget(config.LLMConfig{
		DailyBudgetUSD: limit,
		InputPer1MUSD:  1.0,
		OutputPer1MUSD: 2.0,
	})
	b.dailyLimitUSD = limit
	return b
}

func TestPriorityAAndBAlwaysAnalyze(t *testing.T) {
	b := newTestBudget(0.000001)
	b.Record(1.0)

	for _, flags := range []string{"A", "A|burst", "B|cumulative"} {
		ok, reason := b.ShouldAnalyze(5.0, flags)
		if !ok {
			t.Errorf("flags %q denied (%s); A and B are never budget-skipped", flags, reason)
		}
	}
}

func TestPriorityCSkippedWhenExhausted(t *testing.T) {
	b := newTestBudget(1.0)
	b.Record(1.0)

	ok, reason := b.ShouldAnalyze(0.5, "C|sampled")
	if ok {
		t.Error("C candidate analyzed on exhausted budget")
	}
	if reason != "priority_C_budget_exhausted" {
		t.Errorf("reason = %q", reason)
	}

	b2 := newTestBudget(1.0)
	if ok, _ := b2.ShouldAnalyze(0.5, "C"); !ok {
		t.Error("C candidate denied with budget available")
	}
}

func TestEstimateCostAppliesBuffer(t *testing.T) {
	b := NewBudget(config.LLMConfig{
		DailyBudgetUSD:   10,
		InputPer1MUSD:    1.0,
		OutputPer1MUSD:   2.0,
		EstimationBuffer: 1.5,
	})
	got := b.EstimateCost(1_000_000, 1_000_000)
	want := (1.0 + 2.0) * 1.5
	if got < want-0.0001 || got > want+0.0001 {
		t.Errorf("cost = %f, want %f", got, want)
	}
}

func TestDailyReset(t *testing.T) {
	b := newTestBudget(1.0)
	day := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return day }
	b.resetDay = day.Format("2006-01-02")
	b.Record(1.0)

	if ok, _ := b.ShouldAnalyze(0.5, "C"); ok {
		t.Fatal("budget should be exhausted")
	}

	b.now = func() time.Time { return day.Add(2 * time.Hour) }
	if ok, _ := b.ShouldAnalyze(0.5, "C"); !ok {
		t.Fatal("budget did not reset at UTC midnight")
	}
	if b.Status().SpentUSD != 0 {
		t.Errorf("spent = %f after reset", b.Status().SpentUSD)
	}
}
