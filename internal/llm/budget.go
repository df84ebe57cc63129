package llm

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"shadowscan/config"
)

const dailyBudgetEnv = "DAILY_BUDGET_USD"

// Budget is the token-bucket budget controller. A and B candidates are
// always analyzed; C candidates are dropped first when the bucket runs
// dry. Contention is one acquire per batch, never per signature.
type Budget struct {
	mu sync.Mutex

	dailyLimitUSD float64
	spentUSD      float64
	resetDay      string

	inputPer1M  float64
	outputPer1M float64
	buffer      float64
	priority    []string

	now func() time.Time
}

// NewBudget builds the controller from config, letting DAILY_BUDGET_USD
// override the configured limit.
func NewBudget(cfg config.LLMConfig) *Budget {
	limit := cfg.DailyBudgetUSD
	if raw := os.Getenv(dailyBudgetEnv); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 {
			limit = v
		}
	}
	if limit <= 0 {
		limit = 10.0
	}
	buffer := cfg.EstimationBuffer
	if buffer <= 0 {
		buffer = 1.2
	}
	priority := cfg.PriorityOrder
	if len(priority) == 0 {
		priority = []string{"A", "B", "C"}
	}

	b := &Budget{
		dailyLimitUSD: limit,
		inputPer1M:    cfg.InputPer1MUSD,
		outputPer1M:   cfg.OutputPer1MUSD,
		buffer:        buffer,
		priority:      priority,
		now:           time.Now,
	}
	b.resetDay = b.now().UTC().Format("2006-01-02")
	return b
}

// EstimateCost prices a request with the estimation buffer applied.
func (b *Budget) EstimateCost(inputTokens, outputTokens int) float64 {
	cost := float64(inputTokens)/1e6*b.inputPer1M + float64(outputTokens)/1e6*b.outputPer1M
	return cost * b.buffer
}

// ShouldAnalyze decides whether a request at the given cost may proceed,
// based on the strongest priority flag present. The reason string travels
// into the audit narrative.
func (b *Budget) ShouldAnalyze(costUSD float64, candidateFlags string) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNewDay()

	switch strongestPriority(candidateFlags, b.priority) {
	case "A":
		return true, "priority_A_always_analyze"
	case "B":
		return true, "priority_B_always_analyze"
	case "C":
		if b.canAfford(costUSD) {
			return true, "priority_C_budget_available"
		}
		return false, "priority_C_budget_exhausted"
	}
	if b.canAfford(costUSD) {
		return true, "no_priority_flags_budget_available"
	}
	return false, "no_priority_flags_budget_exhausted"
}

// Record charges actual spending against the bucket.
func (b *Budget) Record(costUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNewDay()
	b.spentUSD += costUSD
}

// Status reports the bucket for the run summary.
type BudgetStatus struct {
	DailyLimitUSD float64 `json:"daily_limit_usd"`
	SpentUSD      float64 `json:"daily_spent_usd"`
	RemainingUSD  float64 `json:"remaining_usd"`
	Utilization   float64 `json:"utilization"`
}

// Status returns the current bucket state.
func (b *Budget) Status() BudgetStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNewDay()
	remaining := b.dailyLimitUSD - b.spentUSD
	if remaining < 0 {
		remaining = 0
	}
	util := 0.0
	if b.dailyLimitUSD > 0 {
		util = b.spentUSD / b.dailyLimitUSD
		if util > 1 {
			util = 1
		}
	}
	return BudgetStatus{
		DailyLimitUSD: b.dailyLimitUSD,
		SpentUSD:      b.spentUSD,
		RemainingUSD:  remaining,
		Utilization:   util,
	}
}

func (b *Budget) canAfford(costUSD float64) bool {
	return b.spentUSD+costUSD <= b.dailyLimitUSD
}

func (b *Budget) resetIfNewDay() {
	today := b.now().UTC().Format("2006-01-02")
	if today != b.resetDay {
		b.spentUSD = 0
		b.resetDay = today
	}
}

// strongestPriority extracts the highest-ranked candidate flag from a
// pipe-joined flag list.
func strongestPriority(candidateFlags string, order []string) string {
	if candidateFlags == "" {
		return ""
	}
	flags := strings.Split(candidateFlags, "|")
	for _, want := range order {
		for _, f := range flags {
			if f == want {
				return want
			}
		}
	}
	return ""
}
