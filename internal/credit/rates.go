package credit

// RateTable computes credit costs from token counts using per-model rates
// expressed in credits per 1000 tokens.
type RateTable struct {
	per1k       map[string]int64
	defaultRate int64
	bufferPct   int
}

// NewRateTable builds a table. Models missing from rates bill at defaultRate.
// bufferPct is the reservation safety margin (20 reserves 120% of estimate).
func NewRateTable(rates map[string]int64, defaultRate int64, bufferPct int) *RateTable {
	per1k := make(map[string]int64, len(rates))
	for model, r := range rates {
		per1k[model] = r
	}
	if defaultRate <= 0 {
		defaultRate = 1
	}
	if bufferPct < 0 {
		bufferPct = 0
	}
	return &RateTable{per1k: per1k, defaultRate: defaultRate, bufferPct: bufferPct}
}

// Rate returns the per-1000-token rate for a model.
func (t *RateTable) Rate(modelID string) int64 {
	if r, ok := t.per1k[modelID]; ok && r > 0 {
		return r
	}
	return t.defaultRate
}

// Cost is the credits charged for actual usage: ceil(tokens * rate / 1000).
func (t *RateTable) Cost(modelID string, tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	return ceilDiv(tokens*t.Rate(modelID), 1000)
}

// Reservation is the buffered amount held at stream start:
// ceil(tokens * rate * (100+bufferPct) / 100_000). Always at least Cost.
func (t *RateTable) Reservation(modelID string, estimatedTokens int64) int64 {
	if estimatedTokens <= 0 {
		return 0
	}
	reserved := ceilDiv(estimatedTokens*t.Rate(modelID)*int64(100+t.bufferPct), 100_000)
	if cost := t.Cost(modelID, estimatedTokens); reserved < cost {
		reserved = cost
	}
	return reserved
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
