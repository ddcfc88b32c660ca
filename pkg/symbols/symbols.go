// Package symbols holds per-symbol precision rules used when sizing mirror
// orders. Quantities sent to the exchange must land on the symbol's step
// grid or the order is rejected.
package symbols

import (
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
)

// Rules caches step sizes per symbol. Safe for concurrent use.
type Rules struct {
	mu    sync.RWMutex
	steps map[string]decimal.Decimal
}

func NewRules() *Rules {
	return &Rules{steps: make(map[string]decimal.Decimal)}
}

// SetStep records the quantity step for a symbol, e.g. "0.001".
func (r *Rules) SetStep(symbol, step string) {
	d, err := decimal.NewFromString(step)
	if err != nil || d.IsZero() {
		return
	}
	r.mu.Lock()
	r.steps[symbol] = d
	r.mu.Unlock()
}

// RoundQty floors qty to the symbol's step grid. Unknown symbols pass
// through unchanged. Flooring, not rounding: a mirror order must never
// exceed the scaled primary fill.
func (r *Rules) RoundQty(symbol string, qty float64) float64 {
	r.mu.RLock()
	step, ok := r.steps[symbol]
	r.mu.RUnlock()
	if !ok {
		return qty
	}
	d := decimal.NewFromFloat(qty)
	floored := d.Div(step).Floor().Mul(step)
	f, _ := floored.Float64()
	return f
}

// FormatQty renders a quantity on the symbol's step grid as the exchange
// expects it, without scientific notation or trailing zeros.
func (r *Rules) FormatQty(symbol string, qty float64) string {
	r.mu.RLock()
	step, ok := r.steps[symbol]
	r.mu.RUnlock()
	if !ok {
		return strconv.FormatFloat(qty, 'f', -1, 64)
	}
	d := decimal.NewFromFloat(qty).Div(step).Floor().Mul(step)
	return d.String()
}
