package symbols

import "testing"

func TestRoundQtyFloorsToStep(t *testing.T) {
	r := NewRules()
	r.SetStep("BTCUSDT", "0.001")

	tests := []struct {
		name string
		qty  float64
		want float64
	}{
		{"exact", 0.005, 0.005},
		{"floors down", 0.0059, 0.005},
		{"scaled fill", 0.15 * 0.3333, 0.049},
		{"below one step", 0.0004, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.RoundQty("BTCUSDT", tt.qty); got != tt.want {
				t.Fatalf("RoundQty(%v)=%v, expected %v", tt.qty, got, tt.want)
			}
		})
	}
}

func TestRoundQtyUnknownSymbolPassesThrough(t *testing.T) {
	r := NewRules()
	if got := r.RoundQty("ETHUSDT", 1.2345); got != 1.2345 {
		t.Fatalf("RoundQty=%v, expected passthrough", got)
	}
}

func TestFormatQty(t *testing.T) {
	r := NewRules()
	r.SetStep("ETHUSDT", "0.01")
	if got := r.FormatQty("ETHUSDT", 1.239); got != "1.23" {
		t.Fatalf("FormatQty=%q, expected %q", got, "1.23")
	}
	if got := r.FormatQty("UNKNOWN", 2.5); got != "2.5" {
		t.Fatalf("FormatQty=%q, expected %q", got, "2.5")
	}
}
