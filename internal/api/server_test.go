package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trade-mirror/internal/report"
	"trade-mirror/pkg/db"
)

func newTestServer(t *testing.T) (*Server, *db.Database) {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewServer(d, report.Scaling{}), d
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestGetPositions(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	w := get(t, s, "/api/positions")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "[]" {
		t.Errorf("empty body = %s, want []", got)
	}

	err := store.UpsertPosition(ctx, db.TablePositions, db.Position{
		Symbol: "BTCUSDT", Side: "LONG", Qty: 1, EntryPrice: 60000,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	w = get(t, s, "/api/positions")
	var positions []db.Position
	if err := json.Unmarshal(w.Body.Bytes(), &positions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(positions) != 1 || positions[0].Symbol != "BTCUSDT" {
		t.Errorf("positions = %+v", positions)
	}
}

func TestGetClosedTradesRejectsBadQuery(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s, "/api/trades/closed?days=nope")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestMonthlyReportEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	err := store.InsertClosedTrade(context.Background(), db.ClosedTrade{
		ID: "a", Symbol: "BTCUSDT", Side: "LONG", Volume: 1,
		RealizedPnl: 100, EntryPrice: 100, ExitPrice: 200,
		Reason: "take", RiskReward: 2,
		ClosedAt: time.Date(2026, time.May, 10, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := get(t, s, "/api/report/monthly?month=2026-05")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Month  string  `json:"month"`
		Trades int     `json:"trades"`
		NetPnl float64 `json:"net_pnl"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Month != "2026-05" || body.Trades != 1 || body.NetPnl != 100 {
		t.Errorf("body = %+v", body)
	}

	w = get(t, s, "/api/report/monthly?month=bad")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
