package track

import (
	"context"
	"strings"
	"testing"
	"time"

	"trade-mirror/internal/classify"
	"trade-mirror/pkg/db"
	"trade-mirror/pkg/exchanges/common"
)

type fakeExchange struct {
	positions []common.PositionSnapshot
	orders    []common.RestingOrder
}

func (f *fakeExchange) GetPositions(ctx context.Context) ([]common.PositionSnapshot, error) {
	return f.positions, nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]common.RestingOrder, error) {
	if symbol == "" {
		return f.orders, nil
	}
	var res []common.RestingOrder
	for _, o := range f.orders {
		if o.Symbol == symbol {
			res = append(res, o)
		}
	}
	return res, nil
}

type fakeNotifier struct {
	msgs []string
}

func (f *fakeNotifier) Send(text string) { f.msgs = append(f.msgs, text) }

type mirrorCall struct {
	symbol string
	side   classify.Side
	qty    float64
	price  float64
}

type fakeMirror struct {
	increases []mirrorCall
	reduces   []mirrorCall
}

func (f *fakeMirror) Increase(ctx context.Context, symbol string, side classify.Side, qty, price float64) {
	f.increases = append(f.increases, mirrorCall{symbol, side, qty, price})
}

func (f *fakeMirror) Reduce(ctx context.Context, symbol string, side classify.Side, qty, price, pnl float64) {
	f.reduces = append(f.reduces, mirrorCall{symbol, side, qty, price})
}

func newTestStore(t *testing.T) *db.Database {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return d
}

func fillTransition(symbol string, side classify.Side, qty, price float64) classify.Transition {
	return classify.Transition{
		Kind:      classify.KindOrderFilled,
		Symbol:    symbol,
		Side:      side,
		OrderID:   1,
		OrderType: common.OrderTypeMarket,
		FillQty:   qty,
		FillPrice: price,
		FullFill:  true,
	}
}

func TestIncreaseUsesWeightedEntry(t *testing.T) {
	store := newTestStore(t)
	ex := &fakeExchange{}
	c := NewController(store, ex, &fakeNotifier{})
	ctx := context.Background()

	c.HandleTransition(ctx, fillTransition("BTCUSDT", classify.SideLong, 10, 100))
	c.HandleTransition(ctx, fillTransition("BTCUSDT", classify.SideLong, 10, 120))

	pos, err := store.GetPosition(ctx, db.TablePositions, "BTCUSDT", "LONG")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos == nil {
		t.Fatal("position missing after fills")
	}
	if pos.Qty != 20 {
		t.Errorf("qty = %v, want 20", pos.Qty)
	}
	if pos.EntryPrice != 110 {
		t.Errorf("entry = %v, want 110", pos.EntryPrice)
	}
}

func TestFullCloseWithinEpsilon(t *testing.T) {
	store := newTestStore(t)
	ex := &fakeExchange{}
	c := NewController(store, ex, &fakeNotifier{})
	ctx := context.Background()

	c.HandleTransition(ctx, fillTransition("ETHUSDT", classify.SideShort, 1.0, 2000))

	reduce := fillTransition("ETHUSDT", classify.SideShort, 0.999999995, 1900)
	reduce.ReduceOnly = true
	reduce.RealizedPnl = 100
	c.HandleTransition(ctx, reduce)

	pos, err := store.GetPosition(ctx, db.TablePositions, "ETHUSDT", "SHORT")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos != nil {
		t.Errorf("position still present after full close: qty %v", pos.Qty)
	}

	trades, err := store.ListClosedTradesBetween(ctx,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("list closed trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.Reason != "market" {
		t.Errorf("reason = %q, want market", tr.Reason)
	}
	if tr.RealizedPnl != 100 {
		t.Errorf("pnl = %v, want 100", tr.RealizedPnl)
	}
	// No resting stop was ever placed, so the ratio degrades to the
	// win marker.
	if tr.RiskReward != 1.0 {
		t.Errorf("rr = %v, want 1.0", tr.RiskReward)
	}
}

func TestCloseByStopRecordsReasonAndRR(t *testing.T) {
	store := newTestStore(t)
	ex := &fakeExchange{}
	c := NewController(store, ex, &fakeNotifier{})
	ctx := context.Background()

	c.HandleTransition(ctx, fillTransition("BTCUSDT", classify.SideLong, 2, 100))

	reduce := classify.Transition{
		Kind:        classify.KindOrderFilled,
		Symbol:      "BTCUSDT",
		Side:        classify.SideLong,
		OrderID:     7,
		OrderType:   common.OrderTypeStopMarket,
		ReduceOnly:  true,
		StopPrice:   90,
		FillQty:     2,
		FillPrice:   90,
		RealizedPnl: -20,
		FullFill:    true,
	}
	c.HandleTransition(ctx, reduce)

	trades, err := store.ListClosedTradesBetween(ctx,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("list closed trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.Reason != "stop" {
		t.Errorf("reason = %q, want stop", tr.Reason)
	}
	if tr.StopPrice != 90 {
		t.Errorf("stop price = %v, want 90", tr.StopPrice)
	}
	// risk = 2 * |100-90| = 20, pnl = -20: exactly -1R.
	if tr.RiskReward != -1.0 {
		t.Errorf("rr = %v, want -1.0", tr.RiskReward)
	}
}

func TestReduceUnknownPositionDropped(t *testing.T) {
	store := newTestStore(t)
	mirror := &fakeMirror{}
	c := NewController(store, &fakeExchange{}, &fakeNotifier{})
	c.SetReplicator(mirror)
	ctx := context.Background()

	reduce := fillTransition("BTCUSDT", classify.SideLong, 1, 100)
	reduce.ReduceOnly = true
	c.HandleTransition(ctx, reduce)

	trades, _ := store.ListClosedTradesBetween(ctx,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if len(trades) != 0 {
		t.Errorf("closed trades = %d, want 0", len(trades))
	}
	if len(mirror.reduces) != 0 {
		t.Errorf("mirror reduces = %d, want 0", len(mirror.reduces))
	}
}

func TestPhantomNewOrderIgnored(t *testing.T) {
	store := newTestStore(t)
	n := &fakeNotifier{}
	// Live resting set is empty: the NEW event describes a ghost.
	c := NewController(store, &fakeExchange{}, n)
	ctx := context.Background()

	c.HandleTransition(ctx, classify.Transition{
		Kind:      classify.KindOrderOpened,
		Symbol:    "BTCUSDT",
		Side:      classify.SideLong,
		OrderID:   42,
		OrderType: common.OrderTypeLimit,
		Qty:       1,
		Price:     100,
	})

	orders, err := store.ListOpenOrders(ctx)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("orders = %d, want 0", len(orders))
	}
	if len(n.msgs) != 0 {
		t.Errorf("notifications = %d, want 0", len(n.msgs))
	}
}

func TestOpenedLimitCreatesPending(t *testing.T) {
	store := newTestStore(t)
	ex := &fakeExchange{orders: []common.RestingOrder{
		{Symbol: "BTCUSDT", OrderID: 42, Side: common.SideBuy,
			Type: common.OrderTypeLimit, Qty: 1, Price: 100, Status: common.StatusNew},
	}}
	c := NewController(store, ex, &fakeNotifier{})
	ctx := context.Background()

	c.HandleTransition(ctx, classify.Transition{
		Kind:      classify.KindOrderOpened,
		Symbol:    "BTCUSDT",
		Side:      classify.SideLong,
		OrderID:   42,
		OrderType: common.OrderTypeLimit,
		Qty:       1,
		Price:     100,
	})

	pos, err := store.GetPosition(ctx, db.TablePositions, "BTCUSDT", "LONG")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos == nil || !pos.Pending {
		t.Fatalf("pending position missing: %+v", pos)
	}

	// Cancel removes both the order and its pending placeholder.
	c.HandleTransition(ctx, classify.Transition{
		Kind:      classify.KindOrderCanceled,
		Symbol:    "BTCUSDT",
		Side:      classify.SideLong,
		OrderID:   42,
		OrderType: common.OrderTypeLimit,
		Qty:       1,
		Price:     100,
	})
	pos, _ = store.GetPosition(ctx, db.TablePositions, "BTCUSDT", "LONG")
	if pos != nil {
		t.Errorf("pending position survived cancel: %+v", pos)
	}
	o, _ := store.GetOpenOrder(ctx, "BTCUSDT", "LONG", 42)
	if o != nil {
		t.Errorf("order row survived cancel")
	}
}

func TestPendingClearsOnFirstFill(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	err := store.UpsertPosition(ctx, db.TablePositions, db.Position{
		Symbol: "BTCUSDT", Side: "LONG", Qty: 3, EntryPrice: 95, Pending: true,
	})
	if err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	c := NewController(store, &fakeExchange{}, &fakeNotifier{})

	c.HandleTransition(ctx, fillTransition("BTCUSDT", classify.SideLong, 1, 95))

	pos, _ := store.GetPosition(ctx, db.TablePositions, "BTCUSDT", "LONG")
	if pos == nil {
		t.Fatal("position missing")
	}
	if pos.Pending {
		t.Error("pending flag survived first fill")
	}
	// Planned quantity is replaced by actual filled quantity.
	if pos.Qty != 1 {
		t.Errorf("qty = %v, want 1", pos.Qty)
	}
}

func TestFullSyncIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ex := &fakeExchange{
		positions: []common.PositionSnapshot{
			{Symbol: "BTCUSDT", Qty: 2, EntryPrice: 100},
			{Symbol: "ETHUSDT", Qty: -5, EntryPrice: 2000},
		},
		orders: []common.RestingOrder{
			{Symbol: "BTCUSDT", OrderID: 9, Side: common.SideSell,
				Type: common.OrderTypeStopMarket, StopPrice: 90,
				ReduceOnly: true, Status: common.StatusNew},
		},
	}
	n := &fakeNotifier{}
	c := NewController(store, ex, n)
	ctx := context.Background()

	if err := c.FullSync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	first := len(n.msgs)
	if first == 0 {
		t.Fatal("first sync produced no notifications")
	}

	if err := c.FullSync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(n.msgs) != first {
		t.Errorf("second sync added %d notifications, want 0", len(n.msgs)-first)
	}

	positions, err := store.ListPositions(ctx, db.TablePositions)
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(positions))
	}
	if positions[1].Side != "SHORT" || positions[1].Qty != 5 {
		t.Errorf("short leg = %+v, want SHORT qty 5", positions[1])
	}
}

func TestFullSyncDropsStaleRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed := []db.Position{
		{Symbol: "BTCUSDT", Side: "LONG", Qty: 1, EntryPrice: 100},
		{Symbol: "XRPUSDT", Side: "SHORT", Qty: 50, EntryPrice: 0.5},
	}
	for _, p := range seed {
		if err := store.UpsertPosition(ctx, db.TablePositions, p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := store.UpsertOpenOrder(ctx, db.OpenOrder{
		Symbol: "XRPUSDT", Side: "SHORT", OrderID: 3,
		Type: string(common.OrderTypeLimit), Qty: 50, Price: 0.6, Status: "NEW",
	}); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	// The exchange only knows about the BTC long now.
	ex := &fakeExchange{positions: []common.PositionSnapshot{
		{Symbol: "BTCUSDT", Qty: 1, EntryPrice: 100},
	}}
	c := NewController(store, ex, &fakeNotifier{})
	if err := c.FullSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	positions, _ := store.ListPositions(ctx, db.TablePositions)
	if len(positions) != 1 || positions[0].Symbol != "BTCUSDT" {
		t.Errorf("positions after sync = %+v, want only BTCUSDT", positions)
	}
	orders, _ := store.ListOpenOrders(ctx)
	if len(orders) != 0 {
		t.Errorf("orders after sync = %d, want 0", len(orders))
	}
}

func TestFillForwardsToMirror(t *testing.T) {
	store := newTestStore(t)
	mirror := &fakeMirror{}
	c := NewController(store, &fakeExchange{}, &fakeNotifier{})
	c.SetReplicator(mirror)
	ctx := context.Background()

	c.HandleTransition(ctx, fillTransition("BTCUSDT", classify.SideLong, 2, 100))

	if len(mirror.increases) != 1 {
		t.Fatalf("mirror increases = %d, want 1", len(mirror.increases))
	}
	got := mirror.increases[0]
	if got.symbol != "BTCUSDT" || got.side != classify.SideLong || got.qty != 2 || got.price != 100 {
		t.Errorf("mirror call = %+v", got)
	}
}

func TestAuditWarnsOnQuantityMismatch(t *testing.T) {
	n := &fakeNotifier{}
	orders := []common.RestingOrder{
		{Symbol: "BTCUSDT", OrderID: 5, Side: common.SideSell,
			Type: common.OrderTypeStopMarket, Qty: 1, StopPrice: 90,
			ReduceOnly: true, Status: common.StatusNew},
	}

	auditOrders(orders, "BTCUSDT", classify.SideLong, 2, n)
	if len(n.msgs) != 1 {
		t.Fatalf("warnings = %d, want 1", len(n.msgs))
	}
	if !strings.Contains(n.msgs[0], "STOP #5") {
		t.Errorf("warning = %q", n.msgs[0])
	}

	// Matching quantity stays quiet.
	auditOrders(orders, "BTCUSDT", classify.SideLong, 1, n)
	if len(n.msgs) != 1 {
		t.Errorf("warnings after match = %d, want 1", len(n.msgs))
	}

	// closePosition orders have no own quantity and are never flagged.
	orders[0].Qty = 0
	orders[0].ClosePosition = true
	auditOrders(orders, "BTCUSDT", classify.SideLong, 2, n)
	if len(n.msgs) != 1 {
		t.Errorf("warnings after closePosition = %d, want 1", len(n.msgs))
	}
}

func TestRiskReward(t *testing.T) {
	cases := []struct {
		name   string
		pnl    float64
		volume float64
		entry  float64
		stop   float64
		want   float64
	}{
		{"two to one", 40, 2, 100, 90, 2.0},
		{"full loss", -20, 2, 100, 90, -1.0},
		{"rounded", 33, 2, 100, 90, 1.7},
		{"no stop win", 50, 2, 100, 0, 1.0},
		{"no stop loss", -50, 2, 100, 0, -1.0},
		{"zero risk", 10, 2, 100, 100, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := riskReward(tc.pnl, tc.volume, tc.entry, tc.stop); got != tc.want {
				t.Errorf("riskReward(%v, %v, %v, %v) = %v, want %v",
					tc.pnl, tc.volume, tc.entry, tc.stop, got, tc.want)
			}
		})
	}
}
