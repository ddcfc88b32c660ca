// Package mirror replicates primary fills onto a secondary account at a
// configured size coefficient. It is fire-and-follow: the mirror ledger is
// derived purely from primary activity and wiped on every start.
package mirror

import (
	"context"
	"fmt"

	"trade-mirror/internal/classify"
	"trade-mirror/pkg/db"
	"trade-mirror/pkg/exchanges/common"
	"trade-mirror/pkg/logger"
	"trade-mirror/pkg/notify"
	"trade-mirror/pkg/symbols"
)

const qtyEpsilon = 1e-8

// OrderPlacer is the write surface of the mirror account.
type OrderPlacer interface {
	SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error)
}

// Replicator scales each primary fill by the coefficient and places the
// matching market order on the mirror account. The ledger row is written
// only after the exchange accepts the order, so a failed placement leaves
// no trace beyond a log line and an operator alert.
type Replicator struct {
	store       *db.Database
	orders      OrderPlacer
	notifier    notify.Notifier
	coefficient float64
	rules       *symbols.Rules
}

func NewReplicator(store *db.Database, orders OrderPlacer, notifier notify.Notifier, coefficient float64, rules *symbols.Rules) *Replicator {
	return &Replicator{
		store:       store,
		orders:      orders,
		notifier:    notifier,
		coefficient: coefficient,
		rules:       rules,
	}
}

// Wipe truncates the mirror ledger. Called once at startup: stale mirror
// rows cannot be reconciled, only discarded.
func (r *Replicator) Wipe(ctx context.Context) error {
	return r.store.WipePositions(ctx, db.TableMirrorPositions)
}

// Increase mirrors an opening fill. The scaled quantity is floored to the
// symbol's step grid so the mirror never exceeds coefficient x fill.
func (r *Replicator) Increase(ctx context.Context, symbol string, side classify.Side, qty, price float64) {
	scaled := r.rules.RoundQty(symbol, qty*r.coefficient)
	if scaled <= qtyEpsilon {
		logger.Debugf("mirror %s %s: scaled qty %v below step, skipped", symbol, side, scaled)
		return
	}

	req := common.OrderRequest{
		Symbol:  symbol,
		Side:    side.OrderSide(),
		Type:    common.OrderTypeMarket,
		Qty:     scaled,
		QtyText: r.rules.FormatQty(symbol, scaled),
	}
	if _, err := r.orders.SubmitOrder(ctx, req); err != nil {
		r.fail(symbol, side, "open", scaled, err)
		return
	}

	pos, err := r.store.GetPosition(ctx, db.TableMirrorPositions, symbol, string(side))
	if err != nil {
		logger.Errorf("mirror ledger %s %s: %v", symbol, side, err)
		return
	}
	row := db.Position{Symbol: symbol, Side: string(side), Qty: scaled, EntryPrice: price}
	if pos != nil {
		row.Qty = pos.Qty + scaled
		row.EntryPrice = (pos.EntryPrice*pos.Qty + price*scaled) / row.Qty
		row.RealizedPnl = pos.RealizedPnl
	}
	if err := r.store.UpsertPosition(ctx, db.TableMirrorPositions, row); err != nil {
		logger.Errorf("mirror ledger %s %s: %v", symbol, side, err)
		return
	}
	r.notifier.Send(fmt.Sprintf("🪞 %s: %s +%s @ %v (total %v)",
		symbol, side, req.QtyText, price, row.Qty))
}

// Reduce mirrors a closing fill with a reduce-only market order. The
// primary's realized PnL is scaled by the coefficient for the ledger.
func (r *Replicator) Reduce(ctx context.Context, symbol string, side classify.Side, qty, price, realizedPnl float64) {
	pos, err := r.store.GetPosition(ctx, db.TableMirrorPositions, symbol, string(side))
	if err != nil {
		logger.Errorf("mirror ledger %s %s: %v", symbol, side, err)
		return
	}
	if pos == nil {
		logger.Debugf("mirror %s %s: no ledger row, reduce skipped", symbol, side)
		return
	}

	scaled := r.rules.RoundQty(symbol, qty*r.coefficient)
	if scaled > pos.Qty {
		scaled = pos.Qty
	}
	if scaled <= qtyEpsilon {
		logger.Debugf("mirror %s %s: scaled qty %v below step, skipped", symbol, side, scaled)
		return
	}

	req := common.OrderRequest{
		Symbol:     symbol,
		Side:       side.Opposite().OrderSide(),
		Type:       common.OrderTypeMarket,
		Qty:        scaled,
		QtyText:    r.rules.FormatQty(symbol, scaled),
		ReduceOnly: true,
	}
	if _, err := r.orders.SubmitOrder(ctx, req); err != nil {
		r.fail(symbol, side, "close", scaled, err)
		return
	}

	newQty := pos.Qty - scaled
	pnl := pos.RealizedPnl + realizedPnl*r.coefficient

	if newQty <= qtyEpsilon {
		if err := r.store.DeletePosition(ctx, db.TableMirrorPositions, symbol, string(side)); err != nil {
			logger.Errorf("mirror ledger %s %s: %v", symbol, side, err)
			return
		}
		r.notifier.Send(fmt.Sprintf("🪞 %s: %s closed, PnL %.2f", symbol, side, pnl))
		return
	}

	row := *pos
	row.Qty = newQty
	row.RealizedPnl = pnl
	if err := r.store.UpsertPosition(ctx, db.TableMirrorPositions, row); err != nil {
		logger.Errorf("mirror ledger %s %s: %v", symbol, side, err)
		return
	}
	r.notifier.Send(fmt.Sprintf("🪞 %s: %s -%s @ %v (left %v)",
		symbol, side, req.QtyText, price, newQty))
}

func (r *Replicator) fail(symbol string, side classify.Side, action string, qty float64, err error) {
	logger.Errorf("mirror %s order %s %s qty %v: %v", action, symbol, side, qty, err)
	r.notifier.Send(fmt.Sprintf("⚠️ mirror %s failed for %s %s qty %v: %v",
		action, symbol, side, qty, err))
}
