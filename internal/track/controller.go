// Package track owns primary-account state: it reconciles local positions
// and resting orders against the exchange at startup and applies classified
// stream transitions one at a time afterwards.
package track

import (
	"context"
	"fmt"

	"trade-mirror/internal/classify"
	"trade-mirror/pkg/db"
	"trade-mirror/pkg/exchanges/common"
	"trade-mirror/pkg/logger"
	"trade-mirror/pkg/notify"
)

// qtyEpsilon absorbs float noise when a quantity is compared to zero or to
// another quantity. One tolerance everywhere.
const qtyEpsilon = 1e-8

// Exchange is the read surface of the primary account.
type Exchange interface {
	GetPositions(ctx context.Context) ([]common.PositionSnapshot, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]common.RestingOrder, error)
}

// Replicator receives every primary fill for proportional replication.
type Replicator interface {
	Increase(ctx context.Context, symbol string, side classify.Side, qty, price float64)
	Reduce(ctx context.Context, symbol string, side classify.Side, qty, price, realizedPnl float64)
}

// Controller is the single writer of the positions and open_orders tables.
type Controller struct {
	store    *db.Database
	exchange Exchange
	notifier notify.Notifier
	mirror   Replicator // nil when mirroring is disabled
}

func NewController(store *db.Database, exchange Exchange, notifier notify.Notifier) *Controller {
	return &Controller{store: store, exchange: exchange, notifier: notifier}
}

// SetReplicator attaches the mirror replicator. Fills are forwarded with
// unscaled quantities; scaling is the replicator's business.
func (c *Controller) SetReplicator(r Replicator) {
	c.mirror = r
}

// FullSync makes local state match a point-in-time exchange snapshot. Local
// rows absent from the snapshot are deleted; the engine never trusts its own
// prior state across a restart. Safe to run repeatedly: an unchanged
// snapshot produces no writes and no notifications.
func (c *Controller) FullSync(ctx context.Context) error {
	positions, err := c.exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	orders, err := c.exchange.GetOpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}

	livePos := make(map[string]bool)
	for _, p := range positions {
		side := classify.SideLong
		qty := p.Qty
		if qty < 0 {
			side = classify.SideShort
			qty = -qty
		}
		livePos[posKey(p.Symbol, string(side))] = true
		c.syncPosition(ctx, p.Symbol, side, qty, p.EntryPrice, orders)
	}

	liveOrd := make(map[string]bool)
	for _, o := range orders {
		if o.Status != common.StatusNew {
			continue
		}
		side := classify.SnapshotSide(o)
		liveOrd[ordKey(o.Symbol, string(side), o.OrderID)] = true
		c.syncOrder(ctx, o, side, orders)

		// A resting limit entry with no live position is a pending position.
		if o.Type == common.OrderTypeLimit && !o.ReduceOnly && !o.ClosePosition &&
			!livePos[posKey(o.Symbol, string(side))] {
			livePos[posKey(o.Symbol, string(side))] = true
			c.syncPending(ctx, o, side)
		}
	}

	c.dropStale(ctx, livePos, liveOrd)
	return nil
}

func (c *Controller) syncPosition(ctx context.Context, symbol string, side classify.Side, qty, entry float64, orders []common.RestingOrder) {
	existing, err := c.store.GetPosition(ctx, db.TablePositions, symbol, string(side))
	if err != nil {
		logger.Errorf("sync position %s %s: %v", symbol, side, err)
		return
	}
	if existing != nil && !existing.Pending &&
		abs(existing.Qty-qty) <= qtyEpsilon && abs(existing.EntryPrice-entry) <= qtyEpsilon {
		return // unchanged, keep quiet
	}
	row := db.Position{Symbol: symbol, Side: string(side), Qty: qty, EntryPrice: entry}
	if existing != nil {
		row.RealizedPnl = existing.RealizedPnl
	}
	if err := c.store.UpsertPosition(ctx, db.TablePositions, row); err != nil {
		logger.Errorf("sync position %s %s: %v", symbol, side, err)
		return
	}
	stop, take := findStopTake(orders, symbol, side)
	c.notifier.Send(fmt.Sprintf("%s (start) %s: open %s, qty %v @ %v%s",
		sideMark(side), symbol, side, qty, entry, stopTakeSuffix(stop, take)))
}

func (c *Controller) syncOrder(ctx context.Context, o common.RestingOrder, side classify.Side, orders []common.RestingOrder) {
	existing, err := c.store.GetOpenOrder(ctx, o.Symbol, string(side), o.OrderID)
	if err != nil {
		logger.Errorf("sync order %s #%d: %v", o.Symbol, o.OrderID, err)
		return
	}
	if existing != nil {
		return // already mirrored, keep quiet
	}
	row := db.OpenOrder{
		Symbol:  o.Symbol,
		Side:    string(side),
		OrderID: o.OrderID,
		Type:    string(o.Type),
		Qty:     o.Qty,
		Price:   o.GoverningPrice(),
		Status:  string(common.StatusNew),
	}
	if err := c.store.UpsertOpenOrder(ctx, row); err != nil {
		logger.Errorf("sync order %s #%d: %v", o.Symbol, o.OrderID, err)
		return
	}
	if o.Type == common.OrderTypeLimit {
		stop, take := findStopTake(orders, o.Symbol, side)
		c.notifier.Send(fmt.Sprintf("🔵 (start) %s: resting LIMIT %s %s, qty %v @ %v%s",
			o.Symbol, sideMark(side), side, o.Qty, o.Price, stopTakeSuffix(stop, take)))
		return
	}
	c.notifier.Send(fmt.Sprintf("🔵 (start) %s: %s set @ %v", o.Symbol, protectiveName(o.Type), o.GoverningPrice()))
}

func (c *Controller) syncPending(ctx context.Context, o common.RestingOrder, side classify.Side) {
	existing, err := c.store.GetPosition(ctx, db.TablePositions, o.Symbol, string(side))
	if err != nil || existing != nil {
		if err != nil {
			logger.Errorf("sync pending %s %s: %v", o.Symbol, side, err)
		}
		return
	}
	row := db.Position{Symbol: o.Symbol, Side: string(side), Qty: o.Qty, EntryPrice: o.Price, Pending: true}
	if err := c.store.UpsertPosition(ctx, db.TablePositions, row); err != nil {
		logger.Errorf("sync pending %s %s: %v", o.Symbol, side, err)
	}
}

// dropStale deletes every local row whose key is absent from the snapshot.
// This bounds staleness to one restart cycle.
func (c *Controller) dropStale(ctx context.Context, livePos, liveOrd map[string]bool) {
	localPos, err := c.store.ListPositions(ctx, db.TablePositions)
	if err != nil {
		logger.Errorf("list local positions: %v", err)
	}
	for _, p := range localPos {
		if livePos[posKey(p.Symbol, p.Side)] {
			continue
		}
		if err := c.store.DeletePosition(ctx, db.TablePositions, p.Symbol, p.Side); err != nil {
			logger.Errorf("drop stale position %s %s: %v", p.Symbol, p.Side, err)
			continue
		}
		logger.Infof("dropped stale position %s %s (qty %v)", p.Symbol, p.Side, p.Qty)
	}

	localOrd, err := c.store.ListOpenOrders(ctx)
	if err != nil {
		logger.Errorf("list local orders: %v", err)
	}
	for _, o := range localOrd {
		if liveOrd[ordKey(o.Symbol, o.Side, o.OrderID)] {
			continue
		}
		if err := c.store.DeleteOpenOrder(ctx, o.Symbol, o.Side, o.OrderID); err != nil {
			logger.Errorf("drop stale order %s #%d: %v", o.Symbol, o.OrderID, err)
			continue
		}
		logger.Infof("dropped stale order %s %s #%d", o.Symbol, o.Side, o.OrderID)
	}
}

// HandleTransition applies one classified event. Failures are logged and
// the event dropped; the next full sync repairs any resulting drift.
func (c *Controller) HandleTransition(ctx context.Context, tr classify.Transition) {
	switch tr.Kind {
	case classify.KindOrderOpened:
		c.handleOpened(ctx, tr)
	case classify.KindOrderCanceled, classify.KindOrderExpired:
		c.handleGone(ctx, tr)
	case classify.KindOrderFilled:
		c.handleFilled(ctx, tr)
	default:
		logger.Debugf("ignoring transition kind %v for %s", tr.Kind, tr.Symbol)
	}
}

// handleOpened records a newly resting order. A NEW notification can race
// the REST view and describe an order the exchange no longer considers
// open, so the live resting set is consulted first.
func (c *Controller) handleOpened(ctx context.Context, tr classify.Transition) {
	live, err := c.exchange.GetOpenOrders(ctx, tr.Symbol)
	if err != nil {
		logger.Errorf("liveness check %s #%d: %v", tr.Symbol, tr.OrderID, err)
		return
	}
	if !containsOrder(live, tr.OrderID) {
		logger.Debugf("phantom NEW for %s #%d, dropped", tr.Symbol, tr.OrderID)
		return
	}

	row := db.OpenOrder{
		Symbol:  tr.Symbol,
		Side:    string(tr.Side),
		OrderID: tr.OrderID,
		Type:    string(tr.OrderType),
		Qty:     tr.Qty,
		Price:   tr.GoverningPrice(),
		Status:  string(common.StatusNew),
	}
	if err := c.store.UpsertOpenOrder(ctx, row); err != nil {
		logger.Errorf("store order %s #%d: %v", tr.Symbol, tr.OrderID, err)
		return
	}

	if tr.OrderType == common.OrderTypeLimit && !tr.ReduceOnly {
		c.ensurePending(ctx, tr)
		stop, take := findStopTake(live, tr.Symbol, tr.Side)
		c.notifier.Send(fmt.Sprintf("🔵 %s: new LIMIT %s %s, qty %v @ %v%s",
			tr.Symbol, sideMark(tr.Side), tr.Side, tr.Qty, tr.Price, stopTakeSuffix(stop, take)))
		return
	}
	c.notifier.Send(fmt.Sprintf("🔵 %s: %s set @ %v", tr.Symbol, protectiveName(tr.OrderType), tr.GoverningPrice()))
}

func (c *Controller) ensurePending(ctx context.Context, tr classify.Transition) {
	existing, err := c.store.GetPosition(ctx, db.TablePositions, tr.Symbol, string(tr.Side))
	if err != nil {
		logger.Errorf("pending lookup %s %s: %v", tr.Symbol, tr.Side, err)
		return
	}
	if existing != nil {
		return
	}
	row := db.Position{Symbol: tr.Symbol, Side: string(tr.Side), Qty: tr.Qty, EntryPrice: tr.Price, Pending: true}
	if err := c.store.UpsertPosition(ctx, db.TablePositions, row); err != nil {
		logger.Errorf("store pending %s %s: %v", tr.Symbol, tr.Side, err)
	}
}

// handleGone removes a canceled or expired order from the working set.
func (c *Controller) handleGone(ctx context.Context, tr classify.Transition) {
	qty, price := tr.Qty, tr.GoverningPrice()
	known, err := c.store.GetOpenOrder(ctx, tr.Symbol, string(tr.Side), tr.OrderID)
	if err != nil {
		logger.Errorf("order lookup %s #%d: %v", tr.Symbol, tr.OrderID, err)
	}
	if known != nil {
		qty, price = known.Qty, known.Price
	}
	if err := c.store.DeleteOpenOrder(ctx, tr.Symbol, string(tr.Side), tr.OrderID); err != nil {
		logger.Errorf("delete order %s #%d: %v", tr.Symbol, tr.OrderID, err)
		return
	}

	// A vanished limit entry takes its pending placeholder with it.
	if tr.OrderType == common.OrderTypeLimit && !tr.ReduceOnly {
		pos, err := c.store.GetPosition(ctx, db.TablePositions, tr.Symbol, string(tr.Side))
		if err == nil && pos != nil && pos.Pending {
			if err := c.store.DeletePosition(ctx, db.TablePositions, tr.Symbol, string(tr.Side)); err != nil {
				logger.Errorf("delete pending %s %s: %v", tr.Symbol, tr.Side, err)
			}
		}
	}

	c.notifier.Send(fmt.Sprintf("🔵 %s: %s %s %s, qty %v @ %v %s",
		tr.Symbol, tr.OrderType, sideMark(tr.Side), tr.Side, qty, price, tr.Kind))
}

// handleFilled applies a trade execution to the position, then fans out to
// the auditor and the mirror replicator.
func (c *Controller) handleFilled(ctx context.Context, tr classify.Transition) {
	if tr.IsResting() && tr.FullFill {
		if err := c.store.DeleteOpenOrder(ctx, tr.Symbol, string(tr.Side), tr.OrderID); err != nil {
			logger.Errorf("delete filled order %s #%d: %v", tr.Symbol, tr.OrderID, err)
		}
	}
	if tr.FillQty <= 0 {
		logger.Debugf("zero-quantity fill for %s #%d, dropped", tr.Symbol, tr.OrderID)
		return
	}

	if tr.ReduceOnly {
		c.applyReduce(ctx, tr)
	} else {
		c.applyIncrease(ctx, tr)
	}
}

func (c *Controller) applyIncrease(ctx context.Context, tr classify.Transition) {
	pos, err := c.store.GetPosition(ctx, db.TablePositions, tr.Symbol, string(tr.Side))
	if err != nil {
		logger.Errorf("position lookup %s %s: %v", tr.Symbol, tr.Side, err)
		return
	}

	row := db.Position{Symbol: tr.Symbol, Side: string(tr.Side)}
	if pos == nil || pos.Pending {
		// First fill opens real exposure; a pending placeholder does not count.
		row.Qty = tr.FillQty
		row.EntryPrice = tr.FillPrice
		if pos != nil {
			row.RealizedPnl = pos.RealizedPnl
		}
	} else {
		row.Qty = pos.Qty + tr.FillQty
		row.EntryPrice = weightedEntry(pos.EntryPrice, pos.Qty, tr.FillPrice, tr.FillQty)
		row.RealizedPnl = pos.RealizedPnl
	}
	row.RealizedPnl += tr.RealizedPnl

	if err := c.store.UpsertPosition(ctx, db.TablePositions, row); err != nil {
		logger.Errorf("store position %s %s: %v", tr.Symbol, tr.Side, err)
		return
	}
	c.notifier.Send(fmt.Sprintf("%s %s: %s increased by %v @ %v (total %v)",
		sideMark(tr.Side), tr.Symbol, tr.Side, tr.FillQty, tr.FillPrice, row.Qty))

	c.auditProtective(ctx, tr.Symbol, tr.Side, row.Qty)
	if c.mirror != nil {
		c.mirror.Increase(ctx, tr.Symbol, tr.Side, tr.FillQty, tr.FillPrice)
	}
}

func (c *Controller) applyReduce(ctx context.Context, tr classify.Transition) {
	pos, err := c.store.GetPosition(ctx, db.TablePositions, tr.Symbol, string(tr.Side))
	if err != nil {
		logger.Errorf("position lookup %s %s: %v", tr.Symbol, tr.Side, err)
		return
	}
	if pos == nil || pos.Pending {
		logger.Warnf("reduce fill for unknown position %s %s (qty %v), dropped until next sync",
			tr.Symbol, tr.Side, tr.FillQty)
		return
	}

	newQty := pos.Qty - tr.FillQty
	pnl := pos.RealizedPnl + tr.RealizedPnl

	if newQty <= qtyEpsilon {
		// Full close: the historical record is written before the live row
		// goes away, so a store failure cannot lose the closure.
		c.closeTrade(ctx, *pos, tr, pnl)
		if err := c.store.DeletePosition(ctx, db.TablePositions, tr.Symbol, string(tr.Side)); err != nil {
			logger.Errorf("delete position %s %s: %v", tr.Symbol, tr.Side, err)
		}
	} else {
		row := *pos
		row.Qty = newQty
		row.RealizedPnl = pnl
		if err := c.store.UpsertPosition(ctx, db.TablePositions, row); err != nil {
			logger.Errorf("store position %s %s: %v", tr.Symbol, tr.Side, err)
			return
		}
		c.notifier.Send(fmt.Sprintf("%s %s: %s reduced by %v @ %v (left %v)",
			sideMark(tr.Side), tr.Symbol, tr.Side, tr.FillQty, tr.FillPrice, newQty))
	}

	c.auditProtective(ctx, tr.Symbol, tr.Side, max(newQty, 0))
	if c.mirror != nil {
		c.mirror.Reduce(ctx, tr.Symbol, tr.Side, tr.FillQty, tr.FillPrice, tr.RealizedPnl)
	}
}

func posKey(symbol, side string) string { return symbol + "|" + side }

func ordKey(symbol, side string, id int64) string {
	return fmt.Sprintf("%s|%s|%d", symbol, side, id)
}

func containsOrder(orders []common.RestingOrder, id int64) bool {
	for _, o := range orders {
		if o.OrderID == id {
			return true
		}
	}
	return false
}

// findStopTake scans resting orders for the protective prices guarding a
// (symbol, side) position.
func findStopTake(orders []common.RestingOrder, symbol string, side classify.Side) (stop, take float64) {
	for _, o := range orders {
		if o.Symbol != symbol || !o.IsProtective() || o.Status != common.StatusNew {
			continue
		}
		if classify.SnapshotSide(o) != side {
			continue
		}
		if p := o.GoverningPrice(); p > 0 {
			if o.IsStop() {
				stop = p
			} else {
				take = p
			}
		}
	}
	return stop, take
}

func stopTakeSuffix(stop, take float64) string {
	s := ""
	if stop > 0 {
		s += fmt.Sprintf(", SL=%v", stop)
	}
	if take > 0 {
		s += fmt.Sprintf(", TP=%v", take)
	}
	return s
}

func sideMark(side classify.Side) string {
	if side == classify.SideLong {
		return "🟢"
	}
	return "🔴"
}

func protectiveName(t common.OrderType) string {
	switch t {
	case common.OrderTypeStop, common.OrderTypeStopMarket:
		return "STOP"
	case common.OrderTypeTakeProfit, common.OrderTypeTakeProfitMarket:
		return "TAKE"
	}
	return string(t)
}

func weightedEntry(oldEntry, oldQty, fillPrice, fillQty float64) float64 {
	newQty := oldQty + fillQty
	if newQty <= 0 {
		return fillPrice
	}
	return (oldEntry*oldQty + fillPrice*fillQty) / newQty
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
