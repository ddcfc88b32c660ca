package track

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"trade-mirror/internal/classify"
	"trade-mirror/pkg/db"
	"trade-mirror/pkg/exchanges/common"
	"trade-mirror/pkg/logger"
)

// closeTrade writes the permanent record of a fully closed position. pos is
// the row as it stood before the terminal fill, pnl the lifetime realized
// PnL including that fill.
func (c *Controller) closeTrade(ctx context.Context, pos db.Position, tr classify.Transition, pnl float64) {
	stop, take := c.restingStopTake(ctx, tr.Symbol, tr.Side)

	// The terminal order itself is already gone from the working set, so
	// its trigger price comes from the transition.
	switch {
	case isStopType(tr.OrderType):
		if tr.StopPrice > 0 {
			stop = tr.StopPrice
		}
	case isTakeType(tr.OrderType):
		if tr.StopPrice > 0 {
			take = tr.StopPrice
		}
	}

	record := db.ClosedTrade{
		ID:          uuid.NewString(),
		Symbol:      tr.Symbol,
		Side:        string(tr.Side),
		Volume:      pos.Qty,
		RealizedPnl: pnl,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   tr.FillPrice,
		StopPrice:   stop,
		TakePrice:   take,
		Reason:      closeReason(tr.OrderType),
		RiskReward:  riskReward(pnl, pos.Qty, pos.EntryPrice, stop),
		ClosedAt:    time.Now().UTC(),
	}
	if err := c.store.InsertClosedTrade(ctx, record); err != nil {
		logger.Errorf("record closed trade %s %s: %v", tr.Symbol, tr.Side, err)
	}

	c.notifier.Send(fmt.Sprintf("%s %s: %s closed by %s, qty %v @ %v, PnL %.2f, RR %.1f",
		sideMark(tr.Side), tr.Symbol, tr.Side, record.Reason,
		record.Volume, record.ExitPrice, record.RealizedPnl, record.RiskReward))
}

// restingStopTake reads protective prices from the local working set. The
// live exchange is not consulted here; at closure time local orders are at
// most one event behind.
func (c *Controller) restingStopTake(ctx context.Context, symbol string, side classify.Side) (stop, take float64) {
	orders, err := c.store.ListOpenOrdersFor(ctx, symbol, string(side))
	if err != nil {
		logger.Errorf("protective lookup %s %s: %v", symbol, side, err)
		return 0, 0
	}
	for _, o := range orders {
		t := common.OrderType(o.Type)
		if o.Price <= 0 {
			continue
		}
		switch {
		case isStopType(t):
			stop = o.Price
		case isTakeType(t):
			take = o.Price
		}
	}
	return stop, take
}

// closeReason names what ended the trade: the protective stop, the
// protective take, or a direct market/limit exit.
func closeReason(t common.OrderType) string {
	switch {
	case isStopType(t):
		return "stop"
	case isTakeType(t):
		return "take"
	}
	return "market"
}

// riskReward relates realized PnL to the risk the stop defined:
// pnl / (volume * |entry - stop|), rounded to one decimal. Without a
// usable stop there is no denominator, so the ratio degrades to a bare
// win/loss marker of +1 or -1.
func riskReward(pnl, volume, entry, stop float64) float64 {
	if stop <= 0 {
		return signUnit(pnl)
	}
	risk := volume * math.Abs(entry-stop)
	if risk <= 1e-12 {
		return signUnit(pnl)
	}
	return math.Round(pnl/risk*10) / 10
}

func signUnit(pnl float64) float64 {
	if pnl >= 0 {
		return 1.0
	}
	return -1.0
}

func isStopType(t common.OrderType) bool {
	return t == common.OrderTypeStop || t == common.OrderTypeStopMarket
}

func isTakeType(t common.OrderType) bool {
	return t == common.OrderTypeTakeProfit || t == common.OrderTypeTakeProfitMarket
}
