package track

import (
	"context"
	"fmt"

	"trade-mirror/internal/classify"
	"trade-mirror/pkg/exchanges/common"
	"trade-mirror/pkg/logger"
	"trade-mirror/pkg/notify"
)

// auditProtective checks, after a quantity-changing fill, that every
// protective order still guarding the position matches its new quantity.
// Advisory only: a mismatch is surfaced to the operator, never corrected,
// because resizing orders is a trading decision this engine does not make.
func (c *Controller) auditProtective(ctx context.Context, symbol string, side classify.Side, qty float64) {
	live, err := c.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		logger.Errorf("audit %s %s: %v", symbol, side, err)
		return
	}
	auditOrders(live, symbol, side, qty, c.notifier)
}

func auditOrders(orders []common.RestingOrder, symbol string, side classify.Side, qty float64, n notify.Notifier) {
	for _, o := range orders {
		if o.Symbol != symbol || !o.IsProtective() || o.Status != common.StatusNew {
			continue
		}
		if classify.SnapshotSide(o) != side {
			continue
		}
		if o.ClosePosition {
			continue // sized by the exchange at trigger time, nothing to compare
		}
		if diff := o.Qty - qty; diff > qtyEpsilon || diff < -qtyEpsilon {
			logger.Warnf("protective order %s #%d qty %v does not cover %s position qty %v",
				symbol, o.OrderID, o.Qty, side, qty)
			n.Send(formatAuditWarning(symbol, side, o, qty))
		}
	}
}

func formatAuditWarning(symbol string, side classify.Side, o common.RestingOrder, qty float64) string {
	kind := "STOP"
	if !o.IsStop() {
		kind = "TAKE"
	}
	return fmt.Sprintf("⚠️ %s: %s #%d qty %v != %s position qty %v",
		symbol, kind, o.OrderID, o.Qty, side, qty)
}
