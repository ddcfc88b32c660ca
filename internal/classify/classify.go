// Package classify turns raw order-update payloads from the futures user
// data stream into typed transitions. Everything here is a pure function of
// the input event; side effects belong to the controller.
package classify

import (
	"strconv"
	"strings"

	"trade-mirror/pkg/exchanges/common"
)

// Side is the position side a transition acts on.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderSide returns the order side that increases a position on s.
func (s Side) OrderSide() common.Side {
	if s == SideLong {
		return common.SideBuy
	}
	return common.SideSell
}

// OrderUpdate is the "o" object of a futures ORDER_TRADE_UPDATE message.
// Numeric fields arrive as strings, Binance convention.
type OrderUpdate struct {
	Symbol        string `json:"s"`
	RawSide       string `json:"S"`
	Type          string `json:"o"`
	OrigType      string `json:"ot"`
	Status        string `json:"X"`
	ExecutionType string `json:"x"`
	ReduceOnly    bool   `json:"R"`
	ClosePosition bool   `json:"cp"`
	OrderID       int64  `json:"i"`
	OrigQty       string `json:"q"`
	Price         string `json:"p"`
	StopPrice     string `json:"sp"`
	AvgPrice      string `json:"ap"`
	LastFillQty   string `json:"l"`
	CumFillQty    string `json:"z"`
	RealizedPnl   string `json:"rp"`
}

// Kind enumerates order lifecycle transitions the engine reacts to.
type Kind int

const (
	KindUnknown Kind = iota
	KindOrderOpened
	KindOrderCanceled
	KindOrderExpired
	KindOrderFilled
)

func (k Kind) String() string {
	switch k {
	case KindOrderOpened:
		return "opened"
	case KindOrderCanceled:
		return "canceled"
	case KindOrderExpired:
		return "expired"
	case KindOrderFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// Transition is one classified order lifecycle event with decoded side and
// parsed numbers, ready for the reconciliation controller.
type Transition struct {
	Kind       Kind
	Symbol     string
	Side       Side
	OrderID    int64
	OrderType  common.OrderType
	ReduceOnly bool // effective flag: reduceOnly OR closePosition

	Qty       float64 // original order quantity
	Price     float64 // limit price
	StopPrice float64 // trigger price for stop/take orders

	FillQty     float64 // quantity filled by this event
	FillPrice   float64 // average fill price
	RealizedPnl float64 // realized PnL of this fill
	FullFill    bool    // terminal FILLED vs PARTIALLY_FILLED
}

// GoverningPrice is the trigger price for stop/take orders, the limit price
// otherwise.
func (t Transition) GoverningPrice() float64 {
	if t.StopPrice > 0 && isProtectiveType(t.OrderType) {
		return t.StopPrice
	}
	return t.Price
}

// DecodeSide maps a raw BUY/SELL order side to the position side it acts
// on. A reduce-only BUY closes a short; a reduce-only SELL closes a long.
func DecodeSide(raw string, reduceOnly bool) Side {
	buy := strings.EqualFold(raw, "BUY")
	if reduceOnly {
		if buy {
			return SideShort
		}
		return SideLong
	}
	if buy {
		return SideLong
	}
	return SideShort
}

// SnapshotSide decodes the position side of a resting order from the REST
// snapshot, where closePosition also marks a closing order.
func SnapshotSide(o common.RestingOrder) Side {
	return DecodeSide(string(o.Side), o.ReduceOnly || o.ClosePosition)
}

// Classify decodes one order update into a transition. ok is false for
// events the engine does not react to (e.g. non-trade executions on resting
// orders, or NEW market orders which never rest).
func Classify(u OrderUpdate) (Transition, bool) {
	orderType := common.OrderType(strings.ToUpper(u.OrigType))
	if orderType == "" {
		orderType = common.OrderType(strings.ToUpper(u.Type))
	}
	reduce := u.ReduceOnly || u.ClosePosition

	tr := Transition{
		Symbol:      u.Symbol,
		Side:        DecodeSide(u.RawSide, reduce),
		OrderID:     u.OrderID,
		OrderType:   orderType,
		ReduceOnly:  reduce,
		Qty:         toFloat(u.OrigQty),
		Price:       toFloat(u.Price),
		StopPrice:   toFloat(u.StopPrice),
		FillQty:     toFloat(u.LastFillQty),
		FillPrice:   toFloat(u.AvgPrice),
		RealizedPnl: toFloat(u.RealizedPnl),
	}

	switch strings.ToUpper(u.Status) {
	case "NEW":
		if !isRestingType(orderType) {
			return Transition{}, false
		}
		tr.Kind = KindOrderOpened
	case "CANCELED":
		tr.Kind = KindOrderCanceled
	case "EXPIRED":
		tr.Kind = KindOrderExpired
	case "FILLED", "PARTIALLY_FILLED":
		if strings.ToUpper(u.ExecutionType) != "TRADE" {
			return Transition{}, false
		}
		tr.Kind = KindOrderFilled
		tr.FullFill = strings.EqualFold(u.Status, "FILLED")
	default:
		return Transition{}, false
	}
	return tr, true
}

// IsResting reports whether the transition's order type rests on the book.
func (t Transition) IsResting() bool {
	return isRestingType(t.OrderType)
}

func isRestingType(t common.OrderType) bool {
	return t == common.OrderTypeLimit || isProtectiveType(t)
}

func isProtectiveType(t common.OrderType) bool {
	switch t {
	case common.OrderTypeStop, common.OrderTypeStopMarket,
		common.OrderTypeTakeProfit, common.OrderTypeTakeProfitMarket:
		return true
	}
	return false
}

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
