package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes Binance futures order types.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStop             OrderType = "STOP"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfit       OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Qty        float64
	QtyText    string // pre-formatted quantity; wins over Qty when set
	Price      float64
	StopPrice  float64
	ClientID   string
	ReduceOnly bool
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	ClientID        string
}

// PositionSnapshot is one non-flat row from the position-risk endpoint.
// Qty carries the exchange sign convention: negative means short.
type PositionSnapshot struct {
	Symbol     string
	Qty        float64
	EntryPrice float64
}

// RestingOrder is one NEW order from the open-orders endpoint.
type RestingOrder struct {
	Symbol        string
	OrderID       int64
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64
	StopPrice     float64
	Status        OrderStatus
	ReduceOnly    bool
	ClosePosition bool
}

// GoverningPrice is the price that activates the order: trigger price for
// stop/take orders, limit price otherwise.
func (o RestingOrder) GoverningPrice() float64 {
	switch o.Type {
	case OrderTypeStop, OrderTypeStopMarket, OrderTypeTakeProfit, OrderTypeTakeProfitMarket:
		if o.StopPrice > 0 {
			return o.StopPrice
		}
	}
	return o.Price
}

// IsProtective reports whether the order is a stop-loss or take-profit type.
func (o RestingOrder) IsProtective() bool {
	switch o.Type {
	case OrderTypeStop, OrderTypeStopMarket, OrderTypeTakeProfit, OrderTypeTakeProfitMarket:
		return true
	}
	return false
}

// IsStop reports whether the order is a stop-loss type.
func (o RestingOrder) IsStop() bool {
	return o.Type == OrderTypeStop || o.Type == OrderTypeStopMarket
}
