package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Order status
const (
	OrderStatusSubmitted = "SUBMITTED"
	OrderStatusFilled    = "FILLED"
	OrderStatusRejected  = "REJECTED"
	OrderStatusCanceled  = "CANCELED"
)

// Type aliases for readability
type Side = string
type OrderType = string
type OrderStatus = string

// ConnState is the transport state of a venue connection. Transitions are
// owned exclusively by the connection supervisor.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDegraded     ConnState = "degraded"
)

// Credential holds per-venue authentication material. Kept in process
// memory only, never persisted by the core.
type Credential struct {
	APIKey    string
	APISecret string
	Sandbox   bool
}

// Quote is one normalized market data update for a symbol on a venue.
// Partial marks quotes synthesized from a last price without real bid/ask,
// so ranking can discount them.
type Quote struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	BidQty    decimal.Decimal `json:"bid_qty,omitempty"`
	AskQty    decimal.Decimal `json:"ask_qty,omitempty"`
	Last      decimal.Decimal `json:"last"`
	Partial   bool            `json:"partial,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stale reports whether the quote is older than maxAge.
func (q Quote) Stale(maxAge time.Duration) bool {
	return time.Since(q.Timestamp) > maxAge
}

// SidePrice returns the price a taker pays on the given side: the ask for
// buys, the bid for sells.
func (q Quote) SidePrice(side Side) decimal.Decimal {
	if side == SideBuy {
		return q.Ask
	}
	return q.Bid
}

// OrderRequest is an order as submitted by a caller. Immutable once handed
// to a venue adapter. ClientID is a caller-generated idempotency id and is
// never reused.
type OrderRequest struct {
	ClientID    string          `json:"client_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// NewOrderRequest builds a request with a fresh idempotency id.
func NewOrderRequest(symbol string, side Side, orderType OrderType, qty decimal.Decimal) *OrderRequest {
	return &OrderRequest{
		ClientID:    uuid.NewString(),
		Symbol:      symbol,
		Side:        side,
		Type:        orderType,
		Quantity:    qty,
		SubmittedAt: time.Now(),
	}
}

// Validate checks request fields the caller controls.
func (r *OrderRequest) Validate() error {
	if r.Symbol == "" {
		return &InvalidRequestError{Field: "symbol", Reason: "empty"}
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return &InvalidRequestError{Field: "side", Reason: "must be BUY or SELL"}
	}
	if r.Type != OrderTypeMarket && r.Type != OrderTypeLimit {
		return &InvalidRequestError{Field: "type", Reason: "must be MARKET or LIMIT"}
	}
	if !r.Quantity.IsPositive() {
		return &InvalidRequestError{Field: "quantity", Reason: "must be positive"}
	}
	if r.Type == OrderTypeLimit && !r.LimitPrice.IsPositive() {
		return &InvalidRequestError{Field: "limit_price", Reason: "required for limit orders"}
	}
	return nil
}

// OrderResult is the venue's acknowledgment of an order.
type OrderResult struct {
	OrderID        string          `json:"order_id"`
	ClientID       string          `json:"client_id"`
	Venue          string          `json:"venue"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Status         OrderStatus     `json:"status"`
	RequestedPrice decimal.Decimal `json:"requested_price,omitempty"`
	FillPrice      decimal.Decimal `json:"fill_price,omitempty"`
	FillQuantity   decimal.Decimal `json:"fill_quantity,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	FilledAt       time.Time       `json:"filled_at,omitempty"`
	Latency        time.Duration   `json:"latency"`
}

// Balance is the holding of a single asset.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
	Total  decimal.Decimal `json:"total"`
}

// AccountBalance is a venue account snapshot.
type AccountBalance struct {
	Venue     string          `json:"venue"`
	Total     decimal.Decimal `json:"total"`
	Cash      decimal.Decimal `json:"cash"`
	Assets    []Balance       `json:"assets"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Position represents an open position on a venue.
type Position struct {
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price,omitempty"`
	MarkPrice     decimal.Decimal `json:"mark_price,omitempty"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// VenueScore is the rolling execution quality of a venue. Mutated only by
// the quality analyzer; read-only everywhere else.
type VenueScore struct {
	Venue       string        `json:"venue"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	AvgSlippage float64       `json:"avg_slippage"`
	Samples     int64         `json:"samples"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// CostEfficiency folds the rolling metrics into a single ranking key.
// Higher is better. Slippage is the direct execution cost so it weighs
// heaviest; latency enters in seconds.
func (s VenueScore) CostEfficiency() float64 {
	if s.Samples == 0 {
		return 1.0
	}
	penalty := s.AvgSlippage*100 + s.AvgLatency.Seconds()
	return s.SuccessRate / (1 + penalty)
}

// VenueHealth is the observable state of one venue, for dashboards.
type VenueHealth struct {
	Venue string     `json:"venue"`
	State ConnState  `json:"state"`
	Score VenueScore `json:"score"`
}
