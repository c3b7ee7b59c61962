package bybit

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omnivenue/routing/internal/marketdata"
	"github.com/omnivenue/routing/internal/venue"
	"github.com/omnivenue/routing/pkg/types"
)

const (
	weightPerMinute = 600
	ordersPerSecond = 10

	defaultOrderTimeout = 10 * time.Second
)

// Adapter is the Bybit spot venue on the v5 unified API.
type Adapter struct {
	*venue.Base
	client *client
	feed   *marketdata.Feed
}

// New creates a Bybit adapter.
func New(cred types.Credential) (types.Venue, error) {
	a := &Adapter{
		Base: venue.NewBase(types.VenueInfo{
			Name:    "bybit",
			Sandbox: cred.Sandbox,
			RateLimits: types.RateLimits{
				WeightPerMinute: weightPerMinute,
				OrdersPerSecond: ordersPerSecond,
			},
		}, types.ConcatNormalizer{}),
		client: newClient(cred),
	}
	a.feed = marketdata.NewFeed("bybit", a.openTicker, 0)
	return a, nil
}

// Connect validates connectivity and credentials with a wallet probe.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.IsConnected() {
		return nil
	}

	var result walletBalanceResult
	if err := a.client.get(ctx, "/v5/account/wallet-balance", "accountType=UNIFIED", &result); err != nil {
		return err
	}

	a.SetConnected(true)
	a.Logger().Info("connected")
	return nil
}

// Disconnect stops all market data streams.
func (a *Adapter) Disconnect() error {
	a.feed.Close()
	a.SetConnected(false)
	a.Logger().Info("disconnected")
	return nil
}

// GetBalance fetches the unified wallet snapshot.
func (a *Adapter) GetBalance(ctx context.Context) (*types.AccountBalance, error) {
	if err := a.CheckLimit(1); err != nil {
		return nil, &types.NetworkError{Venue: "bybit", Op: "get balance", Err: err}
	}

	var result walletBalanceResult
	if err := a.client.get(ctx, "/v5/account/wallet-balance", "accountType=UNIFIED", &result); err != nil {
		return nil, err
	}

	out := &types.AccountBalance{Venue: "bybit", UpdatedAt: time.Now()}
	for _, account := range result.List {
		if equity, err := decimal.NewFromString(account.TotalEquity); err == nil {
			out.Total = out.Total.Add(equity)
		}
		for _, coin := range account.Coin {
			balance, err := decimal.NewFromString(coin.WalletBalance)
			if err != nil || balance.IsZero() {
				continue
			}
			locked, _ := decimal.NewFromString(coin.Locked)
			out.Assets = append(out.Assets, types.Balance{
				Asset:  coin.Coin,
				Free:   balance.Sub(locked),
				Locked: locked,
				Total:  balance,
			})
		}
	}
	return out, nil
}

// GetPositions lists open linear positions.
func (a *Adapter) GetPositions(ctx context.Context) ([]*types.Position, error) {
	if err := a.CheckLimit(1); err != nil {
		return nil, &types.NetworkError{Venue: "bybit", Op: "get positions", Err: err}
	}

	var result positionListResult
	if err := a.client.get(ctx, "/v5/position/list", "category=linear&settleCoin=USDT", &result); err != nil {
		return nil, err
	}

	positions := make([]*types.Position, 0, len(result.List))
	for _, p := range result.List {
		qty, err := decimal.NewFromString(p.Size)
		if err != nil || qty.IsZero() {
			continue
		}
		pos := &types.Position{
			Venue:    "bybit",
			Symbol:   a.NormalizeSymbol(p.Symbol),
			Side:     mapSide(p.Side),
			Quantity: qty,
		}
		if entry, err := decimal.NewFromString(p.AvgPrice); err == nil {
			pos.EntryPrice = entry
		}
		if mark, err := decimal.NewFromString(p.MarkPrice); err == nil {
			pos.MarkPrice = mark
		}
		if pnl, err := decimal.NewFromString(p.UnrealisedPnl); err == nil {
			pos.UnrealizedPnL = pnl
		}
		if ms, err := strconv.ParseInt(p.UpdatedTime, 10, 64); err == nil {
			pos.UpdatedAt = time.UnixMilli(ms)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// PlaceOrder submits a spot order and measures venue acknowledgment
// latency. A default timeout applies when the caller sets none.
func (a *Adapter) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := a.CheckLimit(1); err != nil {
		return nil, &types.NetworkError{Venue: "bybit", Op: "place order", Err: err}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultOrderTimeout)
		defer cancel()
	}

	body := map[string]string{
		"category":    "spot",
		"symbol":      a.DenormalizeSymbol(req.Symbol),
		"side":        titleSide(req.Side),
		"orderType":   titleType(req.Type),
		"qty":         req.Quantity.String(),
		"orderLinkId": req.ClientID,
	}
	if req.Type == types.OrderTypeLimit {
		body["price"] = req.LimitPrice.String()
		body["timeInForce"] = "GTC"
	}

	start := time.Now()
	var result orderCreateResult
	if err := a.client.post(ctx, "/v5/order/create", body, &result); err != nil {
		return nil, err
	}
	latency := time.Since(start)

	res := &types.OrderResult{
		OrderID:        result.OrderID,
		ClientID:       req.ClientID,
		Venue:          "bybit",
		Symbol:         req.Symbol,
		Side:           req.Side,
		Status:         types.OrderStatusSubmitted,
		RequestedPrice: req.LimitPrice,
		SubmittedAt:    start,
		Latency:        latency,
	}
	a.Logger().WithField("order_id", res.OrderID).Info("order placed")
	return res, nil
}

// GetOrderHistory lists recent spot orders for a symbol.
func (a *Adapter) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]*types.OrderResult, error) {
	if err := a.CheckLimit(1); err != nil {
		return nil, &types.NetworkError{Venue: "bybit", Op: "get order history", Err: err}
	}

	query := url.Values{}
	query.Set("category", "spot")
	query.Set("symbol", a.DenormalizeSymbol(symbol))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var result orderHistoryResult
	if err := a.client.get(ctx, "/v5/order/history", query.Encode(), &result); err != nil {
		return nil, err
	}

	out := make([]*types.OrderResult, 0, len(result.List))
	for _, o := range result.List {
		res := &types.OrderResult{
			OrderID:  o.OrderID,
			ClientID: o.OrderLinkID,
			Venue:    "bybit",
			Symbol:   symbol,
			Side:     mapSide(o.Side),
			Status:   mapOrderStatus(o.OrderStatus),
		}
		if price, err := decimal.NewFromString(o.Price); err == nil {
			res.RequestedPrice = price
		}
		if qty, err := decimal.NewFromString(o.CumExecQty); err == nil && qty.IsPositive() {
			res.FillQuantity = qty
			if avg, aerr := decimal.NewFromString(o.AvgPrice); aerr == nil && avg.IsPositive() {
				res.FillPrice = avg
			}
		}
		if ms, err := strconv.ParseInt(o.CreatedTime, 10, 64); err == nil {
			res.SubmittedAt = time.UnixMilli(ms)
		}
		if ms, err := strconv.ParseInt(o.UpdatedTime, 10, 64); err == nil && res.Status == types.OrderStatusFilled {
			res.FilledAt = time.UnixMilli(ms)
		}
		out = append(out, res)
	}
	return out, nil
}

// SubscribeTicks registers a callback for a canonical symbol.
func (a *Adapter) SubscribeTicks(symbol string, cb types.TickCallback) (types.SubscriptionID, error) {
	return a.feed.Subscribe(symbol, cb)
}

// UnsubscribeTicks removes a callback; the stream closes with the last one.
func (a *Adapter) UnsubscribeTicks(symbol string, id types.SubscriptionID) error {
	return a.feed.Unsubscribe(symbol, id)
}

func titleSide(side types.Side) string {
	if side == types.SideSell {
		return "Sell"
	}
	return "Buy"
}

func titleType(orderType types.OrderType) string {
	if orderType == types.OrderTypeLimit {
		return "Limit"
	}
	return "Market"
}

func mapSide(side string) types.Side {
	if side == "Sell" {
		return types.SideSell
	}
	return types.SideBuy
}

func mapOrderStatus(status string) types.OrderStatus {
	switch status {
	case "Filled":
		return types.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return types.OrderStatusCanceled
	case "Rejected":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusSubmitted
	}
}
