package binance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"github.com/omnivenue/routing/internal/marketdata"
	"github.com/omnivenue/routing/internal/venue"
	"github.com/omnivenue/routing/pkg/types"
)

const (
	// Binance spot limits, conservative defaults.
	weightPerMinute = 1200
	ordersPerSecond = 10

	defaultOrderTimeout = 10 * time.Second

	weightAccount = 10
	weightOrders  = 10
)

// Binance API error codes the adapter classifies.
const (
	codeInvalidTimestamp = -1021
	codeInvalidAPIKey    = -2014
	codeRejectedSig      = -1022
	codeUnauthorized     = -2015
	codeOrderRejected    = -2010
	codeCancelRejected   = -2011
)

// Adapter is the Binance spot venue. REST via the official SDK client,
// market data via the combined book-ticker stream.
type Adapter struct {
	*venue.Base
	client *binance.Client
	feed   *marketdata.Feed
}

// New creates a Binance adapter. Sandbox credentials route to the spot
// testnet.
func New(cred types.Credential) (types.Venue, error) {
	if cred.Sandbox {
		binance.UseTestnet = true
	}

	a := &Adapter{
		Base: venue.NewBase(types.VenueInfo{
			Name:    "binance",
			Sandbox: cred.Sandbox,
			RateLimits: types.RateLimits{
				WeightPerMinute: weightPerMinute,
				OrdersPerSecond: ordersPerSecond,
			},
		}, types.ConcatNormalizer{}),
		client: binance.NewClient(cred.APIKey, cred.APISecret),
	}
	a.feed = marketdata.NewFeed("binance", a.openBookTicker, 0)
	return a, nil
}

// Connect validates connectivity and credentials with a ping and an account
// probe.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.IsConnected() {
		return nil
	}

	if err := a.client.NewPingService().Do(ctx); err != nil {
		return a.classify("ping", err)
	}
	if _, err := a.client.NewGetAccountService().Do(ctx); err != nil {
		return a.classify("account probe", err)
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

// GetBalance fetches the spot account snapshot. Zero balances are dropped.
func (a *Adapter) GetBalance(ctx context.Context) (*types.AccountBalance, error) {
	if err := a.CheckLimit(weightAccount); err != nil {
		return nil, &types.NetworkError{Venue: "binance", Op: "get balance", Err: err}
	}

	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, a.classify("get balance", err)
	}

	out := &types.AccountBalance{Venue: "binance", UpdatedAt: time.Now()}
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			continue
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			continue
		}
		total := free.Add(locked)
		if total.IsZero() {
			continue
		}
		out.Assets = append(out.Assets, types.Balance{
			Asset:  b.Asset,
			Free:   free,
			Locked: locked,
			Total:  total,
		})
	}
	return out, nil
}

// GetPositions derives spot positions from non-zero asset balances. Quote
// currencies are cash, not positions.
func (a *Adapter) GetPositions(ctx context.Context) ([]*types.Position, error) {
	bal, err := a.GetBalance(ctx)
	if err != nil {
		return nil, err
	}

	var positions []*types.Position
	for _, asset := range bal.Assets {
		if isQuoteAsset(asset.Asset) {
			continue
		}
		positions = append(positions, &types.Position{
			Venue:     "binance",
			Symbol:    asset.Asset + "/USDT",
			Side:      types.SideBuy,
			Quantity:  asset.Total,
			UpdatedAt: bal.UpdatedAt,
		})
	}
	return positions, nil
}

func isQuoteAsset(asset string) bool {
	switch asset {
	case "USDT", "USDC", "BUSD", "USD":
		return true
	}
	return false
}

// PlaceOrder submits the order and measures venue acknowledgment latency.
// The caller's context bounds the call; a default timeout applies when none
// is set.
func (a *Adapter) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := a.CheckLimit(1); err != nil {
		return nil, &types.NetworkError{Venue: "binance", Op: "place order", Err: err}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultOrderTimeout)
		defer cancel()
	}

	svc := a.client.NewCreateOrderService().
		Symbol(a.DenormalizeSymbol(req.Symbol)).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientID)
	if req.Type == types.OrderTypeLimit {
		svc = svc.Price(req.LimitPrice.String()).TimeInForce(binance.TimeInForceTypeGTC)
	}

	start := time.Now()
	ack, err := svc.Do(ctx)
	latency := time.Since(start)
	if err != nil {
		return nil, a.classify("place order", err)
	}

	res := &types.OrderResult{
		OrderID:        fmt.Sprintf("%d", ack.OrderID),
		ClientID:       req.ClientID,
		Venue:          "binance",
		Symbol:         req.Symbol,
		Side:           req.Side,
		Status:         mapStatus(ack.Status),
		RequestedPrice: req.LimitPrice,
		SubmittedAt:    start,
		Latency:        latency,
	}
	if qty, perr := decimal.NewFromString(ack.ExecutedQuantity); perr == nil && qty.IsPositive() {
		res.FillQuantity = qty
		if quote, qerr := decimal.NewFromString(ack.CummulativeQuoteQuantity); qerr == nil && quote.IsPositive() {
			res.FillPrice = quote.Div(qty)
		}
		res.FilledAt = time.UnixMilli(ack.TransactTime)
	}

	a.Logger().WithField("order_id", res.OrderID).WithField("status", res.Status).Info("order placed")
	return res, nil
}

// GetOrderHistory lists recent orders for a symbol, newest last.
func (a *Adapter) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]*types.OrderResult, error) {
	if err := a.CheckLimit(weightOrders); err != nil {
		return nil, &types.NetworkError{Venue: "binance", Op: "get order history", Err: err}
	}

	svc := a.client.NewListOrdersService().Symbol(a.DenormalizeSymbol(symbol))
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, a.classify("get order history", err)
	}

	out := make([]*types.OrderResult, 0, len(orders))
	for _, o := range orders {
		res := &types.OrderResult{
			OrderID:     fmt.Sprintf("%d", o.OrderID),
			ClientID:    o.ClientOrderID,
			Venue:       "binance",
			Symbol:      symbol,
			Side:        types.Side(o.Side),
			Status:      mapStatus(o.Status),
			SubmittedAt: time.UnixMilli(o.Time),
		}
		if price, perr := decimal.NewFromString(o.Price); perr == nil {
			res.RequestedPrice = price
		}
		if qty, perr := decimal.NewFromString(o.ExecutedQuantity); perr == nil && qty.IsPositive() {
			res.FillQuantity = qty
			if quote, qerr := decimal.NewFromString(o.CummulativeQuoteQuantity); qerr == nil && quote.IsPositive() {
				res.FillPrice = quote.Div(qty)
			}
			res.FilledAt = time.UnixMilli(o.UpdateTime)
		}
		out = append(out, res)
	}
	return out, nil
}

// SubscribeTicks registers a callback for a canonical symbol. One book
// ticker stream is held per symbol regardless of subscriber count.
func (a *Adapter) SubscribeTicks(symbol string, cb types.TickCallback) (types.SubscriptionID, error) {
	return a.feed.Subscribe(symbol, cb)
}

// UnsubscribeTicks removes a callback; the stream closes with the last one.
func (a *Adapter) UnsubscribeTicks(symbol string, id types.SubscriptionID) error {
	return a.feed.Unsubscribe(symbol, id)
}

// openBookTicker starts the SDK's book ticker stream for one symbol.
func (a *Adapter) openBookTicker(symbol string, deliver func(types.Quote)) (func(), error) {
	venueSymbol := a.DenormalizeSymbol(symbol)

	handler := func(ev *binance.WsBookTickerEvent) {
		q, err := marketdata.Complete(types.Quote{
			Venue:     "binance",
			Symbol:    symbol,
			Bid:       mustDecimal(ev.BestBidPrice),
			Ask:       mustDecimal(ev.BestAskPrice),
			BidQty:    mustDecimal(ev.BestBidQty),
			AskQty:    mustDecimal(ev.BestAskQty),
			Timestamp: time.Now(),
		})
		if err != nil {
			a.Logger().WithError(err).WithField("symbol", symbol).Debug("dropping malformed tick")
			return
		}
		deliver(q)
	}
	errHandler := func(err error) {
		a.Logger().WithError(err).WithField("symbol", symbol).Warn("book ticker stream error")
	}

	doneC, stopC, err := binance.WsBookTickerServe(venueSymbol, handler, errHandler)
	if err != nil {
		return nil, &types.NetworkError{Venue: "binance", Op: "subscribe " + symbol, Err: err}
	}

	return func() {
		close(stopC)
		<-doneC
	}, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func mapStatus(status binance.OrderStatusType) types.OrderStatus {
	switch status {
	case binance.OrderStatusTypeFilled:
		return types.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return types.OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		return types.OrderStatusRejected
	default:
		return types.OrderStatusSubmitted
	}
}

// classify maps SDK errors into the shared taxonomy by code, never by
// message text.
func (a *Adapter) classify(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeInvalidAPIKey, codeUnauthorized, codeRejectedSig, codeInvalidTimestamp:
			return &types.AuthError{Venue: "binance", Reason: apiErr.Message}
		case codeOrderRejected, codeCancelRejected:
			return &types.RejectedOrderError{Venue: "binance", Reason: apiErr.Message}
		default:
			return &types.VenueError{Venue: "binance", Code: int(apiErr.Code), Message: apiErr.Message}
		}
	}
	return &types.NetworkError{Venue: "binance", Op: op, Err: err}
}
