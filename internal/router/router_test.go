package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnivenue/routing/internal/quality"
	"github.com/omnivenue/routing/pkg/types"
)

type fastClock struct{}

func (fastClock) Now() time.Time                       { return time.Now() }
func (fastClock) After(time.Duration) <-chan time.Time { return time.After(time.Millisecond) }

// scriptedVenue returns the queued outcomes in order; once the script runs
// out it keeps returning the last one.
type scriptedVenue struct {
	mu     sync.Mutex
	name   string
	script []placeOutcome
	calls  int
}

type placeOutcome struct {
	res *types.OrderResult
	err error
}

func (v *scriptedVenue) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.calls
	v.calls++
	if idx >= len(v.script) {
		idx = len(v.script) - 1
	}
	out := v.script[idx]
	if out.res != nil {
		res := *out.res
		res.ClientID = req.ClientID
		return &res, out.err
	}
	return nil, out.err
}

func (v *scriptedVenue) placeCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func (v *scriptedVenue) Connect(ctx context.Context) error { return nil }
func (v *scriptedVenue) Disconnect() error                 { return nil }
func (v *scriptedVenue) IsConnected() bool                 { return true }
func (v *scriptedVenue) GetBalance(ctx context.Context) (*types.AccountBalance, error) {
	return nil, nil
}
func (v *scriptedVenue) GetPositions(ctx context.Context) ([]*types.Position, error) {
	return nil, nil
}
func (v *scriptedVenue) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]*types.OrderResult, error) {
	return nil, nil
}
func (v *scriptedVenue) SubscribeTicks(symbol string, cb types.TickCallback) (types.SubscriptionID, error) {
	return 1, nil
}
func (v *scriptedVenue) UnsubscribeTicks(symbol string, id types.SubscriptionID) error { return nil }
func (v *scriptedVenue) Info() types.VenueInfo {
	return types.VenueInfo{Name: v.name}
}

type fakeSource struct {
	mu    sync.Mutex
	name  string
	state types.ConnState
	venue *scriptedVenue
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) State() types.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSource) setState(st types.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *fakeSource) Venue() types.Venue { return s.venue }

func (s *fakeSource) Subscribe(symbol string, cb types.TickCallback) (types.SubscriptionID, error) {
	return 1, nil
}

func (s *fakeSource) Unsubscribe(symbol string, id types.SubscriptionID) error { return nil }

func filledAt(venue, price string) *types.OrderResult {
	return &types.OrderResult{
		Venue:     venue,
		OrderID:   venue + "-1",
		Symbol:    "BTC/USDT",
		Status:    types.OrderStatusFilled,
		FillPrice: decimal.RequireFromString(price),
		Latency:   20 * time.Millisecond,
	}
}

func newSource(name string, state types.ConnState, script ...placeOutcome) *fakeSource {
	if len(script) == 0 {
		script = []placeOutcome{{res: filledAt(name, "27000")}}
	}
	return &fakeSource{name: name, state: state, venue: &scriptedVenue{name: name, script: script}}
}

func quoteFor(venue, bid, ask string) types.Quote {
	return types.Quote{
		Venue:     venue,
		Symbol:    "BTC/USDT",
		Bid:       decimal.RequireFromString(bid),
		Ask:       decimal.RequireFromString(ask),
		Last:      decimal.RequireFromString(bid),
		Timestamp: time.Now(),
	}
}

func newTestRouter(t *testing.T, srcs ...*fakeSource) (*Router, *quality.Analyzer) {
	t.Helper()
	an := quality.New(quality.Config{})
	r := New(Config{MaxRetries: 3}, an, WithClock(fastClock{}))
	t.Cleanup(r.Stop)
	for _, src := range srcs {
		require.NoError(t, r.AddVenue(src))
	}
	return r, an
}

func marketBuy(qty string) *types.OrderRequest {
	return types.NewOrderRequest("BTC/USDT", types.SideBuy, types.OrderTypeMarket, decimal.RequireFromString(qty))
}

func TestBestPricePerSide(t *testing.T) {
	a := newSource("binance", types.StateConnected)
	b := newSource("kraken", types.StateConnected)
	r, _ := newTestRouter(t, a, b)

	r.UpdateQuote(quoteFor("binance", "26990", "27010"))
	r.UpdateQuote(quoteFor("kraken", "26995", "27005"))

	buy, err := r.GetBestPrice("BTC/USDT", types.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "kraken", buy.Venue) // lowest ask

	sell, err := r.GetBestPrice("BTC/USDT", types.SideSell)
	require.NoError(t, err)
	assert.Equal(t, "kraken", sell.Venue) // highest bid
}

func TestPriceTieBreaksOnCostEfficiency(t *testing.T) {
	a := newSource("binance", types.StateConnected)
	b := newSource("kraken", types.StateConnected)
	r, an := newTestRouter(t, a, b)

	// Same book on both venues; binance has a record of bad slippage.
	r.UpdateQuote(quoteFor("binance", "26990", "27010"))
	r.UpdateQuote(quoteFor("kraken", "26990", "27010"))

	req := types.NewOrderRequest("BTC/USDT", types.SideBuy, types.OrderTypeLimit, decimal.NewFromInt(1))
	req.LimitPrice = decimal.RequireFromString("10000")
	an.Observe("binance", req, &types.OrderResult{
		Status:         types.OrderStatusFilled,
		RequestedPrice: decimal.RequireFromString("10000"),
		FillPrice:      decimal.RequireFromString("10200"),
		Latency:        10 * time.Millisecond,
	}, nil)
	an.Observe("kraken", req, &types.OrderResult{
		Status:         types.OrderStatusFilled,
		RequestedPrice: decimal.RequireFromString("10000"),
		FillPrice:      decimal.RequireFromString("10000"),
		Latency:        10 * time.Millisecond,
	}, nil)

	best, err := r.GetBestPrice("BTC/USDT", types.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "kraken", best.Venue)
}

func TestDegradedVenueRanksAfterConnected(t *testing.T) {
	a := newSource("binance", types.StateDegraded)
	b := newSource("kraken", types.StateConnected)
	r, _ := newTestRouter(t, a, b)

	// Degraded venue shows a better ask, but its data is synthetic.
	r.UpdateQuote(quoteFor("binance", "26980", "27000"))
	r.UpdateQuote(quoteFor("kraken", "26990", "27010"))

	best, err := r.GetBestPrice("BTC/USDT", types.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "kraken", best.Venue)
}

func TestDisconnectedVenueExcluded(t *testing.T) {
	a := newSource("binance", types.StateDisconnected)
	r, _ := newTestRouter(t, a)
	r.UpdateQuote(quoteFor("binance", "26990", "27010"))

	_, err := r.GetBestPrice("BTC/USDT", types.SideBuy)
	var unavailable *types.AllVenuesUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestTransientRetriedThenSucceeds(t *testing.T) {
	transient := &types.NetworkError{Venue: "binance", Op: "place order", Err: errors.New("reset")}
	a := newSource("binance", types.StateConnected,
		placeOutcome{err: transient},
		placeOutcome{err: transient},
		placeOutcome{res: filledAt("binance", "27000")},
	)
	r, an := newTestRouter(t, a)
	r.UpdateQuote(quoteFor("binance", "26990", "27010"))

	req := marketBuy("1")
	res, err := r.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, res.Status)
	assert.Equal(t, 3, a.venue.placeCalls())
	assert.Equal(t, 3, an.Attempts(req.ClientID))
}

func TestRejectionSurfacesImmediately(t *testing.T) {
	rejected := &types.RejectedOrderError{Venue: "binance", Reason: "insufficient funds"}
	a := newSource("binance", types.StateConnected, placeOutcome{err: rejected})
	b := newSource("kraken", types.StateConnected)
	r, an := newTestRouter(t, a, b)

	// binance is top-ranked on price.
	r.UpdateQuote(quoteFor("binance", "26990", "27000"))
	r.UpdateQuote(quoteFor("kraken", "26990", "27010"))

	req := marketBuy("1")
	_, err := r.PlaceOrder(context.Background(), req)
	assert.True(t, types.IsRejected(err))
	assert.Equal(t, 1, a.venue.placeCalls())
	assert.Zero(t, b.venue.placeCalls()) // no fallback on non-retryable errors
	assert.Equal(t, 1, an.Attempts(req.ClientID))
}

func TestFallbackToNextVenueAfterExhaustion(t *testing.T) {
	transient := &types.NetworkError{Venue: "binance", Op: "place order", Err: errors.New("timeout")}
	a := newSource("binance", types.StateConnected, placeOutcome{err: transient})
	b := newSource("kraken", types.StateConnected)
	r, _ := newTestRouter(t, a, b)

	r.UpdateQuote(quoteFor("binance", "26990", "27000"))
	r.UpdateQuote(quoteFor("kraken", "26990", "27010"))

	res, err := r.PlaceOrder(context.Background(), marketBuy("1"))
	require.NoError(t, err)
	assert.Equal(t, "kraken", res.Venue)
	assert.Equal(t, 3, a.venue.placeCalls())
	assert.Equal(t, 1, b.venue.placeCalls())
}

func TestAllVenuesExhausted(t *testing.T) {
	transient := &types.NetworkError{Venue: "x", Op: "place order", Err: errors.New("timeout")}
	a := newSource("binance", types.StateConnected, placeOutcome{err: transient})
	b := newSource("kraken", types.StateConnected, placeOutcome{err: transient})
	r, _ := newTestRouter(t, a, b)

	r.UpdateQuote(quoteFor("binance", "26990", "27000"))
	r.UpdateQuote(quoteFor("kraken", "26990", "27010"))

	_, err := r.PlaceOrder(context.Background(), marketBuy("1"))
	var unavailable *types.AllVenuesUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 6, unavailable.Attempts)
}

func TestInvalidRequestNotRouted(t *testing.T) {
	a := newSource("binance", types.StateConnected)
	r, _ := newTestRouter(t, a)
	r.UpdateQuote(quoteFor("binance", "26990", "27010"))

	req := types.NewOrderRequest("BTC/USDT", types.SideBuy, types.OrderTypeMarket, decimal.Zero)
	_, err := r.PlaceOrder(context.Background(), req)
	var invalid *types.InvalidRequestError
	assert.ErrorAs(t, err, &invalid)
	assert.Zero(t, a.venue.placeCalls())
}

func TestVenueHealthSnapshot(t *testing.T) {
	a := newSource("binance", types.StateConnected)
	b := newSource("kraken", types.StateDegraded)
	r, _ := newTestRouter(t, a, b)

	health := r.GetVenueHealth()
	require.Len(t, health, 2)
	assert.Equal(t, "binance", health[0].Venue)
	assert.Equal(t, types.StateConnected, health[0].State)
	assert.Equal(t, "kraken", health[1].Venue)
	assert.Equal(t, types.StateDegraded, health[1].State)
}

func TestDuplicateVenueRejected(t *testing.T) {
	a := newSource("binance", types.StateConnected)
	r, _ := newTestRouter(t, a)
	assert.Error(t, r.AddVenue(newSource("binance", types.StateConnected)))
}
