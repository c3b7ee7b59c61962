package synthdata

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omnivenue/routing/internal/marketdata"
	"github.com/omnivenue/routing/internal/venue"
	"github.com/omnivenue/routing/pkg/types"
)

var errLiveUnavailable = errors.New("synthetic venue: live transport unavailable")

// Default walk parameters. The walk stays within driftLimit of the seed so
// a long outage cannot wander the price arbitrarily far from the last real
// quote.
const (
	maxStep    = 0.001  // per-tick move, ±0.1%
	driftLimit = 0.05   // clamp band around the seed, ±5%
	halfSpread = 0.0003 // synthetic bid/ask half spread
)

// Generator produces plausible ticks when a venue's live feed is down: a
// bounded random walk seeded from the last known real price. It implements
// the same venue contract as real adapters so routing code cannot tell the
// difference except through connection state. Order and account calls fail
// with a transient error, which pushes the router to another venue.
type Generator struct {
	*venue.Base
	feed     *marketdata.Feed
	interval time.Duration

	mu    sync.Mutex
	rng   *rand.Rand
	seeds map[string]decimal.Decimal
}

// New creates a generator emitting ticks for the given venue name at the
// given interval.
func New(name string, interval time.Duration) *Generator {
	if interval <= 0 {
		interval = time.Second
	}
	g := &Generator{
		Base:     venue.NewBase(types.VenueInfo{Name: name}, types.PassthroughNormalizer{}),
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		seeds:    make(map[string]decimal.Decimal),
	}
	g.feed = marketdata.NewFeed(name, g.openWalk, 0)
	return g
}

// Seed sets the walk's starting price for a symbol, normally the last real
// quote seen before the venue went dark.
func (g *Generator) Seed(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seeds[symbol] = price
}

// Connect is trivially successful: the generator has no transport.
func (g *Generator) Connect(ctx context.Context) error {
	g.SetConnected(true)
	return nil
}

// Disconnect stops every walk goroutine before returning.
func (g *Generator) Disconnect() error {
	g.feed.Close()
	g.SetConnected(false)
	return nil
}

func (g *Generator) GetBalance(ctx context.Context) (*types.AccountBalance, error) {
	return nil, &types.NetworkError{Venue: g.Info().Name, Op: "get balance", Err: errLiveUnavailable}
}

func (g *Generator) GetPositions(ctx context.Context) ([]*types.Position, error) {
	return nil, &types.NetworkError{Venue: g.Info().Name, Op: "get positions", Err: errLiveUnavailable}
}

func (g *Generator) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderResult, error) {
	return nil, &types.NetworkError{Venue: g.Info().Name, Op: "place order", Err: errLiveUnavailable}
}

func (g *Generator) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]*types.OrderResult, error) {
	return nil, &types.NetworkError{Venue: g.Info().Name, Op: "get order history", Err: errLiveUnavailable}
}

// SubscribeTicks starts the walk for a symbol on first subscription.
func (g *Generator) SubscribeTicks(symbol string, cb types.TickCallback) (types.SubscriptionID, error) {
	return g.feed.Subscribe(symbol, cb)
}

// UnsubscribeTicks removes a callback; the walk stops with the last one.
func (g *Generator) UnsubscribeTicks(symbol string, id types.SubscriptionID) error {
	return g.feed.Unsubscribe(symbol, id)
}

// openWalk is the feed's stream opener: one goroutine per symbol.
func (g *Generator) openWalk(symbol string, deliver func(types.Quote)) (func(), error) {
	g.mu.Lock()
	seed, ok := g.seeds[symbol]
	g.mu.Unlock()
	if !ok {
		seed = decimal.NewFromInt(100)
	}

	stopCh := make(chan struct{})
	go g.walk(symbol, seed, deliver, stopCh)

	var once sync.Once
	return func() {
		once.Do(func() { close(stopCh) })
	}, nil
}

func (g *Generator) walk(symbol string, seed decimal.Decimal, deliver func(types.Quote), stopCh <-chan struct{}) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	price := seed
	low := seed.Mul(decimal.NewFromFloat(1 - driftLimit))
	high := seed.Mul(decimal.NewFromFloat(1 + driftLimit))

	// First tick immediately so consumers see no gap at switchover.
	deliver(g.quote(symbol, price))

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			g.mu.Lock()
			step := (g.rng.Float64()*2 - 1) * maxStep
			g.mu.Unlock()

			price = price.Mul(decimal.NewFromFloat(1 + step))
			if price.LessThan(low) {
				price = low
			} else if price.GreaterThan(high) {
				price = high
			}
			deliver(g.quote(symbol, price))
		}
	}
}

func (g *Generator) quote(symbol string, price decimal.Decimal) types.Quote {
	spread := price.Mul(decimal.NewFromFloat(halfSpread))
	return types.Quote{
		Venue:     g.Info().Name,
		Symbol:    symbol,
		Bid:       price.Sub(spread),
		Ask:       price.Add(spread),
		Last:      price,
		Timestamp: time.Now(),
	}
}
