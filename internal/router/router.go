package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omnivenue/routing/internal/quality"
	"github.com/omnivenue/routing/pkg/cache"
	"github.com/omnivenue/routing/pkg/types"
)

// Source is one routable venue: a supervised adapter plus its connection
// state. internal/supervisor.Supervisor satisfies it.
type Source interface {
	Name() string
	State() types.ConnState
	Venue() types.Venue
	Subscribe(symbol string, cb types.TickCallback) (types.SubscriptionID, error)
	Unsubscribe(symbol string, id types.SubscriptionID) error
}

// Clock abstracts retry waits, for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config tunes routing. Zero values pick the defaults.
type Config struct {
	MaxRetries  int           // attempts per venue on transient errors (default 3)
	BackoffBase time.Duration // first retry delay (default 1s)
	BackoffCap  time.Duration // retry delay ceiling (default 4s)
	QuoteTTL    time.Duration // ranking quote freshness (default 10s)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 4 * time.Second
	}
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = 10 * time.Second
	}
	return c
}

// Option configures a Router.
type Option func(*Router)

// WithClock injects a clock, for tests.
func WithClock(clock Clock) Option {
	return func(r *Router) { r.clock = clock }
}

// Router aggregates quotes across venues, ranks them per order side and
// dispatches orders with bounded retry and one venue fallback. It is built
// explicitly from its dependencies; tests run isolated instances.
type Router struct {
	cfg      Config
	analyzer *quality.Analyzer
	quotes   *cache.QuoteCache
	clock    Clock
	logger   *logrus.Entry

	mu      sync.RWMutex
	sources map[string]Source
	watched map[string]bool
	subIDs  map[string]map[string]types.SubscriptionID // venue -> symbol -> id
}

// New creates a router. The analyzer is shared with whoever consumes its
// alerts.
func New(cfg Config, analyzer *quality.Analyzer, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg.withDefaults(),
		analyzer: analyzer,
		clock:    realClock{},
		logger:   logrus.WithField("component", "router"),
		sources:  make(map[string]Source),
		watched:  make(map[string]bool),
		subIDs:   make(map[string]map[string]types.SubscriptionID),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.quotes = cache.NewQuoteCache(r.cfg.QuoteTTL)
	return r
}

// AddVenue registers a venue source. Symbols already watched are subscribed
// on it immediately.
func (r *Router) AddVenue(src Source) error {
	r.mu.Lock()
	if _, dup := r.sources[src.Name()]; dup {
		r.mu.Unlock()
		return fmt.Errorf("venue %s already registered", src.Name())
	}
	r.sources[src.Name()] = src
	symbols := make([]string, 0, len(r.watched))
	for symbol := range r.watched {
		symbols = append(symbols, symbol)
	}
	r.mu.Unlock()

	for _, symbol := range symbols {
		if err := r.subscribeQuotes(src, symbol); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"venue": src.Name(), "symbol": symbol,
			}).Warn("quote subscription failed")
		}
	}
	return nil
}

// Watch starts collecting quotes for a symbol from every registered venue.
// Ranking only sees watched symbols (or quotes fed via UpdateQuote).
func (r *Router) Watch(symbol string) error {
	r.mu.Lock()
	if r.watched[symbol] {
		r.mu.Unlock()
		return nil
	}
	r.watched[symbol] = true
	srcs := make([]Source, 0, len(r.sources))
	for _, src := range r.sources {
		srcs = append(srcs, src)
	}
	r.mu.Unlock()

	for _, src := range srcs {
		if err := r.subscribeQuotes(src, symbol); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"venue": src.Name(), "symbol": symbol,
			}).Warn("quote subscription failed")
		}
	}
	return nil
}

// UpdateQuote feeds one quote into the ranking cache directly.
func (r *Router) UpdateQuote(q types.Quote) {
	r.quotes.Put(q)
}

// Stop releases quote subscriptions and the cache reaper.
func (r *Router) Stop() {
	r.mu.Lock()
	subs := r.subIDs
	r.subIDs = make(map[string]map[string]types.SubscriptionID)
	srcs := make(map[string]Source, len(r.sources))
	for name, src := range r.sources {
		srcs[name] = src
	}
	r.mu.Unlock()

	for venue, symbols := range subs {
		src := srcs[venue]
		if src == nil {
			continue
		}
		for symbol, id := range symbols {
			if err := src.Unsubscribe(symbol, id); err != nil {
				r.logger.WithError(err).WithFields(logrus.Fields{
					"venue": venue, "symbol": symbol,
				}).Debug("unsubscribe failed")
			}
		}
	}
	r.quotes.Close()
}

func (r *Router) subscribeQuotes(src Source, symbol string) error {
	id, err := src.Subscribe(symbol, func(q types.Quote) {
		r.quotes.Put(q)
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.subIDs[src.Name()] == nil {
		r.subIDs[src.Name()] = make(map[string]types.SubscriptionID)
	}
	r.subIDs[src.Name()][symbol] = id
	r.mu.Unlock()
	return nil
}

type candidate struct {
	src      Source
	quote    types.Quote
	score    types.VenueScore
	degraded bool
}

// rank orders the live venues for one (symbol, side): connected venues
// before degraded ones, then side price advantage, then cost efficiency,
// then rolling latency.
func (r *Router) rank(symbol string, side types.Side) []candidate {
	r.mu.RLock()
	srcs := make([]Source, 0, len(r.sources))
	for _, src := range r.sources {
		srcs = append(srcs, src)
	}
	r.mu.RUnlock()

	var cands []candidate
	for _, src := range srcs {
		state := src.State()
		if state != types.StateConnected && state != types.StateDegraded {
			continue
		}
		q, ok := r.quotes.Get(src.Name(), symbol)
		if !ok || q.SidePrice(side).IsZero() {
			continue
		}
		cands = append(cands, candidate{
			src:      src,
			quote:    q,
			score:    r.analyzer.Score(src.Name()),
			degraded: state == types.StateDegraded,
		})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.degraded != b.degraded {
			return !a.degraded
		}
		pa, pb := a.quote.SidePrice(side), b.quote.SidePrice(side)
		if !pa.Equal(pb) {
			if side == types.SideBuy {
				return pa.LessThan(pb)
			}
			return pa.GreaterThan(pb)
		}
		if ea, eb := a.score.CostEfficiency(), b.score.CostEfficiency(); ea != eb {
			return ea > eb
		}
		return a.score.AvgLatency < b.score.AvgLatency
	})
	return cands
}

// GetBestPrice returns the top-ranked venue's quote for a symbol and side.
func (r *Router) GetBestPrice(symbol string, side types.Side) (types.Quote, error) {
	cands := r.rank(symbol, side)
	if len(cands) == 0 {
		return types.Quote{}, &types.AllVenuesUnavailableError{Symbol: symbol}
	}
	return cands[0].quote, nil
}

// PlaceOrder routes the order to the best-ranked venue. Transient errors are
// retried up to the configured maximum with exponential backoff; after
// exhaustion the next-ranked venue gets one fallback pass. Non-retryable
// errors surface immediately. Every attempt, success or failure, feeds the
// quality analyzer.
func (r *Router) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cands := r.rank(req.Symbol, req.Side)
	if len(cands) == 0 {
		return nil, &types.AllVenuesUnavailableError{Symbol: req.Symbol}
	}
	if len(cands) > 2 {
		cands = cands[:2] // top venue plus one fallback
	}

	attempts := 0
	var lastErr error
	for i, cand := range cands {
		if i > 0 {
			r.logger.WithFields(logrus.Fields{
				"venue": cand.src.Name(), "symbol": req.Symbol,
			}).Warn("falling back to next-ranked venue")
		}
		res, n, err := r.placeOnVenue(ctx, cand.src, req)
		attempts += n
		if err == nil {
			return res, nil
		}
		if !types.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return nil, &types.AllVenuesUnavailableError{
		Symbol:   req.Symbol,
		Attempts: attempts,
		Last:     lastErr,
	}
}

// placeOnVenue runs the per-venue retry protocol and reports every attempt
// to the analyzer.
func (r *Router) placeOnVenue(ctx context.Context, src Source, req *types.OrderRequest) (*types.OrderResult, int, error) {
	log := r.logger.WithFields(logrus.Fields{
		"venue": src.Name(), "symbol": req.Symbol, "client_id": req.ClientID,
	})

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		res, err := src.Venue().PlaceOrder(ctx, req)
		r.analyzer.Observe(src.Name(), req, res, err)
		if err == nil {
			log.WithField("order_id", res.OrderID).Info("order placed")
			return res, attempt, nil
		}

		if !types.IsRetryable(err) {
			log.WithError(err).Warn("order failed, not retryable")
			return nil, attempt, err
		}

		lastErr = err
		log.WithError(err).Warnf("order attempt %d/%d failed", attempt, r.cfg.MaxRetries)
		if attempt == r.cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, attempt, lastErr
		case <-r.clock.After(r.backoffDelay(attempt)):
		}
	}
	return nil, r.cfg.MaxRetries, lastErr
}

// backoffDelay doubles from the base per attempt, capped.
func (r *Router) backoffDelay(attempt int) time.Duration {
	d := r.cfg.BackoffBase << (attempt - 1)
	if d > r.cfg.BackoffCap {
		d = r.cfg.BackoffCap
	}
	return d
}

// GetVenueHealth snapshots each venue's connection state and quality score.
func (r *Router) GetVenueHealth() []types.VenueHealth {
	r.mu.RLock()
	srcs := make([]Source, 0, len(r.sources))
	for _, src := range r.sources {
		srcs = append(srcs, src)
	}
	r.mu.RUnlock()

	health := make([]types.VenueHealth, 0, len(srcs))
	for _, src := range srcs {
		health = append(health, types.VenueHealth{
			Venue: src.Name(),
			State: src.State(),
			Score: r.analyzer.Score(src.Name()),
		})
	}
	sort.Slice(health, func(i, j int) bool { return health[i].Venue < health[j].Venue })
	return health
}
