package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/omnivenue/routing/pkg/types"
)

// Fallback is a venue that can stand in for a dead live feed. The
// generator is seeded with the last real price so synthetic ticks start
// where real ones stopped.
type Fallback interface {
	types.Venue
	Seed(symbol string, price decimal.Decimal)
}

// Config tunes the supervision policy. Zero values pick the defaults.
type Config struct {
	MaxRetries      int           // consecutive failed connects before degraded (default 3)
	BackoffBase     time.Duration // first retry delay (default 1s)
	BackoffCap      time.Duration // retry delay ceiling (default 10s)
	RecheckInterval time.Duration // degraded-mode probe period (default 60s)
	WatchInterval   time.Duration // liveness poll period while connected (default 5s)
	StaleAfter      time.Duration // tick silence treated as venue loss (default 30s)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Second
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = time.Minute
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	return c
}

// StateListener observes state transitions (routing uses this to react to
// degradation without polling).
type StateListener func(venue string, from, to types.ConnState)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock injects a clock, for tests.
func WithClock(clock Clock) Option {
	return func(s *Supervisor) { s.clock = clock }
}

// WithStateListener registers a transition observer.
func WithStateListener(l StateListener) Option {
	return func(s *Supervisor) { s.listeners = append(s.listeners, l) }
}

// Supervisor owns the lifecycle of one venue's transport connection. It
// drives the state machine disconnected -> connecting -> connected ->
// degraded, reconnects with exponential backoff, and in degraded mode
// substitutes the fallback generator so subscribers never see a gap.
// Subscriber registrations live here, not on the adapter, so a source
// switch never loses them.
type Supervisor struct {
	live      types.Venue
	fallback  Fallback
	cfg       Config
	clock     Clock
	logger    *logrus.Entry
	listeners []StateListener

	mu           sync.Mutex
	state        types.ConnState
	retries      int
	source       types.Venue
	subs         map[string]map[types.SubscriptionID]types.TickCallback
	srcIDs       map[string]types.SubscriptionID
	lastQuote    map[string]types.Quote
	lastActivity time.Time
	nextID       types.SubscriptionID
	stopCh       chan struct{}
	cancelRun    context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a supervisor for one live venue and its fallback. The
// fallback must report the same venue name so downstream consumers see a
// continuous stream.
func New(live types.Venue, fallback Fallback, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		live:      live,
		fallback:  fallback,
		cfg:       cfg.withDefaults(),
		clock:     realClock{},
		logger:    logrus.WithFields(logrus.Fields{"component": "supervisor", "venue": live.Info().Name}),
		state:     types.StateDisconnected,
		subs:      make(map[string]map[types.SubscriptionID]types.TickCallback),
		srcIDs:    make(map[string]types.SubscriptionID),
		lastQuote: make(map[string]types.Quote),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the supervised venue id.
func (s *Supervisor) Name() string { return s.live.Info().Name }

// Venue returns the live adapter for order placement. Orders never go to
// the fallback; in degraded mode they fail transient and the router moves on.
func (s *Supervisor) Venue() types.Venue { return s.live }

// State returns the current connection state.
func (s *Supervisor) State() types.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect drives the machine to connected, retrying per the backoff
// policy. After MaxRetries consecutive failures it settles in degraded and
// returns nil: the supervisor keeps serving synthetic data and probing the
// live transport in the background. Auth failures are fatal and returned.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	// stopCh doubles as the in-progress marker: it is set here under the
	// lock and cleared on Disconnect or a failed establish, so a second
	// Connect racing the first one bails out instead of starting another
	// supervision loop.
	if s.state != types.StateDisconnected || s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.establish(ctx); err != nil {
		s.mu.Lock()
		s.stopCh = nil
		s.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Disconnect tears down transport and synthetic generators from any state,
// releasing every handle before returning.
func (s *Supervisor) Disconnect() error {
	s.mu.Lock()
	if s.state == types.StateDisconnected && s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	stopCh := s.stopCh
	cancel := s.cancelRun
	source := s.source
	s.stopCh = nil
	s.cancelRun = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if source != nil {
		s.detach(source)
	}
	if err := s.live.Disconnect(); err != nil {
		s.logger.WithError(err).Warn("live disconnect failed")
	}
	if err := s.fallback.Disconnect(); err != nil {
		s.logger.WithError(err).Warn("fallback disconnect failed")
	}

	s.setState(types.StateDisconnected)
	return nil
}

// Subscribe registers a tick callback. The registration survives source
// switches between live and synthetic feeds.
func (s *Supervisor) Subscribe(symbol string, cb types.TickCallback) (types.SubscriptionID, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.subs[symbol] == nil {
		s.subs[symbol] = make(map[types.SubscriptionID]types.TickCallback)
	}
	s.subs[symbol][id] = cb
	source := s.source
	_, attached := s.srcIDs[symbol]
	s.mu.Unlock()

	if source != nil && !attached {
		if err := s.attachSymbol(source, symbol); err != nil {
			s.mu.Lock()
			delete(s.subs[symbol], id)
			s.mu.Unlock()
			return 0, err
		}
	}
	return id, nil
}

// Unsubscribe removes one registration; the underlying source stream is
// released with the last one.
func (s *Supervisor) Unsubscribe(symbol string, id types.SubscriptionID) error {
	s.mu.Lock()
	cbs, ok := s.subs[symbol]
	if !ok {
		s.mu.Unlock()
		return &types.InvalidRequestError{Field: "symbol", Reason: "no subscription for " + symbol}
	}
	delete(cbs, id)
	var source types.Venue
	var srcID types.SubscriptionID
	if len(cbs) == 0 {
		delete(s.subs, symbol)
		if sid, attached := s.srcIDs[symbol]; attached {
			source = s.source
			srcID = sid
			delete(s.srcIDs, symbol)
		}
	}
	s.mu.Unlock()

	if source != nil {
		if err := source.UnsubscribeTicks(symbol, srcID); err != nil {
			s.logger.WithError(err).WithField("symbol", symbol).Warn("source unsubscribe failed")
		}
	}
	return nil
}

// LastQuote returns the most recent quote delivered for a symbol.
func (s *Supervisor) LastQuote(symbol string) (types.Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.lastQuote[symbol]
	return q, ok
}

// establish runs the connect attempt loop. Exactly MaxRetries consecutive
// failures land in degraded.
func (s *Supervisor) establish(ctx context.Context) error {
	bo := s.newBackoff()

	for {
		s.setState(types.StateConnecting)
		err := s.live.Connect(ctx)
		if err == nil {
			s.mu.Lock()
			s.retries = 0
			s.lastActivity = s.clock.Now()
			s.mu.Unlock()
			s.activate(s.live)
			s.setState(types.StateConnected)
			return nil
		}

		if types.IsAuthError(err) {
			s.setState(types.StateDisconnected)
			return err
		}

		s.setState(types.StateDisconnected)
		s.mu.Lock()
		s.retries++
		attempt := s.retries
		s.mu.Unlock()
		s.logger.WithError(err).Warnf("connect attempt %d/%d failed", attempt, s.cfg.MaxRetries)

		if attempt >= s.cfg.MaxRetries {
			s.enterDegraded(ctx)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(bo.NextBackOff()):
		}
	}
}

// run is the supervision loop: liveness watch while connected, periodic
// live-transport probes while degraded.
func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		state := s.state
		stopCh := s.stopCh
		s.mu.Unlock()
		if stopCh == nil {
			return
		}

		wait := s.cfg.WatchInterval
		if state == types.StateDegraded {
			wait = s.cfg.RecheckInterval
		}

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
		}

		switch state {
		case types.StateConnected:
			if s.liveLost() {
				s.logger.Warn("live transport lost, reconnecting")
				s.detach(s.live)
				s.setState(types.StateDisconnected)
				s.mu.Lock()
				s.retries = 0
				s.mu.Unlock()
				if err := s.establish(ctx); err != nil {
					s.logger.WithError(err).Error("reconnect abandoned")
					return
				}
			}
		case types.StateDegraded:
			s.probeLive(ctx)
		}
	}
}

// liveLost reports transport loss: either the adapter says so, or ticks
// went silent past the staleness deadline while subscriptions exist.
func (s *Supervisor) liveLost() bool {
	if !s.live.IsConnected() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return false
	}
	return s.clock.Now().Sub(s.lastActivity) > s.cfg.StaleAfter
}

// enterDegraded seeds the fallback from the last real quotes and switches
// tick delivery to it. Subscribers keep receiving data with no gap.
func (s *Supervisor) enterDegraded(ctx context.Context) {
	s.mu.Lock()
	for symbol, q := range s.lastQuote {
		s.fallback.Seed(symbol, q.Last)
	}
	s.mu.Unlock()

	if err := s.fallback.Connect(ctx); err != nil {
		s.logger.WithError(err).Error("fallback start failed")
	}
	s.activate(s.fallback)
	s.setState(types.StateDegraded)
	s.logger.Warn("entering degraded mode, serving synthetic data")
}

// probeLive attempts to restore the real transport from degraded mode. On
// success synthetic generation stops and real ticks resume on the same
// subscriber registrations.
func (s *Supervisor) probeLive(ctx context.Context) {
	if err := s.live.Connect(ctx); err != nil {
		s.logger.WithError(err).Debug("live transport still down")
		return
	}

	s.detach(s.fallback)
	if err := s.fallback.Disconnect(); err != nil {
		s.logger.WithError(err).Warn("fallback stop failed")
	}

	s.mu.Lock()
	s.retries = 0
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
	s.activate(s.live)
	s.setState(types.StateConnected)
	s.logger.Info("live transport restored")
}

// activate attaches every registered symbol to the given source.
func (s *Supervisor) activate(source types.Venue) {
	s.mu.Lock()
	s.source = source
	symbols := make([]string, 0, len(s.subs))
	for symbol := range s.subs {
		symbols = append(symbols, symbol)
	}
	s.mu.Unlock()

	for _, symbol := range symbols {
		if err := s.attachSymbol(source, symbol); err != nil {
			s.logger.WithError(err).WithField("symbol", symbol).Error("source attach failed")
		}
	}
}

func (s *Supervisor) attachSymbol(source types.Venue, symbol string) error {
	id, err := source.SubscribeTicks(symbol, s.fanout(symbol))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.srcIDs[symbol] = id
	s.mu.Unlock()
	return nil
}

// detach releases every source stream but keeps subscriber registrations.
func (s *Supervisor) detach(source types.Venue) {
	s.mu.Lock()
	ids := make(map[string]types.SubscriptionID, len(s.srcIDs))
	for symbol, id := range s.srcIDs {
		ids[symbol] = id
		delete(s.srcIDs, symbol)
	}
	if s.source == source {
		s.source = nil
	}
	s.mu.Unlock()

	for symbol, id := range ids {
		if err := source.UnsubscribeTicks(symbol, id); err != nil {
			s.logger.WithError(err).WithField("symbol", symbol).Debug("source detach failed")
		}
	}
}

// fanout dispatches one source tick to all registered callbacks, in
// arrival order.
func (s *Supervisor) fanout(symbol string) types.TickCallback {
	return func(q types.Quote) {
		s.mu.Lock()
		s.lastActivity = s.clock.Now()
		s.lastQuote[symbol] = q
		cbs := make([]types.TickCallback, 0, len(s.subs[symbol]))
		for _, cb := range s.subs[symbol] {
			cbs = append(cbs, cb)
		}
		s.mu.Unlock()

		for _, cb := range cbs {
			cb(q)
		}
	}
}

func (s *Supervisor) setState(to types.ConnState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from == to {
		return
	}
	s.logger.WithFields(logrus.Fields{"from": from, "to": to}).Info("state transition")
	for _, l := range s.listeners {
		l(s.Name(), from, to)
	}
}

func (s *Supervisor) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.MaxInterval = s.cfg.BackoffCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
