package marketdata

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omnivenue/routing/pkg/types"
)

// OpenStream starts one transport subscription for a symbol and returns a
// stop function. deliver is called once per tick, in arrival order.
type OpenStream func(symbol string, deliver func(types.Quote)) (stop func(), err error)

// Feed is the per-venue subscription hub. It guarantees at most one
// transport stream per symbol: repeated subscriptions share the stream and
// fan out, and the stream is torn down when the last callback is removed.
// Tick delivery per symbol is strictly ordered as received.
type Feed struct {
	mu       sync.Mutex
	open     OpenStream
	streams  map[string]*stream
	nextID   types.SubscriptionID
	debounce time.Duration
	logger   *logrus.Entry
}

type stream struct {
	stop     func()
	subs     map[types.SubscriptionID]types.TickCallback
	lastSent time.Time
	last     types.Quote
	haveLast bool
}

// NewFeed creates a feed. debounce of 0 means exact passthrough.
func NewFeed(venue string, open OpenStream, debounce time.Duration) *Feed {
	return &Feed{
		open:     open,
		streams:  make(map[string]*stream),
		debounce: debounce,
		logger:   logrus.WithFields(logrus.Fields{"component": "feed", "venue": venue}),
	}
}

// Subscribe registers a callback for a symbol, opening the transport
// stream on first use.
func (f *Feed) Subscribe(symbol string, cb types.TickCallback) (types.SubscriptionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[symbol]
	if !ok {
		s = &stream{subs: make(map[types.SubscriptionID]types.TickCallback)}
		stop, err := f.open(symbol, f.deliverFunc(symbol))
		if err != nil {
			return 0, fmt.Errorf("failed to open stream for %s: %w", symbol, err)
		}
		s.stop = stop
		f.streams[symbol] = s
		f.logger.WithField("symbol", symbol).Debug("stream opened")
	}

	f.nextID++
	id := f.nextID
	s.subs[id] = cb
	return id, nil
}

// Unsubscribe removes one callback registration. The transport stream is
// closed only when the last callback for the symbol is gone.
func (f *Feed) Unsubscribe(symbol string, id types.SubscriptionID) error {
	f.mu.Lock()
	s, ok := f.streams[symbol]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("no subscription for %s", symbol)
	}
	if _, ok := s.subs[id]; !ok {
		f.mu.Unlock()
		return fmt.Errorf("unknown subscription id %d for %s", id, symbol)
	}
	delete(s.subs, id)

	var stop func()
	if len(s.subs) == 0 {
		stop = s.stop
		delete(f.streams, symbol)
		f.logger.WithField("symbol", symbol).Debug("stream closed")
	}
	f.mu.Unlock()

	// Stop outside the lock: transports may deliver a final tick.
	if stop != nil {
		stop()
	}
	return nil
}

// LastQuote returns the most recent quote seen on a symbol's stream.
func (f *Feed) LastQuote(symbol string) (types.Quote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[symbol]
	if !ok || !s.haveLast {
		return types.Quote{}, false
	}
	return s.last, true
}

// ActiveSymbols lists symbols with at least one subscriber.
func (f *Feed) ActiveSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	symbols := make([]string, 0, len(f.streams))
	for symbol := range f.streams {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// Close tears down every stream and registration.
func (f *Feed) Close() {
	f.mu.Lock()
	stops := make([]func(), 0, len(f.streams))
	for symbol, s := range f.streams {
		stops = append(stops, s.stop)
		delete(f.streams, symbol)
	}
	f.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// deliverFunc builds the per-stream dispatch. It runs on the transport
// goroutine so ordering follows arrival; callbacks are invoked inline.
func (f *Feed) deliverFunc(symbol string) func(types.Quote) {
	return func(q types.Quote) {
		f.mu.Lock()
		s, ok := f.streams[symbol]
		if !ok {
			f.mu.Unlock()
			return
		}
		s.last = q
		s.haveLast = true
		if f.debounce > 0 && time.Since(s.lastSent) < f.debounce {
			f.mu.Unlock()
			return
		}
		s.lastSent = time.Now()
		cbs := make([]types.TickCallback, 0, len(s.subs))
		for _, cb := range s.subs {
			cbs = append(cbs, cb)
		}
		f.mu.Unlock()

		for _, cb := range cbs {
			cb(q)
		}
	}
}
