package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnivenue/routing/pkg/types"
	"github.com/omnivenue/routing/services/synthdata"
)

// fastClock compresses every wait to a millisecond so backoff and probe
// periods do not slow tests down.
type fastClock struct{}

func (fastClock) Now() time.Time                       { return time.Now() }
func (fastClock) After(time.Duration) <-chan time.Time { return time.After(time.Millisecond) }

type fakeVenue struct {
	mu        sync.Mutex
	name      string
	failures  int // Connect calls that fail before one succeeds
	attempts  int
	connected bool
	authFail  bool
	subs      map[string]map[types.SubscriptionID]types.TickCallback
	nextID    types.SubscriptionID
}

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{name: name, subs: make(map[string]map[types.SubscriptionID]types.TickCallback)}
}

func (f *fakeVenue) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.authFail {
		return &types.AuthError{Venue: f.name, Reason: "bad key"}
	}
	if f.failures > 0 {
		f.failures--
		return &types.NetworkError{Venue: f.name, Op: "connect", Err: errors.New("refused")}
	}
	f.connected = true
	return nil
}

func (f *fakeVenue) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeVenue) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeVenue) GetBalance(ctx context.Context) (*types.AccountBalance, error) {
	return &types.AccountBalance{Venue: f.name}, nil
}

func (f *fakeVenue) GetPositions(ctx context.Context) ([]*types.Position, error) { return nil, nil }

func (f *fakeVenue) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderResult, error) {
	return &types.OrderResult{Venue: f.name, ClientID: req.ClientID, Status: types.OrderStatusFilled}, nil
}

func (f *fakeVenue) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]*types.OrderResult, error) {
	return nil, nil
}

func (f *fakeVenue) SubscribeTicks(symbol string, cb types.TickCallback) (types.SubscriptionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.subs[symbol] == nil {
		f.subs[symbol] = make(map[types.SubscriptionID]types.TickCallback)
	}
	f.subs[symbol][f.nextID] = cb
	return f.nextID, nil
}

func (f *fakeVenue) UnsubscribeTicks(symbol string, id types.SubscriptionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[symbol], id)
	return nil
}

func (f *fakeVenue) Info() types.VenueInfo { return types.VenueInfo{Name: f.name} }

func (f *fakeVenue) push(symbol string, q types.Quote) {
	f.mu.Lock()
	cbs := make([]types.TickCallback, 0, len(f.subs[symbol]))
	for _, cb := range f.subs[symbol] {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(q)
	}
}

func (f *fakeVenue) connectAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeVenue) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *fakeVenue) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func newTestSupervisor(live *fakeVenue, opts ...Option) *Supervisor {
	fb := synthdata.New(live.name, time.Millisecond)
	opts = append([]Option{WithClock(fastClock{})}, opts...)
	return New(live, fb, Config{MaxRetries: 3, StaleAfter: time.Hour}, opts...)
}

func TestConnectFirstTry(t *testing.T) {
	live := newFakeVenue("binance")
	s := newTestSupervisor(live)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, types.StateConnected, s.State())
	assert.Equal(t, 1, live.connectAttempts())
}

func TestRetryThenConnect(t *testing.T) {
	live := newFakeVenue("binance")
	live.setFailures(2)
	s := newTestSupervisor(live)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, types.StateConnected, s.State())
	assert.Equal(t, 3, live.connectAttempts())
}

func TestDegradedAfterExactlyMaxRetries(t *testing.T) {
	live := newFakeVenue("binance")
	live.setFailures(100)

	// Snapshot the attempt count at the moment of the degraded transition;
	// background probes keep hitting the transport afterwards.
	var mu sync.Mutex
	attemptsAtDegraded := -1
	s := newTestSupervisor(live, WithStateListener(func(venue string, from, to types.ConnState) {
		if to == types.StateDegraded {
			mu.Lock()
			attemptsAtDegraded = live.connectAttempts()
			mu.Unlock()
		}
	}))
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, types.StateDegraded, s.State())

	mu.Lock()
	defer mu.Unlock()
	// Exactly MaxRetries attempts before giving up on the live transport.
	assert.Equal(t, 3, attemptsAtDegraded)
}

func TestAuthFailureIsFatal(t *testing.T) {
	live := newFakeVenue("binance")
	live.authFail = true
	s := newTestSupervisor(live)

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsAuthError(err))
	assert.Equal(t, types.StateDisconnected, s.State())
	assert.Equal(t, 1, live.connectAttempts())
}

func TestConnectAgainAfterFatalFailure(t *testing.T) {
	live := newFakeVenue("binance")
	live.authFail = true
	s := newTestSupervisor(live)
	defer s.Disconnect()

	require.Error(t, s.Connect(context.Background()))

	// Credentials fixed; the supervisor must accept a fresh Connect.
	live.mu.Lock()
	live.authFail = false
	live.mu.Unlock()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, types.StateConnected, s.State())
}

func TestConcurrentConnectStartsOneLoop(t *testing.T) {
	live := newFakeVenue("binance")
	s := newTestSupervisor(live)
	defer s.Disconnect()

	const callers = 8
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Connect(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, types.StateConnected, s.State())
	// One winner performs the connect; the rest bail on the guard.
	assert.Equal(t, 1, live.connectAttempts())

	// A single supervision loop means Disconnect returns cleanly.
	require.NoError(t, s.Disconnect())
	assert.Equal(t, types.StateDisconnected, s.State())
}

func TestStateTransitionsObserved(t *testing.T) {
	live := newFakeVenue("binance")

	var mu sync.Mutex
	var seen []types.ConnState
	s := newTestSupervisor(live, WithStateListener(func(venue string, from, to types.ConnState) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}))
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.ConnState{types.StateConnecting, types.StateConnected}, seen)
}

func TestSubscriptionsSurviveDegradedSwitch(t *testing.T) {
	live := newFakeVenue("binance")
	s := newTestSupervisor(live)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))

	var mu sync.Mutex
	var quotes []types.Quote
	_, err := s.Subscribe("BTC/USDT", func(q types.Quote) {
		mu.Lock()
		quotes = append(quotes, q)
		mu.Unlock()
	})
	require.NoError(t, err)

	last := decimal.RequireFromString("27000")
	live.push("BTC/USDT", types.Quote{
		Venue: "binance", Symbol: "BTC/USDT",
		Bid: last.Sub(decimal.NewFromInt(1)), Ask: last.Add(decimal.NewFromInt(1)),
		Last: last, Timestamp: time.Now(),
	})

	// Kill the live transport; the watch loop should retry, exhaust the
	// budget and switch to synthetic data without losing the subscription.
	live.setFailures(1000)
	live.dropConnection()

	assert.Eventually(t, func() bool {
		return s.State() == types.StateDegraded
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	before := len(quotes)
	mu.Unlock()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(quotes) > before
	}, 5*time.Second, 5*time.Millisecond)

	// Synthetic ticks continue from the last real price and keep the venue
	// identity, bounded within the drift band.
	mu.Lock()
	synth := quotes[len(quotes)-1]
	mu.Unlock()
	assert.Equal(t, "binance", synth.Venue)
	low := last.Mul(decimal.RequireFromString("0.94"))
	high := last.Mul(decimal.RequireFromString("1.06"))
	assert.True(t, synth.Last.GreaterThan(low) && synth.Last.LessThan(high),
		"synthetic price %s escaped band around %s", synth.Last, last)
}

func TestRecoveryFromDegraded(t *testing.T) {
	live := newFakeVenue("binance")
	live.setFailures(3)
	s := newTestSupervisor(live)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, types.StateDegraded, s.State())

	var mu sync.Mutex
	var quotes []types.Quote
	_, err := s.Subscribe("BTC/USDT", func(q types.Quote) {
		mu.Lock()
		quotes = append(quotes, q)
		mu.Unlock()
	})
	require.NoError(t, err)

	// Transport comes back; the periodic probe should restore live mode.
	assert.Eventually(t, func() bool {
		return s.State() == types.StateConnected
	}, 5*time.Second, 5*time.Millisecond)

	// Real ticks flow on the same registration.
	live.push("BTC/USDT", types.Quote{
		Venue: "binance", Symbol: "BTC/USDT",
		Last: decimal.RequireFromString("30000"), Timestamp: time.Now(),
	})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, q := range quotes {
			if q.Last.Equal(decimal.RequireFromString("30000")) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectReleasesEverything(t *testing.T) {
	live := newFakeVenue("binance")
	s := newTestSupervisor(live)

	require.NoError(t, s.Connect(context.Background()))
	_, err := s.Subscribe("BTC/USDT", func(types.Quote) {})
	require.NoError(t, err)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, types.StateDisconnected, s.State())
	assert.False(t, live.IsConnected())

	// Idempotent.
	require.NoError(t, s.Disconnect())
}

func TestUnsubscribeUnknown(t *testing.T) {
	live := newFakeVenue("binance")
	s := newTestSupervisor(live)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	err := s.Unsubscribe("ETH/USDT", 42)
	assert.Error(t, err)
}
