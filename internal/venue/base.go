package venue

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omnivenue/routing/pkg/types"
)

// Base provides the state every venue adapter shares: connection flag,
// symbol translation, scoped logging and rate limiting. Adapters embed it.
type Base struct {
	info       types.VenueInfo
	normalizer types.SymbolNormalizer
	logger     *logrus.Entry
	limiter    *RateLimiter
	connected  bool
	mu         sync.RWMutex
}

// NewBase creates the shared adapter state.
func NewBase(info types.VenueInfo, normalizer types.SymbolNormalizer) *Base {
	return &Base{
		info:       info,
		normalizer: normalizer,
		logger:     logrus.WithField("venue", info.Name),
		limiter:    NewRateLimiter(info.RateLimits),
	}
}

// IsConnected returns the connection flag.
func (b *Base) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// SetConnected updates the connection flag.
func (b *Base) SetConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

// Info returns the adapter description.
func (b *Base) Info() types.VenueInfo {
	return b.info
}

// Logger returns the venue-scoped log entry.
func (b *Base) Logger() *logrus.Entry {
	return b.logger
}

// NormalizeSymbol converts a venue-local symbol to canonical format.
func (b *Base) NormalizeSymbol(venueSymbol string) string {
	return b.normalizer.Normalize(venueSymbol)
}

// DenormalizeSymbol converts a canonical symbol to the venue format.
func (b *Base) DenormalizeSymbol(symbol string) string {
	return b.normalizer.Denormalize(symbol)
}

// CheckLimit verifies the request fits the venue's rate budget.
func (b *Base) CheckLimit(weight int) error {
	return b.limiter.Allow(weight)
}

// RateLimiter enforces the venue's request weight budget per minute and
// order submissions per second.
type RateLimiter struct {
	limits      types.RateLimits
	weightUsed  int
	minuteStart time.Time
	orders      int
	secondStart time.Time
	mu          sync.Mutex
}

// NewRateLimiter creates a limiter. Zero limits disable enforcement.
func NewRateLimiter(limits types.RateLimits) *RateLimiter {
	now := time.Now()
	return &RateLimiter{
		limits:      limits,
		minuteStart: now,
		secondStart: now,
	}
}

// Allow consumes weight from the per-minute budget.
func (r *RateLimiter) Allow(weight int) error {
	if r.limits.WeightPerMinute <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.minuteStart) >= time.Minute {
		r.weightUsed = 0
		r.minuteStart = now
	}

	if r.weightUsed+weight > r.limits.WeightPerMinute {
		return fmt.Errorf("rate limit exceeded: weight %d/%d", r.weightUsed+weight, r.limits.WeightPerMinute)
	}
	r.weightUsed += weight
	return nil
}

// AllowOrder consumes one slot from the per-second order budget.
func (r *RateLimiter) AllowOrder() error {
	if r.limits.OrdersPerSecond <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.secondStart) >= time.Second {
		r.orders = 0
		r.secondStart = now
	}

	if r.orders >= r.limits.OrdersPerSecond {
		return fmt.Errorf("rate limit exceeded: orders per second %d/%d", r.orders, r.limits.OrdersPerSecond)
	}
	r.orders++
	return nil
}
