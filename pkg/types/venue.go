package types

import "context"

// TickCallback receives normalized quotes as they arrive. Callbacks for a
// given symbol are invoked in arrival order; implementations must not block.
type TickCallback func(Quote)

// SubscriptionID identifies one callback registration on a venue feed.
type SubscriptionID int64

// RateLimits defines venue request limits.
type RateLimits struct {
	WeightPerMinute int `json:"weight_per_minute"`
	OrdersPerSecond int `json:"orders_per_second"`
}

// VenueInfo describes a venue adapter.
type VenueInfo struct {
	Name       string     `json:"name"`
	Sandbox    bool       `json:"sandbox"`
	RateLimits RateLimits `json:"rate_limits"`
}

// Venue is the contract every broker/exchange adapter implements. All
// blocking calls take a context; the caller enforces deadlines.
type Venue interface {
	// Connect authenticates against the venue. Idempotent: calling while
	// already connected is a no-op returning nil.
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Account operations
	GetBalance(ctx context.Context) (*AccountBalance, error)
	GetPositions(ctx context.Context) ([]*Position, error)

	// Order operations
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]*OrderResult, error)

	// Market data. At most one transport subscription exists per symbol;
	// repeated Subscribe calls fan out to additional callbacks and the
	// stream is torn down when the last callback is removed.
	SubscribeTicks(symbol string, cb TickCallback) (SubscriptionID, error)
	UnsubscribeTicks(symbol string, id SubscriptionID) error

	Info() VenueInfo
}
