package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/omnivenue/routing/pkg/types"
)

func TestFromJSONFullQuote(t *testing.T) {
	n := NewNormalizer("binance")

	raw := []byte(`{"bid_price":"100.00","ask_price":"100.10","last_price":"100.05","bid_qty":"3","ask_qty":"2"}`)
	q, err := n.FromJSON("BTC/USDT", raw)
	assert.NoError(t, err)
	assert.Equal(t, "binance", q.Venue)
	assert.Equal(t, "BTC/USDT", q.Symbol)
	assert.True(t, q.Bid.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, q.Ask.Equal(decimal.RequireFromString("100.10")))
	assert.False(t, q.Partial)
}

func TestFromJSONFieldAliases(t *testing.T) {
	n := NewNormalizer("bybit")

	// Bybit style naming resolves through the alias chain.
	raw := []byte(`{"bid1Price":"27350.5","ask1Price":"27351.0","lastPrice":"27350.8"}`)
	q, err := n.FromJSON("BTC/USDT", raw)
	assert.NoError(t, err)
	assert.True(t, q.Bid.Equal(decimal.RequireFromString("27350.5")))
}

func TestFromJSONPartialSynthesis(t *testing.T) {
	n := NewNormalizer("binance")

	raw := []byte(`{"last_price":"100.05"}`)
	q, err := n.FromJSON("BTC/USDT", raw)
	assert.NoError(t, err)
	assert.True(t, q.Partial)
	assert.True(t, q.Bid.Equal(q.Last))
	assert.True(t, q.Ask.Equal(q.Last))
}

func TestFromJSONMalformed(t *testing.T) {
	n := NewNormalizer("binance")

	_, err := n.FromJSON("BTC/USDT", []byte(`{not json`))
	assert.Error(t, err)

	// Valid JSON with no price fields is still dropped.
	_, err = n.FromJSON("BTC/USDT", []byte(`{"event":"heartbeat"}`))
	assert.Error(t, err)

	// Zero prices never escape the normalizer.
	_, err = n.FromJSON("BTC/USDT", []byte(`{"last_price":"0"}`))
	assert.Error(t, err)
}

func TestCompleteMidpointLast(t *testing.T) {
	q, err := Complete(types.Quote{
		Venue:     "binance",
		Symbol:    "BTC/USDT",
		Bid:       decimal.RequireFromString("100.00"),
		Ask:       decimal.RequireFromString("100.10"),
		Timestamp: time.Now(),
	})
	assert.NoError(t, err)
	assert.True(t, q.Last.Equal(decimal.RequireFromString("100.05")))
	assert.False(t, q.Partial)
}
