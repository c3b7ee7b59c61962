package marketdata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/omnivenue/routing/pkg/types"
)

// Normalizer converts venue-specific streaming payloads into canonical
// quotes. Field naming varies per venue, so extraction is tolerant: the
// first matching alias wins. A payload with no usable price is an error;
// callers log a warning and drop it, the subscription loop keeps running.
type Normalizer struct {
	venue  string
	logger *logrus.Entry
}

// NewNormalizer creates a normalizer for one venue.
func NewNormalizer(venue string) *Normalizer {
	return &Normalizer{
		venue:  venue,
		logger: logrus.WithFields(logrus.Fields{"component": "normalizer", "venue": venue}),
	}
}

// FromJSON builds a canonical quote from a raw venue payload.
func (n *Normalizer) FromJSON(symbol string, raw []byte) (types.Quote, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return types.Quote{}, fmt.Errorf("malformed payload: %w", err)
	}

	q := types.Quote{
		Venue:     n.venue,
		Symbol:    symbol,
		Timestamp: time.Now(),
	}

	var haveBid, haveAsk, haveLast bool
	if bid, ok := getDecimal(data, "bid_price", "bid", "best_bid", "bid1Price", "b"); ok {
		q.Bid = bid
		haveBid = true
	}
	if ask, ok := getDecimal(data, "ask_price", "ask", "best_ask", "ask1Price", "a"); ok {
		q.Ask = ask
		haveAsk = true
	}
	if last, ok := getDecimal(data, "last_price", "last", "lastPrice", "price", "c"); ok {
		q.Last = last
		haveLast = true
	}
	if qty, ok := getDecimal(data, "bid_qty", "bid_size", "bid1Size", "B"); ok {
		q.BidQty = qty
	}
	if qty, ok := getDecimal(data, "ask_qty", "ask_size", "ask1Size", "A"); ok {
		q.AskQty = qty
	}

	return finalize(q, haveBid, haveAsk, haveLast)
}

// Complete applies the partial-fill rule to a quote an adapter built
// directly from a typed SDK event.
func Complete(q types.Quote) (types.Quote, error) {
	return finalize(q, q.Bid.IsPositive(), q.Ask.IsPositive(), q.Last.IsPositive())
}

// finalize synthesizes bid=ask=last for partial payloads and marks them so
// ranking can discount them. A quote with no price at all is dropped.
func finalize(q types.Quote, haveBid, haveAsk, haveLast bool) (types.Quote, error) {
	switch {
	case haveBid && haveAsk:
		if !haveLast {
			q.Last = q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
		}
	case haveLast:
		q.Bid = q.Last
		q.Ask = q.Last
		q.Partial = true
	default:
		return types.Quote{}, fmt.Errorf("payload for %s carries no price fields", q.Symbol)
	}

	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return types.Quote{}, fmt.Errorf("payload for %s carries non-positive prices", q.Symbol)
	}
	return q, nil
}

func getDecimal(data map[string]interface{}, fields ...string) (decimal.Decimal, bool) {
	for _, field := range fields {
		val, ok := data[field]
		if !ok {
			continue
		}
		switch v := val.(type) {
		case float64:
			return decimal.NewFromFloat(v), true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return decimal.NewFromFloat(f), true
			}
		}
	}
	return decimal.Decimal{}, false
}
