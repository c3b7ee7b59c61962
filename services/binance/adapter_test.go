package binance

import (
	"context"
	"errors"
	"testing"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnivenue/routing/pkg/types"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	v, err := New(types.Credential{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	return v.(*Adapter)
}

func TestClassifyAuthCodes(t *testing.T) {
	a := newTestAdapter(t)

	for _, code := range []int64{-1021, -1022, -2014, -2015} {
		err := a.classify("probe", &common.APIError{Code: code, Message: "denied"})
		assert.True(t, types.IsAuthError(err), "code %d", code)
		assert.False(t, types.IsRetryable(err), "code %d", code)
	}
}

func TestClassifyOrderRejection(t *testing.T) {
	a := newTestAdapter(t)

	err := a.classify("place order", &common.APIError{Code: -2010, Message: "insufficient balance"})
	assert.True(t, types.IsRejected(err))
	assert.False(t, types.IsRetryable(err))
}

func TestClassifyUnknownAPIErrorIsVenueError(t *testing.T) {
	a := newTestAdapter(t)

	err := a.classify("place order", &common.APIError{Code: -1003, Message: "too many requests"})
	var venueErr *types.VenueError
	require.ErrorAs(t, err, &venueErr)
	assert.Equal(t, -1003, venueErr.Code)
}

func TestClassifyTransportErrorIsRetryable(t *testing.T) {
	a := newTestAdapter(t)

	err := a.classify("ping", errors.New("connection reset by peer"))
	assert.True(t, types.IsRetryable(err))
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, types.OrderStatusFilled, mapStatus(binance.OrderStatusTypeFilled))
	assert.Equal(t, types.OrderStatusSubmitted, mapStatus(binance.OrderStatusTypeNew))
	assert.Equal(t, types.OrderStatusSubmitted, mapStatus(binance.OrderStatusTypePartiallyFilled))
	assert.Equal(t, types.OrderStatusCanceled, mapStatus(binance.OrderStatusTypeCanceled))
	assert.Equal(t, types.OrderStatusRejected, mapStatus(binance.OrderStatusTypeRejected))
}

func TestSymbolTranslation(t *testing.T) {
	a := newTestAdapter(t)
	assert.Equal(t, "BTCUSDT", a.DenormalizeSymbol("BTC/USDT"))
	assert.Equal(t, "BTC/USDT", a.NormalizeSymbol("BTCUSDT"))
}

func TestOrderValidationBeforeDispatch(t *testing.T) {
	a := newTestAdapter(t)

	req := &types.OrderRequest{Symbol: "BTC/USDT", Side: "HOLD", Type: types.OrderTypeMarket}
	_, err := a.PlaceOrder(context.Background(), req)
	var invalid *types.InvalidRequestError
	assert.ErrorAs(t, err, &invalid)
}
