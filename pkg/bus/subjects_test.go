package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickSubjectRoundTrip(t *testing.T) {
	subject := TickSubject("binance", "BTC/USDT")
	assert.Equal(t, "ticks.binance.BTC-USDT", subject)

	venue, symbol, err := ParseTickSubject(subject)
	assert.NoError(t, err)
	assert.Equal(t, "binance", venue)
	assert.Equal(t, "BTC/USDT", symbol)
}

func TestParseTickSubjectInvalid(t *testing.T) {
	_, _, err := ParseTickSubject("executions.binance")
	assert.Error(t, err)

	_, _, err = ParseTickSubject("ticks.binance")
	assert.Error(t, err)
}
