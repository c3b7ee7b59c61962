package types

import (
	"fmt"
	"strings"
)

// SymbolNormalizer translates between canonical symbols ("BTC/USDT") and
// venue-local formats ("BTCUSDT", "BTC-USDT").
type SymbolNormalizer interface {
	// Normalize converts a venue-local symbol to canonical format.
	Normalize(venueSymbol string) string
	// Denormalize converts a canonical symbol to the venue-local format.
	Denormalize(symbol string) string
}

// ParseSymbol splits a canonical symbol into base and quote assets.
func ParseSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 {
		parts = strings.Split(symbol, "-")
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid symbol format: %s", symbol)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// quoteAssets are the suffixes tried when splitting concatenated venue
// symbols like BTCUSDT.
var quoteAssets = []string{"USDT", "USDC", "USD", "BTC", "ETH"}

// ConcatNormalizer handles venues that concatenate base and quote
// (Binance, Bybit style: BTCUSDT).
type ConcatNormalizer struct{}

func (n ConcatNormalizer) Normalize(venueSymbol string) string {
	venueSymbol = strings.ToUpper(venueSymbol)
	for _, quote := range quoteAssets {
		if strings.HasSuffix(venueSymbol, quote) && len(venueSymbol) > len(quote) {
			return fmt.Sprintf("%s/%s", strings.TrimSuffix(venueSymbol, quote), quote)
		}
	}
	return venueSymbol
}

func (n ConcatNormalizer) Denormalize(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "/", "")
}

// DashNormalizer handles venues that join base and quote with a dash
// (OKX style: BTC-USDT).
type DashNormalizer struct{}

func (n DashNormalizer) Normalize(venueSymbol string) string {
	return strings.ReplaceAll(strings.ToUpper(venueSymbol), "-", "/")
}

func (n DashNormalizer) Denormalize(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "/", "-")
}

// PassthroughNormalizer is for sources that already speak canonical
// symbols, such as the synthetic data generator.
type PassthroughNormalizer struct{}

func (n PassthroughNormalizer) Normalize(venueSymbol string) string { return venueSymbol }
func (n PassthroughNormalizer) Denormalize(symbol string) string    { return symbol }
