package domain

import (
	"fmt"
	"math/big"

	"escrow_dex/pkg/safe"

	"github.com/shopspring/decimal"
)

const (
	// DefaultPriceScale: prices are quoted per 10^9 asset base units (one whole token at 9 decimals).
	DefaultPriceScale uint64 = 1_000_000_000

	// DefaultMinListingAmount rejects dust listings below 0.001 token.
	DefaultMinListingAmount uint64 = 1_000_000

	// AssetDecimals is the decimal precision of the traded asset.
	AssetDecimals int32 = 9

	// CurrencyDecimals is the decimal precision of the settlement currency.
	CurrencyDecimals int32 = 9
)

// TotalPrice returns floor(price * amount / scale) computed in 128 bits.
func TotalPrice(price, amount, scale uint64) (uint64, error) {
	total, err := safe.MulDiv(price, amount, scale)
	if err != nil {
		return 0, fmt.Errorf("%w: price %d x amount %d / %d", ErrOverflow, price, amount, scale)
	}
	return total, nil
}

// FormatUnits renders base units as a decimal string, e.g. 1500000000 @9 -> "1.5".
func FormatUnits(v uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -decimals).String()
}

// ParseUnits converts a decimal string into base units. Fractions finer than the
// precision are rejected rather than rounded.
func ParseUnits(s string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid amount %q: negative", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: more than %d decimals", s, decimals)
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: amount %q", ErrOverflow, s)
	}
	return bi.Uint64(), nil
}
