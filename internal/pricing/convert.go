package pricing

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/0gfoundation/0g-token-presale/internal/errs"
)

// ErrDustAmount is returned when a payment is worth less than one USD unit.
var ErrDustAmount = errs.New(errs.KindArithmetic, "DustAmount", "payment rounds to zero usd")

var priceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)

// USDValue returns floor(amount * priceUSD / 10^decimals), in 8-digit USD.
func USDValue(amount *big.Int, e Entry) *big.Int {
	v := new(big.Int).Mul(amount, e.PriceUSD)
	return v.Quo(v, pow10(e.Decimals))
}

// TokensFor converts an 8-digit USD value into sale-token base units.
// rate is token base units issued per whole USD.
func TokensFor(usd, rate *big.Int) *big.Int {
	v := new(big.Int).Mul(usd, rate)
	return v.Quo(v, priceScale)
}

// Quote prices a payment and rejects amounts whose USD value floors to zero.
func Quote(amount *big.Int, e Entry, rate *big.Int) (usd, tokens *big.Int, err error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrDustAmount
	}
	usd = USDValue(amount, e)
	if usd.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: %s base units", ErrDustAmount, amount)
	}
	tokens = TokensFor(usd, rate)
	if tokens.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: no tokens for %s usd units", ErrDustAmount, usd)
	}
	return usd, tokens, nil
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ParseUSD parses a decimal dollar string such as "0.05" into 8-digit USD.
func ParseUSD(s string) (*big.Int, error) {
	return ParseUnits(s, PriceDecimals)
}

// ParseUnits parses a decimal string into an integer with the given number
// of fractional digits. More precision than decimals allows is an error.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse %q: negative value", s)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("parse %q: more than %d fractional digits", s, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatUSD renders an 8-digit USD value as a decimal string.
func FormatUSD(v *big.Int) string {
	return FormatUnits(v, PriceDecimals)
}

// FormatUnits renders an integer with the given fractional digits.
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}
