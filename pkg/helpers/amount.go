// Package helpers provides amount and encoding utilities shared by the swap packages.
package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// BitcoinDecimals is the number of decimals between BTC and satoshis.
const BitcoinDecimals = 8

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(big.NewInt(100000000), 8) returns "1".
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole, frac := new(big.Int).QuoRem(abs, divisor, new(big.Int))

	sign := ""
	if neg {
		sign = "-"
	}
	if frac.Sign() == 0 {
		return sign + whole.String()
	}

	fracStr := frac.String()
	fracStr = strings.TrimRight(strings.Repeat("0", int(decimals)-len(fracStr))+fracStr, "0")
	return fmt.Sprintf("%s%s.%s", sign, whole.String(), fracStr)
}

// ParseAmount parses a non-negative decimal string to smallest units.
// Extra fractional digits beyond decimals are rejected rather than truncated.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" {
		wholeStr = "0"
	}

	for _, part := range []string{wholeStr, fracStr} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return nil, fmt.Errorf("invalid character in amount: %c", c)
			}
		}
	}

	if len(fracStr) > int(decimals) {
		if strings.TrimRight(fracStr[decimals:], "0") != "" {
			return nil, fmt.Errorf("amount %s has more than %d decimals", s, decimals)
		}
		fracStr = fracStr[:decimals]
	}
	fracStr += strings.Repeat("0", int(decimals)-len(fracStr))

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	return amount, nil
}

// SatoshisToBTC converts satoshis to a BTC string.
func SatoshisToBTC(satoshis int64) string {
	return FormatAmount(big.NewInt(satoshis), BitcoinDecimals)
}

// BTCToSatoshis converts a BTC string to satoshis.
func BTCToSatoshis(btc string) (int64, error) {
	amount, err := ParseAmount(btc, BitcoinDecimals)
	if err != nil {
		return 0, err
	}
	if !amount.IsInt64() {
		return 0, fmt.Errorf("amount overflow: %s", btc)
	}
	return amount.Int64(), nil
}

// ParseBigInt parses a base-10 integer string as stored in swap records.
func ParseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer: %q", s)
	}
	return v, nil
}

// BigIntString renders n in base 10, with nil as the empty string.
func BigIntString(n *big.Int) string {
	if n == nil {
		return ""
	}
	return n.String()
}
