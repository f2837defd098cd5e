// Package amount converts between nano integer amounts and decimal TON values.
package amount

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// NanoPerTON is the fixed-point scale of the native unit.
const NanoPerTON int64 = 1_000_000_000

const tonExp = 9

var (
	ErrEmpty      = errors.New("empty amount")
	ErrFractional = errors.New("fractional nano amount")
	ErrNegative   = errors.New("negative amount")
	ErrOverflow   = errors.New("amount overflows int64")
)

// ParseNano parses an integer nano amount. Strings must be integral; JSON numbers are
// truncated toward zero.
func ParseNano(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, ErrEmpty
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", t, err)
		}
		return toInt64(d.Truncate(0))
	case float64:
		return toInt64(decimal.NewFromFloat(t).Truncate(0))
	case int64:
		return nonNegative(t)
	case int:
		return nonNegative(int64(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, ErrEmpty
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", s, err)
		}
		if !d.Equal(d.Truncate(0)) {
			return 0, ErrFractional
		}
		return toInt64(d)
	default:
		return 0, fmt.Errorf("unsupported amount type %T", v)
	}
}

// ParseTON parses a decimal TON value ("1.5", 2, "0.000000001") into nano units exactly.
func ParseTON(v any) (int64, error) {
	var d decimal.Decimal
	switch t := v.(type) {
	case nil:
		return 0, ErrEmpty
	case json.Number:
		parsed, err := decimal.NewFromString(t.String())
		if err != nil {
			return 0, fmt.Errorf("invalid ton amount %q: %w", t, err)
		}
		d = parsed
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, ErrEmpty
		}
		parsed, err := decimal.NewFromString(s)
		if err != nil {
			return 0, fmt.Errorf("invalid ton amount %q: %w", s, err)
		}
		d = parsed
	case float64:
		d = decimal.NewFromFloat(t)
	default:
		return 0, fmt.Errorf("unsupported ton amount type %T", v)
	}
	nano := d.Shift(tonExp)
	if !nano.Equal(nano.Truncate(0)) {
		return 0, ErrFractional
	}
	return toInt64(nano)
}

// TON renders a nano amount as an exact decimal string, e.g. 1500000000 -> "1.5".
func TON(nano int64) string {
	return decimal.New(nano, -tonExp).String()
}

// Within reports whether |a-b| <= tolerance.
func Within(a, b, tolerance int64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// Mul multiplies a stake by a seat count, failing on overflow.
func Mul(nano int64, n int) (int64, error) {
	out := new(big.Int).Mul(big.NewInt(nano), big.NewInt(int64(n)))
	if !out.IsInt64() {
		return 0, ErrOverflow
	}
	return out.Int64(), nil
}

func toInt64(d decimal.Decimal) (int64, error) {
	bi := d.BigInt()
	if !bi.IsInt64() {
		return 0, ErrOverflow
	}
	return nonNegative(bi.Int64())
}

func nonNegative(v int64) (int64, error) {
	if v < 0 {
		return 0, ErrNegative
	}
	return v, nil
}
