// Package money implements the fixed-point, two-fractional-digit amount
// type used for every monetary field in the settlement core. Amounts are
// stored and compared as integer minor units (hundredths) so that no
// arithmetic in this package ever touches float64.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidAmount is returned when a string or numeric value cannot be
// parsed as a two-fractional-digit decimal amount.
var ErrInvalidAmount = errors.New("money: invalid amount")

// Amount is a monetary value represented as integer minor units (cents).
type Amount int64

// Zero is the additive identity.
const Zero Amount = 0

// FromMinorUnits builds an Amount directly from integer cents.
func FromMinorUnits(cents int64) Amount {
	return Amount(cents)
}

// MinorUnits returns the underlying integer cents.
func (a Amount) MinorUnits() int64 {
	return int64(a)
}

// ParseDecimalString parses a decimal string with at most two fractional
// digits, e.g. "10", "10.5", "10.50", "-3.01".
func ParseDecimalString(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" {
		return 0, ErrInvalidAmount
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) {
		return 0, ErrInvalidAmount
	}
	wholeVal, err := strconv.ParseInt(whole, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	fracVal := int64(0)
	if hasFrac {
		if len(frac) == 0 || len(frac) > 2 || !isDigits(frac) {
			return 0, ErrInvalidAmount
		}
		fracVal, _ = strconv.ParseInt(frac, 10, 63)
		if len(frac) == 1 {
			fracVal *= 10
		}
	}

	cents := wholeVal*100 + fracVal
	if neg {
		cents = -cents
	}
	return Amount(cents), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// String renders the amount as a plain decimal string with up to two
// fractional digits, e.g. 1050 -> "10.5", 1000 -> "10", 1005 -> "10.05".
func (a Amount) String() string {
	cents := int64(a)
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	whole := cents / 100
	frac := cents % 100
	switch {
	case frac == 0:
		return fmt.Sprintf("%s%d", sign, whole)
	case frac%10 == 0:
		return fmt.Sprintf("%s%d.%d", sign, whole, frac/10)
	default:
		return fmt.Sprintf("%s%d.%02d", sign, whole, frac)
	}
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount { return a + b }

// Sub returns a-b.
func (a Amount) Sub(b Amount) Amount { return a - b }

// Cmp returns -1, 0, 1 as a is less than, equal to, or greater than b.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsNegative reports whether the amount is strictly less than zero.
func (a Amount) IsNegative() bool { return a < 0 }

// MarshalJSON renders the amount as a bare JSON numeric literal (not a
// quoted string), matching the wire format used by the front-ends this
// service interoperates with.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON parses a bare JSON numeric literal into an Amount. Unlike
// the default int64 decoding, this accepts up to two fractional digits.
func (a *Amount) UnmarshalJSON(data []byte) error {
	parsed, err := ParseDecimalString(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer so Amount can be written to a NUMERIC column.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner, reading back a NUMERIC column as minor units.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = 0
		return nil
	case []byte:
		parsed, err := ParseDecimalString(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case string:
		parsed, err := ParseDecimalString(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case float64:
		// Some drivers surface NUMERIC as float64; round to the nearest
		// cent rather than truncate the binary representation.
		*a = Amount(math.Round(v * 100))
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
}
