// Package amount implements typed currency amounts in the
// "CURRENCY:VALUE.FRACTION" wire format used throughout the merchant
// protocol. Fractions are fixed-point with 8 decimal digits.
package amount

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FractionBase is the number of fractional units in one value unit.
const FractionBase = 100000000

// MaxValue is the largest representable value part. Chosen so that
// amounts survive a round-trip through IEEE doubles in JSON consumers.
const MaxValue = uint64(1) << 52

// Amount errors
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrAmountOverflow      = errors.New("amount overflow")
	ErrNegativeResult      = errors.New("amount subtraction below zero")
)

// Amount is a non-negative currency amount.
type Amount struct {
	Currency string
	Value    uint64
	Fraction uint32
}

// Parse parses an amount in "CUR:VALUE.FRACTION" form. The fractional
// part is optional and may carry up to 8 digits.
func Parse(s string) (Amount, error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	cur := s[:idx]
	num := s[idx+1:]
	for _, c := range cur {
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return Amount{}, fmt.Errorf("%w: bad currency in %q", ErrInvalidAmount, s)
		}
	}

	valueStr := num
	fracStr := ""
	if dot := strings.IndexByte(num, '.'); dot >= 0 {
		valueStr = num[:dot]
		fracStr = num[dot+1:]
		if fracStr == "" {
			return Amount{}, fmt.Errorf("%w: trailing dot in %q", ErrInvalidAmount, s)
		}
	}
	if valueStr == "" {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if value > MaxValue {
		return Amount{}, fmt.Errorf("%w: %q", ErrAmountOverflow, s)
	}

	if len(fracStr) > 8 {
		return Amount{}, fmt.Errorf("%w: more than 8 fraction digits in %q", ErrInvalidAmount, s)
	}
	var fraction uint32
	if fracStr != "" {
		// Right-pad to 8 digits: "5" means 0.50000000
		padded := fracStr + strings.Repeat("0", 8-len(fracStr))
		f, err := strconv.ParseUint(padded, 10, 32)
		if err != nil {
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		fraction = uint32(f)
	}

	return Amount{Currency: cur, Value: value, Fraction: fraction}, nil
}

// MustParse parses s and panics on error. For tests and constants.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Zero returns the zero amount in the given currency.
func Zero(currency string) Amount {
	return Amount{Currency: currency}
}

// String renders the amount with trailing fraction zeros trimmed.
func (a Amount) String() string {
	if a.Fraction == 0 {
		return fmt.Sprintf("%s:%d", a.Currency, a.Value)
	}
	frac := fmt.Sprintf("%08d", a.Fraction)
	frac = strings.TrimRight(frac, "0")
	return fmt.Sprintf("%s:%d.%s", a.Currency, a.Value, frac)
}

// Canonical renders the amount with the fraction fixed to 8 digits.
// This form is used inside canonical contract JSON so that hashes are
// byte-stable regardless of trailing zeros.
func (a Amount) Canonical() string {
	return fmt.Sprintf("%s:%d.%08d", a.Currency, a.Value, a.Fraction)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.Value == 0 && a.Fraction == 0
}

// SameCurrency reports whether both amounts share a currency.
func (a Amount) SameCurrency(b Amount) bool {
	return a.Currency == b.Currency
}

// Add returns a+b, normalizing fraction overflow into the value part.
func (a Amount) Add(b Amount) (Amount, error) {
	if !a.SameCurrency(b) {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	frac := uint64(a.Fraction) + uint64(b.Fraction)
	value := a.Value + b.Value + frac/FractionBase
	if value < a.Value || value > MaxValue {
		return Amount{}, ErrAmountOverflow
	}
	return Amount{Currency: a.Currency, Value: value, Fraction: uint32(frac % FractionBase)}, nil
}

// Subtract returns a-b, failing if the result would be negative.
func (a Amount) Subtract(b Amount) (Amount, error) {
	if !a.SameCurrency(b) {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	value := a.Value
	frac := a.Fraction
	if frac < b.Fraction {
		if value == 0 {
			return Amount{}, ErrNegativeResult
		}
		value--
		frac += FractionBase
	}
	frac -= b.Fraction
	if value < b.Value {
		return Amount{}, ErrNegativeResult
	}
	return Amount{Currency: a.Currency, Value: value - b.Value, Fraction: frac}, nil
}

// Cmp compares a and b: -1 if a<b, 0 if equal, +1 if a>b.
// Both amounts must share a currency.
func (a Amount) Cmp(b Amount) (int, error) {
	if !a.SameCurrency(b) {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	switch {
	case a.Value < b.Value:
		return -1, nil
	case a.Value > b.Value:
		return 1, nil
	case a.Fraction < b.Fraction:
		return -1, nil
	case a.Fraction > b.Fraction:
		return 1, nil
	}
	return 0, nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) (Amount, error) {
	c, err := a.Cmp(b)
	if err != nil {
		return Amount{}, err
	}
	if c <= 0 {
		return a, nil
	}
	return b, nil
}

// Max returns the larger of a and b.
func Max(a, b Amount) (Amount, error) {
	c, err := a.Cmp(b)
	if err != nil {
		return Amount{}, err
	}
	if c >= 0 {
		return a, nil
	}
	return b, nil
}

// Sum adds all amounts, starting from zero in the currency of the first.
// An empty slice yields the zero amount with an empty currency.
func Sum(amounts []Amount) (Amount, error) {
	if len(amounts) == 0 {
		return Amount{}, nil
	}
	total := Zero(amounts[0].Currency)
	for _, a := range amounts {
		var err error
		total, err = total.Add(a)
		if err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}

// MarshalJSON renders the amount as its wire string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON parses the wire string form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, data)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
