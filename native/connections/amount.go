package connections

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// maxAmount is 2^128-1, the largest value an Amount can hold.
var maxAmount = func() uint256.Int {
	var v uint256.Int
	v.Lsh(uint256.NewInt(1), 128)
	v.SubUint64(&v, 1)
	return v
}()

// Amount is an unsigned 128-bit quantity of the pool asset in its smallest
// unit. The zero value is zero. Arithmetic is checked; it never wraps.
type Amount struct {
	v uint256.Int
}

// NewAmount returns an Amount holding v.
func NewAmount(v uint64) Amount {
	var a Amount
	a.v.SetUint64(v)
	return a
}

// ParseAmount parses a base-10 string. Values above 2^128-1 fail with
// ErrOverflow.
func ParseAmount(s string) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, trimmed)
		}
	}
	// Only digits remain, so a parse failure means the value exceeds 256 bits.
	parsed, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return Amount{}, ErrOverflow
	}
	return AmountFromUint256(parsed)
}

// MustParseAmount is ParseAmount for constants; it panics on error.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromUint256 copies v into an Amount, rejecting values wider than 128
// bits. A nil v is zero.
func AmountFromUint256(v *uint256.Int) (Amount, error) {
	var a Amount
	if v == nil {
		return a, nil
	}
	if v.Gt(&maxAmount) {
		return Amount{}, ErrOverflow
	}
	a.v.Set(v)
	return a, nil
}

// Uint256 returns a copy of the value.
func (a Amount) Uint256() *uint256.Int {
	return new(uint256.Int).Set(&a.v)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// Add returns a+b or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow || out.v.Gt(&maxAmount) {
		return Amount{}, ErrOverflow
	}
	return out, nil
}

// Sub returns a-b or ErrUnderflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, ErrUnderflow
	}
	return out, nil
}

// String renders the amount in base 10.
func (a Amount) String() string { return a.v.Dec() }

// MarshalText renders the amount as a base-10 string.
func (a Amount) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText parses a base-10 string.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalJSON encodes the amount as a JSON string so that 128-bit values
// survive transports limited to 53-bit numbers.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a JSON string or a bare integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return fmt.Errorf("%w: null amount", ErrInvalidAmount)
	}
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return a.UnmarshalText([]byte(s))
	}
	return a.UnmarshalText([]byte(trimmed))
}
