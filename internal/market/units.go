package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the fixed-point scale of every price crossing the ledger boundary.
const EtherDecimals = 18

// ErrInvalidAmount indicates that a textual amount could not be parsed.
var ErrInvalidAmount = errors.New("market: invalid amount")

// Wei is a non-negative fixed-point integer amount at scale 10^18. The zero value is zero.
type Wei struct {
	value *big.Int
}

// ZeroWei returns a zero amount.
func ZeroWei() Wei {
	return Wei{value: new(big.Int)}
}

// NewWei copies value into a Wei. A nil value yields zero.
func NewWei(value *big.Int) Wei {
	if value == nil {
		return ZeroWei()
	}
	return Wei{value: new(big.Int).Set(value)}
}

// WeiFromUint64 builds a Wei from a small integer amount.
func WeiFromUint64(value uint64) Wei {
	return Wei{value: new(big.Int).SetUint64(value)}
}

// ParseWei parses a base-10 integer string.
func ParseWei(rawInput string) (Wei, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(rawInput), 10)
	if !ok || value.Sign() < 0 {
		return Wei{}, fmt.Errorf("%w: %q", ErrInvalidAmount, rawInput)
	}
	return Wei{value: value}, nil
}

// Big returns a copy of the underlying integer.
func (w Wei) Big() *big.Int {
	if w.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(w.value)
}

// Cmp compares two amounts like big.Int.Cmp.
func (w Wei) Cmp(other Wei) int {
	return w.Big().Cmp(other.Big())
}

// Sub returns w - other.
func (w Wei) Sub(other Wei) Wei {
	return Wei{value: new(big.Int).Sub(w.Big(), other.Big())}
}

// IsZero reports whether the amount is zero.
func (w Wei) IsZero() bool {
	return w.value == nil || w.value.Sign() == 0
}

// String renders the raw integer amount.
func (w Wei) String() string {
	return w.Big().String()
}

// MarshalJSON renders the amount as a decimal string so no precision is lost in JavaScript clients.
func (w Wei) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

// UnmarshalJSON accepts a decimal string or a bare JSON number.
func (w *Wei) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	parsed, err := ParseWei(raw)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// FormatUnits renders an amount in display units by dividing by 10^decimals. Trailing zeros are dropped.
func FormatUnits(amount Wei, decimals int32) string {
	return decimal.NewFromBigInt(amount.Big(), -decimals).String()
}

// FormatEther renders an amount at the ledger's 18-decimal scale.
func FormatEther(amount Wei) string {
	return FormatUnits(amount, EtherDecimals)
}

// ParseUnits converts a display amount such as "2.5" into its integer representation.
// Inputs with more fractional digits than decimals are rejected rather than rounded.
func ParseUnits(rawInput string, decimals int32) (Wei, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(rawInput))
	if err != nil || parsed.IsNegative() {
		return Wei{}, fmt.Errorf("%w: %q", ErrInvalidAmount, rawInput)
	}
	scaled := parsed.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return Wei{}, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, rawInput, decimals)
	}
	return NewWei(scaled.BigInt()), nil
}

// ParseEther converts a display amount at the ledger's 18-decimal scale.
func ParseEther(rawInput string) (Wei, error) {
	return ParseUnits(rawInput, EtherDecimals)
}
