package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

// Amount is an unsigned integer in lowercase 0x hex, the form balances take
// on the wire and in state.
type Amount string

// Zero is the empty balance.
const Zero Amount = "0x0"

// AmountOf formats n. Negative values are clamped to zero.
func AmountOf(n *big.Int) Amount {
	if n == nil || n.Sign() <= 0 {
		return Zero
	}
	return Amount("0x" + n.Text(16))
}

// NewAmount formats a uint64.
func NewAmount(n uint64) Amount {
	return AmountOf(new(big.Int).SetUint64(n))
}

// Ether scales n by 10^18.
func Ether(n int64) *big.Int {
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return wei.Mul(wei, big.NewInt(n))
}

// Int parses the amount.
func (a Amount) Int() (*big.Int, error) {
	s := string(a)
	if !strings.HasPrefix(s, "0x") || len(s) < 3 {
		return nil, fmt.Errorf("amount %q is not 0x hex", s)
	}
	n, ok := new(big.Int).SetString(s[2:], 16)
	if !ok {
		return nil, fmt.Errorf("amount %q is not 0x hex", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", s)
	}
	return n, nil
}

// mustInt parses a balance already held in state; corrupt entries read as 0.
func (a Amount) mustInt() *big.Int {
	n, err := a.Int()
	if err != nil {
		return new(big.Int)
	}
	return n
}
