// Package ledger adds fungible balances and staking rewards on top of the
// protocol engine, and provides the ORC20_COIN oracle.
package ledger

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

// Year is the period the annual staking yield compounds over.
const Year = 365 * 24 * time.Hour

// SeedAmount is minted to a rewarded peer that holds no balance yet.
var SeedAmount = Ether(100)

// State is the replicated balance sheet.
type State struct {
	Balances map[common.Address]Amount `json:"balances"`
}

// NewState returns an empty balance sheet.
func NewState() State {
	return State{Balances: make(map[common.Address]Amount)}
}

func (s *State) ensure() {
	if s.Balances == nil {
		s.Balances = make(map[common.Address]Amount)
	}
}

// Balance returns the balance of addr and whether the address exists.
func (s *State) Balance(addr common.Address) (*big.Int, bool) {
	a, ok := s.Balances[addr]
	if !ok {
		return new(big.Int), false
	}
	return a.mustInt(), true
}

// CirculatingSupply sums every balance.
func (s *State) CirculatingSupply() *big.Int {
	total := new(big.Int)
	for _, a := range s.Balances {
		total.Add(total, a.mustInt())
	}
	return total
}

// StakedSupply sums the balances of the given stakers, normally the peer
// table plus the local address. Duplicates count once.
func (s *State) StakedSupply(stakers []common.Address) *big.Int {
	total := new(big.Int)
	seen := make(map[common.Address]struct{}, len(stakers))
	for _, addr := range stakers {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		bal, _ := s.Balance(addr)
		total.Add(total, bal)
	}
	return total
}

// StakingRate is staked over circulating supply, or 1 when either is zero.
func (s *State) StakingRate(stakers []common.Address) decimal.Decimal {
	circulating := s.CirculatingSupply()
	staked := s.StakedSupply(stakers)
	if circulating.Sign() == 0 || staked.Sign() == 0 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromBigInt(staked, 0).DivRound(decimal.NewFromBigInt(circulating, 0), 32)
}

// Mint credits amount to addr, creating the account if needed.
func (s *State) Mint(to common.Address, amount *big.Int) {
	s.ensure()
	bal, _ := s.Balance(to)
	s.Balances[to] = AmountOf(bal.Add(bal, amount))
}

// Burn debits amount from addr, clamping at zero.
func (s *State) Burn(from common.Address, amount *big.Int) error {
	bal, ok := s.Balance(from)
	if !ok {
		return common.Validationf("address does not exist")
	}
	s.Balances[from] = AmountOf(bal.Sub(bal, amount))
	return nil
}

// Transfer moves amount between two accounts. Nothing changes on error.
func (s *State) Transfer(from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return common.Validationf("negative amount")
	}
	bal, ok := s.Balance(from)
	if !ok {
		return common.Validationf("no balance")
	}
	if bal.Cmp(amount) < 0 {
		return common.Validationf("balance too low")
	}
	s.Balances[from] = AmountOf(bal.Sub(bal, amount))
	dst, _ := s.Balance(to)
	s.Balances[to] = AmountOf(dst.Add(dst, amount))
	return nil
}

// APR is the annual staking yield at the given staking rate. It shrinks as
// stake concentrates: 0.05 * (1 - rate/2) / rate.
func APR(rate decimal.Decimal) decimal.Decimal {
	if rate.Sign() <= 0 {
		rate = decimal.NewFromInt(1)
	}
	half := decimal.NewFromFloat(0.5)
	return decimal.NewFromFloat(0.05).
		Mul(decimal.NewFromInt(1).Sub(rate.Mul(half))).
		DivRound(rate, 32)
}

// EpochYield is the per-epoch rate that compounds to apr over a year:
// (1 + apr)^(epochTime/Year) - 1.
func EpochYield(apr decimal.Decimal, epochTime time.Duration) decimal.Decimal {
	if epochTime <= 0 {
		return decimal.Zero
	}
	epochsPerYear := decimal.NewFromInt(int64(Year / epochTime))
	if epochsPerYear.Sign() == 0 {
		return apr
	}
	ln, err := decimal.NewFromInt(1).Add(apr).Ln(32)
	if err != nil {
		return decimal.Zero
	}
	growth, err := ln.DivRound(epochsPerYear, 32).ExpTaylor(32)
	if err != nil {
		return decimal.Zero
	}
	return growth.Sub(decimal.NewFromInt(1))
}

// Settle applies one epoch of reputation economics to peer. Positive
// reputation mints the epoch yield on the balance, or SeedAmount to an empty
// account; negative reputation burns a tenth of the balance.
func (s *State) Settle(peer common.Address, reputation int, stakers []common.Address, epochTime time.Duration) {
	bal, ok := s.Balance(peer)
	switch {
	case reputation > 0:
		if !ok || bal.Sign() == 0 {
			s.Mint(peer, SeedAmount)
			return
		}
		yield := EpochYield(APR(s.StakingRate(stakers)), epochTime)
		reward := decimal.NewFromBigInt(bal, 0).Mul(yield).Floor().BigInt()
		s.Mint(peer, reward)
	case reputation < 0 && ok:
		_ = s.Burn(peer, new(big.Int).Div(bal, big.NewInt(10)))
	}
}
