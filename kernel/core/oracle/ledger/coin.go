package ledger

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"time"

	"github.com/nmxmxh/openstar/internal/identity"
	"github.com/nmxmxh/openstar/kernel/core/engine"
	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

const (
	CoinName   = "ORC20_COIN"
	CoinTicker = "STAR"
	CoinEpoch  = 5 * time.Second

	MethodTransfer engine.Method = "transfer"
)

// TransferArgs are the arguments of a transfer call. The engine verifies
// Signature against From before the method runs.
type TransferArgs struct {
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    Amount         `json:"amount"`
	Time      int64          `json:"time"`
	Signature string         `json:"signature"`
}

// Coin is the ORC20_COIN oracle: a balance ledger whose supply grows through
// staking rewards settled every epoch.
type Coin struct {
	engine.Base[State]
	handle engine.Handle[State]
	logger *slog.Logger
}

var (
	_ engine.Oracle[State] = (*Coin)(nil)
)

// NewCoin creates the oracle. h is the handle of the engine it will run on.
func NewCoin(h engine.Handle[State], logger *slog.Logger) *Coin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coin{handle: h, logger: logger.With("component", "coin")}
}

func (c *Coin) Name() string             { return CoinName }
func (c *Coin) EpochTime() time.Duration { return CoinEpoch }
func (c *Coin) Genesis() State           { return NewState() }

func (c *Coin) Methods() engine.MethodTable[State] {
	return engine.MethodTable[State]{
		MethodTransfer: engine.Bind(c.transfer),
	}
}

func (c *Coin) transfer(s *State, args TransferArgs) error {
	if args.Signature == "" || args.From == "" || args.Time == 0 {
		return common.Validationf("transfer must be signed and timestamped")
	}
	if !identity.IsChecksumAddress(string(args.From)) {
		return common.Validationf("invalid sender %q", args.From)
	}
	if !identity.IsChecksumAddress(string(args.To)) {
		return common.Validationf("invalid recipient %q", args.To)
	}
	amount, err := args.Amount.Int()
	if err != nil {
		return common.Validationf("invalid amount: %v", err)
	}
	if err := s.Transfer(args.From, args.To, amount); err != nil {
		return err
	}
	c.logger.Info("transferred", "from", args.From.Short(), "to", args.To.Short(), "amount", string(args.Amount))
	return nil
}

// ReputationChange settles staking rewards for one peer.
func (c *Coin) ReputationChange(s *State, peer common.Address, reputation int) {
	switch {
	case reputation > 0:
		c.logger.Debug("rewarding", "peer", peer.Short(), "reputation", reputation)
	case reputation < 0:
		c.logger.Info("slashing", "peer", peer.Short(), "reputation", reputation)
	}
	s.Settle(peer, reputation, c.stakers(), c.EpochTime())
}

func (c *Coin) stakers() []common.Address {
	return append(c.handle.Peers(), c.handle.Self())
}

// NewTransfer builds signed transfer arguments from id to recipient.
func NewTransfer(id common.IdentityProvider, to common.Address, amount *big.Int) (json.RawMessage, error) {
	return engine.SignArgs(id, TransferArgs{
		From:   id.Address(),
		To:     to,
		Amount: AmountOf(amount),
		Time:   time.Now().UnixMilli(),
	})
}
