package chain

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nmxmxh/openstar/kernel/core/engine"
)

const (
	BlockchainName = "ORC1_BLOCKCHAIN"

	DefaultDifficulty = 3
	DefaultEpochTime  = 10 * time.Second

	MethodAddBlock engine.Method = "addBlock"
)

// Blockchain is the ORC1_BLOCKCHAIN oracle. Accepted blocks end the epoch
// early; peers joining adopt the longest valid chain they are shown.
type Blockchain struct {
	engine.Base[State]
	handle     engine.Handle[State]
	miner      *Miner
	difficulty int
	epochTime  time.Duration
	logger     *slog.Logger
}

var (
	_ engine.Oracle[State] = (*Blockchain)(nil)
	_ engine.Connector     = (*Blockchain)(nil)
)

// Option configures a Blockchain.
type Option func(*Blockchain)

// WithDifficulty sets the required number of leading zero nibbles.
func WithDifficulty(n int) Option {
	return func(b *Blockchain) { b.difficulty = n }
}

// WithEpochTime overrides the epoch length.
func WithEpochTime(d time.Duration) Option {
	return func(b *Blockchain) { b.epochTime = d }
}

// NewBlockchain creates the oracle and its miner. h is the handle of the
// engine it will run on.
func NewBlockchain(h engine.Handle[State], config MinerConfig, logger *slog.Logger, opts ...Option) *Blockchain {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Blockchain{
		handle:     h,
		difficulty: DefaultDifficulty,
		epochTime:  DefaultEpochTime,
		logger:     logger.With("component", "blockchain"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.miner = NewMiner(h, config, b.difficulty, logger)
	return b
}

func (b *Blockchain) Name() string             { return BlockchainName }
func (b *Blockchain) EpochTime() time.Duration { return b.epochTime }

func (b *Blockchain) Genesis() State {
	return State{Blocks: []Block{}, Difficulty: b.difficulty}
}

func (b *Blockchain) Methods() engine.MethodTable[State] {
	return engine.MethodTable[State]{
		MethodAddBlock: engine.Bind(b.addBlock),
	}
}

func (b *Blockchain) addBlock(s *State, block Block) error {
	if err := s.AddBlock(block); err != nil {
		return err
	}
	b.logger.Info("block added", "height", s.Height(), "id", shortID(block.ID))
	b.handle.ForceEpoch()
	return nil
}

// TransactionID keys blocks by id, so one block is admitted once per epoch
// whatever else its arguments carry.
func (b *Blockchain) TransactionID(method engine.Method, args json.RawMessage) string {
	var block struct {
		ID string `json:"id"`
	}
	if method == MethodAddBlock && json.Unmarshal(args, &block) == nil && block.ID != "" {
		return string(method) + "-" + block.ID
	}
	return engine.DefaultTransactionID(method, args)
}

// StartupState adopts the longest peer chain that validates at the local
// difficulty. With no valid chain it stays undecided and keeps the local one.
func (b *Blockchain) StartupState(peerStates []State) (State, bool) {
	best := -1
	for i, s := range peerStates {
		if err := Validate(s.Blocks, b.difficulty); err != nil {
			b.logger.Debug("ignoring invalid peer chain", "error", err)
			continue
		}
		if best < 0 || len(s.Blocks) > len(peerStates[best].Blocks) {
			best = i
		}
	}
	if best < 0 {
		return State{}, false
	}
	adopted := peerStates[best]
	adopted.Difficulty = b.difficulty
	return adopted, true
}

// OnConnect starts mining once the startup vote is done.
func (b *Blockchain) OnConnect(ctx context.Context) {
	go b.miner.Run(ctx)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
