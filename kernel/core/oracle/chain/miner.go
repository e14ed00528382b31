package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/nmxmxh/openstar/kernel/core/engine"
	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

// MinerConfig holds miner configuration
type MinerConfig struct {
	MineInterval   time.Duration `json:"mine_interval" mapstructure:"mine_interval"`
	SamplesPerTick int           `json:"samples_per_tick" mapstructure:"samples_per_tick"`
}

// DefaultMinerConfig returns sensible production defaults
func DefaultMinerConfig() MinerConfig {
	return MinerConfig{
		MineInterval:   100 * time.Millisecond,
		SamplesPerTick: 256,
	}
}

// Miner searches for seeds extending the current tip and submits the blocks
// it finds through the engine's call path.
type Miner struct {
	handle     engine.Handle[State]
	config     MinerConfig
	difficulty int
	logger     *slog.Logger
}

// NewMiner creates a miner for a chain of the given difficulty.
func NewMiner(h engine.Handle[State], config MinerConfig, difficulty int, logger *slog.Logger) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultMinerConfig()
	if config.MineInterval <= 0 {
		config.MineInterval = defaults.MineInterval
	}
	if config.SamplesPerTick <= 0 {
		config.SamplesPerTick = defaults.SamplesPerTick
	}
	return &Miner{
		handle:     h,
		config:     config,
		difficulty: difficulty,
		logger:     logger.With("component", "miner"),
	}
}

// Run mines until ctx ends.
func (m *Miner) Run(ctx context.Context) {
	m.logger.Info("miner started", "difficulty", m.difficulty, "interval", m.config.MineInterval)
	ticker := time.NewTicker(m.config.MineInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("miner stopped")
			return
		case <-ticker.C:
			if _, ok, err := m.MineOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Debug("mined block rejected", "error", err)
			} else if ok {
				m.logger.Debug("mined block accepted")
			}
		}
	}
}

// MineOnce samples SamplesPerTick seeds against the current tip and submits
// the first block that meets the difficulty.
func (m *Miner) MineOnce(ctx context.Context) (Block, bool, error) {
	s, err := m.handle.Snapshot(ctx)
	if err != nil {
		return Block{}, false, err
	}
	tip := s.Tip()

	for i := 0; i < m.config.SamplesPerTick; i++ {
		seed := strconv.FormatUint(rand.Uint64(), 10)
		id := BlockHash(tip.ID, seed)
		if !MeetsDifficulty(id, m.difficulty) {
			continue
		}

		block := Block{ID: id, Prev: tip.ID, Seed: seed, Transactions: []string{}}
		err := m.handle.Call(ctx, MethodAddBlock, block)
		if errors.Is(err, common.ErrDuplicateTransaction) {
			return block, false, nil
		}
		return block, err == nil, err
	}
	return Block{}, false, nil
}
