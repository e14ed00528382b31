// Package chain adds a proof-of-work block sequence on top of the protocol
// engine, and provides the ORC1_BLOCKCHAIN oracle and its miner.
package chain

import (
	"encoding/hex"
	"strings"

	"github.com/nmxmxh/openstar/internal/identity"
	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

// Block is one link of the chain. ID is keccak256(prev.ID + Seed).
type Block struct {
	ID           string   `json:"id"`
	Prev         string   `json:"prev"`
	Seed         string   `json:"seed"`
	Transactions []string `json:"transactions"`
}

// State is the replicated chain.
type State struct {
	Blocks     []Block `json:"blocks"`
	Difficulty int     `json:"difficulty"`
}

// Genesis is the implicit first block of every chain.
func Genesis() Block {
	return Block{ID: "0x", Prev: "0x", Seed: "0", Transactions: []string{}}
}

// BlockHash is the id of the block extending prevID with seed.
func BlockHash(prevID, seed string) string {
	return "0x" + hex.EncodeToString(identity.Keccak256([]byte(prevID+seed)))
}

// MeetsDifficulty reports whether id starts with difficulty zero nibbles.
func MeetsDifficulty(id string, difficulty int) bool {
	return strings.HasPrefix(id, "0x"+strings.Repeat("0", difficulty))
}

// Tip returns the last block, or genesis for an empty chain.
func (s *State) Tip() Block {
	if len(s.Blocks) == 0 {
		return Genesis()
	}
	return s.Blocks[len(s.Blocks)-1]
}

// Height is the number of blocks after genesis.
func (s *State) Height() int {
	if len(s.Blocks) == 0 {
		return 0
	}
	return len(s.Blocks) - 1
}

// AddBlock appends b if it extends the tip. An empty chain gets its genesis
// block first. On error the state is unchanged.
func (s *State) AddBlock(b Block) error {
	blocks := s.Blocks
	if len(blocks) == 0 {
		blocks = []Block{Genesis()}
	}
	if err := checkLink(blocks[len(blocks)-1], b, s.Difficulty); err != nil {
		return err
	}
	if b.Transactions == nil {
		b.Transactions = []string{}
	}
	s.Blocks = append(blocks, b)
	return nil
}

func checkLink(tip, b Block, difficulty int) error {
	if !MeetsDifficulty(b.ID, difficulty) {
		return common.Validationf("block difficulty too low")
	}
	if b.ID == tip.ID {
		return common.Validationf("block already known")
	}
	if b.Prev != tip.ID {
		return common.Validationf("invalid prev")
	}
	if b.ID != BlockHash(tip.ID, b.Seed) {
		return common.Validationf("invalid hash")
	}
	return nil
}

// Validate checks that blocks form a chain from genesis at the given
// difficulty. An empty chain is valid.
func Validate(blocks []Block, difficulty int) error {
	if len(blocks) == 0 {
		return nil
	}
	g := Genesis()
	if blocks[0].ID != g.ID || blocks[0].Prev != g.Prev {
		return common.Validationf("chain does not start at genesis")
	}
	for i := 1; i < len(blocks); i++ {
		if err := checkLink(blocks[i-1], blocks[i], difficulty); err != nil {
			return err
		}
	}
	return nil
}
