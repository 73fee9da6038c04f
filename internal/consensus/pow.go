// Package consensus implements the proof-of-work acceptance rule and the
// height-derived difficulty and block-reward schedules.
package consensus

import (
	"math/big"

	"github.com/toychain-go/toychaind/pkg/crypto"
)

// maxUint256 is 2^256 - 1, the all-ones 256-bit value.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Difficulty returns the difficulty exponent in effect at height h:
// base_difficulty + floor(h/2). Difficulty is a pure function of height;
// there is no wall-clock retargeting.
func Difficulty(baseDifficulty uint64, h uint64) uint64 {
	return baseDifficulty + h/2
}

// BlockReward returns the coinbase reward at height h:
// floor(base_block_reward / (floor(h/5) + 1)).
func BlockReward(baseReward uint64, h uint64) uint64 {
	return baseReward / (h/5 + 1)
}

// Mask returns the proof-of-work acceptance threshold for a difficulty
// exponent: (2^256 - 1) >> difficulty. A block's hash, read as a big-endian
// unsigned integer, must be at most this value.
func Mask(difficulty uint64) *big.Int {
	return new(big.Int).Rsh(maxUint256, uint(difficulty))
}

// SatisfiesPoW reports whether hash, interpreted as a big-endian unsigned
// integer, is at most the acceptance mask for difficulty.
func SatisfiesPoW(hash crypto.Hash, difficulty uint64) bool {
	value := new(big.Int).SetBytes(hash[:])
	return value.Cmp(Mask(difficulty)) <= 0
}
