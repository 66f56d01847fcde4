// Package difficulty compares digests against proof-of-work targets and
// converts between target encodings.
package difficulty

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/blockchain"
)

// Target is a 256-bit big-endian threshold. A digest meets it when the
// digest, read as a big-endian integer, is strictly less than the target.
type Target [32]byte

// maxTarget is the difficulty-1 target, 0x00000000ffff0000...0000.
var maxTarget = func() *big.Int {
	t := new(big.Int).Lsh(big.NewInt(0xffff), 208)
	return t
}()

// MaxTarget returns the difficulty-1 target.
func MaxTarget() Target {
	return FromBig(maxTarget)
}

// MeetsTarget reports whether digest < target, both big-endian. Inputs of
// different widths are aligned on their least significant byte; excess
// leading bytes of the wider operand must be zero on the digest side for
// it to qualify and are implicitly zero on the other.
func MeetsTarget(digest, target []byte) bool {
	dl, tl := len(digest), len(target)
	switch {
	case dl > tl:
		for _, b := range digest[:dl-tl] {
			if b != 0 {
				return false
			}
		}
		digest = digest[dl-tl:]
	case tl > dl:
		for _, b := range target[:tl-dl] {
			if b != 0 {
				return true
			}
		}
		target = target[tl-dl:]
	}

	for i := range digest {
		if digest[i] != target[i] {
			return digest[i] < target[i]
		}
	}
	return false
}

// MetBy is the fixed-width form of MeetsTarget used in the hashing loop.
func (t *Target) MetBy(digest *[32]byte) bool {
	for i := 0; i < 32; i++ {
		if digest[i] != t[i] {
			return digest[i] < t[i]
		}
	}
	return false
}

// IsZero reports whether no digest can meet t.
func (t Target) IsZero() bool {
	return t == Target{}
}

// Big returns t as an unsigned integer.
func (t Target) Big() *big.Int {
	return new(big.Int).SetBytes(t[:])
}

// String returns t as 64 hex characters.
func (t Target) String() string {
	return hex.EncodeToString(t[:])
}

// Difficulty returns maxTarget / t, or 0 for the zero target.
func (t Target) Difficulty() float64 {
	if t.IsZero() {
		return 0
	}
	q := new(big.Float).Quo(new(big.Float).SetInt(maxTarget), new(big.Float).SetInt(t.Big()))
	d, _ := q.Float64()
	return d
}

// FromBig converts a non-negative integer to a Target, saturating at 2^256-1.
func FromBig(n *big.Int) Target {
	var t Target
	if n.Sign() <= 0 {
		return t
	}
	if n.BitLen() > 256 {
		for i := range t {
			t[i] = 0xff
		}
		return t
	}
	n.FillBytes(t[:])
	return t
}

// FromHex parses a big-endian hex target of at most 64 digits.
func FromHex(s string) (Target, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) == 0 || len(s) > 64 {
		return Target{}, fmt.Errorf("difficulty: target must be 1..64 hex digits, got %d", len(s))
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Target{}, fmt.Errorf("difficulty: invalid target hex: %w", err)
	}
	var t Target
	copy(t[32-len(raw):], raw)
	return t, nil
}

// FromCompact expands a block header nBits field.
func FromCompact(bits uint32) Target {
	return FromBig(blockchain.CompactToBig(bits))
}

// FromDifficulty returns maxTarget / difficulty. NaN and difficulties at or
// below zero yield the easiest representable target.
func FromDifficulty(difficulty float64) Target {
	if math.IsNaN(difficulty) || difficulty <= 0 {
		return FromBig(new(big.Int).Lsh(big.NewInt(1), 256))
	}
	q := new(big.Float).Quo(new(big.Float).SetInt(maxTarget), big.NewFloat(difficulty))
	n, _ := q.Int(nil)
	return FromBig(n)
}
