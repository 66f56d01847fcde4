// Package randomq implements the RandomQ proof-of-work hash.
//
// A digest is computed in three stages. The header and nonce are absorbed
// with SHA-256 into a 32-byte seed. The seed is expanded into a 25-word
// state that is stirred for a configurable number of rounds. The final state
// is compressed back to 32 bytes with SHA-256.
//
// Three kernels implement the round function: a scalar baseline and two
// lane-grouped kernels (2-wide and 4-wide) selected by CPU features. Every
// step of the round after the column parity is element-wise over the state,
// so grouping the words into lanes changes scheduling, never results.
package randomq

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/bits"
)

const (
	// StateWords is the number of 64-bit words in the permutation state.
	StateWords = 25
	// DigestSize is the size of a RandomQ digest in bytes.
	DigestSize = 32
	// MaxHeaderSize bounds the header handed to a Hasher.
	MaxHeaderSize = 4096
	// DefaultRounds matches the reference miner configuration.
	DefaultRounds = 8192

	phi = 0x9E3779B97F4A7C15
)

var (
	// ErrZeroRounds is returned when asked to hash with zero rounds.
	ErrZeroRounds = errors.New("randomq: rounds must be at least 1")
	// ErrInvalidHeader is returned for empty or oversized headers.
	ErrInvalidHeader = errors.New("randomq: header must be 1..4096 bytes")
)

// Digest is a 32-byte RandomQ output, compared big-endian against targets.
type Digest [DigestSize]byte

// String returns the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

type state [StateWords]uint64

// permuteFunc stirs s for the given number of rounds.
type permuteFunc func(s *state, rounds uint64)

// Keccak rotation offsets, indexed by x+5y.
var rho = [StateWords]int{
	0, 1, 62, 28, 27,
	36, 44, 6, 55, 20,
	3, 10, 43, 25, 39,
	41, 45, 15, 21, 8,
	18, 2, 61, 56, 14,
}

var (
	iv    [StateWords]uint64
	col   [StateWords]int // i mod 5
	next1 [StateWords]int // (i+1) mod 25
	next2 [StateWords]int // (i+2) mod 25
)

func init() {
	for i := 0; i < StateWords; i++ {
		iv[i] = splitmix64(uint64(i + 1))
		col[i] = i % 5
		next1[i] = (i + 1) % StateWords
		next2[i] = (i + 2) % StateWords
	}
}

func splitmix64(x uint64) uint64 {
	z := x + phi
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// expand fills s from a 32-byte seed.
func expand(s *state, seed *[32]byte) {
	for i := 0; i < StateWords; i++ {
		s[i] = binary.LittleEndian.Uint64(seed[(i&3)*8:]) ^ iv[i]
	}
}

// theta computes the per-column diffusion words shared by all kernels.
func theta(s *state, d *[5]uint64) {
	var c [5]uint64
	for x := 0; x < 5; x++ {
		c[x] = s[x] ^ s[x+5] ^ s[x+10] ^ s[x+15] ^ s[x+20]
	}
	d[0] = c[4] ^ bits.RotateLeft64(c[1], 1)
	d[1] = c[0] ^ bits.RotateLeft64(c[2], 1)
	d[2] = c[1] ^ bits.RotateLeft64(c[3], 1)
	d[3] = c[2] ^ bits.RotateLeft64(c[4], 1)
	d[4] = c[3] ^ bits.RotateLeft64(c[0], 1)
}

func roundConstant(r uint64) uint64 {
	return iv[r%StateWords] ^ (r+1)*phi
}

// serialize writes s little-endian into out.
func serialize(s *state, out *[StateWords * 8]byte) {
	for i := 0; i < StateWords; i++ {
		binary.LittleEndian.PutUint64(out[i*8:], s[i])
	}
}
