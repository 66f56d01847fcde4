package randomq

import (
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hasher computes RandomQ digests for one header at a time. It is not safe
// for concurrent use; each mining thread owns one.
type Hasher struct {
	variant   Variant
	permute   permuteFunc
	optimized bool

	header  []byte
	scratch []byte
	mid     []byte
	seedH   hash.Hash

	st  state
	out [StateWords * 8]byte
}

// NewHasher returns a Hasher bound to the given kernel. With optimized set
// the SHA-256 midstate of the header is computed once per Reset and reused
// for every nonce.
func NewHasher(v Variant, optimized bool) *Hasher {
	return &Hasher{
		variant:   v,
		permute:   v.kernel(),
		optimized: optimized,
		seedH:     sha256.New(),
	}
}

// Variant returns the kernel this Hasher runs.
func (h *Hasher) Variant() Variant {
	return h.variant
}

// Reset binds the Hasher to a new header.
func (h *Hasher) Reset(header []byte) error {
	if len(header) == 0 || len(header) > MaxHeaderSize {
		return fmt.Errorf("%w: got %d", ErrInvalidHeader, len(header))
	}

	h.header = append(h.header[:0], header...)

	if h.optimized {
		h.seedH.Reset()
		h.seedH.Write(h.header)
		mid, err := h.seedH.(encoding.BinaryMarshaler).MarshalBinary()
		if err != nil {
			return fmt.Errorf("randomq: snapshot midstate: %w", err)
		}
		h.mid = mid
		return nil
	}

	h.scratch = append(h.scratch[:0], h.header...)
	h.scratch = append(h.scratch, make([]byte, 8)...)
	return nil
}

// Sum returns the digest of the bound header with the given nonce.
func (h *Hasher) Sum(nonce, rounds uint64) (Digest, error) {
	if rounds == 0 {
		return Digest{}, ErrZeroRounds
	}
	if len(h.header) == 0 {
		return Digest{}, ErrInvalidHeader
	}

	var seed [32]byte
	if h.optimized {
		if err := h.seedH.(encoding.BinaryUnmarshaler).UnmarshalBinary(h.mid); err != nil {
			return Digest{}, fmt.Errorf("randomq: restore midstate: %w", err)
		}
		var nb [8]byte
		binary.LittleEndian.PutUint64(nb[:], nonce)
		h.seedH.Write(nb[:])
		h.seedH.Sum(seed[:0])
	} else {
		binary.LittleEndian.PutUint64(h.scratch[len(h.header):], nonce)
		seed = chainhash.HashH(h.scratch)
	}

	expand(&h.st, &seed)
	h.permute(&h.st, rounds)
	serialize(&h.st, &h.out)
	return Digest(chainhash.HashH(h.out[:])), nil
}

// Hash is the one-shot form of Hasher.Sum.
func Hash(v Variant, header []byte, nonce, rounds uint64) (Digest, error) {
	h := NewHasher(v, false)
	if err := h.Reset(header); err != nil {
		return Digest{}, err
	}
	return h.Sum(nonce, rounds)
}
