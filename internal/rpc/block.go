package rpc

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/qminer/internal/difficulty"
)

// HeaderPrefixSize is the serialized block header without its 4-byte nonce.
const HeaderPrefixSize = wire.MaxBlockHeaderPayload - 4

// DefaultCoinbaseTag is appended to the BIP 34 height in the coinbase script.
const DefaultCoinbaseTag = "/qminer/"

// work is a block assembled from a template, waiting for a nonce.
type work struct {
	block  *wire.MsgBlock
	target difficulty.Target
	height int64
}

// payoutScript returns the coinbase output script for address. An empty
// address yields an anyone-can-spend OP_TRUE output, which is only useful
// on regtest.
func payoutScript(address string, params *chaincfg.Params) ([]byte, error) {
	if address == "" {
		return txscript.NewScriptBuilder().AddOp(txscript.OP_TRUE).Script()
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pay address: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create output script: %w", err)
	}
	return pkScript, nil
}

// buildCoinbase creates a BIP 34 coinbase paying value to pkScript. The
// extra nonce follows the tag so that two assemblies of the same template
// never share a merkle root. When the template carries a witness commitment
// it is added as a second output and the input gets the all-zero witness
// reserved value.
func buildCoinbase(height, value int64, tag string, extraNonce uint64, pkScript, witnessCommitment []byte) (*wire.MsgTx, error) {
	var extra [8]byte
	binary.LittleEndian.PutUint64(extra[:], extraNonce)

	sigScript, err := txscript.NewScriptBuilder().
		AddInt64(height).
		AddData([]byte(tag)).
		AddData(extra[:]).
		Script()
	if err != nil {
		return nil, fmt.Errorf("failed to create coinbase script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	in := &wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: wire.MaxPrevOutIndex,
		},
		SignatureScript: sigScript,
		Sequence:        wire.MaxTxInSequenceNum,
	}
	if len(witnessCommitment) > 0 {
		in.Witness = wire.TxWitness{make([]byte, 32)}
	}
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	if len(witnessCommitment) > 0 {
		tx.AddTxOut(wire.NewTxOut(0, witnessCommitment))
	}
	return tx, nil
}

// merkleRoot folds transaction hashes pairwise with double SHA-256,
// duplicating the last hash on odd levels.
func merkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	if len(hashes) == 0 {
		return chainhash.Hash{}
	}

	level := make([]chainhash.Hash, len(hashes))
	copy(level, hashes)

	var pair [chainhash.HashSize * 2]byte
	for len(level) > 1 {
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			copy(pair[:chainhash.HashSize], level[i][:])
			copy(pair[chainhash.HashSize:], right[:])
			next = append(next, chainhash.DoubleHashH(pair[:]))
		}
		level = next
	}
	return level[0]
}

// templateTarget prefers the explicit target and falls back to nBits.
func templateTarget(tmpl *btcjson.GetBlockTemplateResult, bits uint32) (difficulty.Target, error) {
	if tmpl.Target != "" {
		return difficulty.FromHex(tmpl.Target)
	}
	return difficulty.FromCompact(bits), nil
}

// assemble turns a block template into a block with a zero nonce.
func assemble(tmpl *btcjson.GetBlockTemplateResult, tag string, extraNonce uint64, pkScript []byte) (*work, error) {
	prevHash, err := chainhash.NewHashFromStr(tmpl.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("invalid previous block hash: %w", err)
	}

	bits, err := strconv.ParseUint(tmpl.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid bits %q: %w", tmpl.Bits, err)
	}

	target, err := templateTarget(tmpl, uint32(bits))
	if err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}

	var commitment []byte
	if tmpl.DefaultWitnessCommitment != "" {
		commitment, err = hex.DecodeString(tmpl.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("invalid witness commitment: %w", err)
		}
	}

	var value int64
	if tmpl.CoinbaseValue != nil {
		value = *tmpl.CoinbaseValue
	}

	coinbase, err := buildCoinbase(tmpl.Height, value, tag, extraNonce, pkScript, commitment)
	if err != nil {
		return nil, err
	}

	txs := make([]*wire.MsgTx, 0, len(tmpl.Transactions)+1)
	txs = append(txs, coinbase)
	for i, t := range tmpl.Transactions {
		raw, err := hex.DecodeString(t.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid transaction %d data: %w", i, err)
		}
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("failed to decode transaction %d: %w", i, err)
		}
		txs = append(txs, tx)
	}

	hashes := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.TxHash()
	}

	header := wire.NewBlockHeader(tmpl.Version, prevHash, &chainhash.Hash{}, uint32(bits), 0)
	header.MerkleRoot = merkleRoot(hashes)
	header.Timestamp = time.Unix(tmpl.CurTime, 0)

	block := wire.NewMsgBlock(header)
	for _, tx := range txs {
		if err := block.AddTransaction(tx); err != nil {
			return nil, fmt.Errorf("failed to add transaction: %w", err)
		}
	}

	return &work{block: block, target: target, height: tmpl.Height}, nil
}

// headerPrefix serializes the header without the trailing nonce field. The
// miner appends its own nonce encoding to this prefix.
func headerPrefix(h *wire.BlockHeader) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wire.MaxBlockHeaderPayload)
	if err := h.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize header: %w", err)
	}
	return buf.Bytes()[:HeaderPrefixSize], nil
}

// withNonce returns a shallow copy of b carrying nonce. Transactions are
// shared and must not be mutated.
func withNonce(b *wire.MsgBlock, nonce uint32) *wire.MsgBlock {
	header := b.Header
	header.Nonce = nonce
	return &wire.MsgBlock{Header: header, Transactions: b.Transactions}
}
