// Package btc talks to the Bitcoin chain: block headers, transactions,
// fee estimates, and Merkle inclusion proofs for on-chain claims.
package btc

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/crossport-exchange/crossport/pkg/helpers"
)

// ErrTxNotInBlock is returned when the transaction id is not part of the
// block it was claimed to be in.
var ErrTxNotInBlock = errors.New("transaction not in block")

// TransactionMerkle is the inclusion proof a smart-chain contract verifies
// when a claim references an on-chain Bitcoin transaction.
type TransactionMerkle struct {
	// ReversedTxID is the transaction id in little-endian byte order, the
	// order it appears in on the wire.
	ReversedTxID []byte
	// Pos is the transaction's index within the block.
	Pos int
	// Merkle holds the sibling hashes from leaf to root, little-endian.
	Merkle [][]byte
	// BlockHeight is the height of the containing block.
	BlockHeight int32
}

// DblSha256 is Bitcoin's double SHA-256 hash.
func DblSha256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}

// treeWidth returns the number of nodes at the given height of a Merkle tree
// over n leaves.
func treeWidth(height uint, n int) int {
	return (n + (1 << height) - 1) >> height
}

// computePartialHash returns the hash of the tree node at (height, pos). A
// missing right child is substituted by the left child, the canonical
// Bitcoin odd-node rule.
func computePartialHash(height uint, pos int, leaves [][]byte) []byte {
	if height == 0 {
		return leaves[pos]
	}
	left := computePartialHash(height-1, pos*2, leaves)
	right := left
	if pos*2+1 < treeWidth(height-1, len(leaves)) {
		right = computePartialHash(height-1, pos*2+1, leaves)
	}
	return DblSha256(append(append(make([]byte, 0, 64), left...), right...))
}

// GetTransactionMerkle builds the Merkle inclusion proof for txID inside the
// given block. Transaction ids are hex in display order; the proof itself is
// little-endian.
func GetTransactionMerkle(txID string, block *BlockWithTransactions) (*TransactionMerkle, error) {
	pos := -1
	leaves := make([][]byte, len(block.TxIDs))
	for i, id := range block.TxIDs {
		raw, err := helpers.HexToBytes(id)
		if err != nil {
			return nil, fmt.Errorf("bad txid %s in block %s: %w", id, block.Hash, err)
		}
		leaves[i] = helpers.Reverse(raw)
		if id == txID {
			pos = i
		}
	}
	if pos == -1 {
		return nil, ErrTxNotInBlock
	}

	proof := &TransactionMerkle{
		ReversedTxID: leaves[pos],
		Pos:          pos,
		BlockHeight:  block.Height,
	}

	idx := pos
	for height := uint(0); treeWidth(height, len(leaves)) > 1; height++ {
		sibling := idx ^ 1
		if sibling >= treeWidth(height, len(leaves)) {
			sibling = idx
		}
		proof.Merkle = append(proof.Merkle, computePartialHash(height, sibling, leaves))
		idx >>= 1
	}

	return proof, nil
}
