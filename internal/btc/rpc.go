package btc

import (
	"context"
	"errors"
)

// Lookup errors shared by Rpc implementations.
var (
	ErrTxNotFound      = errors.New("transaction not found")
	ErrBlockNotFound   = errors.New("block not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
)

// BlockHeader holds the header fields of a Bitcoin block.
type BlockHeader struct {
	Hash         string
	Height       int32
	Version      int32
	PreviousHash string
	MerkleRoot   string
	Timestamp    int64
	Bits         uint32
	Nonce        uint32
	TxCount      int64
}

// BlockWithTransactions is a block header plus the ordered ids of every
// transaction it contains, enough to build inclusion proofs.
type BlockWithTransactions struct {
	Hash       string
	Height     int32
	MerkleRoot string
	TxIDs      []string
}

// TxOutput is one output of a transaction.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address"`
	Value            uint64 `json:"value"`
}

// TxInput is one input of a transaction.
type TxInput struct {
	TxID     string    `json:"txid"`
	Vout     uint32    `json:"vout"`
	Sequence uint32    `json:"sequence"`
	Witness  []string  `json:"witness"`
	PrevOut  *TxOutput `json:"prevout,omitempty"`
}

// Transaction is a Bitcoin transaction with its confirmation status.
type Transaction struct {
	TxID          string
	Version       int32
	LockTime      uint32
	Size          int64
	VSize         int64
	Fee           uint64
	Confirmed     bool
	BlockHash     string
	BlockHeight   int32
	Confirmations int32
	Inputs        []TxInput
	Outputs       []TxOutput
}

// UTXO is an unspent output usable by the hot wallet.
type UTXO struct {
	TxID          string
	Vout          uint32
	Value         uint64
	Confirmations int32
	Address       string
}

// FeeEstimate holds sat/vB rates for different confirmation targets.
type FeeEstimate struct {
	FastestFee  float64
	HalfHourFee float64
	HourFee     float64
	EconomyFee  float64
	MinimumFee  float64
}

// SatsPerVbyte picks a rate for a target number of blocks.
func (f *FeeEstimate) SatsPerVbyte(confTarget int) float64 {
	switch {
	case confTarget <= 1:
		return f.FastestFee
	case confTarget <= 3:
		return f.HalfHourFee
	case confTarget <= 6:
		return f.HourFee
	default:
		return f.EconomyFee
	}
}

// Rpc is the Bitcoin chain driver consumed by swap handlers and the hot
// wallet. Implementations are expected to be safe for concurrent use.
type Rpc interface {
	// GetTipHeight returns the current best block height.
	GetTipHeight(ctx context.Context) (int32, error)

	// GetBlockHeader returns the header of a block by hash or height.
	GetBlockHeader(ctx context.Context, hashOrHeight string) (*BlockHeader, error)

	// GetBlockWithTransactions returns a block header plus all its txids.
	GetBlockWithTransactions(ctx context.Context, hash string) (*BlockWithTransactions, error)

	// GetTransaction returns a transaction by id, or ErrTxNotFound.
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// GetRawTransaction returns the raw serialized transaction.
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)

	// BroadcastTransaction submits a raw transaction and returns its id.
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	// GetFeeEstimate returns current fee rates.
	GetFeeEstimate(ctx context.Context) (*FeeEstimate, error)

	// GetAddressUTXOs returns the unspent outputs of an address.
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)

	// GetAddressTransactions returns transactions paying to or from an
	// address, newest first, optionally continuing after lastSeenTxID.
	GetAddressTransactions(ctx context.Context, address, lastSeenTxID string) ([]Transaction, error)
}

// ComputeTransactionMerkle fetches the confirmed transaction and its block
// and builds the inclusion proof the smart-chain contract verifies.
func ComputeTransactionMerkle(ctx context.Context, rpc Rpc, txID string) (*TransactionMerkle, error) {
	tx, err := rpc.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !tx.Confirmed {
		return nil, ErrTxNotInBlock
	}
	block, err := rpc.GetBlockWithTransactions(ctx, tx.BlockHash)
	if err != nil {
		return nil, err
	}
	return GetTransactionMerkle(txID, block)
}
