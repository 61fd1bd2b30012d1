package btcwallet

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/crossport-exchange/crossport/internal/btc"
)

// Nonce-in-locktime encoding. The upper 40 bits of the swap nonce land in
// the transaction locktime offset by 500000000 (the time-locktime floor),
// the lower 24 bits in the first input's sequence. The locktime is derived
// from a past timestamp so it never delays the transaction, while the
// contract can bind the payment hash to the nonce without extra outputs.
const (
	locktimeBase  = 500000000
	sequenceBase  = 0xFE000000
	nonceLowMask  = 0xFFFFFF
	nonceHighBits = 40
)

// NewNonce returns a swap nonce whose locktime encoding lies safely in the
// past relative to now.
func NewNonce(now time.Time) (uint64, error) {
	high := uint64(now.Unix()) - 700000000
	if high >= 1<<nonceHighBits {
		return 0, fmt.Errorf("timestamp out of nonce range")
	}

	var low [3]byte
	if _, err := rand.Read(low[:]); err != nil {
		return 0, err
	}
	return high<<24 | uint64(low[0])<<16 | uint64(low[1])<<8 | uint64(low[2]), nil
}

// EncodeNonce splits a nonce into transaction locktime and input sequence.
func EncodeNonce(nonce uint64) (locktime uint32, sequence uint32, err error) {
	high := nonce >> 24
	lt := high + locktimeBase
	if lt > 0xFFFFFFFF {
		return 0, 0, fmt.Errorf("nonce %d does not fit in locktime", nonce)
	}
	return uint32(lt), sequenceBase | uint32(nonce&nonceLowMask), nil
}

// DecodeNonce recovers the nonce from a transaction's locktime and first
// input sequence.
func DecodeNonce(locktime, sequence uint32) uint64 {
	return uint64(locktime-locktimeBase)<<24 | uint64(sequence&nonceLowMask)
}

// SignedTx is a fully signed transaction ready for broadcast.
type SignedTx struct {
	Hex    string
	TxID   string
	Fee    uint64
	VSize  int
	Inputs []btc.UTXO
}

// BuildAndSign selects coins and builds a signed transaction paying amount
// to outputScript at feeRate sat/vB, with the nonce encoded into locktime
// and sequence. Required inputs, when given, are always spent.
func (w *Wallet) BuildAndSign(ctx context.Context, outputScript []byte, amount uint64, feeRate float64, nonce uint64, randomize bool, required []btc.UTXO) (*SignedTx, error) {
	locktime, sequence, err := EncodeNonce(nonce)
	if err != nil {
		return nil, err
	}

	utxos, err := w.GetSpendableUTXOs(ctx, 1)
	if err != nil {
		return nil, err
	}

	selection, err := SelectCoins(utxos, required, amount, feeRate, OutputVBytes(outputScript), randomize)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = locktime

	for i, utxo := range selection.Inputs {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %s: %w", utxo.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(txHash, utxo.Vout), nil, nil)
		if i == 0 {
			txIn.Sequence = sequence
		} else {
			// Keep RBF enabled and the locktime enforceable.
			txIn.Sequence = wire.MaxTxInSequenceNum - 2
		}
		tx.AddTxIn(txIn)
	}

	tx.AddTxOut(wire.NewTxOut(int64(amount), outputScript))

	if selection.ChangeValue > 0 {
		w.mu.Lock()
		changeAddr, err := w.getChangeAddress()
		w.mu.Unlock()
		if err != nil {
			return nil, err
		}
		changeScript, err := w.scriptFor(changeAddr)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(selection.ChangeValue), changeScript))
	}

	if err := w.signInputs(tx, selection.Inputs); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize: %w", err)
	}

	return &SignedTx{
		Hex:    hex.EncodeToString(buf.Bytes()),
		TxID:   tx.TxHash().String(),
		Fee:    selection.Fee,
		VSize:  selection.VSize,
		Inputs: selection.Inputs,
	}, nil
}

// signInputs signs every input as P2WPKH with the key of its address.
func (w *Wallet) signInputs(tx *wire.MsgTx, inputs []btc.UTXO) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for i, utxo := range inputs {
		script, err := w.scriptFor(utxo.Address)
		if err != nil {
			return err
		}
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(int64(utxo.Value), script)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, utxo := range inputs {
		privKey, err := w.privateKeyFor(utxo.Address)
		if err != nil {
			return err
		}
		prevOut := fetcher.FetchPrevOutput(tx.TxIn[i].PreviousOutPoint)

		witness, err := txscript.WitnessSignature(
			tx, sigHashes, i, prevOut.Value, prevOut.PkScript,
			txscript.SigHashAll, privKey, true,
		)
		if err != nil {
			return fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}
	return nil
}

// Broadcast submits a signed transaction and returns its txid.
func (w *Wallet) Broadcast(ctx context.Context, signed *SignedTx) (string, error) {
	txID, err := w.rpc.BroadcastTransaction(ctx, signed.Hex)
	if err != nil {
		return "", err
	}
	if w.log != nil {
		w.log.Info("broadcast transaction", "txid", txID, "fee", signed.Fee, "vsize", signed.VSize)
	}
	return txID, nil
}
