// Package chains abstracts the smart-chain side of a swap: escrow data,
// commit status, authorization signatures, claims, refunds, and the event
// stream the swap handlers consume.
package chains

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crossport-exchange/crossport/pkg/helpers"
)

// SwapType selects the on-chain predicate of an escrow.
type SwapType int

const (
	// SwapTypeHTLC releases on a SHA-256 preimage.
	SwapTypeHTLC SwapType = iota
	// SwapTypeChain releases on proof of a confirmed Bitcoin transaction
	// paying a bound output.
	SwapTypeChain
	// SwapTypeChainNonced is SwapTypeChain with the swap nonce bound into
	// the transaction's locktime and sequence.
	SwapTypeChainNonced
)

// SwapData is the escrow committed on a smart chain. Big integers serialize
// as decimal strings.
type SwapData struct {
	Type SwapType `json:"type"`

	Offerer string `json:"offerer"`
	Claimer string `json:"claimer"`
	Token   string `json:"token"`

	Amount      *helpers.BigInt `json:"amount"`
	PaymentHash string          `json:"paymentHash"`
	Expiry      *helpers.BigInt `json:"expiry"`

	// PayIn marks escrows funded directly by the offerer's wallet; PayOut
	// marks escrows paying out to the claimer's wallet rather than their
	// contract vault balance.
	PayIn  bool `json:"payIn"`
	PayOut bool `json:"payOut"`

	SecurityDeposit *helpers.BigInt `json:"securityDeposit"`
	ClaimerBounty   *helpers.BigInt `json:"claimerBounty"`

	// Nonce binds a ToBtc escrow to the locktime/sequence of the paying
	// Bitcoin transaction; zero for all other swap kinds.
	Nonce *helpers.BigInt `json:"nonce"`

	// Confirmations is the number of Bitcoin confirmations the contract
	// requires before accepting a claim proof.
	Confirmations uint32 `json:"confirmations"`
}

// encode produces a deterministic byte serialization used for hashing and
// signing.
func (d *SwapData) encode() []byte {
	var buf []byte
	appendBig := func(v *helpers.BigInt) {
		var raw []byte
		if v != nil {
			raw = v.Unwrap().Bytes()
		}
		padded := make([]byte, 32)
		copy(padded[32-len(raw):], raw)
		buf = append(buf, padded...)
	}

	buf = append(buf, byte(d.Type))
	buf = append(buf, []byte(d.Offerer)...)
	buf = append(buf, []byte(d.Claimer)...)
	buf = append(buf, []byte(d.Token)...)
	appendBig(d.Amount)
	if h, err := hex.DecodeString(d.PaymentHash); err == nil {
		buf = append(buf, h...)
	}
	appendBig(d.Expiry)
	var flags byte
	if d.PayIn {
		flags |= 1
	}
	if d.PayOut {
		flags |= 2
	}
	buf = append(buf, flags)
	appendBig(d.SecurityDeposit)
	appendBig(d.ClaimerBounty)
	appendBig(d.Nonce)

	var confs [4]byte
	binary.BigEndian.PutUint32(confs[:], d.Confirmations)
	buf = append(buf, confs[:]...)
	return buf
}

// Hash returns the escrow identifier the contract keys its state by.
func (d *SwapData) Hash() [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256(d.encode()))
	return out
}

// ExpiryUnix returns the escrow expiry as an int64 unix timestamp.
func (d *SwapData) ExpiryUnix() int64 {
	if d.Expiry == nil {
		return 0
	}
	return d.Expiry.Unwrap().Int64()
}

// TotalValue is the escrow amount as a plain big.Int, never nil.
func (d *SwapData) TotalValue() *big.Int {
	if d.Amount == nil {
		return new(big.Int)
	}
	return d.Amount.Unwrap()
}
