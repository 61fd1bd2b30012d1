// Package intermediary implements the swap lifecycle engine: one state
// machine per swap direction, the event dispatch and watchdog plumbing around
// them, and the fee and security-deposit math they share.
package intermediary

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/crossport-exchange/crossport/internal/chains"
	"github.com/crossport-exchange/crossport/internal/storage"
	"github.com/crossport-exchange/crossport/pkg/helpers"
)

// Swap kinds, doubling as storage namespaces.
const (
	KindToBtcLn   = "tobtcln"
	KindToBtc     = "tobtc"
	KindFromBtcLn = "frombtcln"
	KindFromBtc   = "frombtc"
)

// ToBtcLnState is the Token->Lightning swap state machine.
type ToBtcLnState int

const (
	ToBtcLnRefunded   ToBtcLnState = -3
	ToBtcLnCanceled   ToBtcLnState = -2
	ToBtcLnNonPayable ToBtcLnState = -1
	ToBtcLnSaved      ToBtcLnState = 0
	ToBtcLnCommited   ToBtcLnState = 1
	ToBtcLnPaid       ToBtcLnState = 2
	ToBtcLnClaimed    ToBtcLnState = 3
)

// ToBtcState is the Token->on-chain-BTC swap state machine.
type ToBtcState int

const (
	ToBtcRefunded   ToBtcState = -3
	ToBtcCanceled   ToBtcState = -2
	ToBtcNonPayable ToBtcState = -1
	ToBtcSaved      ToBtcState = 0
	ToBtcCommited   ToBtcState = 1
	ToBtcSending    ToBtcState = 2
	ToBtcSent       ToBtcState = 3
	ToBtcClaimed    ToBtcState = 4
)

// FromBtcLnState is the Lightning->Token swap state machine.
type FromBtcLnState int

const (
	FromBtcLnRefunded FromBtcLnState = -2
	FromBtcLnCanceled FromBtcLnState = -1
	FromBtcLnCreated  FromBtcLnState = 0
	FromBtcLnReceived FromBtcLnState = 1
	FromBtcLnCommited FromBtcLnState = 2
	FromBtcLnClaimed  FromBtcLnState = 3
	FromBtcLnSettled  FromBtcLnState = 4
)

// FromBtcState is the on-chain-BTC->Token swap state machine.
type FromBtcState int

const (
	FromBtcRefunded FromBtcState = -2
	FromBtcCanceled FromBtcState = -1
	FromBtcCreated  FromBtcState = 0
	FromBtcCommited FromBtcState = 1
	FromBtcClaimed  FromBtcState = 2
)

// Metadata is a free-form request echo plus timing marks, persisted with the
// swap for observability only.
type Metadata struct {
	RequestID string           `json:"requestId,omitempty"`
	Request   json.RawMessage  `json:"request,omitempty"`
	Times     map[string]int64 `json:"times,omitempty"`
}

// NewMetadata starts metadata for one request.
func NewMetadata(request json.RawMessage) Metadata {
	return Metadata{RequestID: uuid.NewString(), Request: request}
}

// Mark records a named timing mark.
func (m *Metadata) Mark(clk clock.Clock, name string) {
	if m.Times == nil {
		m.Times = make(map[string]int64)
	}
	m.Times[name] = clk.Now().UnixMilli()
}

// TxIDs records the smart-chain transactions touching a swap.
type TxIDs struct {
	Init   string `json:"init,omitempty"`
	Claim  string `json:"claim,omitempty"`
	Refund string `json:"refund,omitempty"`
}

// SwapCommon carries the fields shared by every swap record.
type SwapCommon struct {
	ChainID  string           `json:"chainId"`
	Data     *chains.SwapData `json:"data"`
	Metadata Metadata         `json:"metadata,omitempty"`
	TxIDs    TxIDs            `json:"txIds"`

	// SwapFeeSats is the intermediary's fee on the Bitcoin side; the token
	// side is quoted separately because the price moves between the two.
	SwapFeeSats    uint64          `json:"swapFee"`
	SwapFeeInToken *helpers.BigInt `json:"swapFeeInToken"`
}

// ToBtcLnSwap is one Token->Lightning swap record.
type ToBtcLnSwap struct {
	SwapCommon

	State       ToBtcLnState `json:"state"`
	PaymentHash string       `json:"paymentHash"`
	PR          string       `json:"pr"`

	SignatureExpiry int64 `json:"signatureExpiry"`

	QuotedNetworkFeeSats    uint64          `json:"quotedNetworkFee"`
	QuotedNetworkFeeInToken *helpers.BigInt `json:"quotedNetworkFeeInToken"`
	RealNetworkFeeSats      uint64          `json:"realNetworkFee,omitempty"`
	RealNetworkFeeInToken   *helpers.BigInt `json:"realNetworkFeeInToken,omitempty"`

	// Secret is the payment preimage once the LN payment settles.
	Secret string `json:"secret,omitempty"`
}

func (s *ToBtcLnSwap) Key() storage.SwapKey {
	return storage.SwapKey{PaymentHash: s.PaymentHash}
}

// IsTerminal reports whether the state is absorbing.
func (s *ToBtcLnSwap) IsTerminal() bool {
	return s.State == ToBtcLnRefunded || s.State == ToBtcLnCanceled || s.State == ToBtcLnClaimed
}

// ToBtcSwap is one Token->on-chain-BTC swap record.
type ToBtcSwap struct {
	SwapCommon

	State       ToBtcState `json:"state"`
	PaymentHash string     `json:"paymentHash"`

	// Address and AmountSats describe the requested Bitcoin payout.
	Address    string `json:"address"`
	AmountSats uint64 `json:"amount"`

	SatsPerVbyte float64 `json:"satsPerVbyte"`
	// MaxNetworkFeeSats caps fee bumping on broadcast retries.
	MaxNetworkFeeSats uint64 `json:"maxNetworkFee"`
	// Nonce is bound into the payout transaction's locktime and sequence.
	Nonce                 uint64 `json:"nonce"`
	PreferredConfTarget   uint32 `json:"preferedConfirmationTarget"`
	RequiredConfirmations uint32 `json:"confirmations"`

	SignatureExpiry int64 `json:"signatureExpiry"`

	// BtcTxID is the broadcast payout transaction.
	BtcTxID string `json:"txId,omitempty"`

	QuotedNetworkFeeSats    uint64          `json:"quotedNetworkFee"`
	QuotedNetworkFeeInToken *helpers.BigInt `json:"quotedNetworkFeeInToken"`
	RealNetworkFeeSats      uint64          `json:"realNetworkFee,omitempty"`
	RealNetworkFeeInToken   *helpers.BigInt `json:"realNetworkFeeInToken,omitempty"`
}

func (s *ToBtcSwap) Key() storage.SwapKey {
	return storage.SwapKey{PaymentHash: s.PaymentHash}
}

func (s *ToBtcSwap) IsTerminal() bool {
	return s.State == ToBtcRefunded || s.State == ToBtcCanceled || s.State == ToBtcClaimed
}

// FromBtcLnSwap is one Lightning->Token swap record.
type FromBtcLnSwap struct {
	SwapCommon

	State       FromBtcLnState `json:"state"`
	PaymentHash string         `json:"paymentHash"`
	PR          string         `json:"pr"`

	AmountSats uint64 `json:"amount"`

	// Auth is the init authorization handed out once the HTLC is held.
	Auth *chains.Signature `json:"auth,omitempty"`

	// FeeRate is the client-supplied fee hint echoed into swap data.
	FeeRate string `json:"feeRate,omitempty"`

	// Secret is the preimage revealed by the smart-chain claim.
	Secret string `json:"secret,omitempty"`
}

func (s *FromBtcLnSwap) Key() storage.SwapKey {
	return storage.SwapKey{PaymentHash: s.PaymentHash}
}

func (s *FromBtcLnSwap) IsTerminal() bool {
	return s.State == FromBtcLnRefunded || s.State == FromBtcLnCanceled || s.State == FromBtcLnSettled
}

// FromBtcSwap is one on-chain-BTC->Token swap record.
type FromBtcSwap struct {
	SwapCommon

	State       FromBtcState `json:"state"`
	PaymentHash string       `json:"paymentHash"`
	Sequence    uint64       `json:"sequence"`

	// Address is the freshly generated P2WPKH deposit address.
	Address    string `json:"address"`
	AmountSats uint64 `json:"amount"`

	AuthorizationExpiry int64 `json:"authorizationExpiry"`

	// BtcTxID is the incoming Bitcoin spend, recorded on claim.
	BtcTxID string `json:"txId,omitempty"`

	// Secret is the reversed Bitcoin txid revealed by the claim.
	Secret string `json:"secret,omitempty"`
}

func (s *FromBtcSwap) Key() storage.SwapKey {
	return storage.SwapKey{PaymentHash: s.PaymentHash, Sequence: s.Sequence}
}

func (s *FromBtcSwap) IsTerminal() bool {
	return s.State == FromBtcRefunded || s.State == FromBtcCanceled || s.State == FromBtcClaimed
}

// SwapStore is the persistence surface the handlers depend on; satisfied by
// *storage.Storage.
type SwapStore interface {
	PutSwap(kind string, swap *storage.StoredSwap) error
	GetSwap(kind string, key storage.SwapKey) (*storage.StoredSwap, error)
	DeleteSwap(kind string, key storage.SwapKey) error
	LoadSwaps(kind string) ([]*storage.StoredSwap, error)
	QuerySwapsByState(kind string, states ...int) ([]*storage.StoredSwap, error)
}

// saveSwap serializes and upserts a swap record.
func saveSwap(store SwapStore, kind string, key storage.SwapKey, chainID string, state int, record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return store.PutSwap(kind, &storage.StoredSwap{
		Key:     key,
		ChainID: chainID,
		State:   state,
		Data:    data,
	})
}

// unixNow is a tiny helper the handlers use all over.
func unixNow(clk clock.Clock) int64 {
	return clk.Now().Unix()
}
