package chains

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/crossport-exchange/crossport/internal/btc"
)

// Errors shared by Contract implementations.
var (
	ErrChainNotRegistered = errors.New("chain not registered")
	ErrNotCommitted       = errors.New("swap not committed")
)

// CommitStatus is the contract-side state of an escrow.
type CommitStatus int

const (
	CommitStatusNotCommitted CommitStatus = iota
	CommitStatusCommitted
	CommitStatusClaimed
	CommitStatusRefunded
	CommitStatusExpired
)

// EventType discriminates escrow events.
type EventType int

const (
	EventInitialize EventType = iota
	EventClaim
	EventRefund
)

func (t EventType) String() string {
	switch t {
	case EventInitialize:
		return "initialize"
	case EventClaim:
		return "claim"
	case EventRefund:
		return "refund"
	default:
		return "unknown"
	}
}

// Event is an escrow state change observed on a smart chain. Events for one
// chain are delivered in chain order.
type Event struct {
	Type        EventType
	ChainID     string
	PaymentHash string
	Sequence    uint64
	// SecretHex carries the revealed preimage on Claim events.
	SecretHex string
	TxHash    string
}

// Signature is an authorization the intermediary hands to a client, valid
// until Timeout.
type Signature struct {
	Prefix    string `json:"prefix"`
	Timeout   int64  `json:"timeout"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

// Contract is the smart-chain driver for one chain. Implementations are safe
// for concurrent use; Start may be called once.
type Contract interface {
	// ChainID returns the registry identifier of this chain.
	ChainID() string

	// Address returns the intermediary's signing address on this chain.
	Address() string

	// IsValidToken reports whether the token is accepted on this chain.
	IsValidToken(token string) bool

	// GetCommitStatus reads the escrow state for the given swap data.
	GetCommitStatus(ctx context.Context, data *SwapData) (CommitStatus, error)

	// GetInitSignature signs an initialization authorization valid for
	// authTimeout.
	GetInitSignature(ctx context.Context, data *SwapData, authTimeout time.Duration) (*Signature, error)

	// GetRefundSignature signs a cooperative refund authorization.
	GetRefundSignature(ctx context.Context, data *SwapData) (*Signature, error)

	// ClaimWithSecret claims a committed HTLC escrow with the preimage.
	ClaimWithSecret(ctx context.Context, data *SwapData, secret []byte) (string, error)

	// ClaimWithTxData claims a committed chain escrow with a Bitcoin
	// inclusion proof.
	ClaimWithTxData(ctx context.Context, data *SwapData, rawTx []byte, proof *btc.TransactionMerkle) (string, error)

	// Refund refunds an expired escrow back to the intermediary.
	Refund(ctx context.Context, data *SwapData) (string, error)

	// GetBalance returns the intermediary's vault balance for a token.
	GetBalance(ctx context.Context, token string) (*big.Int, error)

	// GetRefundFee estimates the native fee of a refund transaction.
	GetRefundFee(ctx context.Context, data *SwapData) (*big.Int, error)

	// HasRawRefundFee reports whether GetRawRefundFee is supported; when
	// false the security-deposit base doubles GetRefundFee instead.
	HasRawRefundFee() bool

	// GetRawRefundFee estimates the raw (un-doubled) refund fee.
	GetRawRefundFee(ctx context.Context, data *SwapData) (*big.Int, error)

	// GetHashForOnchain computes the payment hash binding a Bitcoin output
	// script, amount, and nonce.
	GetHashForOnchain(outputScript []byte, amount *big.Int, nonce *big.Int) []byte

	// SignMessage signs an arbitrary message with the chain key.
	SignMessage(msg []byte) (*Signature, error)

	// Start begins event delivery. The channel closes when ctx ends.
	Start(ctx context.Context) (<-chan *Event, error)

	// Close releases underlying connections.
	Close() error
}

// Registry holds the contracts of all configured chains.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]Contract
	order     []string
}

// NewRegistry creates an empty contract registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]Contract)}
}

// Register adds a chain contract. Registering the same id twice replaces the
// previous contract.
func (r *Registry) Register(c Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contracts[c.ChainID()]; !ok {
		r.order = append(r.order, c.ChainID())
	}
	r.contracts[c.ChainID()] = c
}

// Get returns the contract for a chain id.
func (r *Registry) Get(chainID string) (Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[chainID]
	if !ok {
		return nil, ErrChainNotRegistered
	}
	return c, nil
}

// Has reports whether a chain id is registered.
func (r *Registry) Has(chainID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contracts[chainID]
	return ok
}

// ChainIDs returns the registered chain ids in registration order.
func (r *Registry) ChainIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns the registered contracts in registration order.
func (r *Registry) All() []Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Contract, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.contracts[id])
	}
	return out
}
