// Package lightning abstracts the Lightning node behind a Wallet interface so
// swap handlers depend on hold-invoice and payment primitives, not on lnd
// internals.
package lightning

import (
	"context"
	"errors"
	"time"
)

// Errors surfaced by Wallet implementations.
var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrNoRoute         = errors.New("no route found")
)

// InvoiceState mirrors the lifecycle of a hold invoice.
type InvoiceState int

const (
	InvoiceOpen InvoiceState = iota
	InvoiceAccepted
	InvoiceSettled
	InvoiceCanceled
)

// InvoiceStatus is a snapshot of a hold invoice.
type InvoiceStatus struct {
	State       InvoiceState
	AmtPaidMsat int64
	// HtlcExpiryHeight is the lowest CLTV expiry height among the held
	// HTLCs, zero when none are held.
	HtlcExpiryHeight int32
	PaymentRequest   string
}

// PaymentStatus is the terminal-or-pending state of an outbound payment.
type PaymentStatus int

const (
	PaymentInFlight PaymentStatus = iota
	PaymentSucceeded
	PaymentFailed
)

// PaymentResult reports the outcome of an outbound payment.
type PaymentResult struct {
	Status        PaymentStatus
	PreimageHex   string
	FeeMsat       int64
	FailureReason string
}

// RouteProbe is the result of probing a route before quoting a swap.
type RouteProbe struct {
	FeeMsat    int64
	Confidence float64
}

// Invoice holds the decoded fields of a BOLT-11 payment request.
type Invoice struct {
	PaymentHash     []byte
	Destination     string
	AmountMsat      int64
	Timestamp       time.Time
	Expiry          time.Duration
	MinFinalCltv    uint64
	Description     string
	DescriptionHash []byte
}

// IsExpired reports whether the invoice expired at the given time.
func (i *Invoice) IsExpired(now time.Time) bool {
	return now.After(i.Timestamp.Add(i.Expiry))
}

// NodeInfo describes the backing Lightning node.
type NodeInfo struct {
	PubKey        string
	BlockHeight   uint32
	SyncedToChain bool
}

// HoldInvoiceParams are the parameters of a new hold invoice.
type HoldInvoiceParams struct {
	// Hash is the 32-byte payment hash supplied by the swap client.
	Hash []byte
	// ValueSats is the invoice amount.
	ValueSats int64
	// CltvDelta is the minimum final CLTV delta of the invoice.
	CltvDelta uint64
	// Expiry is how long the invoice stays payable.
	Expiry time.Duration
	// Memo is the invoice description.
	Memo string
	// DescriptionHash, when set, replaces the memo per BOLT-11.
	DescriptionHash []byte
}

// PaymentParams constrain an outbound payment dispatch.
type PaymentParams struct {
	PaymentRequest string
	MaxFeeMsat     int64
	// MaxTimeoutHeight caps the total CLTV of the route.
	MaxTimeoutHeight int32
	TimeoutSeconds   int32
}

// Wallet is the Lightning node driver consumed by the swap handlers.
type Wallet interface {
	// AddHoldInvoice creates a hold invoice and returns its BOLT-11
	// encoding.
	AddHoldInvoice(ctx context.Context, params *HoldInvoiceParams) (string, error)

	// CancelHoldInvoice cancels a hold invoice by payment hash. Cancelling
	// an already-cancelled invoice is a no-op.
	CancelHoldInvoice(ctx context.Context, hash []byte) error

	// SettleHoldInvoice settles a held invoice with its preimage.
	SettleHoldInvoice(ctx context.Context, preimage []byte) error

	// LookupInvoice returns the current state of an invoice.
	LookupInvoice(ctx context.Context, hash []byte) (*InvoiceStatus, error)

	// SubscribeInvoice streams state changes of a single invoice until ctx
	// is cancelled or the invoice reaches a terminal state.
	SubscribeInvoice(ctx context.Context, hash []byte) (<-chan *InvoiceStatus, error)

	// PayInvoice dispatches an outbound payment without waiting for it to
	// settle. Progress is observed via TrackPayment.
	PayInvoice(ctx context.Context, params *PaymentParams) error

	// TrackPayment streams updates of a past payment until it reaches a
	// terminal state.
	TrackPayment(ctx context.Context, hash []byte) (<-chan *PaymentResult, error)

	// GetPayment returns the latest known result of a payment, or
	// ErrPaymentNotFound if it was never attempted.
	GetPayment(ctx context.Context, hash []byte) (*PaymentResult, error)

	// ProbeRoute estimates the routing fee and success probability for
	// paying the invoice under the given constraints. Returns ErrNoRoute
	// when no route satisfies them.
	ProbeRoute(ctx context.Context, invoice *Invoice, maxFeeMsat int64, maxTimeoutHeight int32) (*RouteProbe, error)

	// DecodeInvoice parses a BOLT-11 payment request.
	DecodeInvoice(paymentRequest string) (*Invoice, error)

	// GetInfo returns node identity and sync status.
	GetInfo(ctx context.Context) (*NodeInfo, error)

	// GetChannelBalance returns the local spendable channel balance in
	// msat.
	GetChannelBalance(ctx context.Context) (int64, error)

	// Close releases the underlying connection.
	Close() error
}
