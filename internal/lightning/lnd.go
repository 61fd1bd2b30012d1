package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/zpay32"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	macaroon "gopkg.in/macaroon.v2"

	"github.com/crossport-exchange/crossport/pkg/logging"
)

// Config holds the lnd connection settings.
type Config struct {
	Address      string
	TLSCertPath  string
	MacaroonPath string
}

// macaroonCredential attaches the hex-encoded macaroon to every RPC.
type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

// LndWallet implements Wallet over lnd's gRPC API.
type LndWallet struct {
	conn     *grpc.ClientConn
	ln       lnrpc.LightningClient
	invoices invoicesrpc.InvoicesClient
	router   routerrpc.RouterClient
	params   *chaincfg.Params
	log      *logging.Logger
}

// NewLndWallet dials lnd with TLS and macaroon credentials and verifies the
// connection with a GetInfo call.
func NewLndWallet(cfg *Config, params *chaincfg.Params, log *logging.Logger) (*LndWallet, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("could not load tls cert from %s: %w", cfg.TLSCertPath, err)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon %s: %w", cfg.MacaroonPath, err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("invalid macaroon %s: %w", cfg.MacaroonPath, err)
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macaroonCredential{macaroon: hex.EncodeToString(macBytes)}),
	)
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", cfg.Address, err)
	}

	w := &LndWallet{
		conn:     conn,
		ln:       lnrpc.NewLightningClient(conn),
		invoices: invoicesrpc.NewInvoicesClient(conn),
		router:   routerrpc.NewRouterClient(conn),
		params:   params,
		log:      log,
	}

	info, err := w.ln.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("lnd unreachable (running? wallet unlocked?): %w", err)
	}
	log.Info("lnd connected",
		"alias", info.Alias,
		"pubkey", info.IdentityPubkey,
		"height", info.BlockHeight,
		"synced", info.SyncedToChain)
	if !info.SyncedToChain {
		log.Warn("lnd is not synced to chain, swaps may fail until sync completes")
	}

	return w, nil
}

// AddHoldInvoice creates a hold invoice for the given payment hash.
func (w *LndWallet) AddHoldInvoice(ctx context.Context, params *HoldInvoiceParams) (string, error) {
	resp, err := w.invoices.AddHoldInvoice(ctx, &invoicesrpc.AddHoldInvoiceRequest{
		Hash:            params.Hash,
		Value:           params.ValueSats,
		CltvExpiry:      params.CltvDelta,
		Expiry:          int64(params.Expiry.Seconds()),
		Memo:            params.Memo,
		DescriptionHash: params.DescriptionHash,
	})
	if err != nil {
		return "", fmt.Errorf("add hold invoice: %w", err)
	}
	return resp.PaymentRequest, nil
}

// CancelHoldInvoice cancels a hold invoice; cancelling twice is a no-op.
func (w *LndWallet) CancelHoldInvoice(ctx context.Context, hash []byte) error {
	_, err := w.invoices.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{
		PaymentHash: hash,
	})
	if err != nil && strings.Contains(err.Error(), "already canceled") {
		return nil
	}
	return err
}

// SettleHoldInvoice settles a held invoice with its preimage.
func (w *LndWallet) SettleHoldInvoice(ctx context.Context, preimage []byte) error {
	_, err := w.invoices.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{
		Preimage: preimage,
	})
	return err
}

func invoiceStatusFromRPC(inv *lnrpc.Invoice) *InvoiceStatus {
	s := &InvoiceStatus{
		AmtPaidMsat:    inv.AmtPaidMsat,
		PaymentRequest: inv.PaymentRequest,
	}
	switch inv.State {
	case lnrpc.Invoice_OPEN:
		s.State = InvoiceOpen
	case lnrpc.Invoice_ACCEPTED:
		s.State = InvoiceAccepted
	case lnrpc.Invoice_SETTLED:
		s.State = InvoiceSettled
	case lnrpc.Invoice_CANCELED:
		s.State = InvoiceCanceled
	}
	for _, htlc := range inv.Htlcs {
		if htlc.State != lnrpc.InvoiceHTLCState_ACCEPTED {
			continue
		}
		if s.HtlcExpiryHeight == 0 || htlc.ExpiryHeight < s.HtlcExpiryHeight {
			s.HtlcExpiryHeight = htlc.ExpiryHeight
		}
	}
	return s
}

// LookupInvoice returns the state of an invoice by payment hash.
func (w *LndWallet) LookupInvoice(ctx context.Context, hash []byte) (*InvoiceStatus, error) {
	inv, err := w.ln.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: hash})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return invoiceStatusFromRPC(inv), nil
}

// SubscribeInvoice streams invoice state changes until a terminal state.
func (w *LndWallet) SubscribeInvoice(ctx context.Context, hash []byte) (<-chan *InvoiceStatus, error) {
	stream, err := w.invoices.SubscribeSingleInvoice(ctx, &invoicesrpc.SubscribeSingleInvoiceRequest{
		RHash: hash,
	})
	if err != nil {
		return nil, err
	}

	updates := make(chan *InvoiceStatus, 1)
	go func() {
		defer close(updates)
		for {
			inv, err := stream.Recv()
			if err != nil {
				return
			}
			st := invoiceStatusFromRPC(inv)
			select {
			case updates <- st:
			case <-ctx.Done():
				return
			}
			if st.State == InvoiceSettled || st.State == InvoiceCanceled {
				return
			}
		}
	}()
	return updates, nil
}

// PayInvoice dispatches a payment without waiting for settlement; the stream
// is drained in the background and the outcome observed via TrackPayment.
func (w *LndWallet) PayInvoice(ctx context.Context, params *PaymentParams) error {
	timeout := params.TimeoutSeconds
	if timeout == 0 {
		timeout = 60
	}

	stream, err := w.router.SendPaymentV2(context.WithoutCancel(ctx), &routerrpc.SendPaymentRequest{
		PaymentRequest:    params.PaymentRequest,
		FeeLimitMsat:      params.MaxFeeMsat,
		CltvLimit:         params.MaxTimeoutHeight,
		TimeoutSeconds:    timeout,
		NoInflightUpdates: true,
	})
	if err != nil {
		return fmt.Errorf("send payment: %w", err)
	}

	go func() {
		for {
			p, err := stream.Recv()
			if err != nil {
				return
			}
			if p.Status == lnrpc.Payment_SUCCEEDED || p.Status == lnrpc.Payment_FAILED {
				w.log.Debug("payment finished",
					"hash", p.PaymentHash,
					"status", p.Status.String(),
					"failure", p.FailureReason.String())
				return
			}
		}
	}()
	return nil
}

func paymentResultFromRPC(p *lnrpc.Payment) *PaymentResult {
	r := &PaymentResult{FeeMsat: p.FeeMsat}
	switch p.Status {
	case lnrpc.Payment_SUCCEEDED:
		r.Status = PaymentSucceeded
		r.PreimageHex = p.PaymentPreimage
	case lnrpc.Payment_FAILED:
		r.Status = PaymentFailed
		r.FailureReason = p.FailureReason.String()
	default:
		r.Status = PaymentInFlight
	}
	return r
}

// TrackPayment streams updates of a past payment until terminal.
func (w *LndWallet) TrackPayment(ctx context.Context, hash []byte) (<-chan *PaymentResult, error) {
	stream, err := w.router.TrackPaymentV2(ctx, &routerrpc.TrackPaymentRequest{
		PaymentHash:       hash,
		NoInflightUpdates: true,
	})
	if err != nil {
		return nil, err
	}

	updates := make(chan *PaymentResult, 1)
	go func() {
		defer close(updates)
		for {
			p, err := stream.Recv()
			if err != nil {
				return
			}
			result := paymentResultFromRPC(p)
			select {
			case updates <- result:
			case <-ctx.Done():
				return
			}
			if result.Status != PaymentInFlight {
				return
			}
		}
	}()
	return updates, nil
}

// GetPayment returns the latest known state of a payment.
func (w *LndWallet) GetPayment(ctx context.Context, hash []byte) (*PaymentResult, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := w.router.TrackPaymentV2(streamCtx, &routerrpc.TrackPaymentRequest{
		PaymentHash: hash,
	})
	if err != nil {
		return nil, err
	}

	p, err := stream.Recv()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return paymentResultFromRPC(p), nil
}

// ProbeRoute queries lnd's router for a route satisfying the fee and CLTV
// caps, returning ErrNoRoute when none exists.
func (w *LndWallet) ProbeRoute(ctx context.Context, invoice *Invoice, maxFeeMsat int64, maxTimeoutHeight int32) (*RouteProbe, error) {
	info, err := w.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, err
	}
	cltvLimit := maxTimeoutHeight - int32(info.BlockHeight)
	if cltvLimit <= 0 {
		return nil, ErrNoRoute
	}

	resp, err := w.ln.QueryRoutes(ctx, &lnrpc.QueryRoutesRequest{
		PubKey:  invoice.Destination,
		AmtMsat: invoice.AmountMsat,
		FeeLimit: &lnrpc.FeeLimit{
			Limit: &lnrpc.FeeLimit_FixedMsat{FixedMsat: maxFeeMsat},
		},
		CltvLimit:         uint32(cltvLimit),
		UseMissionControl: true,
	})
	if err != nil || len(resp.GetRoutes()) == 0 {
		return nil, ErrNoRoute
	}

	return &RouteProbe{
		FeeMsat:    resp.Routes[0].TotalFeesMsat,
		Confidence: resp.SuccessProb,
	}, nil
}

// DecodeInvoice parses a BOLT-11 payment request offline.
func (w *LndWallet) DecodeInvoice(paymentRequest string) (*Invoice, error) {
	return DecodeInvoice(paymentRequest, w.params)
}

// DecodeInvoice parses a BOLT-11 payment request against the given network.
func DecodeInvoice(paymentRequest string, params *chaincfg.Params) (*Invoice, error) {
	inv, err := zpay32.Decode(paymentRequest, params)
	if err != nil {
		return nil, fmt.Errorf("invalid payment request: %w", err)
	}

	out := &Invoice{
		PaymentHash:  inv.PaymentHash[:],
		Destination:  hex.EncodeToString(inv.Destination.SerializeCompressed()),
		Timestamp:    inv.Timestamp,
		Expiry:       inv.Expiry(),
		MinFinalCltv: inv.MinFinalCLTVExpiry(),
	}
	if inv.MilliSat != nil {
		out.AmountMsat = int64(*inv.MilliSat)
	}
	if inv.Description != nil {
		out.Description = *inv.Description
	}
	if inv.DescriptionHash != nil {
		out.DescriptionHash = inv.DescriptionHash[:]
	}
	return out, nil
}

// GetInfo returns node identity and sync status.
func (w *LndWallet) GetInfo(ctx context.Context) (*NodeInfo, error) {
	info, err := w.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, err
	}
	return &NodeInfo{
		PubKey:        info.IdentityPubkey,
		BlockHeight:   info.BlockHeight,
		SyncedToChain: info.SyncedToChain,
	}, nil
}

// GetChannelBalance returns the local spendable channel balance in msat.
func (w *LndWallet) GetChannelBalance(ctx context.Context) (int64, error) {
	resp, err := w.ln.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return 0, err
	}
	if resp.LocalBalance == nil {
		return 0, nil
	}
	return int64(resp.LocalBalance.Msat), nil
}

// Close closes the gRPC connection.
func (w *LndWallet) Close() error {
	return w.conn.Close()
}

var _ Wallet = (*LndWallet)(nil)
