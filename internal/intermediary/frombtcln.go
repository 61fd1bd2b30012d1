package intermediary

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/crossport-exchange/crossport/internal/chains"
	"github.com/crossport-exchange/crossport/internal/config"
	"github.com/crossport-exchange/crossport/internal/lightning"
	"github.com/crossport-exchange/crossport/internal/prices"
	"github.com/crossport-exchange/crossport/internal/storage"
	"github.com/crossport-exchange/crossport/pkg/helpers"
)

// holdCltvMargin is added to the configured minimum CLTV when creating the
// hold invoice, so the received HTLC always clears the minimum check.
const holdCltvMargin = 5

// FromBtcLnHandler swaps incoming Lightning payments for tokens: the client
// pays a hold invoice, the intermediary escrows tokens, and the smart-chain
// claim reveals the preimage that settles the invoice.
type FromBtcLnHandler struct {
	baseHandler

	ln   lightning.Wallet
	cfg  config.FromBtcLnConfig
	tick ticker.Ticker
}

// NewFromBtcLnHandler creates the Lightning->Token handler.
func NewFromBtcLnHandler(deps *Deps) *FromBtcLnHandler {
	return &FromBtcLnHandler{
		baseHandler: newBase(deps, "frombtcln"),
		ln:          deps.Lightning,
		cfg:         deps.Config.Swaps.FromBtcLn,
		tick:        ticker.New(deps.Config.Swaps.SwapCheckInterval),
	}
}

// NewFromBtcLnHandlerWithTicker is NewFromBtcLnHandler with an injected
// watchdog ticker.
func NewFromBtcLnHandlerWithTicker(deps *Deps, t ticker.Ticker) *FromBtcLnHandler {
	h := NewFromBtcLnHandler(deps)
	h.tick = t
	return h
}

func (h *FromBtcLnHandler) Kind() string { return KindFromBtcLn }

// Info implements Handler.
func (h *FromBtcLnHandler) Info() *HandlerInfo {
	return &HandlerInfo{
		SwapFeePPM:  h.cfg.FeePPM,
		SwapBaseFee: h.cfg.BaseFeeSats,
		Min:         h.cfg.MinSats,
		Max:         h.cfg.MaxSats,
		Chains:      h.tokenChains(),
		Data: map[string]any{
			"minCltv":        h.cfg.MinCltv,
			"invoiceTimeout": h.cfg.InvoiceTimeout,
		},
	}
}

// escrowLifetime is how long the token escrow stays claimable: the incoming
// HTLC's CLTV budget converted to worst-case seconds, minus the grace period.
func (h *FromBtcLnHandler) escrowLifetime() int64 {
	global := h.baseHandler.cfg.Swaps
	lifetime := int64(h.cfg.MinCltv*global.BitcoinBlocktime/global.SafetyFactor) - int64(global.GracePeriod)
	if lifetime < 0 {
		lifetime = 0
	}
	return lifetime
}

// CreateInvoiceRequest is the body of POST /ln/createInvoice.
type CreateInvoiceRequest struct {
	Chain           string `json:"chain,omitempty"`
	Address         string `json:"address"`
	PaymentHash     string `json:"paymentHash"`
	Amount          uint64 `json:"amount"`
	Token           string `json:"token"`
	DescriptionHash string `json:"descriptionHash,omitempty"`
	FeeRate         string `json:"feeRate,omitempty"`
}

// CreateInvoiceResponse is the success payload of POST /ln/createInvoice.
type CreateInvoiceResponse struct {
	PR              string          `json:"pr"`
	SwapFee         *helpers.BigInt `json:"swapFee"`
	Total           *helpers.BigInt `json:"total"`
	IntermediaryKey string          `json:"intermediaryKey"`
	SecurityDeposit *helpers.BigInt `json:"securityDeposit"`
}

// CreateInvoice quotes a Lightning->Token swap and creates the hold invoice
// the client pays.
func (h *FromBtcLnHandler) CreateInvoice(ctx context.Context, req *CreateInvoiceRequest, rawReq json.RawMessage) (*CreateInvoiceResponse, *Error) {
	meta := NewMetadata(rawReq)
	meta.Mark(h.clock, "requestReceived")

	contract, cerr := h.resolveChain(req.Chain)
	if cerr != nil {
		return nil, cerr
	}
	if terr := h.checkToken(contract, req.Token); terr != nil {
		return nil, terr
	}
	if !helpers.IsHex(req.PaymentHash) || len(req.PaymentHash) != 64 {
		return nil, NewError(CodeInvalidBody, "invalid payment hash")
	}
	hash, _ := hex.DecodeString(req.PaymentHash)

	var descriptionHash []byte
	if req.DescriptionHash != "" {
		var err error
		descriptionHash, err = hex.DecodeString(req.DescriptionHash)
		if err != nil || len(descriptionHash) != 32 {
			return nil, NewError(CodeInvalidBody, "invalid description hash")
		}
	}

	if _, err := h.store.GetSwap(KindFromBtcLn, storage.SwapKey{PaymentHash: req.PaymentHash}); err == nil {
		return nil, NewError(CodeSwapAlreadyExists, "swap already exists for this payment hash")
	}

	group := NewPrefetchGroup(ctx)
	defer group.Cancel()
	var pricePre *prices.Prefetch
	if info, err := h.oracle.GetTokenData(contract.ChainID(), req.Token); err == nil {
		pricePre = h.oracle.PreFetchPrice(group.Context(), info)
	}
	balanceTask := Prefetch(group, func(ctx context.Context) (*big.Int, error) {
		return contract.GetBalance(ctx, req.Token)
	})

	amountSats, berr := h.checkBounds(ctx, req.Amount, h.cfg.MinSats, h.cfg.MaxSats, contract.ChainID(), req.Token, pricePre)
	if berr != nil {
		return nil, berr
	}
	meta.Mark(h.clock, "amountsChecked")

	swapFeeSats := SwapFeeSats(h.cfg.BaseFeeSats, h.cfg.FeePPM, amountSats)
	if swapFeeSats >= amountSats {
		return nil, NewError(CodeAmountTooLow, "amount does not cover the swap fee")
	}
	chainID := contract.ChainID()

	total, err := h.oracle.GetFromBtcSwapAmount(group.Context(),
		new(big.Int).SetUint64(amountSats-swapFeeSats), chainID, req.Token, false, pricePre)
	if err != nil {
		return nil, h.oracleError(err)
	}
	swapFeeInToken, err := h.oracle.GetFromBtcSwapAmount(group.Context(),
		new(big.Int).SetUint64(swapFeeSats), chainID, req.Token, true, pricePre)
	if err != nil {
		return nil, h.oracleError(err)
	}
	meta.Mark(h.clock, "priceCalculated")

	balance, err := balanceTask.Await(ctx)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "balance check failed", HTTPStatus: 500}
	}
	if balance.Cmp(total) < 0 {
		return nil, NewError(CodeNotEnoughLiquidity, "not enough liquidity")
	}
	meta.Mark(h.clock, "balanceChecked")

	// Provisional escrow data; the expiry and authorization are filled in
	// once the HTLC actually arrives.
	data := &chains.SwapData{
		Type:            chains.SwapTypeHTLC,
		Offerer:         contract.Address(),
		Claimer:         req.Address,
		Token:           req.Token,
		Amount:          helpers.Wrap(total),
		PaymentHash:     req.PaymentHash,
		Expiry:          helpers.NewBigInt(0),
		PayOut:          true,
		SecurityDeposit: helpers.NewBigInt(0),
		ClaimerBounty:   helpers.NewBigInt(0),
		Nonce:           helpers.NewBigInt(0),
	}

	refundFee, err := contract.GetRefundFee(ctx, data)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "refund fee estimation failed", HTTPStatus: 500}
	}
	securityDeposit := SecurityDeposit(refundFee, !contract.HasRawRefundFee(), total,
		APYPPM(h.baseHandler.cfg.Swaps.SecurityDepositAPY), uint64(h.escrowLifetime()))
	data.SecurityDeposit = helpers.Wrap(securityDeposit)
	meta.Mark(h.clock, "secDepositCalculated")

	pr, err := h.ln.AddHoldInvoice(ctx, &lightning.HoldInvoiceParams{
		Hash:            hash,
		ValueSats:       int64(amountSats),
		CltvDelta:       h.cfg.MinCltv + holdCltvMargin,
		Expiry:          time.Duration(h.cfg.InvoiceTimeout) * time.Second,
		Memo:            req.Address,
		DescriptionHash: descriptionHash,
	})
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "failed to create invoice", HTTPStatus: 500}
	}
	meta.Mark(h.clock, "invoiceCreated")

	swap := &FromBtcLnSwap{
		SwapCommon: SwapCommon{
			ChainID:        chainID,
			Data:           data,
			Metadata:       meta,
			SwapFeeSats:    swapFeeSats,
			SwapFeeInToken: helpers.Wrap(swapFeeInToken),
		},
		State:       FromBtcLnCreated,
		PaymentHash: req.PaymentHash,
		PR:          pr,
		AmountSats:  amountSats,
		FeeRate:     req.FeeRate,
	}
	if err := h.save(swap); err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "failed to persist swap", HTTPStatus: 500}
	}

	h.log.Info("created hold invoice", "hash", req.PaymentHash, "amount", amountSats)

	return &CreateInvoiceResponse{
		PR:              pr,
		SwapFee:         helpers.Wrap(swapFeeInToken),
		Total:           helpers.Wrap(total),
		IntermediaryKey: contract.Address(),
		SecurityDeposit: helpers.Wrap(securityDeposit),
	}, nil
}

// InvoiceStatusRequest identifies a swap by payment hash.
type InvoiceStatusRequest struct {
	PaymentHash string `json:"paymentHash"`
}

// GetInvoiceStatus reports whether the hold invoice has been paid yet.
func (h *FromBtcLnHandler) GetInvoiceStatus(ctx context.Context, req *InvoiceStatusRequest) *Error {
	if !helpers.IsHex(req.PaymentHash) || len(req.PaymentHash) != 64 {
		return NewError(CodeInvalidBody, "invalid payment hash")
	}
	if _, err := h.load(storage.SwapKey{PaymentHash: req.PaymentHash}); err != nil {
		return NewError(CodeInvoiceNotFound, "swap not found")
	}

	hash, _ := hex.DecodeString(req.PaymentHash)
	status, err := h.ln.LookupInvoice(ctx, hash)
	if err != nil {
		return NewError(CodeInvoiceNotFound, "invoice not found")
	}

	switch status.State {
	case lightning.InvoiceAccepted, lightning.InvoiceSettled:
		return NewError(CodeInvoiceReady, "invoice paid")
	case lightning.InvoiceCanceled:
		return NewError(CodeInvoiceExpired, "invoice expired or canceled")
	default:
		return NewError(CodeInvoicePending, "invoice not yet paid")
	}
}

// InvoicePaymentAuthResponse is the success payload of
// POST /ln/getInvoicePaymentAuth.
type InvoicePaymentAuthResponse struct {
	Address   string           `json:"address"`
	Data      *chains.SwapData `json:"data"`
	Prefix    string           `json:"prefix"`
	Timeout   int64            `json:"timeout"`
	Signature string           `json:"signature"`
}

// GetInvoicePaymentAuth returns the escrow init authorization once the HTLC
// is held, generating it on first call.
func (h *FromBtcLnHandler) GetInvoicePaymentAuth(ctx context.Context, req *InvoiceStatusRequest) (*InvoicePaymentAuthResponse, *Error) {
	if !helpers.IsHex(req.PaymentHash) || len(req.PaymentHash) != 64 {
		return nil, NewError(CodeInvalidBody, "invalid payment hash")
	}
	swap, err := h.load(storage.SwapKey{PaymentHash: req.PaymentHash})
	if err != nil {
		return nil, NewError(CodeInvoiceNotFound, "swap not found")
	}
	contract, cerr := h.resolveChain(swap.ChainID)
	if cerr != nil {
		return nil, cerr
	}

	if swap.State >= FromBtcLnReceived && swap.Auth != nil {
		if swap.State == FromBtcLnReceived && unixNow(h.clock) > swap.Auth.Timeout {
			status, serr := contract.GetCommitStatus(ctx, swap.Data)
			if serr == nil && status == chains.CommitStatusNotCommitted {
				h.cancelSwap(ctx, swap)
				return nil, NewError(CodeInvoiceExpired, "authorization expired")
			}
		}
		return &InvoicePaymentAuthResponse{
			Address:   swap.Auth.Address,
			Data:      swap.Data,
			Prefix:    swap.Auth.Prefix,
			Timeout:   swap.Auth.Timeout,
			Signature: swap.Auth.Signature,
		}, nil
	}

	hash, _ := hex.DecodeString(req.PaymentHash)
	status, err := h.ln.LookupInvoice(ctx, hash)
	if err != nil {
		return nil, NewError(CodeInvoiceNotFound, "invoice not found")
	}
	switch status.State {
	case lightning.InvoiceOpen:
		return nil, NewError(CodeInvoicePending, "invoice not yet paid")
	case lightning.InvoiceCanceled:
		return nil, NewError(CodeInvoiceExpired, "invoice expired or canceled")
	case lightning.InvoiceSettled:
		return nil, NewError(CodeAuthPending, "invoice already settled")
	}

	return h.htlcReceived(ctx, swap, contract, status)
}

// htlcReceived runs once the HTLC is held: re-checks balance and the
// remaining CLTV budget, builds the final escrow data, and signs the init
// authorization.
func (h *FromBtcLnHandler) htlcReceived(ctx context.Context, swap *FromBtcLnSwap, contract chains.Contract, status *lightning.InvoiceStatus) (*InvoicePaymentAuthResponse, *Error) {
	unlock := h.locks.TryLock(swap.Key().String(), swapLockLease)
	if unlock == nil {
		return nil, NewError(CodeAuthPending, "authorization in progress")
	}
	defer unlock.Release()

	balance, err := contract.GetBalance(ctx, swap.Data.Token)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "balance check failed", HTTPStatus: 500}
	}
	if balance.Cmp(swap.Data.TotalValue()) < 0 {
		h.cancelSwap(ctx, swap)
		return nil, NewError(CodeNotEnoughLiquidity, "not enough liquidity")
	}

	nodeInfo, err := h.ln.GetInfo(ctx)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "lightning node unavailable", HTTPStatus: 500}
	}
	if status.HtlcExpiryHeight > 0 {
		remaining := int64(status.HtlcExpiryHeight) - int64(nodeInfo.BlockHeight)
		if remaining < int64(h.cfg.MinCltv) {
			h.cancelSwap(ctx, swap)
			return nil, NewError(CodeNotEnoughTime, "incoming HTLC expires too soon")
		}
	}

	swap.Data.Expiry = helpers.NewBigInt(unixNow(h.clock) + h.escrowLifetime())

	sig, err := contract.GetInitSignature(ctx, swap.Data,
		time.Duration(h.baseHandler.cfg.Swaps.GracePeriod)*time.Second)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "failed to sign authorization", HTTPStatus: 500}
	}

	swap.Auth = sig
	swap.State = FromBtcLnReceived
	swap.Metadata.Mark(h.clock, "htlcReceived")
	if err := h.save(swap); err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "failed to persist swap", HTTPStatus: 500}
	}

	h.log.Info("HTLC held, authorization issued", "hash", swap.PaymentHash)

	return &InvoicePaymentAuthResponse{
		Address:   sig.Address,
		Data:      swap.Data,
		Prefix:    sig.Prefix,
		Timeout:   sig.Timeout,
		Signature: sig.Signature,
	}, nil
}

// Start implements Handler.
func (h *FromBtcLnHandler) Start(ctx context.Context) error {
	swaps, err := h.store.LoadSwaps(KindFromBtcLn)
	if err != nil {
		return err
	}
	h.log.Info("loaded swaps", "count", len(swaps))

	go runWatchdog(ctx, h.tick, h.watchdogIteration)
	return nil
}

// HandleEvent implements Handler.
func (h *FromBtcLnHandler) HandleEvent(ctx context.Context, ev *chains.Event) {
	swap, err := h.load(storage.SwapKey{PaymentHash: ev.PaymentHash})
	if err != nil {
		return
	}
	if swap.ChainID != ev.ChainID {
		return
	}

	switch ev.Type {
	case chains.EventInitialize:
		if swap.State != FromBtcLnReceived {
			return
		}
		swap.State = FromBtcLnCommited
		swap.TxIDs.Init = ev.TxHash
		if err := h.save(swap); err != nil {
			h.log.Error("failed to persist commit", "hash", swap.PaymentHash, "error", err)
		}

	case chains.EventClaim:
		swap.Secret = ev.SecretHex
		swap.TxIDs.Claim = ev.TxHash
		h.settleWithSecret(ctx, swap)

	case chains.EventRefund:
		swap.State = FromBtcLnRefunded
		swap.TxIDs.Refund = ev.TxHash
		h.cancelInvoice(ctx, swap)
		h.log.Info("swap refunded", "hash", swap.PaymentHash, "tx", ev.TxHash)
		h.remove(swap)
	}
}

// settleWithSecret settles the hold invoice with the preimage revealed by the
// smart-chain claim. The preimage is already public, so a settle failure is
// only a delay: the swap parks in CLAIMED and the watchdog retries.
func (h *FromBtcLnHandler) settleWithSecret(ctx context.Context, swap *FromBtcLnSwap) {
	preimage, err := hex.DecodeString(swap.Secret)
	if err != nil || len(preimage) != 32 {
		h.log.Error("claim revealed malformed preimage", "hash", swap.PaymentHash)
		return
	}

	if err := h.ln.SettleHoldInvoice(ctx, preimage); err != nil {
		h.log.Error("INVOICE SETTLE FAILED AFTER CLAIM, retrying",
			"hash", swap.PaymentHash, "error", err)
		swap.State = FromBtcLnClaimed
		if serr := h.save(swap); serr != nil {
			h.log.Error("failed to persist claimed state", "hash", swap.PaymentHash, "error", serr)
		}
		return
	}

	swap.State = FromBtcLnSettled
	h.log.Info("invoice settled with revealed preimage", "hash", swap.PaymentHash)
	h.remove(swap)
}

// cancelSwap cancels the invoice and removes the record.
func (h *FromBtcLnHandler) cancelSwap(ctx context.Context, swap *FromBtcLnSwap) {
	swap.State = FromBtcLnCanceled
	h.cancelInvoice(ctx, swap)
	h.remove(swap)
}

func (h *FromBtcLnHandler) cancelInvoice(ctx context.Context, swap *FromBtcLnSwap) {
	hash, err := hex.DecodeString(swap.PaymentHash)
	if err != nil {
		return
	}
	if err := h.ln.CancelHoldInvoice(ctx, hash); err != nil &&
		!errors.Is(err, lightning.ErrInvoiceNotFound) {
		h.log.Error("failed to cancel invoice", "hash", swap.PaymentHash, "error", err)
	}
}

// watchdogIteration reconciles every non-terminal swap.
func (h *FromBtcLnHandler) watchdogIteration(ctx context.Context) {
	now := unixNow(h.clock)

	stored, err := h.store.QuerySwapsByState(KindFromBtcLn,
		int(FromBtcLnCreated), int(FromBtcLnReceived), int(FromBtcLnCommited),
		int(FromBtcLnClaimed), int(FromBtcLnCanceled))
	if err != nil {
		h.log.Error("watchdog query failed", "error", err)
		return
	}

	for _, s := range stored {
		swap, err := h.decode(s)
		if err != nil {
			continue
		}
		contract, cerr := h.resolveChain(swap.ChainID)
		if cerr != nil {
			continue
		}

		switch swap.State {
		case FromBtcLnCreated:
			hash, herr := hex.DecodeString(swap.PaymentHash)
			if herr != nil {
				continue
			}
			status, lerr := h.ln.LookupInvoice(ctx, hash)
			if lerr != nil {
				continue
			}
			switch status.State {
			case lightning.InvoiceAccepted:
				h.htlcReceived(ctx, swap, contract, status)
			case lightning.InvoiceCanceled:
				h.cancelSwap(ctx, swap)
			default:
				if invoice, derr := h.ln.DecodeInvoice(swap.PR); derr == nil &&
					invoice.IsExpired(h.clock.Now()) {
					h.cancelSwap(ctx, swap)
				}
			}

		case FromBtcLnReceived:
			if h.escrowExpired(swap, now) {
				h.refundExpired(ctx, contract, swap)
				continue
			}
			if swap.Auth != nil && now > swap.Auth.Timeout {
				status, serr := contract.GetCommitStatus(ctx, swap.Data)
				if serr != nil {
					continue
				}
				if status == chains.CommitStatusCommitted {
					swap.State = FromBtcLnCommited
					if err := h.save(swap); err != nil {
						h.log.Error("failed to persist commit", "hash", swap.PaymentHash, "error", err)
					}
				} else {
					h.cancelSwap(ctx, swap)
				}
			}

		case FromBtcLnCommited:
			if h.escrowExpired(swap, now) {
				h.refundExpired(ctx, contract, swap)
			}

		case FromBtcLnClaimed:
			h.settleWithSecret(ctx, swap)

		case FromBtcLnCanceled:
			h.cancelInvoice(ctx, swap)
			h.remove(swap)
		}
	}
}

func (h *FromBtcLnHandler) escrowExpired(swap *FromBtcLnSwap, now int64) bool {
	expiry := swap.Data.ExpiryUnix()
	return expiry > 0 && now > expiry+int64(h.baseHandler.cfg.Swaps.GracePeriod)
}

// refundExpired reclaims an expired escrow back into the vault, then cancels
// the invoice so the payer's HTLC is released.
func (h *FromBtcLnHandler) refundExpired(ctx context.Context, contract chains.Contract, swap *FromBtcLnSwap) {
	status, err := contract.GetCommitStatus(ctx, swap.Data)
	if err != nil {
		h.log.Error("commit status check failed", "hash", swap.PaymentHash, "error", err)
		return
	}
	if status == chains.CommitStatusCommitted || status == chains.CommitStatusExpired {
		txid, rerr := contract.Refund(ctx, swap.Data)
		if rerr != nil {
			h.log.Error("refund failed", "hash", swap.PaymentHash, "error", rerr)
			return
		}
		swap.TxIDs.Refund = txid
		h.log.Info("expired escrow refunded", "hash", swap.PaymentHash, "tx", txid)
	}
	swap.State = FromBtcLnRefunded
	h.cancelInvoice(ctx, swap)
	h.remove(swap)
}

func (h *FromBtcLnHandler) save(swap *FromBtcLnSwap) error {
	return saveSwap(h.store, KindFromBtcLn, swap.Key(), swap.ChainID, int(swap.State), swap)
}

func (h *FromBtcLnHandler) load(key storage.SwapKey) (*FromBtcLnSwap, error) {
	stored, err := h.store.GetSwap(KindFromBtcLn, key)
	if err != nil {
		return nil, err
	}
	return h.decode(stored)
}

func (h *FromBtcLnHandler) decode(stored *storage.StoredSwap) (*FromBtcLnSwap, error) {
	swap := &FromBtcLnSwap{}
	if err := json.Unmarshal(stored.Data, swap); err != nil {
		h.log.Error("corrupt swap record", "key", stored.Key.String(), "error", err)
		return nil, err
	}
	return swap, nil
}

func (h *FromBtcLnHandler) remove(swap *FromBtcLnSwap) {
	if err := h.store.DeleteSwap(KindFromBtcLn, swap.Key()); err != nil {
		h.log.Error("failed to remove swap", "hash", swap.PaymentHash, "error", err)
	}
}
