package intermediary

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/crossport-exchange/crossport/internal/chains"
	"github.com/crossport-exchange/crossport/internal/config"
	"github.com/crossport-exchange/crossport/internal/lightning"
	"github.com/crossport-exchange/crossport/internal/prices"
	"github.com/crossport-exchange/crossport/internal/storage"
	"github.com/crossport-exchange/crossport/pkg/helpers"
)

// ToBtcLnHandler pays Lightning invoices gated by a smart-chain HTLC: the
// client escrows tokens, the intermediary pays the invoice and claims the
// escrow with the preimage.
type ToBtcLnHandler struct {
	baseHandler

	ln   lightning.Wallet
	cfg  config.ToBtcLnConfig
	tick ticker.Ticker

	// subscribed de-duplicates past-payment subscriptions by payment hash.
	subMu      sync.Mutex
	subscribed map[string]struct{}
}

// NewToBtcLnHandler creates the Token->Lightning handler.
func NewToBtcLnHandler(deps *Deps) *ToBtcLnHandler {
	return &ToBtcLnHandler{
		baseHandler: newBase(deps, "tobtcln"),
		ln:          deps.Lightning,
		cfg:         deps.Config.Swaps.ToBtcLn,
		tick:        ticker.New(deps.Config.Swaps.SwapCheckInterval),
		subscribed:  make(map[string]struct{}),
	}
}

// NewToBtcLnHandlerWithTicker is NewToBtcLnHandler with an injected watchdog
// ticker.
func NewToBtcLnHandlerWithTicker(deps *Deps, t ticker.Ticker) *ToBtcLnHandler {
	h := NewToBtcLnHandler(deps)
	h.tick = t
	return h
}

func (h *ToBtcLnHandler) Kind() string { return KindToBtcLn }

// Info implements Handler.
func (h *ToBtcLnHandler) Info() *HandlerInfo {
	return &HandlerInfo{
		SwapFeePPM:  h.cfg.FeePPM,
		SwapBaseFee: h.cfg.BaseFeeSats,
		Min:         h.cfg.MinSats,
		Max:         h.cfg.MaxSats,
		Chains:      h.tokenChains(),
		Data: map[string]any{
			"minSendCltv":   h.cfg.MinSendCltv,
			"maxUsableCltv": h.cfg.MaxUsableCltv,
		},
	}
}

// minTimeBudget is the minimum seconds the escrow must outlive the request:
// grace period plus the CLTV budget converted to worst-case block time.
func (h *ToBtcLnHandler) minTimeBudget() int64 {
	swaps := h.cfg
	global := h.baseHandler.cfg.Swaps
	return int64(global.GracePeriod + global.BitcoinBlocktime*swaps.MinSendCltv*global.SafetyFactor)
}

// PayInvoiceRequest is the body of POST /ln/payInvoice.
type PayInvoiceRequest struct {
	Chain           string `json:"chain,omitempty"`
	PR              string `json:"pr"`
	MaxFee          uint64 `json:"maxFee"`
	ExpiryTimestamp int64  `json:"expiryTimestamp"`
	Token           string `json:"token"`
	Offerer         string `json:"offerer"`
}

// PayInvoiceResponse is the success payload of POST /ln/payInvoice. Amounts
// are in token units.
type PayInvoiceResponse struct {
	MaxFee     *helpers.BigInt  `json:"maxFee"`
	SwapFee    *helpers.BigInt  `json:"swapFee"`
	Total      *helpers.BigInt  `json:"total"`
	Confidence float64          `json:"confidence"`
	Address    string           `json:"address"`
	Data       *chains.SwapData `json:"data"`
	Prefix     string           `json:"prefix"`
	Timeout    int64            `json:"timeout"`
	Signature  string           `json:"signature"`
}

// PayInvoice quotes and authorizes a Token->Lightning swap.
func (h *ToBtcLnHandler) PayInvoice(ctx context.Context, req *PayInvoiceRequest, rawReq json.RawMessage) (*PayInvoiceResponse, *Error) {
	meta := NewMetadata(rawReq)
	meta.Mark(h.clock, "requestReceived")

	contract, cerr := h.resolveChain(req.Chain)
	if cerr != nil {
		return nil, cerr
	}
	if terr := h.checkToken(contract, req.Token); terr != nil {
		return nil, terr
	}

	invoice, err := h.ln.DecodeInvoice(req.PR)
	if err != nil {
		return nil, NewError(CodeInvalidBody, "malformed payment request")
	}
	now := h.clock.Now()
	if invoice.IsExpired(now) {
		return nil, NewError(CodeInvalidBody, "invoice expired")
	}
	if invoice.AmountMsat <= 0 {
		return nil, NewError(CodeInvalidBody, "zero-amount invoices not supported")
	}
	amountSats := uint64(invoice.AmountMsat / 1000)
	paymentHash := helpers.BytesToHex(invoice.PaymentHash)

	if req.ExpiryTimestamp-now.Unix() < h.minTimeBudget() {
		return nil, NewError(CodeNotEnoughTime, "not enough time to safely swap")
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

	amountSats, berr := h.checkBounds(ctx, amountSats, h.cfg.MinSats, h.cfg.MaxSats, contract.ChainID(), req.Token, pricePre)
	if berr != nil {
		return nil, berr
	}
	meta.Mark(h.clock, "amountsChecked")

	// One swap per payment hash, ever.
	if _, err := h.store.GetSwap(KindToBtcLn, storage.SwapKey{PaymentHash: paymentHash}); err == nil {
		return nil, NewError(CodeSwapAlreadyExists, "swap already exists for this payment hash")
	}
	if _, err := h.ln.GetPayment(ctx, invoice.PaymentHash); err == nil {
		return nil, NewError(CodeSwapAlreadyExists, "payment already attempted for this hash")
	} else if !errors.Is(err, lightning.ErrPaymentNotFound) {
		return nil, &Error{Code: CodePluginMessage, Msg: "payment lookup failed", HTTPStatus: 500}
	}

	nodeInfo, err := h.ln.GetInfo(ctx)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "lightning node unavailable", HTTPStatus: 500}
	}
	maxTimeoutHeight := int32(nodeInfo.BlockHeight) + int32(h.cfg.MaxUsableCltv)

	probe, err := h.ln.ProbeRoute(ctx, invoice, int64(req.MaxFee)*1000, maxTimeoutHeight)
	if err != nil {
		if errors.Is(err, lightning.ErrNoRoute) {
			return nil, NewError(CodeNotEnoughTime, "no route found")
		}
		return nil, &Error{Code: CodePluginMessage, Msg: "route probing failed", HTTPStatus: 500}
	}
	meta.Mark(h.clock, "routeProbed")

	swapFeeSats := SwapFeeSats(h.cfg.BaseFeeSats, h.cfg.FeePPM, amountSats)
	chainID := contract.ChainID()

	amountInToken, err := h.oracle.GetFromBtcSwapAmount(group.Context(), new(big.Int).SetUint64(amountSats), chainID, req.Token, true, pricePre)
	if err != nil {
		return nil, h.oracleError(err)
	}
	swapFeeInToken, err := h.oracle.GetFromBtcSwapAmount(group.Context(), new(big.Int).SetUint64(swapFeeSats), chainID, req.Token, true, pricePre)
	if err != nil {
		return nil, h.oracleError(err)
	}
	maxFeeInToken, err := h.oracle.GetFromBtcSwapAmount(group.Context(), new(big.Int).SetUint64(req.MaxFee), chainID, req.Token, true, pricePre)
	if err != nil {
		return nil, h.oracleError(err)
	}
	meta.Mark(h.clock, "priceCalculated")

	total := new(big.Int).Add(amountInToken, swapFeeInToken)
	total.Add(total, maxFeeInToken)

	balance, err := balanceTask.Await(ctx)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "balance check failed", HTTPStatus: 500}
	}
	_ = balance // the client funds this direction; logged for accounting only
	meta.Mark(h.clock, "balanceChecked")

	data := &chains.SwapData{
		Type:            chains.SwapTypeHTLC,
		Offerer:         req.Offerer,
		Claimer:         contract.Address(),
		Token:           req.Token,
		Amount:          helpers.Wrap(total),
		PaymentHash:     paymentHash,
		Expiry:          helpers.NewBigInt(req.ExpiryTimestamp),
		PayIn:           true,
		SecurityDeposit: helpers.NewBigInt(0),
		ClaimerBounty:   helpers.NewBigInt(0),
		Nonce:           helpers.NewBigInt(0),
	}

	sig, err := contract.GetInitSignature(ctx, data, time.Duration(h.cfg.AuthorizationTimeout)*time.Second)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "failed to sign authorization", HTTPStatus: 500}
	}
	meta.Mark(h.clock, "swapSigned")

	swap := &ToBtcLnSwap{
		SwapCommon: SwapCommon{
			ChainID:        chainID,
			Data:           data,
			Metadata:       meta,
			SwapFeeSats:    swapFeeSats,
			SwapFeeInToken: helpers.Wrap(swapFeeInToken),
		},
		State:                   ToBtcLnSaved,
		PaymentHash:             paymentHash,
		PR:                      req.PR,
		SignatureExpiry:         sig.Timeout,
		QuotedNetworkFeeSats:    req.MaxFee,
		QuotedNetworkFeeInToken: helpers.Wrap(maxFeeInToken),
	}
	if err := h.save(swap); err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "failed to persist swap", HTTPStatus: 500}
	}

	h.log.Info("quoted lightning payout",
		"hash", paymentHash, "amount", amountSats, "maxFee", req.MaxFee, "confidence", probe.Confidence)

	return &PayInvoiceResponse{
		MaxFee:     helpers.Wrap(maxFeeInToken),
		SwapFee:    helpers.Wrap(swapFeeInToken),
		Total:      helpers.Wrap(total),
		Confidence: probe.Confidence,
		Address:    contract.Address(),
		Data:       data,
		Prefix:     sig.Prefix,
		Timeout:    sig.Timeout,
		Signature:  sig.Signature,
	}, nil
}

// RefundAuthorizationRequest is the body of POST /ln/getRefundAuthorization.
type RefundAuthorizationRequest struct {
	PaymentHash string `json:"paymentHash"`
}

// RefundAuthorizationResponse is the success payload; Secret is set when the
// payment already settled (code 20006).
type RefundAuthorizationResponse struct {
	Address   string `json:"address,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Timeout   int64  `json:"timeout,omitempty"`
	Signature string `json:"signature,omitempty"`
	Secret    string `json:"secret,omitempty"`
}

// GetRefundAuthorization issues a cooperative refund signature when the
// Lightning payment can no longer succeed.
func (h *ToBtcLnHandler) GetRefundAuthorization(ctx context.Context, req *RefundAuthorizationRequest) (*RefundAuthorizationResponse, *Error) {
	if !helpers.IsHex(req.PaymentHash) || len(req.PaymentHash) != 64 {
		return nil, NewError(CodeInvalidBody, "invalid payment hash")
	}

	swap, err := h.load(storage.SwapKey{PaymentHash: req.PaymentHash})
	if err != nil {
		return nil, NewError(CodeSwapNotFound, "swap not found")
	}
	contract, cerr := h.resolveChain(swap.ChainID)
	if cerr != nil {
		return nil, cerr
	}

	if swap.State != ToBtcLnNonPayable {
		hash, _ := hex.DecodeString(req.PaymentHash)
		payment, perr := h.ln.GetPayment(ctx, hash)
		if perr == nil {
			switch payment.Status {
			case lightning.PaymentInFlight:
				return nil, NewError(CodePaymentInFlight, "payment in flight")
			case lightning.PaymentSucceeded:
				return &RefundAuthorizationResponse{Secret: payment.PreimageHex},
					NewError(CodeAlreadyPaid, "invoice already paid")
			}
		} else if !errors.Is(perr, lightning.ErrPaymentNotFound) {
			return nil, &Error{Code: CodePluginMessage, Msg: "payment lookup failed", HTTPStatus: 500}
		}
	}

	status, err := contract.GetCommitStatus(ctx, swap.Data)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "commit status check failed", HTTPStatus: 500}
	}
	if status != chains.CommitStatusCommitted {
		return nil, NewError(CodeNotCommitted, "swap not committed")
	}

	sig, err := contract.GetRefundSignature(ctx, swap.Data)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "failed to sign refund", HTTPStatus: 500}
	}
	return &RefundAuthorizationResponse{
		Address:   sig.Address,
		Prefix:    sig.Prefix,
		Timeout:   sig.Timeout,
		Signature: sig.Signature,
	}, nil
}

// Start implements Handler.
func (h *ToBtcLnHandler) Start(ctx context.Context) error {
	swaps, err := h.store.LoadSwaps(KindToBtcLn)
	if err != nil {
		return err
	}
	h.log.Info("loaded swaps", "count", len(swaps))

	go runWatchdog(ctx, h.tick, h.watchdogIteration)
	return nil
}

// HandleEvent implements Handler.
func (h *ToBtcLnHandler) HandleEvent(ctx context.Context, ev *chains.Event) {
	swap, err := h.load(storage.SwapKey{PaymentHash: ev.PaymentHash})
	if err != nil {
		return
	}
	if swap.ChainID != ev.ChainID {
		return
	}

	switch ev.Type {
	case chains.EventInitialize:
		if swap.State != ToBtcLnSaved {
			return
		}
		swap.State = ToBtcLnCommited
		swap.TxIDs.Init = ev.TxHash
		if err := h.save(swap); err != nil {
			h.log.Error("failed to persist commit", "hash", swap.PaymentHash, "error", err)
			return
		}
		h.processInitialized(ctx, swap)

	case chains.EventClaim:
		swap.TxIDs.Claim = ev.TxHash
		h.log.Info("swap claimed", "hash", swap.PaymentHash, "tx", ev.TxHash)
		h.remove(swap)

	case chains.EventRefund:
		swap.State = ToBtcLnRefunded
		swap.TxIDs.Refund = ev.TxHash
		h.log.Info("swap refunded", "hash", swap.PaymentHash, "tx", ev.TxHash)
		h.remove(swap)
	}
}

// processInitialized drives a committed swap towards payment: dispatches the
// LN payment when none exists, otherwise follows the existing one. Safe to
// re-run; the watchdog calls it after restarts and missed events.
func (h *ToBtcLnHandler) processInitialized(ctx context.Context, swap *ToBtcLnSwap) {
	unlock := h.locks.TryLock(swap.Key().String(), swapLockLease)
	if unlock == nil {
		return
	}
	defer unlock.Release()

	hash, err := hex.DecodeString(swap.PaymentHash)
	if err != nil {
		h.log.Error("corrupt payment hash", "hash", swap.PaymentHash)
		return
	}

	payment, perr := h.ln.GetPayment(ctx, hash)
	switch {
	case perr == nil && payment.Status == lightning.PaymentSucceeded:
		h.finishPaid(ctx, swap, payment)
		return
	case perr == nil && payment.Status == lightning.PaymentInFlight:
		h.subscribePayment(ctx, swap, hash)
		return
	case perr == nil && payment.Status == lightning.PaymentFailed:
		// Stays COMMITED; the client collects a refund authorization once
		// the escrow allows it.
		h.log.Warn("lightning payment failed", "hash", swap.PaymentHash, "reason", payment.FailureReason)
		return
	case !errors.Is(perr, lightning.ErrPaymentNotFound):
		h.log.Error("payment lookup failed", "hash", swap.PaymentHash, "error", perr)
		return
	}

	if swap.State != ToBtcLnCommited {
		return
	}

	// Never dispatched yet; re-check the time budget before first send.
	if swap.Data.ExpiryUnix()-unixNow(h.clock) < h.minTimeBudget() {
		swap.State = ToBtcLnNonPayable
		if err := h.save(swap); err != nil {
			h.log.Error("failed to persist non-payable", "hash", swap.PaymentHash, "error", err)
		}
		h.log.Warn("swap committed too late to pay", "hash", swap.PaymentHash)
		return
	}

	nodeInfo, err := h.ln.GetInfo(ctx)
	if err != nil {
		h.log.Error("node info unavailable", "hash", swap.PaymentHash, "error", err)
		return
	}

	err = h.ln.PayInvoice(ctx, &lightning.PaymentParams{
		PaymentRequest:   swap.PR,
		MaxFeeMsat:       int64(swap.QuotedNetworkFeeSats) * 1000,
		MaxTimeoutHeight: int32(nodeInfo.BlockHeight) + int32(h.cfg.MaxUsableCltv),
	})
	if err != nil {
		h.log.Error("payment dispatch failed", "hash", swap.PaymentHash, "error", err)
		return
	}
	h.log.Info("lightning payment dispatched", "hash", swap.PaymentHash)
	h.subscribePayment(ctx, swap, hash)
}

// subscribePayment tracks an in-flight payment to its terminal state. At
// most one subscription runs per payment hash.
func (h *ToBtcLnHandler) subscribePayment(ctx context.Context, swap *ToBtcLnSwap, hash []byte) {
	h.subMu.Lock()
	if _, ok := h.subscribed[swap.PaymentHash]; ok {
		h.subMu.Unlock()
		return
	}
	h.subscribed[swap.PaymentHash] = struct{}{}
	h.subMu.Unlock()

	updates, err := h.ln.TrackPayment(ctx, hash)
	if err != nil {
		h.subMu.Lock()
		delete(h.subscribed, swap.PaymentHash)
		h.subMu.Unlock()
		h.log.Error("payment tracking failed", "hash", swap.PaymentHash, "error", err)
		return
	}

	go func() {
		defer func() {
			h.subMu.Lock()
			delete(h.subscribed, swap.PaymentHash)
			h.subMu.Unlock()
		}()
		for result := range updates {
			switch result.Status {
			case lightning.PaymentSucceeded:
				h.finishPaid(ctx, swap, result)
				return
			case lightning.PaymentFailed:
				h.log.Warn("lightning payment failed",
					"hash", swap.PaymentHash, "reason", result.FailureReason)
				return
			}
		}
	}()
}

// finishPaid records the settled payment and claims the escrow with the
// preimage. A claim failure after the payment settled means the intermediary
// paid Bitcoin without (yet) collecting tokens: logged loudly, retried by
// the watchdog from PAID.
func (h *ToBtcLnHandler) finishPaid(ctx context.Context, swap *ToBtcLnSwap, payment *lightning.PaymentResult) {
	swap.Secret = payment.PreimageHex
	swap.RealNetworkFeeSats = uint64(payment.FeeMsat / 1000)
	if fee, err := h.oracle.GetFromBtcSwapAmount(ctx,
		new(big.Int).SetUint64(swap.RealNetworkFeeSats), swap.ChainID, swap.Data.Token, false, nil); err == nil {
		swap.RealNetworkFeeInToken = helpers.Wrap(fee)
	}
	swap.State = ToBtcLnPaid
	if err := h.save(swap); err != nil {
		h.log.Error("failed to persist paid state", "hash", swap.PaymentHash, "error", err)
		return
	}
	h.claimPaid(ctx, swap)
}

func (h *ToBtcLnHandler) claimPaid(ctx context.Context, swap *ToBtcLnSwap) {
	contract, cerr := h.resolveChain(swap.ChainID)
	if cerr != nil {
		h.log.Error("chain gone for paid swap", "hash", swap.PaymentHash, "chain", swap.ChainID)
		return
	}

	secret, err := hex.DecodeString(swap.Secret)
	if err != nil {
		h.log.Error("corrupt preimage on paid swap", "hash", swap.PaymentHash)
		return
	}

	txid, err := contract.ClaimWithSecret(ctx, swap.Data, secret)
	if err != nil {
		h.log.Error("CLAIM FAILED AFTER LIGHTNING SETTLE, funds at risk",
			"hash", swap.PaymentHash, "chain", swap.ChainID, "error", err)
		return
	}

	swap.State = ToBtcLnClaimed
	swap.TxIDs.Claim = txid
	h.log.Info("escrow claimed with preimage", "hash", swap.PaymentHash, "tx", txid)
	h.remove(swap)
}

// watchdogIteration reconciles every non-terminal swap.
func (h *ToBtcLnHandler) watchdogIteration(ctx context.Context) {
	now := unixNow(h.clock)

	saved, err := h.store.QuerySwapsByState(KindToBtcLn, int(ToBtcLnSaved))
	if err != nil {
		h.log.Error("watchdog query failed", "error", err)
		return
	}
	for _, stored := range saved {
		swap, err := h.decode(stored)
		if err != nil {
			continue
		}
		expired := swap.SignatureExpiry > 0 && now > swap.SignatureExpiry
		if !expired {
			if invoice, derr := h.ln.DecodeInvoice(swap.PR); derr == nil {
				expired = invoice.IsExpired(h.clock.Now())
			}
		}
		if expired {
			h.log.Debug("pruning expired quote", "hash", swap.PaymentHash)
			h.remove(swap)
		}
	}

	active, err := h.store.QuerySwapsByState(KindToBtcLn, int(ToBtcLnCommited), int(ToBtcLnPaid))
	if err != nil {
		h.log.Error("watchdog query failed", "error", err)
		return
	}
	for _, stored := range active {
		swap, err := h.decode(stored)
		if err != nil {
			continue
		}
		if swap.State == ToBtcLnPaid {
			h.claimPaid(ctx, swap)
			continue
		}
		h.processInitialized(ctx, swap)
	}
}

func (h *ToBtcLnHandler) save(swap *ToBtcLnSwap) error {
	return saveSwap(h.store, KindToBtcLn, swap.Key(), swap.ChainID, int(swap.State), swap)
}

func (h *ToBtcLnHandler) load(key storage.SwapKey) (*ToBtcLnSwap, error) {
	stored, err := h.store.GetSwap(KindToBtcLn, key)
	if err != nil {
		return nil, err
	}
	return h.decode(stored)
}

func (h *ToBtcLnHandler) decode(stored *storage.StoredSwap) (*ToBtcLnSwap, error) {
	swap := &ToBtcLnSwap{}
	if err := json.Unmarshal(stored.Data, swap); err != nil {
		h.log.Error("corrupt swap record", "key", stored.Key.String(), "error", err)
		return nil, err
	}
	return swap, nil
}

func (h *ToBtcLnHandler) remove(swap *ToBtcLnSwap) {
	if err := h.store.DeleteSwap(KindToBtcLn, swap.Key()); err != nil {
		h.log.Error("failed to remove swap", "hash", swap.PaymentHash, "error", err)
	}
}
