package intermediary

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/crossport-exchange/crossport/internal/btc"
	"github.com/crossport-exchange/crossport/internal/btcwallet"
	"github.com/crossport-exchange/crossport/internal/chains"
	"github.com/crossport-exchange/crossport/internal/config"
	"github.com/crossport-exchange/crossport/internal/prices"
	"github.com/crossport-exchange/crossport/internal/storage"
	"github.com/crossport-exchange/crossport/pkg/helpers"
)

// quoteLifetime bounds how long an uncommitted quote stays redeemable.
const quoteLifetime = 60 * time.Second

// feeBumpNumerator/Denominator raise the fee rate 10% per broadcast retry.
const (
	feeBumpNumerator   = 11
	feeBumpDenominator = 10
	maxBroadcastTries  = 5
)

// ToBtcHandler pays on-chain Bitcoin gated by a smart-chain escrow: the
// client escrows tokens bound to (outputScript, amount, nonce), the
// intermediary broadcasts the payout and claims the escrow with a Merkle
// inclusion proof of the confirmed transaction.
type ToBtcHandler struct {
	baseHandler

	wallet *btcwallet.Wallet
	rpc    btc.Rpc
	cfg    config.ToBtcConfig
	params *chaincfg.Params
	tick   ticker.Ticker

	quoteMu sync.Mutex
	quotes  map[string]*pendingQuote
}

type pendingQuote struct {
	req            GetQuoteRequest
	amountSats     uint64
	swapFeeSats    uint64
	networkFeeSats uint64
	satsPerVbyte   float64
	total          *big.Int
	swapFeeToken   *big.Int
	networkFeeTok  *big.Int
	chainID        string
	expires        time.Time
}

// NewToBtcHandler creates the Token->on-chain-BTC handler.
func NewToBtcHandler(deps *Deps) *ToBtcHandler {
	return &ToBtcHandler{
		baseHandler: newBase(deps, "tobtc"),
		wallet:      deps.BtcWallet,
		rpc:         deps.BtcRpc,
		cfg:         deps.Config.Swaps.ToBtc,
		params:      netParams(deps.Config.NetworkType),
		tick:        ticker.New(deps.Config.Swaps.ToBtc.TxCheckInterval),
		quotes:      make(map[string]*pendingQuote),
	}
}

// NewToBtcHandlerWithTicker is NewToBtcHandler with an injected watchdog
// ticker.
func NewToBtcHandlerWithTicker(deps *Deps, t ticker.Ticker) *ToBtcHandler {
	h := NewToBtcHandler(deps)
	h.tick = t
	return h
}

// netParams maps the configured network onto chain parameters.
func netParams(t config.NetworkType) *chaincfg.Params {
	switch t {
	case config.Testnet:
		return &chaincfg.TestNet3Params
	case config.Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

func (h *ToBtcHandler) Kind() string { return KindToBtc }

// Info implements Handler.
func (h *ToBtcHandler) Info() *HandlerInfo {
	return &HandlerInfo{
		SwapFeePPM:  h.cfg.FeePPM,
		SwapBaseFee: h.cfg.BaseFeeSats,
		Min:         h.cfg.MinSats,
		Max:         h.cfg.MaxSats,
		Chains:      h.tokenChains(),
		Data: map[string]any{
			"minConfirmations": h.cfg.MinConfirmations,
			"maxConfirmations": h.cfg.MaxConfirmations,
			"minConfTarget":    h.cfg.MinConfTarget,
			"maxConfTarget":    h.cfg.MaxConfTarget,
		},
	}
}

// GetQuoteRequest is the body of POST /onchain/getQuote.
type GetQuoteRequest struct {
	Chain              string `json:"chain,omitempty"`
	Address            string `json:"address"`
	Amount             uint64 `json:"amount"`
	ConfirmationTarget uint32 `json:"confirmationTarget"`
	Confirmations      uint32 `json:"confirmations"`
	ExpiryTimestamp    int64  `json:"expiryTimestamp"`
	Token              string `json:"token"`
	Offerer            string `json:"offerer"`
	// MaxNetworkFee caps fee bumping, sats. Zero means twice the quote.
	MaxNetworkFee uint64 `json:"maxNetworkFee,omitempty"`
}

// GetQuoteResponse is the success payload of POST /onchain/getQuote.
type GetQuoteResponse struct {
	QuoteID      string          `json:"quoteId"`
	Amount       uint64          `json:"amount"`
	NetworkFee   *helpers.BigInt `json:"networkFee"`
	SwapFee      *helpers.BigInt `json:"swapFee"`
	Total        *helpers.BigInt `json:"total"`
	SatsPerVbyte float64         `json:"satsPerVbyte"`
}

// GetQuote prices an on-chain payout: runs coin selection against the live
// UTXO set to estimate the network fee, then converts everything into token
// units. The quote is held in memory until committed or expired.
func (h *ToBtcHandler) GetQuote(ctx context.Context, req *GetQuoteRequest) (*GetQuoteResponse, *Error) {
	contract, cerr := h.resolveChain(req.Chain)
	if cerr != nil {
		return nil, cerr
	}
	if terr := h.checkToken(contract, req.Token); terr != nil {
		return nil, terr
	}
	if req.Confirmations < h.cfg.MinConfirmations || req.Confirmations > h.cfg.MaxConfirmations {
		return nil, NewError(CodeInvalidBody, "confirmations out of range")
	}
	if req.ConfirmationTarget < h.cfg.MinConfTarget || req.ConfirmationTarget > h.cfg.MaxConfTarget {
		return nil, NewError(CodeInvalidBody, "confirmation target out of range")
	}

	outputScript, err := h.wallet.AddressToScript(req.Address)
	if err != nil {
		return nil, NewError(CodeInvalidBody, "invalid bitcoin address")
	}

	now := h.clock.Now()
	minBudget := h.minTimeBudget(req.ConfirmationTarget, req.Confirmations)
	if req.ExpiryTimestamp-now.Unix() < minBudget {
		return nil, NewError(CodeNotEnoughTime, "not enough time to safely swap")
	}

	group := NewPrefetchGroup(ctx)
	defer group.Cancel()
	var pricePre *prices.Prefetch
	if info, terr := h.oracle.GetTokenData(contract.ChainID(), req.Token); terr == nil {
		pricePre = h.oracle.PreFetchPrice(group.Context(), info)
	}
	feeTask := Prefetch(group, func(ctx context.Context) (*btc.FeeEstimate, error) {
		return h.rpc.GetFeeEstimate(ctx)
	})

	amountSats, berr := h.checkBounds(ctx, req.Amount, h.cfg.MinSats, h.cfg.MaxSats, contract.ChainID(), req.Token, pricePre)
	if berr != nil {
		return nil, berr
	}

	feeEstimate, err := feeTask.Await(ctx)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "fee estimation failed", HTTPStatus: 500}
	}
	satsPerVbyte := feeEstimate.SatsPerVbyte(int(req.ConfirmationTarget))

	utxos, err := h.wallet.GetSpendableUTXOs(ctx, 1)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "wallet unavailable", HTTPStatus: 500}
	}
	selection, err := btcwallet.SelectCoins(utxos, nil, amountSats, satsPerVbyte,
		btcwallet.OutputVBytes(outputScript), h.cfg.RandomizeCoinSelection)
	if err != nil {
		if errors.Is(err, btcwallet.ErrInsufficientFunds) {
			return nil, NewError(CodeNotEnoughLiquidity, "not enough on-chain liquidity")
		}
		return nil, &Error{Code: CodePluginMessage, Msg: "coin selection failed", HTTPStatus: 500}
	}
	networkFeeSats := selection.Fee

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
	networkFeeInToken, err := h.oracle.GetFromBtcSwapAmount(group.Context(), new(big.Int).SetUint64(networkFeeSats), chainID, req.Token, true, pricePre)
	if err != nil {
		return nil, h.oracleError(err)
	}

	total := new(big.Int).Add(amountInToken, swapFeeInToken)
	total.Add(total, networkFeeInToken)

	quote := &pendingQuote{
		req:            *req,
		amountSats:     amountSats,
		swapFeeSats:    swapFeeSats,
		networkFeeSats: networkFeeSats,
		satsPerVbyte:   satsPerVbyte,
		total:          total,
		swapFeeToken:   swapFeeInToken,
		networkFeeTok:  networkFeeInToken,
		chainID:        chainID,
		expires:        now.Add(quoteLifetime),
	}
	quoteID := uuid.NewString()

	h.quoteMu.Lock()
	for id, q := range h.quotes {
		if now.After(q.expires) {
			delete(h.quotes, id)
		}
	}
	h.quotes[quoteID] = quote
	h.quoteMu.Unlock()

	h.log.Info("quoted on-chain payout",
		"quote", quoteID, "amount", amountSats, "networkFee", networkFeeSats, "rate", satsPerVbyte)

	return &GetQuoteResponse{
		QuoteID:      quoteID,
		Amount:       amountSats,
		NetworkFee:   helpers.Wrap(networkFeeInToken),
		SwapFee:      helpers.Wrap(swapFeeInToken),
		Total:        helpers.Wrap(total),
		SatsPerVbyte: satsPerVbyte,
	}, nil
}

// GetQuoteCommitRequest is the body of POST /onchain/getQuoteCommit.
type GetQuoteCommitRequest struct {
	QuoteID string `json:"quoteId"`
}

// GetQuoteCommitResponse is the success payload of POST /onchain/getQuoteCommit.
type GetQuoteCommitResponse struct {
	Amount     uint64           `json:"amount"`
	NetworkFee *helpers.BigInt  `json:"networkFee"`
	SwapFee    *helpers.BigInt  `json:"swapFee"`
	Total      *helpers.BigInt  `json:"total"`
	Address    string           `json:"address"`
	Data       *chains.SwapData `json:"data"`
	Prefix     string           `json:"prefix"`
	Timeout    int64            `json:"timeout"`
	Signature  string           `json:"signature"`
}

// GetQuoteCommit turns a pending quote into a signed, persisted swap. The
// swap nonce is minted here and bound into the payment hash, so the payout
// transaction's locktime proves which swap it serves.
func (h *ToBtcHandler) GetQuoteCommit(ctx context.Context, req *GetQuoteCommitRequest, rawReq json.RawMessage) (*GetQuoteCommitResponse, *Error) {
	h.quoteMu.Lock()
	quote, ok := h.quotes[req.QuoteID]
	if ok {
		delete(h.quotes, req.QuoteID)
	}
	h.quoteMu.Unlock()
	if !ok || h.clock.Now().After(quote.expires) {
		return nil, NewError(CodeSwapNotFound, "quote not found or expired")
	}

	contract, cerr := h.resolveChain(quote.chainID)
	if cerr != nil {
		return nil, cerr
	}
	outputScript, err := h.wallet.AddressToScript(quote.req.Address)
	if err != nil {
		return nil, NewError(CodeInvalidBody, "invalid bitcoin address")
	}

	nonce, err := btcwallet.NewNonce(h.clock.Now())
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "nonce generation failed", HTTPStatus: 500}
	}

	nonceBig := new(big.Int).SetUint64(nonce)
	paymentHash := helpers.BytesToHex(contract.GetHashForOnchain(
		outputScript, new(big.Int).SetUint64(quote.amountSats), nonceBig))

	if _, err := h.store.GetSwap(KindToBtc, storage.SwapKey{PaymentHash: paymentHash}); err == nil {
		return nil, NewError(CodeSwapAlreadyExists, "swap already exists for this payment hash")
	}

	data := &chains.SwapData{
		Type:            chains.SwapTypeChainNonced,
		Offerer:         quote.req.Offerer,
		Claimer:         contract.Address(),
		Token:           quote.req.Token,
		Amount:          helpers.Wrap(quote.total),
		PaymentHash:     paymentHash,
		Expiry:          helpers.NewBigInt(quote.req.ExpiryTimestamp),
		PayIn:           true,
		SecurityDeposit: helpers.NewBigInt(0),
		ClaimerBounty:   helpers.NewBigInt(0),
		Nonce:           helpers.Wrap(nonceBig),
		Confirmations:   quote.req.Confirmations,
	}

	sig, err := contract.GetInitSignature(ctx, data, time.Duration(h.cfg.AuthorizationTimeout)*time.Second)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "failed to sign authorization", HTTPStatus: 500}
	}

	maxNetworkFee := quote.req.MaxNetworkFee
	if maxNetworkFee == 0 {
		maxNetworkFee = quote.networkFeeSats * 2
	}

	meta := NewMetadata(rawReq)
	meta.Mark(h.clock, "swapCreated")

	swap := &ToBtcSwap{
		SwapCommon: SwapCommon{
			ChainID:        quote.chainID,
			Data:           data,
			Metadata:       meta,
			SwapFeeSats:    quote.swapFeeSats,
			SwapFeeInToken: helpers.Wrap(quote.swapFeeToken),
		},
		State:                   ToBtcSaved,
		PaymentHash:             paymentHash,
		Address:                 quote.req.Address,
		AmountSats:              quote.amountSats,
		SatsPerVbyte:            quote.satsPerVbyte,
		MaxNetworkFeeSats:       maxNetworkFee,
		Nonce:                   nonce,
		PreferredConfTarget:     quote.req.ConfirmationTarget,
		RequiredConfirmations:   quote.req.Confirmations,
		SignatureExpiry:         sig.Timeout,
		QuotedNetworkFeeSats:    quote.networkFeeSats,
		QuotedNetworkFeeInToken: helpers.Wrap(quote.networkFeeTok),
	}
	if err := h.save(swap); err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "failed to persist swap", HTTPStatus: 500}
	}

	h.log.Info("committed on-chain payout quote",
		"hash", paymentHash, "amount", quote.amountSats, "nonce", nonce)

	return &GetQuoteCommitResponse{
		Amount:     quote.amountSats,
		NetworkFee: helpers.Wrap(quote.networkFeeTok),
		SwapFee:    helpers.Wrap(quote.swapFeeToken),
		Total:      helpers.Wrap(quote.total),
		Address:    contract.Address(),
		Data:       data,
		Prefix:     sig.Prefix,
		Timeout:    sig.Timeout,
		Signature:  sig.Signature,
	}, nil
}

// GetRefundAuthorization issues a cooperative refund signature when the
// Bitcoin payout can no longer happen.
func (h *ToBtcHandler) GetRefundAuthorization(ctx context.Context, req *RefundAuthorizationRequest) (*RefundAuthorizationResponse, *Error) {
	if !helpers.IsHex(req.PaymentHash) || len(req.PaymentHash) != 64 {
		return nil, NewError(CodeInvalidBody, "invalid payment hash")
	}

	swap, err := h.load(storage.SwapKey{PaymentHash: req.PaymentHash})
	if err != nil {
		return nil, NewError(CodeSwapNotFound, "swap not found")
	}

	switch swap.State {
	case ToBtcSending, ToBtcSent:
		return nil, NewError(CodePaymentInFlight, "bitcoin payment in flight")
	case ToBtcClaimed:
		return nil, NewError(CodeAlreadyPaid, "swap already claimed")
	}

	contract, cerr := h.resolveChain(swap.ChainID)
	if cerr != nil {
		return nil, cerr
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

// minTimeBudget is the seconds the escrow must outlive the quote: grace plus
// worst-case confirmation time of the payout and its claim proof.
func (h *ToBtcHandler) minTimeBudget(confTarget, confirmations uint32) int64 {
	global := h.baseHandler.cfg.Swaps
	blocks := uint64(confTarget) + uint64(confirmations)
	return int64(global.GracePeriod + global.BitcoinBlocktime*blocks*global.SafetyFactor)
}

// Start implements Handler.
func (h *ToBtcHandler) Start(ctx context.Context) error {
	swaps, err := h.store.LoadSwaps(KindToBtc)
	if err != nil {
		return err
	}
	h.log.Info("loaded swaps", "count", len(swaps))

	go runWatchdog(ctx, h.tick, h.watchdogIteration)
	return nil
}

// HandleEvent implements Handler.
func (h *ToBtcHandler) HandleEvent(ctx context.Context, ev *chains.Event) {
	swap, err := h.load(storage.SwapKey{PaymentHash: ev.PaymentHash})
	if err != nil {
		return
	}
	if swap.ChainID != ev.ChainID {
		return
	}

	switch ev.Type {
	case chains.EventInitialize:
		if swap.State != ToBtcSaved {
			return
		}
		swap.State = ToBtcCommited
		swap.TxIDs.Init = ev.TxHash
		if err := h.save(swap); err != nil {
			h.log.Error("failed to persist commit", "hash", swap.PaymentHash, "error", err)
			return
		}
		h.sendBitcoin(ctx, swap)

	case chains.EventClaim:
		swap.TxIDs.Claim = ev.TxHash
		h.log.Info("swap claimed", "hash", swap.PaymentHash, "tx", ev.TxHash)
		h.remove(swap)

	case chains.EventRefund:
		swap.State = ToBtcRefunded
		swap.TxIDs.Refund = ev.TxHash
		h.log.Info("swap refunded", "hash", swap.PaymentHash, "tx", ev.TxHash)
		h.remove(swap)
	}
}

// sendBitcoin builds, signs, and broadcasts the payout. Broadcast failures
// retry with a bumped fee rate bounded by the swap's network-fee cap.
func (h *ToBtcHandler) sendBitcoin(ctx context.Context, swap *ToBtcSwap) {
	unlock := h.locks.TryLock(swap.Key().String(), swapLockLease)
	if unlock == nil {
		return
	}
	defer unlock.Release()

	if swap.State != ToBtcCommited && swap.State != ToBtcSending {
		return
	}

	outputScript, err := h.wallet.AddressToScript(swap.Address)
	if err != nil {
		h.log.Error("corrupt payout address", "hash", swap.PaymentHash, "error", err)
		return
	}

	// A crash between broadcast and persist leaves BTC_SENDING with no
	// txid; look for an existing payout before paying again.
	if swap.State == ToBtcSending {
		if txid := h.findExistingPayment(ctx, swap, outputScript); txid != "" {
			swap.State = ToBtcSent
			swap.BtcTxID = txid
			if err := h.save(swap); err != nil {
				h.log.Error("failed to persist recovered payout", "hash", swap.PaymentHash, "error", err)
			}
			return
		}
	}

	if swap.Data.ExpiryUnix()-unixNow(h.clock) < int64(h.baseHandler.cfg.Swaps.GracePeriod) {
		swap.State = ToBtcNonPayable
		if err := h.save(swap); err != nil {
			h.log.Error("failed to persist non-payable", "hash", swap.PaymentHash, "error", err)
		}
		h.log.Warn("swap committed too late to pay", "hash", swap.PaymentHash)
		return
	}

	swap.State = ToBtcSending
	if err := h.save(swap); err != nil {
		h.log.Error("failed to persist sending state", "hash", swap.PaymentHash, "error", err)
		return
	}

	rate := swap.SatsPerVbyte
	for attempt := 0; attempt < maxBroadcastTries; attempt++ {
		signed, err := h.wallet.BuildAndSign(ctx, outputScript, swap.AmountSats, rate,
			swap.Nonce, h.cfg.RandomizeCoinSelection, nil)
		if err != nil {
			h.log.Error("payout build failed", "hash", swap.PaymentHash, "error", err)
			return
		}
		if signed.Fee > swap.MaxNetworkFeeSats {
			h.log.Warn("payout fee exceeds cap, giving up",
				"hash", swap.PaymentHash, "fee", signed.Fee, "cap", swap.MaxNetworkFeeSats)
			return
		}

		txid, err := h.wallet.Broadcast(ctx, signed)
		if err == nil {
			swap.State = ToBtcSent
			swap.BtcTxID = txid
			swap.RealNetworkFeeSats = signed.Fee
			if fee, oerr := h.oracle.GetFromBtcSwapAmount(ctx,
				new(big.Int).SetUint64(signed.Fee), swap.ChainID, swap.Data.Token, false, nil); oerr == nil {
				swap.RealNetworkFeeInToken = helpers.Wrap(fee)
			}
			if serr := h.save(swap); serr != nil {
				h.log.Error("failed to persist payout", "hash", swap.PaymentHash, "error", serr)
			}
			h.log.Info("bitcoin payout broadcast", "hash", swap.PaymentHash, "tx", txid, "fee", signed.Fee)
			return
		}
		if !errors.Is(err, btc.ErrBroadcastFailed) {
			h.log.Error("broadcast failed", "hash", swap.PaymentHash, "error", err)
			return
		}
		rate = rate * feeBumpNumerator / feeBumpDenominator
		h.log.Warn("broadcast rejected, bumping fee", "hash", swap.PaymentHash, "rate", rate)
	}
	h.log.Error("payout abandoned after repeated broadcast failures", "hash", swap.PaymentHash)
}

// findExistingPayment scans the payout address for a transaction carrying
// this swap's nonce in its locktime and sequence.
func (h *ToBtcHandler) findExistingPayment(ctx context.Context, swap *ToBtcSwap, outputScript []byte) string {
	txs, err := h.rpc.GetAddressTransactions(ctx, swap.Address, "")
	if err != nil {
		return ""
	}
	scriptHex := helpers.BytesToHex(outputScript)
	for _, tx := range txs {
		if len(tx.Inputs) == 0 {
			continue
		}
		if btcwallet.DecodeNonce(tx.LockTime, tx.Inputs[0].Sequence) != swap.Nonce {
			continue
		}
		for _, out := range tx.Outputs {
			if out.ScriptPubKey == scriptHex && out.Value == swap.AmountSats {
				return tx.TxID
			}
		}
	}
	return ""
}

// checkSentSwap polls a broadcast payout; claims the escrow once confirmed,
// restarts from COMMITED if the transaction was double-spent away.
func (h *ToBtcHandler) checkSentSwap(ctx context.Context, swap *ToBtcSwap) {
	tx, err := h.rpc.GetTransaction(ctx, swap.BtcTxID)
	if errors.Is(err, btc.ErrTxNotFound) {
		// Evicted or double-spent; re-select inputs and pay again.
		h.log.Warn("payout transaction vanished, restarting", "hash", swap.PaymentHash, "tx", swap.BtcTxID)
		swap.State = ToBtcCommited
		swap.BtcTxID = ""
		if serr := h.save(swap); serr != nil {
			h.log.Error("failed to persist restart", "hash", swap.PaymentHash, "error", serr)
			return
		}
		h.sendBitcoin(ctx, swap)
		return
	}
	if err != nil {
		h.log.Error("payout poll failed", "hash", swap.PaymentHash, "error", err)
		return
	}
	if tx.Confirmations < int32(swap.RequiredConfirmations) {
		return
	}

	contract, cerr := h.resolveChain(swap.ChainID)
	if cerr != nil {
		return
	}

	rawTx, err := h.rpc.GetRawTransaction(ctx, swap.BtcTxID)
	if err != nil {
		h.log.Error("raw tx fetch failed", "hash", swap.PaymentHash, "error", err)
		return
	}
	proof, err := btc.ComputeTransactionMerkle(ctx, h.rpc, swap.BtcTxID)
	if err != nil {
		h.log.Error("merkle proof failed", "hash", swap.PaymentHash, "error", err)
		return
	}

	txid, err := contract.ClaimWithTxData(ctx, swap.Data, rawTx, proof)
	if err != nil {
		h.log.Error("claim with tx data failed", "hash", swap.PaymentHash, "error", err)
		return
	}

	swap.State = ToBtcClaimed
	swap.TxIDs.Claim = txid
	h.log.Info("escrow claimed with inclusion proof",
		"hash", swap.PaymentHash, "btcTx", swap.BtcTxID, "tx", txid)
	h.remove(swap)
}

// watchdogIteration reconciles every non-terminal swap.
func (h *ToBtcHandler) watchdogIteration(ctx context.Context) {
	now := unixNow(h.clock)

	saved, err := h.store.QuerySwapsByState(KindToBtc, int(ToBtcSaved))
	if err != nil {
		h.log.Error("watchdog query failed", "error", err)
		return
	}
	for _, stored := range saved {
		swap, err := h.decode(stored)
		if err != nil {
			continue
		}
		if swap.SignatureExpiry > 0 && now > swap.SignatureExpiry {
			h.log.Debug("pruning expired quote", "hash", swap.PaymentHash)
			h.remove(swap)
		}
	}

	active, err := h.store.QuerySwapsByState(KindToBtc,
		int(ToBtcCommited), int(ToBtcSending), int(ToBtcSent))
	if err != nil {
		h.log.Error("watchdog query failed", "error", err)
		return
	}
	for _, stored := range active {
		swap, err := h.decode(stored)
		if err != nil {
			continue
		}
		switch swap.State {
		case ToBtcSent:
			h.checkSentSwap(ctx, swap)
		case ToBtcCommited, ToBtcSending:
			if swap.Data.ExpiryUnix() < now {
				// BTC_SENDING may hide a payout broadcast right before a
				// crash; marking it NON_PAYABLE would open the refund path
				// while that payout confirms. Scan for it first.
				if swap.State == ToBtcSending {
					if outputScript, aerr := h.wallet.AddressToScript(swap.Address); aerr == nil {
						if txid := h.findExistingPayment(ctx, swap, outputScript); txid != "" {
							swap.State = ToBtcSent
							swap.BtcTxID = txid
							if serr := h.save(swap); serr != nil {
								h.log.Error("failed to persist recovered payout", "hash", swap.PaymentHash, "error", serr)
							}
							continue
						}
					}
				}
				swap.State = ToBtcNonPayable
				if serr := h.save(swap); serr != nil {
					h.log.Error("failed to persist non-payable", "hash", swap.PaymentHash, "error", serr)
				}
				continue
			}
			h.sendBitcoin(ctx, swap)
		}
	}
}

func (h *ToBtcHandler) save(swap *ToBtcSwap) error {
	return saveSwap(h.store, KindToBtc, swap.Key(), swap.ChainID, int(swap.State), swap)
}

func (h *ToBtcHandler) load(key storage.SwapKey) (*ToBtcSwap, error) {
	stored, err := h.store.GetSwap(KindToBtc, key)
	if err != nil {
		return nil, err
	}
	return h.decode(stored)
}

func (h *ToBtcHandler) decode(stored *storage.StoredSwap) (*ToBtcSwap, error) {
	swap := &ToBtcSwap{}
	if err := json.Unmarshal(stored.Data, swap); err != nil {
		h.log.Error("corrupt swap record", "key", stored.Key.String(), "error", err)
		return nil, err
	}
	return swap, nil
}

func (h *ToBtcHandler) remove(swap *ToBtcSwap) {
	if err := h.store.DeleteSwap(KindToBtc, swap.Key()); err != nil {
		h.log.Error("failed to remove swap", "hash", swap.PaymentHash, "error", err)
	}
}
