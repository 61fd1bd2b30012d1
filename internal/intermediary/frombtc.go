package intermediary

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/crossport-exchange/crossport/internal/btcwallet"
	"github.com/crossport-exchange/crossport/internal/chains"
	"github.com/crossport-exchange/crossport/internal/config"
	"github.com/crossport-exchange/crossport/internal/prices"
	"github.com/crossport-exchange/crossport/internal/storage"
	"github.com/crossport-exchange/crossport/pkg/helpers"
)

// StreamWriter lets a handler push response fields incrementally while the
// rest of the payload is still being computed.
type StreamWriter interface {
	WriteField(name string, value any) error
}

// FromBtcHandler swaps incoming on-chain Bitcoin for tokens: the client pays
// a deterministic deposit address and claims the token escrow with a Merkle
// inclusion proof of that payment.
type FromBtcHandler struct {
	baseHandler

	wallet *btcwallet.Wallet
	cfg    config.FromBtcConfig
	tick   ticker.Ticker
}

// NewFromBtcHandler creates the on-chain-BTC->Token handler.
func NewFromBtcHandler(deps *Deps) *FromBtcHandler {
	return &FromBtcHandler{
		baseHandler: newBase(deps, "frombtc"),
		wallet:      deps.BtcWallet,
		cfg:         deps.Config.Swaps.FromBtc,
		tick:        ticker.New(deps.Config.Swaps.SwapCheckInterval),
	}
}

// NewFromBtcHandlerWithTicker is NewFromBtcHandler with an injected watchdog
// ticker.
func NewFromBtcHandlerWithTicker(deps *Deps, t ticker.Ticker) *FromBtcHandler {
	h := NewFromBtcHandler(deps)
	h.tick = t
	return h
}

func (h *FromBtcHandler) Kind() string { return KindFromBtc }

// Info implements Handler.
func (h *FromBtcHandler) Info() *HandlerInfo {
	return &HandlerInfo{
		SwapFeePPM:  h.cfg.FeePPM,
		SwapBaseFee: h.cfg.BaseFeeSats,
		Min:         h.cfg.MinSats,
		Max:         h.cfg.MaxSats,
		Chains:      h.tokenChains(),
		Data: map[string]any{
			"confirmations": h.cfg.Confirmations,
			"swapExpiry":    h.cfg.SwapExpirySeconds,
		},
	}
}

// ClaimerBountyParams are the client's bounty inputs, validated server-side.
type ClaimerBountyParams struct {
	StartTimestamp int64           `json:"startTimestamp"`
	AddBlock       uint64          `json:"addBlock"`
	AddFee         *helpers.BigInt `json:"addFee"`
	FeePerBlock    *helpers.BigInt `json:"feePerBlock"`
}

// GetAddressRequest is the body of POST /onchain/getAddress. Amount is sats,
// or the desired token output when ExactOut is set.
type GetAddressRequest struct {
	Chain         string               `json:"chain,omitempty"`
	Address       string               `json:"address"`
	Amount        *helpers.BigInt      `json:"amount"`
	Token         string               `json:"token"`
	Sequence      *helpers.BigInt      `json:"sequence"`
	ExactOut      bool                 `json:"exactOut,omitempty"`
	ClaimerBounty *ClaimerBountyParams `json:"claimerBounty"`
	FeeRate       string               `json:"feeRate,omitempty"`
}

// GetAddressResponse is the final payload of POST /onchain/getAddress.
type GetAddressResponse struct {
	Amount     uint64           `json:"amount"`
	BtcAddress string           `json:"btcAddress"`
	Address    string           `json:"address"`
	SwapFee    *helpers.BigInt  `json:"swapFee"`
	Total      *helpers.BigInt  `json:"total"`
	Data       *chains.SwapData `json:"data"`
	Prefix     string           `json:"prefix"`
	Timeout    int64            `json:"timeout"`
	Signature  string           `json:"signature"`
}

// maxSequence bounds the 64-bit sequence disambiguator.
var maxSequence = new(big.Int).Lsh(big.NewInt(1), 64)

// GetAddress quotes an on-chain deposit swap: mints a fresh P2WPKH address,
// binds (amount, outputScript) into the payment hash, and signs the escrow
// init. Prefetched sign data is streamed before the final payload when a
// stream is given.
func (h *FromBtcHandler) GetAddress(ctx context.Context, req *GetAddressRequest, rawReq json.RawMessage, stream StreamWriter) (*GetAddressResponse, *Error) {
	meta := NewMetadata(rawReq)
	meta.Mark(h.clock, "requestReceived")

	contract, cerr := h.resolveChain(req.Chain)
	if cerr != nil {
		return nil, cerr
	}
	if terr := h.checkToken(contract, req.Token); terr != nil {
		return nil, terr
	}
	if req.Amount == nil {
		return nil, NewError(CodeInvalidBody, "amount is required")
	}

	if req.Sequence == nil {
		return nil, NewError(CodeInvalidSequence, "sequence is required")
	}
	seqBig := req.Sequence.Unwrap()
	if seqBig.Sign() < 0 || seqBig.Cmp(maxSequence) >= 0 {
		return nil, NewError(CodeInvalidSequence, "sequence out of range")
	}
	sequence := seqBig.Uint64()

	now := unixNow(h.clock)
	expiry := now + int64(h.cfg.SwapExpirySeconds)

	bounty, berr := h.computeClaimerBounty(req.ClaimerBounty, expiry)
	if berr != nil {
		return nil, berr
	}

	// The sign-data prefetch goes out before any slow work so the client
	// can start preparing its commit transaction.
	if stream != nil {
		if err := stream.WriteField("signDataPrefetch", map[string]any{
			"address": contract.Address(),
			"chain":   contract.ChainID(),
		}); err != nil {
			return nil, &Error{Code: CodePluginMessage, Msg: "client disconnected", HTTPStatus: 500}
		}
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

	chainID := contract.ChainID()
	var amountSats uint64
	if req.ExactOut {
		outSats, err := h.oracle.GetToBtcSwapAmount(group.Context(), req.Amount.Unwrap(), chainID, req.Token, true, pricePre)
		if err != nil {
			return nil, h.oracleError(err)
		}
		amountSats = AmountForExactOut(h.cfg.BaseFeeSats, h.cfg.FeePPM, outSats.Uint64())
	} else {
		if !req.Amount.Unwrap().IsUint64() {
			return nil, NewError(CodeInvalidBody, "amount out of range")
		}
		amountSats = req.Amount.Unwrap().Uint64()
	}

	amountSats, boundErr := h.checkBounds(ctx, amountSats, h.cfg.MinSats, h.cfg.MaxSats, chainID, req.Token, pricePre)
	if boundErr != nil {
		return nil, boundErr
	}
	meta.Mark(h.clock, "amountsChecked")

	swapFeeSats := SwapFeeSats(h.cfg.BaseFeeSats, h.cfg.FeePPM, amountSats)
	if swapFeeSats >= amountSats {
		return nil, NewError(CodeAmountTooLow, "amount does not cover the swap fee")
	}

	var total *big.Int
	if req.ExactOut {
		total = req.Amount.Unwrap()
	} else {
		var err error
		total, err = h.oracle.GetFromBtcSwapAmount(group.Context(),
			new(big.Int).SetUint64(amountSats-swapFeeSats), chainID, req.Token, false, pricePre)
		if err != nil {
			return nil, h.oracleError(err)
		}
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

	btcAddress, err := h.wallet.GetFreshAddress()
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "address generation failed", HTTPStatus: 500}
	}
	outputScript, err := h.wallet.AddressToScript(btcAddress)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "address generation failed", HTTPStatus: 500}
	}
	meta.Mark(h.clock, "addressCreated")

	paymentHash := helpers.BytesToHex(contract.GetHashForOnchain(
		outputScript, new(big.Int).SetUint64(amountSats), nil))

	key := storage.SwapKey{PaymentHash: paymentHash, Sequence: sequence}
	if _, err := h.store.GetSwap(KindFromBtc, key); err == nil {
		return nil, NewError(CodeDuplicateSequence, "sequence already used for this payment hash")
	}

	data := &chains.SwapData{
		Type:            chains.SwapTypeChain,
		Offerer:         contract.Address(),
		Claimer:         req.Address,
		Token:           req.Token,
		Amount:          helpers.Wrap(total),
		PaymentHash:     paymentHash,
		Expiry:          helpers.NewBigInt(expiry),
		PayOut:          true,
		SecurityDeposit: helpers.NewBigInt(0),
		ClaimerBounty:   helpers.Wrap(bounty),
		Nonce:           helpers.NewBigInt(0),
		Confirmations:   h.cfg.Confirmations,
	}

	refundFee, err := contract.GetRefundFee(ctx, data)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "refund fee estimation failed", HTTPStatus: 500}
	}
	securityDeposit := SecurityDeposit(refundFee, !contract.HasRawRefundFee(), total,
		APYPPM(h.baseHandler.cfg.Swaps.SecurityDepositAPY), h.cfg.SwapExpirySeconds)
	data.SecurityDeposit = helpers.Wrap(securityDeposit)
	meta.Mark(h.clock, "secDepositCalculated")

	sig, err := contract.GetInitSignature(ctx, data,
		time.Duration(h.cfg.AuthorizationTimeout)*time.Second)
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "failed to sign authorization", HTTPStatus: 500}
	}
	meta.Mark(h.clock, "swapSigned")

	swap := &FromBtcSwap{
		SwapCommon: SwapCommon{
			ChainID:        chainID,
			Data:           data,
			Metadata:       meta,
			SwapFeeSats:    swapFeeSats,
			SwapFeeInToken: helpers.Wrap(swapFeeInToken),
		},
		State:               FromBtcCreated,
		PaymentHash:         paymentHash,
		Sequence:            sequence,
		Address:             btcAddress,
		AmountSats:          amountSats,
		AuthorizationExpiry: sig.Timeout,
	}
	if err := h.save(swap); err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "failed to persist swap", HTTPStatus: 500}
	}

	h.log.Info("issued deposit address",
		"hash", paymentHash, "sequence", sequence, "address", btcAddress, "amount", amountSats)

	return &GetAddressResponse{
		Amount:     amountSats,
		BtcAddress: btcAddress,
		Address:    contract.Address(),
		SwapFee:    helpers.Wrap(swapFeeInToken),
		Total:      helpers.Wrap(total),
		Data:       data,
		Prefix:     sig.Prefix,
		Timeout:    sig.Timeout,
		Signature:  sig.Signature,
	}, nil
}

// computeClaimerBounty validates the client's bounty inputs and evaluates
// the bounty formula.
func (h *FromBtcHandler) computeClaimerBounty(params *ClaimerBountyParams, expiry int64) (*big.Int, *Error) {
	if params == nil || params.AddFee == nil || params.FeePerBlock == nil {
		return nil, NewError(CodeInvalidBounty, "claimer bounty parameters required")
	}
	if params.AddFee.Unwrap().Sign() < 0 || params.FeePerBlock.Unwrap().Sign() < 0 {
		return nil, NewError(CodeInvalidBounty, "claimer bounty values must not be negative")
	}
	now := unixNow(h.clock)
	grace := int64(h.baseHandler.cfg.Swaps.GracePeriod)
	if params.StartTimestamp < now-grace || params.StartTimestamp > now+grace {
		return nil, NewError(CodeInvalidBounty, "claimer bounty start timestamp out of range")
	}

	global := h.baseHandler.cfg.Swaps
	bounty := ClaimerBounty(params.AddFee.Unwrap(), params.AddBlock+h.cfg.ClaimerBountyAddBlock,
		expiry, params.StartTimestamp, global.BitcoinBlocktime, global.SafetyFactor,
		params.FeePerBlock.Unwrap())
	return bounty, nil
}

// Start implements Handler.
func (h *FromBtcHandler) Start(ctx context.Context) error {
	swaps, err := h.store.LoadSwaps(KindFromBtc)
	if err != nil {
		return err
	}
	h.log.Info("loaded swaps", "count", len(swaps))

	go runWatchdog(ctx, h.tick, h.watchdogIteration)
	return nil
}

// HandleEvent implements Handler.
func (h *FromBtcHandler) HandleEvent(ctx context.Context, ev *chains.Event) {
	swap, err := h.load(storage.SwapKey{PaymentHash: ev.PaymentHash, Sequence: ev.Sequence})
	if err != nil {
		return
	}
	if swap.ChainID != ev.ChainID {
		return
	}

	switch ev.Type {
	case chains.EventInitialize:
		if swap.State != FromBtcCreated {
			return
		}
		swap.State = FromBtcCommited
		swap.TxIDs.Init = ev.TxHash
		if err := h.save(swap); err != nil {
			h.log.Error("failed to persist commit", "hash", swap.PaymentHash, "error", err)
		}

	case chains.EventClaim:
		swap.State = FromBtcClaimed
		swap.TxIDs.Claim = ev.TxHash
		// The revealed secret is the reversed Bitcoin txid of the deposit.
		swap.Secret = ev.SecretHex
		if raw, herr := helpers.HexToBytes(ev.SecretHex); herr == nil {
			swap.BtcTxID = helpers.BytesToHex(helpers.Reverse(raw))
		}
		h.log.Info("deposit claimed",
			"hash", swap.PaymentHash, "sequence", swap.Sequence, "btcTx", swap.BtcTxID)
		h.remove(swap)

	case chains.EventRefund:
		swap.State = FromBtcRefunded
		swap.TxIDs.Refund = ev.TxHash
		h.log.Info("swap refunded", "hash", swap.PaymentHash, "tx", ev.TxHash)
		h.remove(swap)
	}
}

// watchdogIteration reconciles every non-terminal swap.
func (h *FromBtcHandler) watchdogIteration(ctx context.Context) {
	now := unixNow(h.clock)

	stored, err := h.store.QuerySwapsByState(KindFromBtc,
		int(FromBtcCreated), int(FromBtcCommited))
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
		case FromBtcCreated:
			if now <= swap.AuthorizationExpiry {
				continue
			}
			status, serr := contract.GetCommitStatus(ctx, swap.Data)
			if serr != nil {
				continue
			}
			if status == chains.CommitStatusCommitted {
				swap.State = FromBtcCommited
				if err := h.save(swap); err != nil {
					h.log.Error("failed to persist commit", "hash", swap.PaymentHash, "error", err)
				}
			} else {
				swap.State = FromBtcCanceled
				h.log.Debug("pruning expired deposit quote",
					"hash", swap.PaymentHash, "sequence", swap.Sequence)
				h.remove(swap)
			}

		case FromBtcCommited:
			if swap.Data.ExpiryUnix() > 0 && now > swap.Data.ExpiryUnix()+int64(h.baseHandler.cfg.Swaps.GracePeriod) {
				h.refundExpired(ctx, contract, swap)
			}
		}
	}
}

// refundExpired reclaims an expired escrow back into the vault.
func (h *FromBtcHandler) refundExpired(ctx context.Context, contract chains.Contract, swap *FromBtcSwap) {
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
	swap.State = FromBtcRefunded
	h.remove(swap)
}

func (h *FromBtcHandler) save(swap *FromBtcSwap) error {
	return saveSwap(h.store, KindFromBtc, swap.Key(), swap.ChainID, int(swap.State), swap)
}

func (h *FromBtcHandler) load(key storage.SwapKey) (*FromBtcSwap, error) {
	stored, err := h.store.GetSwap(KindFromBtc, key)
	if err != nil {
		return nil, err
	}
	return h.decode(stored)
}

func (h *FromBtcHandler) decode(stored *storage.StoredSwap) (*FromBtcSwap, error) {
	swap := &FromBtcSwap{}
	if err := json.Unmarshal(stored.Data, swap); err != nil {
		h.log.Error("corrupt swap record", "key", stored.Key.String(), "error", err)
		return nil, err
	}
	return swap, nil
}

func (h *FromBtcHandler) remove(swap *FromBtcSwap) {
	if err := h.store.DeleteSwap(KindFromBtc, swap.Key()); err != nil {
		h.log.Error("failed to remove swap", "hash", swap.PaymentHash, "error", err)
	}
}
