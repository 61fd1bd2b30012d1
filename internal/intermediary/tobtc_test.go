package intermediary

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/crossport-exchange/crossport/internal/btc"
	"github.com/crossport-exchange/crossport/internal/btcwallet"
	"github.com/crossport-exchange/crossport/internal/chains"
	"github.com/crossport-exchange/crossport/internal/storage"
	"github.com/crossport-exchange/crossport/pkg/helpers"
)

// mockRpc serves canned UTXOs and fee estimates and records broadcasts.
type mockRpc struct {
	utxos     map[string][]btc.UTXO
	addrTxs   map[string][]btc.Transaction
	broadcast []string
}

func newMockRpc() *mockRpc {
	return &mockRpc{
		utxos:   make(map[string][]btc.UTXO),
		addrTxs: make(map[string][]btc.Transaction),
	}
}

func (r *mockRpc) GetTipHeight(ctx context.Context) (int32, error) { return 800000, nil }
func (r *mockRpc) GetBlockHeader(ctx context.Context, hashOrHeight string) (*btc.BlockHeader, error) {
	return nil, btc.ErrBlockNotFound
}
func (r *mockRpc) GetBlockWithTransactions(ctx context.Context, hash string) (*btc.BlockWithTransactions, error) {
	return nil, btc.ErrBlockNotFound
}
func (r *mockRpc) GetTransaction(ctx context.Context, txID string) (*btc.Transaction, error) {
	return nil, btc.ErrTxNotFound
}
func (r *mockRpc) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	return nil, btc.ErrTxNotFound
}
func (r *mockRpc) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	r.broadcast = append(r.broadcast, rawTxHex)
	return "mocktxid", nil
}
func (r *mockRpc) GetFeeEstimate(ctx context.Context) (*btc.FeeEstimate, error) {
	return &btc.FeeEstimate{FastestFee: 10, HalfHourFee: 5, HourFee: 3, EconomyFee: 1}, nil
}
func (r *mockRpc) GetAddressUTXOs(ctx context.Context, address string) ([]btc.UTXO, error) {
	return r.utxos[address], nil
}
func (r *mockRpc) GetAddressTransactions(ctx context.Context, address, lastSeenTxID string) ([]btc.Transaction, error) {
	return r.addrTxs[address], nil
}

// newToBtcEnv funds a test wallet with one confirmed 1M sat UTXO and returns
// the handler plus a fresh payout address.
func newToBtcEnv(t *testing.T) (*testEnv, *ToBtcHandler, *mockRpc, string) {
	t.Helper()

	env := newTestEnv(t)
	rpc := newMockRpc()
	wallet, err := btcwallet.NewFromMnemonic(testMnemonic, "", &chaincfg.TestNet3Params, rpc, nil)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	env.deps.BtcRpc = rpc
	env.deps.BtcWallet = wallet

	funded, err := wallet.GetFreshAddress()
	if err != nil {
		t.Fatalf("GetFreshAddress() error = %v", err)
	}
	rpc.utxos[funded] = []btc.UTXO{{
		TxID:          "1111111111111111111111111111111111111111111111111111111111111111",
		Vout:          0,
		Value:         1000000,
		Confirmations: 6,
		Address:       funded,
	}}

	dest, err := wallet.GetFreshAddress()
	if err != nil {
		t.Fatalf("GetFreshAddress() error = %v", err)
	}

	// The network type stays mainnet in the default config; the handler only
	// touches addresses through the wallet, which runs on testnet here.
	return env, NewToBtcHandler(env.deps), rpc, dest
}

func TestToBtcQuoteAndCommit(t *testing.T) {
	env, h, rpc, dest := newToBtcEnv(t)
	ctx := context.Background()

	quote, serr := h.GetQuote(ctx, &GetQuoteRequest{
		Address:            dest,
		Amount:             100000,
		ConfirmationTarget: 6,
		Confirmations:      2,
		ExpiryTimestamp:    env.clk.Now().Unix() + 100000,
		Token:              testToken,
		Offerer:            "0xCLIENT",
	})
	if serr != nil {
		t.Fatalf("GetQuote() error = %v", serr)
	}
	if quote.QuoteID == "" {
		t.Fatal("GetQuote() returned no quote id")
	}
	// 500 base + 100000 * 3000ppm = 800 sats fee.
	if quote.SwapFee.Unwrap().Uint64() != 800 {
		t.Errorf("swap fee = %s, want 800", quote.SwapFee)
	}
	if quote.NetworkFee.Unwrap().Sign() <= 0 {
		t.Error("network fee not positive")
	}

	commit, serr := h.GetQuoteCommit(ctx, &GetQuoteCommitRequest{QuoteID: quote.QuoteID}, nil)
	if serr != nil {
		t.Fatalf("GetQuoteCommit() error = %v", serr)
	}
	if commit.Data.Type != chains.SwapTypeChainNonced {
		t.Errorf("swap type = %d, want %d", commit.Data.Type, chains.SwapTypeChainNonced)
	}
	if commit.Data.Nonce.Unwrap().Sign() <= 0 {
		t.Error("commit did not mint a nonce")
	}
	if commit.Signature == "" {
		t.Error("missing init signature")
	}

	// Quotes are single-use.
	if _, serr := h.GetQuoteCommit(ctx, &GetQuoteCommitRequest{QuoteID: quote.QuoteID}, nil); serr == nil || serr.Code != CodeSwapNotFound {
		t.Fatalf("reused quote error = %v, want code %d", serr, CodeSwapNotFound)
	}

	key := storage.SwapKey{PaymentHash: commit.Data.PaymentHash}
	swap, err := h.load(key)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if swap.State != ToBtcSaved {
		t.Fatalf("state = %d, want %d", swap.State, ToBtcSaved)
	}

	// The escrow commit triggers the on-chain payout.
	h.HandleEvent(ctx, &chains.Event{
		Type: chains.EventInitialize, ChainID: testChainID,
		PaymentHash: commit.Data.PaymentHash, TxHash: "init1",
	})

	swap, err = h.load(key)
	if err != nil {
		t.Fatalf("load() after payout error = %v", err)
	}
	if swap.State != ToBtcSent {
		t.Fatalf("state = %d, want %d", swap.State, ToBtcSent)
	}
	if swap.BtcTxID != "mocktxid" || len(rpc.broadcast) != 1 {
		t.Errorf("broadcasts = %d, txid = %q", len(rpc.broadcast), swap.BtcTxID)
	}
	if swap.RealNetworkFeeSats == 0 || swap.RealNetworkFeeSats > swap.MaxNetworkFeeSats {
		t.Errorf("network fee = %d, cap %d", swap.RealNetworkFeeSats, swap.MaxNetworkFeeSats)
	}

	// While the payout is in flight no cooperative refund is issued.
	_, serr = h.GetRefundAuthorization(ctx, &RefundAuthorizationRequest{PaymentHash: commit.Data.PaymentHash})
	if serr == nil || serr.Code != CodePaymentInFlight {
		t.Fatalf("GetRefundAuthorization() error = %v, want code %d", serr, CodePaymentInFlight)
	}
}

// commitTestPayout drives quote+commit and returns the persisted swap.
func commitTestPayout(t *testing.T, env *testEnv, h *ToBtcHandler, dest string) *ToBtcSwap {
	t.Helper()

	quote, serr := h.GetQuote(context.Background(), &GetQuoteRequest{
		Address:            dest,
		Amount:             100000,
		ConfirmationTarget: 6,
		Confirmations:      2,
		ExpiryTimestamp:    env.clk.Now().Unix() + 100000,
		Token:              testToken,
		Offerer:            "0xCLIENT",
	})
	if serr != nil {
		t.Fatalf("GetQuote() error = %v", serr)
	}
	commit, serr := h.GetQuoteCommit(context.Background(), &GetQuoteCommitRequest{QuoteID: quote.QuoteID}, nil)
	if serr != nil {
		t.Fatalf("GetQuoteCommit() error = %v", serr)
	}
	swap, err := h.load(storage.SwapKey{PaymentHash: commit.Data.PaymentHash})
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	return swap
}

func TestToBtcWatchdogRecoversSendingPayout(t *testing.T) {
	env, h, rpc, dest := newToBtcEnv(t)
	ctx := context.Background()

	swap := commitTestPayout(t, env, h, dest)

	// Crash window: the payout was broadcast but the txid never persisted,
	// and the escrow expired before the restart.
	swap.State = ToBtcSending
	swap.Data.Expiry = helpers.NewBigInt(env.clk.Now().Unix() - 1)
	if err := h.save(swap); err != nil {
		t.Fatalf("save() error = %v", err)
	}

	lockTime, sequence, err := btcwallet.EncodeNonce(swap.Nonce)
	if err != nil {
		t.Fatalf("EncodeNonce() error = %v", err)
	}
	script, err := h.wallet.AddressToScript(dest)
	if err != nil {
		t.Fatalf("AddressToScript() error = %v", err)
	}
	rpc.addrTxs[dest] = []btc.Transaction{{
		TxID:     "recovered1",
		LockTime: lockTime,
		Inputs:   []btc.TxInput{{Sequence: sequence}},
		Outputs:  []btc.TxOutput{{ScriptPubKey: helpers.BytesToHex(script), Value: swap.AmountSats}},
	}}

	h.watchdogIteration(ctx)

	swap, err = h.load(storage.SwapKey{PaymentHash: swap.PaymentHash})
	if err != nil {
		t.Fatalf("load() after watchdog error = %v", err)
	}
	if swap.State != ToBtcSent {
		t.Fatalf("state = %d, want %d", swap.State, ToBtcSent)
	}
	if swap.BtcTxID != "recovered1" {
		t.Errorf("recovered txid = %q, want recovered1", swap.BtcTxID)
	}

	// The recovered payout keeps the cooperative refund path closed.
	_, serr := h.GetRefundAuthorization(ctx, &RefundAuthorizationRequest{PaymentHash: swap.PaymentHash})
	if serr == nil || serr.Code != CodePaymentInFlight {
		t.Fatalf("GetRefundAuthorization() error = %v, want code %d", serr, CodePaymentInFlight)
	}
}

func TestToBtcWatchdogExpiresUnpaidSending(t *testing.T) {
	env, h, rpc, dest := newToBtcEnv(t)
	ctx := context.Background()

	swap := commitTestPayout(t, env, h, dest)
	swap.State = ToBtcSending
	swap.Data.Expiry = helpers.NewBigInt(env.clk.Now().Unix() - 1)
	if err := h.save(swap); err != nil {
		t.Fatalf("save() error = %v", err)
	}

	// A transaction with a foreign nonce must not count as the payout.
	lockTime, sequence, err := btcwallet.EncodeNonce(swap.Nonce + 1)
	if err != nil {
		t.Fatalf("EncodeNonce() error = %v", err)
	}
	script, err := h.wallet.AddressToScript(dest)
	if err != nil {
		t.Fatalf("AddressToScript() error = %v", err)
	}
	rpc.addrTxs[dest] = []btc.Transaction{{
		TxID:     "unrelated1",
		LockTime: lockTime,
		Inputs:   []btc.TxInput{{Sequence: sequence}},
		Outputs:  []btc.TxOutput{{ScriptPubKey: helpers.BytesToHex(script), Value: swap.AmountSats}},
	}}

	h.watchdogIteration(ctx)

	swap, err = h.load(storage.SwapKey{PaymentHash: swap.PaymentHash})
	if err != nil {
		t.Fatalf("load() after watchdog error = %v", err)
	}
	if swap.State != ToBtcNonPayable {
		t.Fatalf("state = %d, want %d", swap.State, ToBtcNonPayable)
	}

	// With no payout on chain the cooperative refund proceeds.
	env.contract.setCommitStatus(swap.PaymentHash, chains.CommitStatusCommitted)
	resp, serr := h.GetRefundAuthorization(ctx, &RefundAuthorizationRequest{PaymentHash: swap.PaymentHash})
	if serr != nil {
		t.Fatalf("GetRefundAuthorization() error = %v", serr)
	}
	if resp.Signature == "" {
		t.Error("missing refund signature")
	}
}

func TestToBtcQuoteValidation(t *testing.T) {
	env, h, _, dest := newToBtcEnv(t)
	ctx := context.Background()

	base := GetQuoteRequest{
		Address:            dest,
		Amount:             100000,
		ConfirmationTarget: 6,
		Confirmations:      2,
		ExpiryTimestamp:    env.clk.Now().Unix() + 100000,
		Token:              testToken,
		Offerer:            "0xCLIENT",
	}

	tooMany := base
	tooMany.Confirmations = 100
	if _, serr := h.GetQuote(ctx, &tooMany); serr == nil || serr.Code != CodeInvalidBody {
		t.Errorf("confirmations error = %v, want code %d", serr, CodeInvalidBody)
	}

	tooSoon := base
	tooSoon.ExpiryTimestamp = env.clk.Now().Unix() + 60
	if _, serr := h.GetQuote(ctx, &tooSoon); serr == nil || serr.Code != CodeNotEnoughTime {
		t.Errorf("expiry error = %v, want code %d", serr, CodeNotEnoughTime)
	}

	badAddr := base
	badAddr.Address = "notanaddress"
	if _, serr := h.GetQuote(ctx, &badAddr); serr == nil || serr.Code != CodeInvalidBody {
		t.Errorf("address error = %v, want code %d", serr, CodeInvalidBody)
	}

	tooBig := base
	tooBig.Amount = 10000000
	if _, serr := h.GetQuote(ctx, &tooBig); serr == nil || serr.Code != CodeNotEnoughLiquidity {
		t.Errorf("liquidity error = %v, want code %d", serr, CodeNotEnoughLiquidity)
	}
}
