package intermediary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/crossport-exchange/crossport/internal/btcwallet"
	"github.com/crossport-exchange/crossport/internal/chains"
	"github.com/crossport-exchange/crossport/internal/lightning"
	"github.com/crossport-exchange/crossport/internal/storage"
	"github.com/crossport-exchange/crossport/pkg/helpers"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testPreimage() ([]byte, string, string) {
	preimage := make([]byte, 32)
	for i := range preimage {
		preimage[i] = 0x42
	}
	hash := sha256.Sum256(preimage)
	return preimage, helpers.BytesToHex(preimage), helpers.BytesToHex(hash[:])
}

func TestFromBtcLnSwapLifecycle(t *testing.T) {
	env := newTestEnv(t)
	h := NewFromBtcLnHandler(env.deps)
	ctx := context.Background()

	_, preimageHex, hashHex := testPreimage()

	resp, serr := h.CreateInvoice(ctx, &CreateInvoiceRequest{
		Address:     "0xCLIENT",
		PaymentHash: hashHex,
		Amount:      100000,
		Token:       testToken,
	}, nil)
	if serr != nil {
		t.Fatalf("CreateInvoice() error = %v", serr)
	}
	if resp.PR == "" {
		t.Fatal("CreateInvoice() returned empty payment request")
	}
	// 10 base + 100000 * 3000ppm = 310 sats fee; token units equal sats here.
	if resp.SwapFee.Unwrap().Uint64() != 310 {
		t.Errorf("swap fee = %s, want 310", resp.SwapFee)
	}
	if resp.Total.Unwrap().Uint64() != 99690 {
		t.Errorf("total = %s, want 99690", resp.Total)
	}
	if resp.SecurityDeposit.Unwrap().Sign() <= 0 {
		t.Error("security deposit not positive")
	}

	if cerr := h.GetInvoiceStatus(ctx, &InvoiceStatusRequest{PaymentHash: hashHex}); cerr.Code != CodeInvoicePending {
		t.Fatalf("GetInvoiceStatus() code = %d, want %d", cerr.Code, CodeInvoicePending)
	}

	// The client pays; the HTLC is held with plenty of CLTV budget.
	env.ln.setInvoiceState(hashHex, lightning.InvoiceAccepted, 800300)

	if cerr := h.GetInvoiceStatus(ctx, &InvoiceStatusRequest{PaymentHash: hashHex}); cerr.Code != CodeInvoiceReady {
		t.Fatalf("GetInvoiceStatus() code = %d, want %d", cerr.Code, CodeInvoiceReady)
	}

	auth, aerr := h.GetInvoicePaymentAuth(ctx, &InvoiceStatusRequest{PaymentHash: hashHex})
	if aerr != nil {
		t.Fatalf("GetInvoicePaymentAuth() error = %v", aerr)
	}
	if auth.Signature == "" || auth.Data.ExpiryUnix() <= env.clk.Now().Unix() {
		t.Fatalf("GetInvoicePaymentAuth() = %+v, want signed data with future expiry", auth)
	}

	// A second call returns the same authorization without re-signing.
	again, aerr := h.GetInvoicePaymentAuth(ctx, &InvoiceStatusRequest{PaymentHash: hashHex})
	if aerr != nil {
		t.Fatalf("GetInvoicePaymentAuth() second call error = %v", aerr)
	}
	if again.Signature != auth.Signature {
		t.Error("authorization changed between calls")
	}

	h.HandleEvent(ctx, &chains.Event{
		Type: chains.EventInitialize, ChainID: testChainID, PaymentHash: hashHex, TxHash: "init1",
	})
	swap, err := h.load(storage.SwapKey{PaymentHash: hashHex})
	if err != nil {
		t.Fatalf("load() after initialize error = %v", err)
	}
	if swap.State != FromBtcLnCommited {
		t.Fatalf("state = %d, want %d", swap.State, FromBtcLnCommited)
	}

	// The smart-chain claim reveals the preimage, which settles the invoice.
	h.HandleEvent(ctx, &chains.Event{
		Type: chains.EventClaim, ChainID: testChainID, PaymentHash: hashHex,
		SecretHex: preimageHex, TxHash: "claim1",
	})
	if env.ln.settledCount() != 1 {
		t.Fatalf("settled invoices = %d, want 1", env.ln.settledCount())
	}
	if helpers.BytesToHex(env.ln.settled[0]) != preimageHex {
		t.Error("invoice settled with wrong preimage")
	}
	if _, err := env.store.GetSwap(KindFromBtcLn, storage.SwapKey{PaymentHash: hashHex}); err == nil {
		t.Error("settled swap still persisted")
	}

	// Re-delivered claim events are no-ops.
	h.HandleEvent(ctx, &chains.Event{
		Type: chains.EventClaim, ChainID: testChainID, PaymentHash: hashHex,
		SecretHex: preimageHex, TxHash: "claim1",
	})
	if env.ln.settledCount() != 1 {
		t.Errorf("settled invoices after replay = %d, want 1", env.ln.settledCount())
	}
}

func TestFromBtcLnInvoiceTimeout(t *testing.T) {
	env := newTestEnv(t)
	h := NewFromBtcLnHandler(env.deps)
	ctx := context.Background()

	_, _, hashHex := testPreimage()
	if _, serr := h.CreateInvoice(ctx, &CreateInvoiceRequest{
		Address: "0xCLIENT", PaymentHash: hashHex, Amount: 100000, Token: testToken,
	}, nil); serr != nil {
		t.Fatalf("CreateInvoice() error = %v", serr)
	}

	// Nobody pays; the invoice expires and the watchdog prunes the swap.
	env.clk.SetTime(env.clk.Now().Add(2 * time.Minute))
	h.watchdogIteration(ctx)

	if _, err := env.store.GetSwap(KindFromBtcLn, storage.SwapKey{PaymentHash: hashHex}); err == nil {
		t.Error("expired swap still persisted")
	}
	if len(env.ln.canceled) != 1 {
		t.Errorf("canceled invoices = %d, want 1", len(env.ln.canceled))
	}
}

func TestFromBtcLnNotEnoughLiquidity(t *testing.T) {
	env := newTestEnv(t)
	env.contract.balance = big.NewInt(10)
	h := NewFromBtcLnHandler(env.deps)

	_, _, hashHex := testPreimage()
	_, serr := h.CreateInvoice(context.Background(), &CreateInvoiceRequest{
		Address: "0xCLIENT", PaymentHash: hashHex, Amount: 100000, Token: testToken,
	}, nil)
	if serr == nil || serr.Code != CodeNotEnoughLiquidity {
		t.Fatalf("CreateInvoice() error = %v, want code %d", serr, CodeNotEnoughLiquidity)
	}
}

func TestCreateInvoiceDuplicateHash(t *testing.T) {
	env := newTestEnv(t)
	h := NewFromBtcLnHandler(env.deps)
	ctx := context.Background()

	_, _, hashHex := testPreimage()
	req := &CreateInvoiceRequest{Address: "0xCLIENT", PaymentHash: hashHex, Amount: 100000, Token: testToken}
	if _, serr := h.CreateInvoice(ctx, req, nil); serr != nil {
		t.Fatalf("CreateInvoice() error = %v", serr)
	}
	if _, serr := h.CreateInvoice(ctx, req, nil); serr == nil || serr.Code != CodeSwapAlreadyExists {
		t.Fatalf("duplicate CreateInvoice() error = %v, want code %d", serr, CodeSwapAlreadyExists)
	}
}

func TestPayInvoiceNoRoute(t *testing.T) {
	env := newTestEnv(t)
	env.ln.probeErr = lightning.ErrNoRoute
	h := NewToBtcLnHandler(env.deps)

	_, _, hashHex := testPreimage()
	hash, _ := hex.DecodeString(hashHex)
	env.ln.registerInvoice("lnpay1", &lightning.Invoice{
		PaymentHash: hash,
		AmountMsat:  100000000,
		Timestamp:   env.clk.Now(),
		Expiry:      24 * time.Hour,
	})

	_, serr := h.PayInvoice(context.Background(), &PayInvoiceRequest{
		PR:              "lnpay1",
		MaxFee:          1000,
		ExpiryTimestamp: env.clk.Now().Unix() + 20000,
		Token:           testToken,
		Offerer:         "0xCLIENT",
	}, nil)
	if serr == nil || serr.Code != CodeNotEnoughTime {
		t.Fatalf("PayInvoice() error = %v, want code %d", serr, CodeNotEnoughTime)
	}

	swaps, err := env.store.LoadSwaps(KindToBtcLn)
	if err != nil {
		t.Fatalf("LoadSwaps() error = %v", err)
	}
	if len(swaps) != 0 {
		t.Errorf("persisted swaps = %d, want none after failed probe", len(swaps))
	}
}

func TestPayInvoiceLookupOutage(t *testing.T) {
	env := newTestEnv(t)
	env.ln.paymentLookupErr = errors.New("connection refused")
	h := NewToBtcLnHandler(env.deps)

	_, _, hashHex := testPreimage()
	hash, _ := hex.DecodeString(hashHex)
	env.ln.registerInvoice("lnpay1", &lightning.Invoice{
		PaymentHash: hash,
		AmountMsat:  100000000,
		Timestamp:   env.clk.Now(),
		Expiry:      24 * time.Hour,
	})

	// A failed payment lookup is a node outage, not evidence of a prior
	// payment; the request must not be rejected as a duplicate.
	_, serr := h.PayInvoice(context.Background(), &PayInvoiceRequest{
		PR:              "lnpay1",
		MaxFee:          1000,
		ExpiryTimestamp: env.clk.Now().Unix() + 20000,
		Token:           testToken,
		Offerer:         "0xCLIENT",
	}, nil)
	if serr == nil || serr.Code != CodePluginMessage {
		t.Fatalf("PayInvoice() error = %v, want code %d", serr, CodePluginMessage)
	}
	if serr.HTTPStatus != 500 {
		t.Errorf("HTTPStatus = %d, want 500", serr.HTTPStatus)
	}
}

func TestToBtcLnSwapLifecycle(t *testing.T) {
	env := newTestEnv(t)
	h := NewToBtcLnHandler(env.deps)
	ctx := context.Background()

	_, preimageHex, hashHex := testPreimage()
	hash, _ := hex.DecodeString(hashHex)
	env.ln.registerInvoice("lnpay1", &lightning.Invoice{
		PaymentHash: hash,
		AmountMsat:  100000000,
		Timestamp:   env.clk.Now(),
		Expiry:      24 * time.Hour,
	})
	env.ln.payOutcome = &lightning.PaymentResult{
		Status:      lightning.PaymentSucceeded,
		PreimageHex: preimageHex,
		FeeMsat:     500000,
	}

	resp, serr := h.PayInvoice(ctx, &PayInvoiceRequest{
		PR:              "lnpay1",
		MaxFee:          1000,
		ExpiryTimestamp: env.clk.Now().Unix() + 20000,
		Token:           testToken,
		Offerer:         "0xCLIENT",
	}, nil)
	if serr != nil {
		t.Fatalf("PayInvoice() error = %v", serr)
	}
	// 100000 sats + 310 fee + 1000 max network fee, all 1:1 in token units.
	if resp.Total.Unwrap().Uint64() != 101310 {
		t.Errorf("total = %s, want 101310", resp.Total)
	}
	if resp.Data.PaymentHash != hashHex || !resp.Data.PayIn {
		t.Errorf("swap data = %+v, want pay-in escrow bound to %s", resp.Data, hashHex)
	}
	if resp.Signature == "" {
		t.Error("missing init signature")
	}

	// The client commits the escrow; the handler pays the invoice and claims
	// with the preimage on a background goroutine.
	h.HandleEvent(ctx, &chains.Event{
		Type: chains.EventInitialize, ChainID: testChainID, PaymentHash: hashHex, TxHash: "init1",
	})

	waitFor(t, func() bool { return env.contract.claimCount() == 1 })
	env.contract.mu.Lock()
	claim := env.contract.claims[0]
	env.contract.mu.Unlock()
	if claim.paymentHash != hashHex || claim.secretHex != preimageHex {
		t.Errorf("claim = %+v, want preimage claim for %s", claim, hashHex)
	}

	waitFor(t, func() bool {
		_, err := env.store.GetSwap(KindToBtcLn, storage.SwapKey{PaymentHash: hashHex})
		return err != nil
	})
}

func TestToBtcLnRefundAuthorization(t *testing.T) {
	env := newTestEnv(t)
	h := NewToBtcLnHandler(env.deps)
	ctx := context.Background()

	_, _, hashHex := testPreimage()
	hash, _ := hex.DecodeString(hashHex)
	env.ln.registerInvoice("lnpay1", &lightning.Invoice{
		PaymentHash: hash,
		AmountMsat:  100000000,
		Timestamp:   env.clk.Now(),
		Expiry:      24 * time.Hour,
	})
	if _, serr := h.PayInvoice(ctx, &PayInvoiceRequest{
		PR: "lnpay1", MaxFee: 1000, ExpiryTimestamp: env.clk.Now().Unix() + 20000,
		Token: testToken, Offerer: "0xCLIENT",
	}, nil); serr != nil {
		t.Fatalf("PayInvoice() error = %v", serr)
	}

	// No payment attempted and no escrow committed yet.
	_, serr := h.GetRefundAuthorization(ctx, &RefundAuthorizationRequest{PaymentHash: hashHex})
	if serr == nil || serr.Code != CodeNotCommitted {
		t.Fatalf("GetRefundAuthorization() error = %v, want code %d", serr, CodeNotCommitted)
	}

	env.contract.setCommitStatus(hashHex, chains.CommitStatusCommitted)
	resp, serr := h.GetRefundAuthorization(ctx, &RefundAuthorizationRequest{PaymentHash: hashHex})
	if serr != nil {
		t.Fatalf("GetRefundAuthorization() error = %v", serr)
	}
	if resp.Signature == "" {
		t.Error("missing refund signature")
	}
}

func TestFromBtcSwapLifecycle(t *testing.T) {
	env := newTestEnv(t)
	wallet, err := btcwallet.NewFromMnemonic(testMnemonic, "", &chaincfg.TestNet3Params, nil, nil)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	env.deps.BtcWallet = wallet
	h := NewFromBtcHandler(env.deps)
	ctx := context.Background()

	resp, serr := h.GetAddress(ctx, &GetAddressRequest{
		Address:  "0xCLIENT",
		Amount:   helpers.NewBigInt(100000),
		Token:    testToken,
		Sequence: helpers.NewBigInt(7),
		ClaimerBounty: &ClaimerBountyParams{
			StartTimestamp: env.clk.Now().Unix(),
			AddFee:         helpers.NewBigInt(1000),
			FeePerBlock:    helpers.NewBigInt(10),
		},
	}, nil, nil)
	if serr != nil {
		t.Fatalf("GetAddress() error = %v", serr)
	}
	if resp.BtcAddress == "" {
		t.Fatal("GetAddress() returned no deposit address")
	}
	// 500 base + 100000 * 3000ppm = 800 sats fee.
	if resp.SwapFee.Unwrap().Uint64() != 800 {
		t.Errorf("swap fee = %s, want 800", resp.SwapFee)
	}
	if resp.Total.Unwrap().Uint64() != 99200 {
		t.Errorf("total = %s, want 99200", resp.Total)
	}

	// The payment hash binds the deposit address and amount.
	script, err := wallet.AddressToScript(resp.BtcAddress)
	if err != nil {
		t.Fatalf("AddressToScript() error = %v", err)
	}
	wantHash := helpers.BytesToHex(chains.HashForOnchain(script, big.NewInt(100000), nil))
	if resp.Data.PaymentHash != wantHash {
		t.Errorf("payment hash = %s, want %s", resp.Data.PaymentHash, wantHash)
	}

	key := storage.SwapKey{PaymentHash: resp.Data.PaymentHash, Sequence: 7}
	h.HandleEvent(ctx, &chains.Event{
		Type: chains.EventInitialize, ChainID: testChainID,
		PaymentHash: resp.Data.PaymentHash, Sequence: 7, TxHash: "init1",
	})
	swap, err := h.load(key)
	if err != nil {
		t.Fatalf("load() after initialize error = %v", err)
	}
	if swap.State != FromBtcCommited {
		t.Fatalf("state = %d, want %d", swap.State, FromBtcCommited)
	}

	// The claim reveals the deposit txid (byte-reversed) as the secret.
	h.HandleEvent(ctx, &chains.Event{
		Type: chains.EventClaim, ChainID: testChainID,
		PaymentHash: resp.Data.PaymentHash, Sequence: 7,
		SecretHex: "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		TxHash:    "claim1",
	})
	if _, err := env.store.GetSwap(KindFromBtc, key); err == nil {
		t.Error("claimed swap still persisted")
	}
}

func TestGetAddressValidation(t *testing.T) {
	env := newTestEnv(t)
	wallet, err := btcwallet.NewFromMnemonic(testMnemonic, "", &chaincfg.TestNet3Params, nil, nil)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	env.deps.BtcWallet = wallet
	h := NewFromBtcHandler(env.deps)
	ctx := context.Background()

	bounty := &ClaimerBountyParams{
		StartTimestamp: env.clk.Now().Unix(),
		AddFee:         helpers.NewBigInt(1000),
		FeePerBlock:    helpers.NewBigInt(10),
	}

	_, serr := h.GetAddress(ctx, &GetAddressRequest{
		Address: "0xCLIENT", Amount: helpers.NewBigInt(100000), Token: testToken,
		ClaimerBounty: bounty,
	}, nil, nil)
	if serr == nil || serr.Code != CodeInvalidSequence {
		t.Errorf("missing sequence error = %v, want code %d", serr, CodeInvalidSequence)
	}

	stale := &ClaimerBountyParams{
		StartTimestamp: env.clk.Now().Unix() - 100000,
		AddFee:         helpers.NewBigInt(1000),
		FeePerBlock:    helpers.NewBigInt(10),
	}
	_, serr = h.GetAddress(ctx, &GetAddressRequest{
		Address: "0xCLIENT", Amount: helpers.NewBigInt(100000), Token: testToken,
		Sequence: helpers.NewBigInt(1), ClaimerBounty: stale,
	}, nil, nil)
	if serr == nil || serr.Code != CodeInvalidBounty {
		t.Errorf("stale bounty error = %v, want code %d", serr, CodeInvalidBounty)
	}
}

func TestInfoHandler(t *testing.T) {
	env := newTestEnv(t)
	tobtcln := NewToBtcLnHandler(env.deps)
	frombtcln := NewFromBtcLnHandler(env.deps)
	info := NewInfoHandler(env.deps.Registry, tobtcln, frombtcln)

	resp, serr := info.GetInfo(&InfoRequest{Nonce: "deadbeef"})
	if serr != nil {
		t.Fatalf("GetInfo() error = %v", serr)
	}
	if resp.Address == "" || resp.Signature == "" {
		t.Error("missing top-level signature")
	}
	if _, ok := resp.Chains[testChainID]; !ok {
		t.Errorf("chains = %v, want entry for %s", resp.Chains, testChainID)
	}

	if _, serr := info.GetInfo(&InfoRequest{Nonce: "not-hex!"}); serr == nil || serr.Code != CodeInvalidBody {
		t.Errorf("invalid nonce error = %v, want code %d", serr, CodeInvalidBody)
	}
}
