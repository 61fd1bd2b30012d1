package intermediary

import (
	"context"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/crossport-exchange/crossport/internal/btc"
	"github.com/crossport-exchange/crossport/internal/chains"
	"github.com/crossport-exchange/crossport/internal/config"
	"github.com/crossport-exchange/crossport/internal/lightning"
	"github.com/crossport-exchange/crossport/internal/prices"
	"github.com/crossport-exchange/crossport/internal/storage"
	"github.com/crossport-exchange/crossport/pkg/helpers"
)

const (
	testChainID = "TEST"
	testToken   = "TOK"
)

// mockContract is an in-memory chains.Contract. The price of testToken is
// fixed at 1000 sats with zero decimals, so token amounts equal satoshi
// amounts throughout the tests.
type mockContract struct {
	clk clock.Clock

	mu           sync.Mutex
	balance      *big.Int
	commitStatus map[string]chains.CommitStatus
	claims       []claimRecord
	refunds      []string
	claimErr     error
	events       chan *chains.Event
}

type claimRecord struct {
	paymentHash string
	secretHex   string
}

func newMockContract(clk clock.Clock) *mockContract {
	return &mockContract{
		clk:          clk,
		balance:      new(big.Int).SetUint64(1000000000),
		commitStatus: make(map[string]chains.CommitStatus),
		events:       make(chan *chains.Event),
	}
}

func (c *mockContract) ChainID() string { return testChainID }
func (c *mockContract) Address() string { return "0xINTERMEDIARY" }

func (c *mockContract) IsValidToken(token string) bool { return token == testToken }

func (c *mockContract) setCommitStatus(paymentHash string, status chains.CommitStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitStatus[paymentHash] = status
}

func (c *mockContract) GetCommitStatus(ctx context.Context, data *chains.SwapData) (chains.CommitStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitStatus[data.PaymentHash], nil
}

func (c *mockContract) GetInitSignature(ctx context.Context, data *chains.SwapData, authTimeout time.Duration) (*chains.Signature, error) {
	return &chains.Signature{
		Prefix:    "claim_initialize",
		Timeout:   c.clk.Now().Add(authTimeout).Unix(),
		Signature: "initsig-" + data.PaymentHash,
		Address:   c.Address(),
	}, nil
}

func (c *mockContract) GetRefundSignature(ctx context.Context, data *chains.SwapData) (*chains.Signature, error) {
	return &chains.Signature{
		Prefix:    "refund",
		Timeout:   c.clk.Now().Add(10 * time.Minute).Unix(),
		Signature: "refundsig-" + data.PaymentHash,
		Address:   c.Address(),
	}, nil
}

func (c *mockContract) ClaimWithSecret(ctx context.Context, data *chains.SwapData, secret []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimErr != nil {
		return "", c.claimErr
	}
	c.claims = append(c.claims, claimRecord{
		paymentHash: data.PaymentHash,
		secretHex:   helpers.BytesToHex(secret),
	})
	return "claimtx", nil
}

func (c *mockContract) ClaimWithTxData(ctx context.Context, data *chains.SwapData, rawTx []byte, proof *btc.TransactionMerkle) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimErr != nil {
		return "", c.claimErr
	}
	c.claims = append(c.claims, claimRecord{paymentHash: data.PaymentHash})
	return "claimtx", nil
}

func (c *mockContract) Refund(ctx context.Context, data *chains.SwapData) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refunds = append(c.refunds, data.PaymentHash)
	return "refundtx", nil
}

func (c *mockContract) GetBalance(ctx context.Context, token string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance), nil
}

func (c *mockContract) GetRefundFee(ctx context.Context, data *chains.SwapData) (*big.Int, error) {
	return big.NewInt(1000), nil
}

func (c *mockContract) HasRawRefundFee() bool { return true }

func (c *mockContract) GetRawRefundFee(ctx context.Context, data *chains.SwapData) (*big.Int, error) {
	return big.NewInt(1000), nil
}

func (c *mockContract) GetHashForOnchain(outputScript []byte, amount *big.Int, nonce *big.Int) []byte {
	return chains.HashForOnchain(outputScript, amount, nonce)
}

func (c *mockContract) SignMessage(msg []byte) (*chains.Signature, error) {
	return &chains.Signature{Signature: "msgsig", Address: c.Address()}, nil
}

func (c *mockContract) Start(ctx context.Context) (<-chan *chains.Event, error) {
	return c.events, nil
}

func (c *mockContract) Close() error { return nil }

func (c *mockContract) claimCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

// mockLn is an in-memory lightning.Wallet.
type mockLn struct {
	clk clock.Clock

	mu sync.Mutex

	invoices  map[string]*lightning.InvoiceStatus
	decodable map[string]*lightning.Invoice
	payments  map[string]*lightning.PaymentResult
	settled   [][]byte
	canceled  [][]byte

	balanceMsat int64
	blockHeight uint32

	probe    *lightning.RouteProbe
	probeErr error
	// paymentLookupErr simulates a transport failure on GetPayment.
	paymentLookupErr error
	// payOutcome is recorded as the payment result of every dispatched
	// payment.
	payOutcome *lightning.PaymentResult
}

func newMockLn(clk clock.Clock) *mockLn {
	return &mockLn{
		clk:         clk,
		invoices:    make(map[string]*lightning.InvoiceStatus),
		decodable:   make(map[string]*lightning.Invoice),
		payments:    make(map[string]*lightning.PaymentResult),
		balanceMsat: 10000000000,
		blockHeight: 800000,
		probe:       &lightning.RouteProbe{FeeMsat: 1000000, Confidence: 0.95},
	}
}

func (l *mockLn) AddHoldInvoice(ctx context.Context, params *lightning.HoldInvoiceParams) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pr := "lnholdinv" + helpers.BytesToHex(params.Hash)[:16]
	l.invoices[helpers.BytesToHex(params.Hash)] = &lightning.InvoiceStatus{
		State:          lightning.InvoiceOpen,
		PaymentRequest: pr,
	}
	l.decodable[pr] = &lightning.Invoice{
		PaymentHash: params.Hash,
		AmountMsat:  params.ValueSats * 1000,
		Timestamp:   l.clk.Now(),
		Expiry:      params.Expiry,
	}
	return pr, nil
}

func (l *mockLn) setInvoiceState(hashHex string, state lightning.InvoiceState, htlcExpiry int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv := l.invoices[hashHex]
	inv.State = state
	inv.HtlcExpiryHeight = htlcExpiry
}

// registerInvoice makes a payment request decodable for the payout direction.
func (l *mockLn) registerInvoice(pr string, inv *lightning.Invoice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decodable[pr] = inv
}

func (l *mockLn) CancelHoldInvoice(ctx context.Context, hash []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, ok := l.invoices[helpers.BytesToHex(hash)]
	if !ok {
		return lightning.ErrInvoiceNotFound
	}
	status.State = lightning.InvoiceCanceled
	l.canceled = append(l.canceled, hash)
	return nil
}

func (l *mockLn) SettleHoldInvoice(ctx context.Context, preimage []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settled = append(l.settled, preimage)
	return nil
}

func (l *mockLn) LookupInvoice(ctx context.Context, hash []byte) (*lightning.InvoiceStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, ok := l.invoices[helpers.BytesToHex(hash)]
	if !ok {
		return nil, lightning.ErrInvoiceNotFound
	}
	copied := *status
	return &copied, nil
}

func (l *mockLn) SubscribeInvoice(ctx context.Context, hash []byte) (<-chan *lightning.InvoiceStatus, error) {
	ch := make(chan *lightning.InvoiceStatus)
	close(ch)
	return ch, nil
}

func (l *mockLn) PayInvoice(ctx context.Context, params *lightning.PaymentParams) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	invoice, ok := l.decodable[params.PaymentRequest]
	if !ok {
		return lightning.ErrNoRoute
	}
	outcome := l.payOutcome
	if outcome == nil {
		outcome = &lightning.PaymentResult{Status: lightning.PaymentInFlight}
	}
	copied := *outcome
	l.payments[helpers.BytesToHex(invoice.PaymentHash)] = &copied
	return nil
}

func (l *mockLn) TrackPayment(ctx context.Context, hash []byte) (<-chan *lightning.PaymentResult, error) {
	l.mu.Lock()
	result, ok := l.payments[helpers.BytesToHex(hash)]
	l.mu.Unlock()
	if !ok {
		return nil, lightning.ErrPaymentNotFound
	}
	ch := make(chan *lightning.PaymentResult, 1)
	if result.Status != lightning.PaymentInFlight {
		ch <- result
	}
	close(ch)
	return ch, nil
}

func (l *mockLn) GetPayment(ctx context.Context, hash []byte) (*lightning.PaymentResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paymentLookupErr != nil {
		return nil, l.paymentLookupErr
	}
	result, ok := l.payments[helpers.BytesToHex(hash)]
	if !ok {
		return nil, lightning.ErrPaymentNotFound
	}
	copied := *result
	return &copied, nil
}

func (l *mockLn) ProbeRoute(ctx context.Context, invoice *lightning.Invoice, maxFeeMsat int64, maxTimeoutHeight int32) (*lightning.RouteProbe, error) {
	if l.probeErr != nil {
		return nil, l.probeErr
	}
	return l.probe, nil
}

func (l *mockLn) DecodeInvoice(paymentRequest string) (*lightning.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	invoice, ok := l.decodable[paymentRequest]
	if !ok {
		return nil, lightning.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (l *mockLn) GetInfo(ctx context.Context) (*lightning.NodeInfo, error) {
	return &lightning.NodeInfo{PubKey: "testnode", BlockHeight: l.blockHeight, SyncedToChain: true}, nil
}

func (l *mockLn) GetChannelBalance(ctx context.Context) (int64, error) {
	return l.balanceMsat, nil
}

func (l *mockLn) Close() error { return nil }

func (l *mockLn) settledCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.settled)
}

// testEnv bundles the mocks behind a Deps ready for handler construction.
type testEnv struct {
	deps     *Deps
	contract *mockContract
	ln       *mockLn
	clk      *clock.TestClock
	store    *storage.Storage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "crossport-intermediary-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	contract := newMockContract(clk)

	registry := chains.NewRegistry()
	registry.Register(contract)

	oracle := prices.NewOracle(nil, map[string]map[string]prices.TokenInfo{
		testChainID: {testToken: {CoinID: "$fixed-1000", Decimals: 0}},
	}, 0, clk)

	ln := newMockLn(clk)
	return &testEnv{
		deps: &Deps{
			Config:    config.DefaultConfig(),
			Registry:  registry,
			Oracle:    oracle,
			Store:     store,
			Clock:     clk,
			Lightning: ln,
		},
		contract: contract,
		ln:       ln,
		clk:      clk,
		store:    store,
	}
}

// waitFor polls until cond holds or the deadline passes. Used where a handler
// finishes work on a background goroutine.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
