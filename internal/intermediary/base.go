package intermediary

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/crossport-exchange/crossport/internal/btc"
	"github.com/crossport-exchange/crossport/internal/btcwallet"
	"github.com/crossport-exchange/crossport/internal/chains"
	"github.com/crossport-exchange/crossport/internal/config"
	"github.com/crossport-exchange/crossport/internal/lightning"
	"github.com/crossport-exchange/crossport/internal/prices"
	"github.com/crossport-exchange/crossport/pkg/logging"
)

// swapLockLease bounds how long one side-effect owner may hold a swap lock
// before the watchdog may reclaim it.
const swapLockLease = 60 * time.Second

// Handler is one swap-direction state machine.
type Handler interface {
	// Kind returns the storage namespace of this handler.
	Kind() string

	// Info returns the static parameters clients discover via /info.
	Info() *HandlerInfo

	// Start loads persisted swaps and runs the watchdog until ctx ends.
	Start(ctx context.Context) error

	// HandleEvent advances swaps on a smart-chain escrow event. Events of
	// one chain arrive serially.
	HandleEvent(ctx context.Context, ev *chains.Event)
}

// HandlerInfo is the static per-handler discovery payload.
type HandlerInfo struct {
	SwapFeePPM  uint64              `json:"swapFeePPM"`
	SwapBaseFee uint64              `json:"swapBaseFee"`
	Min         uint64              `json:"min"`
	Max         uint64              `json:"max"`
	Chains      map[string][]string `json:"chainTokens"`
	Data        map[string]any      `json:"data,omitempty"`
}

// Deps bundles the collaborators the handlers are constructed from.
type Deps struct {
	Config    *config.Config
	Registry  *chains.Registry
	Oracle    *prices.Oracle
	Store     SwapStore
	Clock     clock.Clock
	BtcRpc    btc.Rpc
	BtcWallet *btcwallet.Wallet
	Lightning lightning.Wallet
}

// baseHandler carries the shared state and helpers of all four handlers.
type baseHandler struct {
	cfg      *config.Config
	registry *chains.Registry
	oracle   *prices.Oracle
	store    SwapStore
	clock    clock.Clock
	locks    *LockMap
	log      *logging.Logger
}

func newBase(deps *Deps, component string) baseHandler {
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return baseHandler{
		cfg:      deps.Config,
		registry: deps.Registry,
		oracle:   deps.Oracle,
		store:    deps.Store,
		clock:    clk,
		locks:    NewLockMap(clk),
		log:      logging.GetDefault().Component(component),
	}
}

// resolveChain maps an optional chain identifier to its contract, defaulting
// to the first registered chain.
func (b *baseHandler) resolveChain(chainID string) (chains.Contract, *Error) {
	if chainID == "" {
		ids := b.registry.ChainIDs()
		if len(ids) == 0 {
			return nil, NewError(CodeInvalidChain, "no chains configured")
		}
		chainID = ids[0]
	}
	contract, err := b.registry.Get(chainID)
	if err != nil {
		return nil, NewError(CodeInvalidChain, "invalid chain")
	}
	return contract, nil
}

// checkToken validates the token against the chain's allow list.
func (b *baseHandler) checkToken(contract chains.Contract, token string) *Error {
	if !contract.IsValidToken(token) {
		return NewError(CodeInvalidBody, "invalid token")
	}
	return nil
}

// checkBounds applies the 5% acceptance band; on rejection the {min, max}
// hint is converted to token units for the client.
func (b *baseHandler) checkBounds(ctx context.Context, amountSats, minSats, maxSats uint64, chainID, token string, pre *prices.Prefetch) (uint64, *Error) {
	amount, code := CheckAmountBounds(amountSats, minSats, maxSats)
	if code == 0 {
		return amount, nil
	}

	hint := map[string]string{"min": "", "max": ""}
	if minToken, err := b.oracle.GetFromBtcSwapAmount(ctx, new(big.Int).SetUint64(minSats), chainID, token, false, pre); err == nil {
		hint["min"] = minToken.String()
	}
	if maxToken, err := b.oracle.GetFromBtcSwapAmount(ctx, new(big.Int).SetUint64(maxSats), chainID, token, false, pre); err == nil {
		hint["max"] = maxToken.String()
	}

	msg := "amount too low"
	if code == CodeAmountTooHigh {
		msg = "amount too high"
	}
	return amount, NewErrorData(code, msg, hint)
}

// oracleError maps a price-oracle failure to a business error.
func (b *baseHandler) oracleError(err error) *Error {
	if errors.Is(err, prices.ErrTokenNotFound) || errors.Is(err, prices.ErrChainNotFound) {
		return NewError(CodeInvalidBody, "unknown token")
	}
	return &Error{Code: CodePluginMessage, Msg: "price fetch failed", HTTPStatus: 500}
}

// tokenChains builds the per-chain token map for Info.
func (b *baseHandler) tokenChains() map[string][]string {
	out := make(map[string][]string)
	for _, id := range b.registry.ChainIDs() {
		out[id] = b.oracle.Tokens(id)
	}
	return out
}

// runWatchdog drives iterate on every tick until ctx ends. One loop per
// handler; iterations never overlap.
func runWatchdog(ctx context.Context, t ticker.Ticker, iterate func(ctx context.Context)) {
	t.Resume()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Ticks():
			iterate(ctx)
		}
	}
}

// Dispatcher pumps escrow events from every registered chain into the
// handlers. Each chain gets one goroutine, so per-chain ordering is
// preserved while chains progress independently.
type Dispatcher struct {
	registry *chains.Registry
	handlers []Handler
	log      *logging.Logger
}

// NewDispatcher creates a dispatcher over the registered chains.
func NewDispatcher(registry *chains.Registry, handlers ...Handler) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		handlers: handlers,
		log:      logging.GetDefault().Component("dispatch"),
	}
}

// Start begins event delivery; the pumps stop when ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	for _, contract := range d.registry.All() {
		events, err := contract.Start(ctx)
		if err != nil {
			return err
		}
		go d.pump(ctx, contract.ChainID(), events)
	}
	return nil
}

func (d *Dispatcher) pump(ctx context.Context, chainID string, events <-chan *chains.Event) {
	for ev := range events {
		d.log.Debug("dispatching event",
			"chain", chainID, "type", ev.Type.String(), "hash", ev.PaymentHash)
		for _, h := range d.handlers {
			h.HandleEvent(ctx, ev)
		}
	}
}
