// Package prices maps smart-chain tokens to Bitcoin prices and converts swap
// amounts between satoshi and token denominations.
package prices

import (
	"context"
	"errors"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/crossport-exchange/crossport/pkg/helpers"
)

// Lookup errors.
var (
	ErrChainNotFound = errors.New("chain not found")
	ErrTokenNotFound = errors.New("token not found")
)

// fixedPrefix marks a coin id carrying its own price instead of a market
// symbol, e.g. "$fixed-1500" for 1500 sats per whole token.
const fixedPrefix = "$fixed-"

// million scales msat prices to micro-sat precision before integer division.
var million = big.NewInt(1000000)

// TokenInfo describes a priced token on one smart chain.
type TokenInfo struct {
	CoinID   string
	Decimals uint8
}

// Source fetches the current price of a coin in msat per whole token.
type Source interface {
	FetchPrice(ctx context.Context, coinID string) (*big.Int, error)
}

// Oracle converts between satoshi and token amounts using cached market
// prices. Prices older than the cache timeout are re-fetched.
type Oracle struct {
	source       Source
	cacheTimeout time.Duration
	clock        clock.Clock

	tokens map[string]map[string]TokenInfo

	mu    sync.Mutex
	cache map[string]cachedPrice
}

type cachedPrice struct {
	price   *big.Int
	fetched time.Time
}

// NewOracle creates an oracle over the given price source. The token registry
// maps chain identifier to token address to token info.
func NewOracle(source Source, tokens map[string]map[string]TokenInfo, cacheTimeout time.Duration, clk clock.Clock) *Oracle {
	if cacheTimeout == 0 {
		cacheTimeout = 15 * time.Second
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Oracle{
		source:       source,
		cacheTimeout: cacheTimeout,
		clock:        clk,
		tokens:       tokens,
		cache:        make(map[string]cachedPrice),
	}
}

// GetTokenData looks up the token info for a chain and token address.
func (o *Oracle) GetTokenData(chainID, tokenAddress string) (TokenInfo, error) {
	chain, ok := o.tokens[chainID]
	if !ok {
		return TokenInfo{}, ErrChainNotFound
	}
	info, ok := chain[tokenAddress]
	if !ok {
		return TokenInfo{}, ErrTokenNotFound
	}
	return info, nil
}

// Tokens returns the token addresses registered for a chain.
func (o *Oracle) Tokens(chainID string) []string {
	var out []string
	for addr := range o.tokens[chainID] {
		out = append(out, addr)
	}
	return out
}

// GetPrice returns the price of the token in msat per whole token, serving
// from cache when fresh enough.
func (o *Oracle) GetPrice(ctx context.Context, info TokenInfo) (*big.Int, error) {
	if strings.HasPrefix(info.CoinID, fixedPrefix) {
		f, err := strconv.ParseFloat(strings.TrimPrefix(info.CoinID, fixedPrefix), 64)
		if err != nil {
			return nil, err
		}
		return big.NewInt(int64(math.Floor(f * 1000))), nil
	}

	o.mu.Lock()
	entry, ok := o.cache[info.CoinID]
	o.mu.Unlock()
	if ok && o.clock.Now().Sub(entry.fetched) < o.cacheTimeout {
		return entry.price, nil
	}

	price, err := o.source.FetchPrice(ctx, info.CoinID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.cache[info.CoinID] = cachedPrice{price: price, fetched: o.clock.Now()}
	o.mu.Unlock()

	return price, nil
}

// Prefetch is a pending price fetch started ahead of its use.
type Prefetch struct {
	done  chan struct{}
	price *big.Int
	err   error
}

// Await blocks until the fetch settles or ctx is cancelled.
func (p *Prefetch) Await(ctx context.Context) (*big.Int, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-p.done:
		return p.price, p.err
	}
}

// PreFetchPrice starts fetching the token's price concurrently and returns a
// handle the caller joins later.
func (o *Oracle) PreFetchPrice(ctx context.Context, info TokenInfo) *Prefetch {
	p := &Prefetch{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.price, p.err = o.GetPrice(ctx, info)
	}()
	return p
}

// resolvePrice joins the prefetch when given, falling back to a direct fetch.
func (o *Oracle) resolvePrice(ctx context.Context, info TokenInfo, pre *Prefetch) (*big.Int, error) {
	if pre != nil {
		return pre.Await(ctx)
	}
	return o.GetPrice(ctx, info)
}

// GetToBtcSwapAmount converts a token amount to satoshi. With roundUp the
// result is rounded towards the next satoshi instead of truncated.
func (o *Oracle) GetToBtcSwapAmount(ctx context.Context, amount *big.Int, chainID, tokenAddress string, roundUp bool, pre *Prefetch) (*big.Int, error) {
	info, err := o.GetTokenData(chainID, tokenAddress)
	if err != nil {
		return nil, err
	}
	price, err := o.resolvePrice(ctx, info, pre)
	if err != nil {
		return nil, err
	}

	// amount * price is msat scaled by the token's decimals; divide down to
	// whole-token msat, then by 10^6 to land on satoshi.
	out := new(big.Int).Mul(amount, price)
	out.Div(out, helpers.TenPow(info.Decimals))
	if roundUp {
		out.Add(out, new(big.Int).Sub(million, big.NewInt(1)))
	}
	return out.Div(out, million), nil
}

// GetFromBtcSwapAmount converts a satoshi amount to the token denomination.
func (o *Oracle) GetFromBtcSwapAmount(ctx context.Context, sats *big.Int, chainID, tokenAddress string, roundUp bool, pre *Prefetch) (*big.Int, error) {
	info, err := o.GetTokenData(chainID, tokenAddress)
	if err != nil {
		return nil, err
	}
	price, err := o.resolvePrice(ctx, info, pre)
	if err != nil {
		return nil, err
	}

	out := new(big.Int).Mul(sats, helpers.TenPow(info.Decimals))
	out.Mul(out, million)
	if roundUp {
		out.Add(out, new(big.Int).Sub(price, big.NewInt(1)))
	}
	return out.Div(out, price), nil
}
