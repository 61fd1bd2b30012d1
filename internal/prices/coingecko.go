package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"time"
)

// defaultCoinGeckoURL is the public API base.
const defaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGecko fetches token prices from the CoinGecko simple-price API,
// denominated in msat per whole token.
type CoinGecko struct {
	baseURL string
	client  *http.Client
}

// NewCoinGecko creates a CoinGecko price source. An empty baseURL selects the
// public API.
func NewCoinGecko(baseURL string) *CoinGecko {
	if baseURL == "" {
		baseURL = defaultCoinGeckoURL
	}
	return &CoinGecko{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchPrice returns the coin's price in msat per whole token.
func (c *CoinGecko) FetchPrice(ctx context.Context, coinID string) (*big.Int, error) {
	reqURL := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=btc&precision=full",
		c.baseURL, url.QueryEscape(coinID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coingecko request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko status %d", resp.StatusCode)
	}

	var body map[string]struct {
		BTC float64 `json:"btc"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("coingecko decode failed: %w", err)
	}

	entry, ok := body[coinID]
	if !ok || entry.BTC <= 0 {
		return nil, fmt.Errorf("coingecko returned no price for %s", coinID)
	}

	// BTC price -> msat per whole token. 1 BTC = 1e11 msat.
	return big.NewInt(int64(math.Round(entry.BTC * 1e11))), nil
}
