// Package market provides asset-metadata lookups used to refine contract
// classification. The production backend is Alpaca's asset catalog, which
// knows whether a symbol is a US equity or a crypto pair without needing a
// broker session.
package market

import (
	"context"
	"sync"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/phuslu/log"
)

// AlpacaCatalog answers asset-class lookups against the Alpaca trading API.
// Results are memoized for the process lifetime; the catalog barely changes
// intraday.
type AlpacaCatalog struct {
	client *alpaca.Client

	mu    sync.Mutex
	known map[string]string
	miss  map[string]struct{}
}

// NewAlpacaCatalog builds a catalog client. Credentials come from the
// standard APCA_API_KEY_ID / APCA_API_SECRET_KEY environment variables.
func NewAlpacaCatalog(baseURL string) *AlpacaCatalog {
	client := alpaca.NewClient(alpaca.ClientOpts{BaseURL: baseURL})
	return &AlpacaCatalog{
		client: client,
		known:  make(map[string]string),
		miss:   make(map[string]struct{}),
	}
}

// AssetClass returns the asset class for a symbol ("us_equity", "crypto")
// and whether the catalog knows it. Lookup failures are treated as unknown
// so classification falls back to its heuristics.
func (c *AlpacaCatalog) AssetClass(ctx context.Context, symbol string) (string, bool) {
	c.mu.Lock()
	if class, ok := c.known[symbol]; ok {
		c.mu.Unlock()
		return class, true
	}
	if _, missed := c.miss[symbol]; missed {
		c.mu.Unlock()
		return "", false
	}
	c.mu.Unlock()

	asset, err := c.client.GetAsset(symbol)
	if err != nil || asset == nil {
		log.Debug().Str("symbol", symbol).Err(err).Msg("asset catalog miss")
		c.mu.Lock()
		c.miss[symbol] = struct{}{}
		c.mu.Unlock()
		return "", false
	}

	class := string(asset.Class)
	c.mu.Lock()
	c.known[symbol] = class
	c.mu.Unlock()
	return class, true
}
