// Package contract classifies tickers into tradable instrument descriptors
// for the broker gateway: what kind of instrument it is, where to route the
// quote request and which symbol variant to send.
package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/phuslu/log"

	"he_alerts/internal/models"
)

// Kind is the instrument classification.
type Kind string

const (
	KindStock  Kind = "STOCK"
	KindETF    Kind = "ETF"
	KindCrypto Kind = "CRYPTO"
	KindFuture Kind = "FUTURE"
	KindIndex  Kind = "INDEX"
)

// Descriptor is the resolved routing record the price fetcher sends with a
// snapshot request. It serializes to JSON for the store's contract cache.
type Descriptor struct {
	Symbol   string `json:"symbol"`
	Kind     Kind   `json:"kind"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

func (d Descriptor) JSON() string {
	b, _ := json.Marshal(d)
	return string(b)
}

// overrides wins over every other rule. Crypto-exposed equities stay stocks
// even under digitalassets; suffixed cryptocurrencies are always crypto.
var overrides = map[string]Kind{
	"IBIT": KindStock, "MSTR": KindStock, "MARA": KindStock, "RIOT": KindStock,
	"ETHA": KindStock, "BLOK": KindStock, "COIN": KindStock, "BITO": KindStock,
	"CLSK": KindStock, "HUT": KindStock, "BITF": KindStock,
	"BTC-USD": KindCrypto, "ETH-USD": KindCrypto, "SOL-USD": KindCrypto,
}

// Cache is the store-backed descriptor cache. Entries live with their stock
// row; the category replace wipes them.
type Cache interface {
	GetContract(ctx context.Context, ticker string, category models.Category) (string, bool, error)
	CacheContract(ctx context.Context, ticker string, category models.Category, descriptor string) error
}

// AssetCatalog answers asset-metadata lookups used to refine ambiguous
// classifications. Optional; a nil catalog disables refinement.
type AssetCatalog interface {
	AssetClass(ctx context.Context, symbol string) (string, bool)
}

// Resolver turns (ticker, category) pairs into cached descriptors.
type Resolver struct {
	cache   Cache
	catalog AssetCatalog
}

func New(cache Cache, catalog AssetCatalog) *Resolver {
	return &Resolver{cache: cache, catalog: catalog}
}

// Resolve returns the descriptor for a row, consulting the persistent cache
// first.
func (r *Resolver) Resolve(ctx context.Context, ticker string, category models.Category) (Descriptor, error) {
	if r.cache != nil {
		raw, ok, err := r.cache.GetContract(ctx, ticker, category)
		if err != nil {
			return Descriptor{}, err
		}
		if ok && raw != "" {
			var d Descriptor
			if err := json.Unmarshal([]byte(raw), &d); err == nil {
				return d, nil
			}
			log.Warn().Str("ticker", ticker).Msg("discarding unreadable cached contract")
		}
	}

	d := r.build(ctx, ticker, category)
	if r.cache != nil {
		if err := r.cache.CacheContract(ctx, ticker, category, d.JSON()); err != nil {
			return Descriptor{}, err
		}
	}
	log.Debug().Str("ticker", ticker).Str("kind", string(d.Kind)).
		Str("exchange", d.Exchange).Msg("contract resolved")
	return d, nil
}

// Classify applies the rule chain: explicit override, category default, then
// symbol-pattern heuristics.
func (r *Resolver) Classify(ctx context.Context, ticker string, category models.Category) Kind {
	symbol := strings.ToUpper(ticker)

	if kind, ok := overrides[symbol]; ok {
		return kind
	}

	switch category {
	case models.CategoryETFs:
		return KindETF
	case models.CategoryDigitalAssets:
		return KindCrypto
	}

	switch {
	case strings.HasSuffix(symbol, "=F"):
		return KindFuture
	case strings.HasPrefix(symbol, "^"):
		return KindIndex
	case strings.HasSuffix(symbol, "-USD"):
		return KindCrypto
	}

	if r.catalog != nil {
		if class, ok := r.catalog.AssetClass(ctx, symbol); ok && strings.EqualFold(class, "crypto") {
			return KindCrypto
		}
	}
	return KindStock
}

// build constructs the descriptor for a classification: equities route to
// SMART, crypto to PAXOS, futures to CME and indices to CBOE, all quoted in
// USD.
func (r *Resolver) build(ctx context.Context, ticker string, category models.Category) Descriptor {
	symbol := strings.ToUpper(ticker)
	kind := r.Classify(ctx, ticker, category)
	switch kind {
	case KindCrypto:
		return Descriptor{Symbol: strings.TrimSuffix(symbol, "-USD"), Kind: kind, Exchange: "PAXOS", Currency: "USD"}
	case KindFuture:
		return Descriptor{Symbol: strings.TrimSuffix(symbol, "=F"), Kind: kind, Exchange: "CME", Currency: "USD"}
	case KindIndex:
		return Descriptor{Symbol: strings.TrimPrefix(symbol, "^"), Kind: kind, Exchange: "CBOE", Currency: "USD"}
	default:
		return Descriptor{Symbol: symbol, Kind: kind, Exchange: "SMART", Currency: "USD"}
	}
}

// MustDescriptor parses a cached descriptor, for callers that already
// validated the cache entry.
func MustDescriptor(raw string) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Descriptor{}, fmt.Errorf("parse contract descriptor: %w", err)
	}
	return d, nil
}
