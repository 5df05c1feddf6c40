package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"he_alerts/internal/contract"
	"he_alerts/internal/models"
)

// Resolver is the slice of the contract resolver the fetcher needs.
type Resolver interface {
	Resolve(ctx context.Context, ticker string, category models.Category) (contract.Descriptor, error)
}

// Result is one ticker's outcome: a quote or the error that prevented one.
type Result struct {
	Quote *models.Quote
	Err   error
}

// Fetcher batches snapshot requests against a gateway session, pacing
// submissions and bounding in-flight requests.
type Fetcher struct {
	quoter      Quoter
	resolver    Resolver
	limiter     *rate.Limiter
	parallelism int
	perTicker   time.Duration
}

// NewFetcher builds a fetcher over an open gateway session. spacing is the
// minimum gap between submissions; perTicker is each request's deadline.
func NewFetcher(quoter Quoter, resolver Resolver, spacing time.Duration, parallelism int, perTicker time.Duration) *Fetcher {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Fetcher{
		quoter:      quoter,
		resolver:    resolver,
		limiter:     rate.NewLimiter(rate.Every(spacing), 1),
		parallelism: parallelism,
		perTicker:   perTicker,
	}
}

// FetchPrices requests a snapshot for every stock, in submission order, and
// returns per-ticker results. Per-ticker failures never abort the batch.
func (f *Fetcher) FetchPrices(ctx context.Context, stocks []models.Stock) map[string]Result {
	results := make(map[string]Result, len(stocks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, f.parallelism)

	for _, stock := range stocks {
		// Pacing gates the submission, not the response wait.
		if err := f.limiter.Wait(ctx); err != nil {
			mu.Lock()
			results[stock.Ticker] = Result{Err: err}
			mu.Unlock()
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(stock models.Stock) {
			defer wg.Done()
			defer func() { <-sem }()

			res := f.fetchOne(ctx, stock)
			mu.Lock()
			results[stock.Ticker] = res
			mu.Unlock()
		}(stock)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r.Err == nil {
			ok++
		}
	}
	log.Info().Int("requested", len(stocks)).Int("quoted", ok).Msg("price fetch complete")
	return results
}

func (f *Fetcher) fetchOne(ctx context.Context, stock models.Stock) Result {
	desc, err := f.resolver.Resolve(ctx, stock.Ticker, stock.Category)
	if err != nil {
		return Result{Err: fmt.Errorf("resolve %s: %w", stock.Ticker, err)}
	}

	callCtx := ctx
	if f.perTicker > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.perTicker)
		defer cancel()
	}

	snap, err := f.quoter.Snapshot(callCtx, desc)
	if err != nil {
		log.Warn().Err(err).Str("ticker", stock.Ticker).Msg("snapshot failed")
		return Result{Err: err}
	}

	quote, err := quoteFromSnapshot(snap)
	if err != nil {
		log.Warn().Str("ticker", stock.Ticker).Msg("snapshot carried no usable price")
		return Result{Err: err}
	}
	return Result{Quote: quote}
}

// quoteFromSnapshot applies the fallback chain: last, then close, then the
// bid/ask midpoint. The accepted source is tagged on the quote.
func quoteFromSnapshot(snap *Snapshot) (*models.Quote, error) {
	at := snap.At
	if at.IsZero() {
		at = time.Now()
	}
	switch {
	case snap.Last != nil && snap.Last.IsPositive():
		return &models.Quote{Last: *snap.Last, Source: "last", At: at}, nil
	case snap.Close != nil && snap.Close.IsPositive():
		return &models.Quote{Last: *snap.Close, Source: "close", At: at}, nil
	case snap.Bid != nil && snap.Ask != nil && snap.Bid.IsPositive() && snap.Ask.IsPositive():
		mid := snap.Bid.Add(*snap.Ask).Div(two)
		return &models.Quote{Last: mid, Source: "midpoint", At: at}, nil
	}
	return nil, models.ErrNoQuote
}

var two = decimal.NewFromInt(2)
