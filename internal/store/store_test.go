package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"he_alerts/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func row(ticker string, sentiment models.Sentiment, buy, sell string) models.ExtractedRow {
	return models.ExtractedRow{
		Ticker:    ticker,
		Sentiment: sentiment,
		BuyTrade:  decimal.RequireFromString(buy),
		SellTrade: decimal.RequireFromString(sell),
	}
}

func TestReplaceCategory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// 1. Seed two categories.
	require.NoError(t, s.ReplaceCategory(ctx, models.CategoryDaily, []models.ExtractedRow{
		row("AAPL", models.SentimentBullish, "225.00", "241.00"),
		row("TSLA", models.SentimentBearish, "238.00", "262.00"),
	}))
	require.NoError(t, s.ReplaceCategory(ctx, models.CategoryETFs, []models.ExtractedRow{
		row("XLE", models.SentimentBullish, "88.10", "92.40"),
	}))

	// 2. Replace daily; the etfs rows must survive.
	require.NoError(t, s.ReplaceCategory(ctx, models.CategoryDaily, []models.ExtractedRow{
		row("NVDA", models.SentimentNeutral, "1180.25", "1240.75"),
	}))

	daily, err := s.ListCategory(ctx, models.CategoryDaily)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, "NVDA", daily[0].Ticker)
	assert.True(t, daily[0].BuyTrade.Equal(decimal.RequireFromString("1180.25")))

	etfs, err := s.ListCategory(ctx, models.CategoryETFs)
	require.NoError(t, err)
	require.Len(t, etfs, 1)
	assert.Equal(t, "XLE", etfs[0].Ticker)
}

func TestReplaceCategoryAtomicOnViolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceCategory(ctx, models.CategoryDaily, []models.ExtractedRow{
		row("AAPL", models.SentimentBullish, "225.00", "241.00"),
	}))

	// Duplicate ticker in one batch violates the unique constraint; the old
	// contents must remain.
	err := s.ReplaceCategory(ctx, models.CategoryDaily, []models.ExtractedRow{
		row("TSLA", models.SentimentBearish, "238.00", "262.00"),
		row("TSLA", models.SentimentBearish, "239.00", "263.00"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStore)

	daily, err := s.ListCategory(ctx, models.CategoryDaily)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, "AAPL", daily[0].Ticker)
}

func TestUpdatePrice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceCategory(ctx, models.CategoryDaily, []models.ExtractedRow{
		row("AAPL", models.SentimentBullish, "225.00", "241.00"),
	}))

	t0 := time.Now().UTC()

	// 1. First write lands in am_price.
	require.NoError(t, s.UpdatePrice(ctx, "AAPL", models.CategoryDaily, models.SessionAM,
		decimal.RequireFromString("230.15"), t0))

	daily, err := s.ListCategory(ctx, models.CategoryDaily)
	require.NoError(t, err)
	require.NotNil(t, daily[0].AMPrice)
	assert.True(t, daily[0].AMPrice.Equal(decimal.RequireFromString("230.15")))
	assert.Nil(t, daily[0].PMPrice)
	require.NotNil(t, daily[0].LastPriceUpdate)

	// 2. A later PM write succeeds and fills the other column.
	require.NoError(t, s.UpdatePrice(ctx, "AAPL", models.CategoryDaily, models.SessionPM,
		decimal.RequireFromString("231.40"), t0.Add(4*time.Hour)))

	daily, err = s.ListCategory(ctx, models.CategoryDaily)
	require.NoError(t, err)
	require.NotNil(t, daily[0].AMPrice)
	require.NotNil(t, daily[0].PMPrice)

	// 3. A stale timestamp is rejected.
	err = s.UpdatePrice(ctx, "AAPL", models.CategoryDaily, models.SessionAM,
		decimal.RequireFromString("229.00"), t0)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStore)

	// 4. Unknown rows are rejected.
	err = s.UpdatePrice(ctx, "ZZZZ", models.CategoryDaily, models.SessionAM,
		decimal.RequireFromString("1.00"), time.Now().UTC())
	require.Error(t, err)
}

func TestContractCacheLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceCategory(ctx, models.CategoryDigitalAssets, []models.ExtractedRow{
		row("BTC-USD", models.SentimentBullish, "89012.00", "96968.00"),
	}))

	// 1. Empty before any resolution.
	desc, resolved, err := s.GetContract(ctx, "BTC-USD", models.CategoryDigitalAssets)
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.Empty(t, desc)

	// 2. Cache a descriptor and read it back.
	payload := `{"kind":"CRYPTO","exchange":"PAXOS","currency":"USD","symbol":"BTC"}`
	require.NoError(t, s.CacheContract(ctx, "BTC-USD", models.CategoryDigitalAssets, payload))

	desc, resolved, err = s.GetContract(ctx, "BTC-USD", models.CategoryDigitalAssets)
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.Equal(t, payload, desc)

	// 3. A category replace invalidates the cache with the row.
	require.NoError(t, s.ReplaceCategory(ctx, models.CategoryDigitalAssets, []models.ExtractedRow{
		row("BTC-USD", models.SentimentBullish, "90000.00", "97000.00"),
	}))
	_, resolved, err = s.GetContract(ctx, "BTC-USD", models.CategoryDigitalAssets)
	require.NoError(t, err)
	assert.False(t, resolved)
}

func TestListActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceCategory(ctx, models.CategoryDaily, []models.ExtractedRow{
		row("AAPL", models.SentimentBullish, "225.00", "241.00"),
	}))
	require.NoError(t, s.ReplaceCategory(ctx, models.CategoryIdeas, []models.ExtractedRow{
		row("MSFT", models.SentimentNeutral, "410.00", "432.00"),
	}))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	// Ordered by category then ticker.
	assert.Equal(t, "AAPL", active[0].Ticker)
	assert.Equal(t, "MSFT", active[1].Ticker)
}

func TestSessionRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := &models.SessionRun{
		Job:        "session",
		Session:    models.SessionAM,
		TradingDay: "2026-08-24",
		StartedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.StartSessionRun(ctx, run))
	require.NotZero(t, run.ID)

	run.StocksPriced = 12
	run.AlertsFired = 3
	require.NoError(t, s.FinishSessionRun(ctx, run))

	runs, err := s.SessionRuns(ctx, "2026-08-24")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "session", runs[0].Job)
	assert.Equal(t, models.SessionAM, runs[0].Session)
	assert.Equal(t, 12, runs[0].StocksPriced)
	assert.Equal(t, 3, runs[0].AlertsFired)
	require.NotNil(t, runs[0].FinishedAt)
}
