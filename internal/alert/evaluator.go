// Package alert evaluates session prices against threshold rows and emits
// deduplicated alerts.
package alert

import (
	"sort"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/shopspring/decimal"

	"he_alerts/internal/models"
)

// rule is one row of the sentiment matrix: for a sentiment, compare the
// session price against a threshold and emit a kind.
type rule struct {
	kind      models.AlertKind
	threshold func(s *models.Stock) decimal.Decimal
	match     func(p, threshold decimal.Decimal) bool
}

var atOrBelow = func(p, t decimal.Decimal) bool { return p.LessThanOrEqual(t) }
var atOrAbove = func(p, t decimal.Decimal) bool { return p.GreaterThanOrEqual(t) }

var buyThreshold = func(s *models.Stock) decimal.Decimal { return s.BuyTrade }
var sellThreshold = func(s *models.Stock) decimal.Decimal { return s.SellTrade }

// sentimentMatrix drives the evaluator. NEUTRAL shares the BULLISH rows.
var sentimentMatrix = map[models.Sentiment][]rule{
	models.SentimentBullish: {
		{kind: models.AlertBuy, threshold: buyThreshold, match: atOrBelow},
		{kind: models.AlertSell, threshold: sellThreshold, match: atOrAbove},
	},
	models.SentimentNeutral: {
		{kind: models.AlertBuy, threshold: buyThreshold, match: atOrBelow},
		{kind: models.AlertSell, threshold: sellThreshold, match: atOrAbove},
	},
	models.SentimentBearish: {
		{kind: models.AlertShort, threshold: sellThreshold, match: atOrAbove},
		{kind: models.AlertCover, threshold: buyThreshold, match: atOrBelow},
	},
}

// kindOrder fixes the digest grouping: entries before exits, longs before
// shorts within each.
var kindOrder = map[models.AlertKind]int{
	models.AlertBuy:   0,
	models.AlertSell:  1,
	models.AlertShort: 2,
	models.AlertCover: 3,
}

// Evaluator holds the in-memory dedup set for the current trading day.
type Evaluator struct {
	mu         sync.Mutex
	tradingDay string
	fired      map[string]struct{}
}

func NewEvaluator() *Evaluator {
	return &Evaluator{fired: make(map[string]struct{})}
}

// Evaluate applies the sentiment matrix to every stock whose session price is
// set, suppresses already-fired keys for the trading day, and returns alerts
// ordered by kind, category, then ticker.
func (e *Evaluator) Evaluate(stocks []models.Stock, session models.Session, tradingDay string) []models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(tradingDay)

	now := time.Now()
	var alerts []models.Alert
	for i := range stocks {
		stock := &stocks[i]
		price := stock.SessionPrice(session)
		if price == nil || !stock.Evaluable() {
			continue
		}
		for _, r := range sentimentMatrix[stock.Sentiment] {
			threshold := r.threshold(stock)
			if !r.match(*price, threshold) {
				continue
			}
			a := models.Alert{
				Ticker:      stock.Ticker,
				Category:    stock.Category,
				Kind:        r.kind,
				Price:       *price,
				Threshold:   threshold,
				Sentiment:   stock.Sentiment,
				Session:     session,
				GeneratedAt: now,
			}
			key := a.DedupKey(tradingDay)
			if _, dup := e.fired[key]; dup {
				log.Debug().Str("key", key).Msg("alert suppressed by dedup")
				continue
			}
			e.fired[key] = struct{}{}
			alerts = append(alerts, a)
		}
	}

	sort.Slice(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if kindOrder[a.Kind] != kindOrder[b.Kind] {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Ticker < b.Ticker
	})

	log.Info().Str("session", string(session)).Str("trading_day", tradingDay).
		Int("alerts", len(alerts)).Msg("evaluation complete")
	return alerts
}

// rolloverLocked evicts the dedup set when the trading day changes.
func (e *Evaluator) rolloverLocked(tradingDay string) {
	if e.tradingDay != tradingDay {
		if e.tradingDay != "" {
			log.Info().Str("from", e.tradingDay).Str("to", tradingDay).Msg("trading day rollover, dedup set evicted")
		}
		e.tradingDay = tradingDay
		e.fired = make(map[string]struct{})
	}
}
