package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category identifies the newsletter a stock row came from. It determines which
// parser produced the row, which schedule refreshes it, and the scope of the
// delete-before-insert replace in the store.
type Category string

const (
	CategoryDaily         Category = "daily"
	CategoryDigitalAssets Category = "digitalassets"
	CategoryETFs          Category = "etfs"
	CategoryIdeas         Category = "ideas"
)

// AllCategories lists every known category in schedule order.
var AllCategories = []Category{CategoryDaily, CategoryDigitalAssets, CategoryETFs, CategoryIdeas}

// ParseCategory validates a category string from config or CLI input.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCategories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Sentiment is the directional bias the publisher assigns to a ticker.
type Sentiment string

const (
	SentimentBullish Sentiment = "BULLISH"
	SentimentBearish Sentiment = "BEARISH"
	SentimentNeutral Sentiment = "NEUTRAL"
)

// AlertKind is the action an alert recommends.
type AlertKind string

const (
	AlertBuy   AlertKind = "BUY"
	AlertSell  AlertKind = "SELL"
	AlertShort AlertKind = "SHORT"
	AlertCover AlertKind = "COVER"
)

// Session is the intraday evaluation epoch.
type Session string

const (
	SessionAM Session = "AM"
	SessionPM Session = "PM"
)

// tickerPattern is the normalized ticker shape every stored row must match.
var tickerPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,20}$`)

// ValidTicker reports whether t is an acceptable normalized ticker symbol.
func ValidTicker(t string) bool {
	return tickerPattern.MatchString(t)
}

// Stock is the authoritative entity: one row per (ticker, category).
// Created and destroyed only by a category-scoped replace; prices are written
// by the price fetcher and the contract cache by the resolver.
type Stock struct {
	ID               int64            `json:"id"`
	Ticker           string           `json:"ticker"`
	Category         Category         `json:"category"`
	Name             string           `json:"name,omitempty"`
	Sentiment        Sentiment        `json:"sentiment"`
	BuyTrade         decimal.Decimal  `json:"buy_trade"`
	SellTrade        decimal.Decimal  `json:"sell_trade"`
	AMPrice          *decimal.Decimal `json:"am_price,omitempty"`
	PMPrice          *decimal.Decimal `json:"pm_price,omitempty"`
	LastPriceUpdate  *time.Time       `json:"last_price_update,omitempty"`
	ContractJSON     string           `json:"contract_descriptor,omitempty"`
	ContractResolved bool             `json:"contract_resolved"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// SessionPrice returns the price column for the given session, or nil if it
// has not been written this trading day.
func (s *Stock) SessionPrice(session Session) *decimal.Decimal {
	if session == SessionAM {
		return s.AMPrice
	}
	return s.PMPrice
}

// Evaluable reports whether the row carries everything the alert evaluator
// needs: a sentiment and both thresholds.
func (s *Stock) Evaluable() bool {
	return s.Sentiment != "" && s.BuyTrade.IsPositive() && s.SellTrade.IsPositive()
}

// ExtractedRow is transient parser output. It has no identity of its own; the
// category replace turns a batch of rows into Stock rows.
type ExtractedRow struct {
	Ticker    string
	Sentiment Sentiment
	BuyTrade  decimal.Decimal
	SellTrade decimal.Decimal
	RawName   string
}

// Alert records a threshold crossing for one stock in one session.
type Alert struct {
	Ticker      string          `json:"ticker"`
	Category    Category        `json:"category"`
	Kind        AlertKind       `json:"kind"`
	Price       decimal.Decimal `json:"price"`
	Threshold   decimal.Decimal `json:"threshold"`
	Sentiment   Sentiment       `json:"sentiment"`
	Session     Session         `json:"session"`
	PriceSource string          `json:"price_source,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// DedupKey returns the suppression key for an alert within a trading day.
func (a *Alert) DedupKey(tradingDay string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", a.Ticker, a.Category, a.Kind, a.Session, tradingDay)
}

// SessionRun records one scheduler job execution, for observability and for
// idempotency checks on manual reruns.
type SessionRun struct {
	ID           int64      `json:"id"`
	Job          string     `json:"job"`
	Session      Session    `json:"session,omitempty"`
	TradingDay   string     `json:"trading_day"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	StocksPriced int        `json:"stocks_priced"`
	AlertsFired  int        `json:"alerts_fired"`
	Error        string     `json:"error,omitempty"`
}

// Quote is a single snapshot price read from the broker gateway.
type Quote struct {
	Last   decimal.Decimal `json:"last"`
	Source string          `json:"source"` // last, close or midpoint
	At     time.Time       `json:"at"`
}

// ExtractionSummary is the per-category result the extractor returns.
type ExtractionSummary struct {
	Category  Category `json:"category"`
	MessageID string   `json:"message_id,omitempty"`
	RowCount  int      `json:"row_count"`
	Added     int      `json:"added"`
	Removed   int      `json:"removed"`
	Changed   int      `json:"changed"`
	Err       error    `json:"-"`
}
