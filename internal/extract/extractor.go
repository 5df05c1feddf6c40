package extract

import (
	"context"
	"errors"
	"time"

	"github.com/phuslu/log"

	"he_alerts/internal/mail"
	"he_alerts/internal/models"
)

// subjectQueries maps each category to the publisher's subject line marker.
var subjectQueries = map[models.Category]string{
	models.CategoryDaily:         "RISK RANGE™ SIGNALS:",
	models.CategoryDigitalAssets: "CRYPTO QUANT",
	models.CategoryETFs:          "ETF Pro Plus - Levels",
	models.CategoryIdeas:         "Investing Ideas Newsletter:",
}

// Parser turns one fetched newsletter into threshold rows.
type Parser interface {
	Category() models.Category
	Parse(ctx context.Context, msg *mail.Message) ([]models.ExtractedRow, error)
}

// Store is the slice of the store the extractor needs: current rows for the
// reconciliation delta and the atomic category replace.
type Store interface {
	ListCategory(ctx context.Context, category models.Category) ([]models.Stock, error)
	ReplaceCategory(ctx context.Context, category models.Category, rows []models.ExtractedRow) error
}

// Extractor runs the per-category extraction pipeline: find the newest
// newsletter, parse it, reconcile against the store.
type Extractor struct {
	source  mail.Source
	store   Store
	parsers map[models.Category]Parser
}

func New(source mail.Source, store Store, parsers ...Parser) *Extractor {
	byCat := make(map[models.Category]Parser, len(parsers))
	for _, p := range parsers {
		byCat[p.Category()] = p
	}
	return &Extractor{source: source, store: store, parsers: byCat}
}

// Run extracts the given categories over the lookback window. validate mode
// reports the reconciliation delta without mutating the store. Categories are
// isolated: one failing never aborts the others.
func (e *Extractor) Run(ctx context.Context, categories []models.Category, window time.Duration, validate bool) []models.ExtractionSummary {
	summaries := make([]models.ExtractionSummary, 0, len(categories))
	for _, category := range categories {
		summary := e.runCategory(ctx, category, window, validate)
		if summary.Err != nil {
			log.Error().Err(summary.Err).Str("category", string(category)).Msg("category extraction failed")
		} else {
			log.Info().Str("category", string(category)).Str("message", summary.MessageID).
				Int("rows", summary.RowCount).Int("added", summary.Added).
				Int("removed", summary.Removed).Int("changed", summary.Changed).
				Msg("category extracted")
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

func (e *Extractor) runCategory(ctx context.Context, category models.Category, window time.Duration, validate bool) models.ExtractionSummary {
	summary := models.ExtractionSummary{Category: category}

	parser, ok := e.parsers[category]
	if !ok {
		summary.Err = errors.New("no parser registered for category " + string(category))
		return summary
	}

	msg, err := e.newestMessage(ctx, category, window)
	if err != nil {
		summary.Err = err
		return summary
	}
	summary.MessageID = msg.ID

	rows, err := parser.Parse(ctx, msg)
	if err != nil {
		summary.Err = err
		return summary
	}
	summary.RowCount = len(rows)

	current, err := e.store.ListCategory(ctx, category)
	if err != nil {
		summary.Err = err
		return summary
	}
	summary.Added, summary.Removed, summary.Changed = diffRows(current, rows, validate)

	if validate {
		log.Info().Str("category", string(category)).Msg("validate mode, store untouched")
		return summary
	}

	if err := e.store.ReplaceCategory(ctx, category, rows); err != nil {
		summary.Err = err
	}
	return summary
}

// newestMessage picks the most recent matching newsletter in the window by
// its Date header. ErrNoMessage when the window is empty.
func (e *Extractor) newestMessage(ctx context.Context, category models.Category, window time.Duration) (*mail.Message, error) {
	until := time.Now()
	since := until.Add(-window)
	ids, err := e.source.ListMessages(ctx, subjectQueries[category], since, until)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, models.ErrNoMessage
	}

	var newest *mail.Message
	for _, id := range ids {
		msg, err := e.source.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		if newest == nil || msg.Date.After(newest.Date) {
			newest = msg
		}
	}
	return newest, nil
}

// diffRows computes the reconciliation delta between the store's rows and a
// fresh extraction. In verbose mode each difference is logged, which is the
// validate-mode report.
func diffRows(current []models.Stock, rows []models.ExtractedRow, verbose bool) (added, removed, changed int) {
	old := make(map[string]models.Stock, len(current))
	for _, s := range current {
		old[s.Ticker] = s
	}
	seen := make(map[string]struct{}, len(rows))

	for _, row := range rows {
		seen[row.Ticker] = struct{}{}
		prev, exists := old[row.Ticker]
		switch {
		case !exists:
			added++
			if verbose {
				log.Info().Str("ticker", row.Ticker).Str("buy", row.BuyTrade.String()).
					Str("sell", row.SellTrade.String()).Msg("row added")
			}
		case !prev.BuyTrade.Equal(row.BuyTrade) || !prev.SellTrade.Equal(row.SellTrade) || prev.Sentiment != row.Sentiment:
			changed++
			if verbose {
				log.Info().Str("ticker", row.Ticker).
					Str("buy", prev.BuyTrade.String()+" -> "+row.BuyTrade.String()).
					Str("sell", prev.SellTrade.String()+" -> "+row.SellTrade.String()).
					Str("sentiment", string(prev.Sentiment)+" -> "+string(row.Sentiment)).
					Msg("row changed")
			}
		}
	}
	for ticker := range old {
		if _, ok := seen[ticker]; !ok {
			removed++
			if verbose {
				log.Info().Str("ticker", ticker).Msg("row removed")
			}
		}
	}
	return added, removed, changed
}
