package extract

import (
	"regexp"
	"strings"

	"github.com/phuslu/log"
	"github.com/shopspring/decimal"

	"he_alerts/internal/models"
)

// tickerSentimentPattern matches the publisher's combined cell format, e.g.
// "AAPL (BULLISH)".
var tickerSentimentPattern = regexp.MustCompile(`^([A-Z0-9/.\-]+)\s*\((BULLISH|BEARISH|NEUTRAL)\)`)

// moneyCleanPattern strips currency symbols, thousands separators and any
// other decoration from a numeric cell.
var moneyCleanPattern = regexp.MustCompile(`[^0-9.]`)

// parseMoney converts a price cell to a decimal. Cells with no digits or a
// mangled number reject the row.
func parseMoney(cell string) (decimal.Decimal, bool) {
	cleaned := moneyCleanPattern.ReplaceAllString(strings.TrimSpace(cell), "")
	if cleaned == "" || strings.Count(cleaned, ".") > 1 {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// splitTickerSentiment pulls an embedded sentiment out of a ticker cell.
// Returns the bare ticker and "" when the cell has no sentiment suffix.
func splitTickerSentiment(cell string) (string, models.Sentiment) {
	cell = strings.TrimSpace(cell)
	if m := tickerSentimentPattern.FindStringSubmatch(strings.ToUpper(cell)); m != nil {
		return m[1], models.Sentiment(m[2])
	}
	// First whitespace-delimited token is the ticker.
	fields := strings.Fields(strings.ToUpper(cell))
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], ""
}

// parseSentiment reads a dedicated sentiment cell.
func parseSentiment(cell string) models.Sentiment {
	switch s := models.Sentiment(strings.ToUpper(strings.TrimSpace(cell))); s {
	case models.SentimentBullish, models.SentimentBearish, models.SentimentNeutral:
		return s
	}
	return ""
}

// normalizeRows applies the publisher conventions shared by every parser:
// duplicate tickers collapse to the last occurrence, rows with equal buy and
// sell thresholds are data errors, and malformed tickers are dropped.
func normalizeRows(category models.Category, rows []models.ExtractedRow) []models.ExtractedRow {
	byTicker := make(map[string]int, len(rows))
	out := make([]models.ExtractedRow, 0, len(rows))
	for _, row := range rows {
		if !models.ValidTicker(row.Ticker) {
			log.Warn().Str("category", string(category)).Str("ticker", row.Ticker).
				Msg("dropping row with malformed ticker")
			continue
		}
		if row.BuyTrade.Equal(row.SellTrade) {
			log.Warn().Str("category", string(category)).Str("ticker", row.Ticker).
				Str("threshold", row.BuyTrade.String()).
				Msg("dropping row with equal buy and sell thresholds")
			continue
		}
		if i, seen := byTicker[row.Ticker]; seen {
			out[i] = row
			continue
		}
		byTicker[row.Ticker] = len(out)
		out = append(out, row)
	}
	return out
}
