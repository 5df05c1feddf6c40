package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/phuslu/log"

	"he_alerts/internal/mail"
	"he_alerts/internal/models"
)

// excludedTickers are non-tradable rows the daily table carries alongside
// stocks: treasury yields, index levels, FX pairs and commodities.
var excludedTickers = map[string]struct{}{
	"UST30Y": {}, "UST10Y": {}, "UST2Y": {}, "SPX": {}, "COMPQ": {},
	"RUT": {}, "SSEC": {}, "NIKK": {}, "BSE": {}, "DAX": {}, "VIX": {},
	"USD": {}, "EUR/USD": {}, "USD/YEN": {}, "GBP/USD": {}, "CAD/USD": {},
	"WTIC": {}, "BRENT": {}, "NATGAS": {}, "GOLD": {}, "COPPER": {},
	"SILVER": {}, "BITCOIN": {},
}

// HTMLParser extracts threshold rows from a newsletter's HTML table. The
// daily, ETF and ideas newsletters share this structure and differ only in
// category tag and whether the exclusion list applies.
type HTMLParser struct {
	category models.Category
	exclude  map[string]struct{}
}

func NewDailyParser() *HTMLParser {
	return &HTMLParser{category: models.CategoryDaily, exclude: excludedTickers}
}

func NewETFParser() *HTMLParser {
	return &HTMLParser{category: models.CategoryETFs}
}

func NewIdeasParser() *HTMLParser {
	return &HTMLParser{category: models.CategoryIdeas}
}

func (p *HTMLParser) Category() models.Category { return p.category }

// columnMap locates the relevant columns in a header row. Sentiment is -1
// when the table has no dedicated column.
type columnMap struct {
	ticker, buy, sell, sentiment int
}

// Parse walks the message HTML, locates the signals table by its header
// tokens and reads rows top to bottom.
func (p *HTMLParser) Parse(ctx context.Context, msg *mail.Message) ([]models.ExtractedRow, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(msg.HTML))
	if err != nil {
		return nil, fmt.Errorf("%w: %s html: %v", models.ErrParse, p.category, err)
	}

	var rows []models.ExtractedRow
	var found bool
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		header := table.Find("tr").First()
		cols, ok := headerColumns(header)
		if !ok {
			return true
		}
		found = true
		table.Find("tr").Each(func(i int, tr *goquery.Selection) {
			if i == 0 {
				return
			}
			if row, ok := p.parseRow(tr, cols); ok {
				rows = append(rows, row)
			}
		})
		return false
	})
	if !found {
		return nil, fmt.Errorf("%w: %s: no table with ticker/buy/sell header", models.ErrParse, p.category)
	}

	rows = normalizeRows(p.category, rows)
	log.Info().Str("category", string(p.category)).Int("rows", len(rows)).Msg("parsed html table")
	return rows, nil
}

// headerColumns matches the header tokens {ticker, buy, sell}; the "trade"
// qualifier is optional and "INDEX" is accepted for the ticker column.
func headerColumns(header *goquery.Selection) (columnMap, bool) {
	cols := columnMap{ticker: -1, buy: -1, sell: -1, sentiment: -1}
	header.Find("th, td").Each(func(i int, cell *goquery.Selection) {
		text := strings.ToUpper(strings.TrimSpace(cell.Text()))
		switch {
		case cols.ticker < 0 && (strings.Contains(text, "TICKER") || strings.Contains(text, "INDEX")):
			cols.ticker = i
		case cols.buy < 0 && strings.Contains(text, "BUY"):
			cols.buy = i
		case cols.sell < 0 && strings.Contains(text, "SELL"):
			cols.sell = i
		case cols.sentiment < 0 && (strings.Contains(text, "TREND") || strings.Contains(text, "SENTIMENT")):
			cols.sentiment = i
		}
	})
	return cols, cols.ticker >= 0 && cols.buy >= 0 && cols.sell >= 0
}

func (p *HTMLParser) parseRow(tr *goquery.Selection, cols columnMap) (models.ExtractedRow, bool) {
	cells := tr.Find("td, th")

	populated := 0
	cells.Each(func(_ int, c *goquery.Selection) {
		if strings.TrimSpace(c.Text()) != "" {
			populated++
		}
	})
	if populated < 3 {
		return models.ExtractedRow{}, false
	}

	cellText := func(i int) string {
		if i < 0 || i >= cells.Length() {
			return ""
		}
		return strings.TrimSpace(cells.Eq(i).Text())
	}

	tickerCell := cellText(cols.ticker)
	ticker, sentiment := splitTickerSentiment(tickerCell)
	if ticker == "" {
		return models.ExtractedRow{}, false
	}
	if _, skip := p.exclude[ticker]; skip {
		log.Debug().Str("ticker", ticker).Msg("skipping excluded ticker")
		return models.ExtractedRow{}, false
	}

	buy, okBuy := parseMoney(cellText(cols.buy))
	sell, okSell := parseMoney(cellText(cols.sell))
	if !okBuy || !okSell {
		log.Warn().Str("category", string(p.category)).Str("ticker", ticker).
			Msg("dropping row with unparsable price")
		return models.ExtractedRow{}, false
	}

	if sentiment == "" && cols.sentiment >= 0 {
		sentiment = parseSentiment(cellText(cols.sentiment))
	}
	if sentiment == "" {
		sentiment = inferSentimentFromCell(cells.Eq(cols.ticker))
	}
	if sentiment == "" {
		log.Warn().Str("category", string(p.category)).Str("ticker", ticker).
			Msg("no sentiment signal found, defaulting to NEUTRAL")
		sentiment = models.SentimentNeutral
	}

	return models.ExtractedRow{
		Ticker:    ticker,
		Sentiment: sentiment,
		BuyTrade:  buy,
		SellTrade: sell,
		RawName:   tickerCell,
	}, true
}

// inferSentimentFromCell falls back to presentation signals: an up or down
// glyph in the cell, or a green/red background color.
func inferSentimentFromCell(cell *goquery.Selection) models.Sentiment {
	html, err := goquery.OuterHtml(cell)
	if err != nil {
		return ""
	}
	switch {
	case strings.ContainsAny(html, "▲↑"): // up triangle, up arrow
		return models.SentimentBullish
	case strings.ContainsAny(html, "▼↓"): // down triangle, down arrow
		return models.SentimentBearish
	}
	style := strings.ToLower(html)
	switch {
	case strings.Contains(style, "green") || strings.Contains(style, "#00b050") || strings.Contains(style, "#92d050"):
		return models.SentimentBullish
	case strings.Contains(style, "red") || strings.Contains(style, "#ff0000") || strings.Contains(style, "#c00000"):
		return models.SentimentBearish
	}
	return ""
}
