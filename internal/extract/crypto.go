package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/phuslu/log"

	"he_alerts/internal/mail"
	"he_alerts/internal/models"
	"he_alerts/internal/ocr"
)

// CryptoParser reads the CRYPTO QUANT newsletter, whose levels live in two
// inline images rather than HTML: the crypto risk-range table and the crypto
// stocks (direct and derivative exposures) table. The images sit at fixed
// positional indices in the publisher's layout.
type CryptoParser struct {
	reader       ocr.Reader
	imageIndices []int
	pureCrypto   map[string]struct{}
}

func NewCryptoParser(reader ocr.Reader, imageIndices []int, pureCryptoSymbols []string) *CryptoParser {
	pure := make(map[string]struct{}, len(pureCryptoSymbols))
	for _, s := range pureCryptoSymbols {
		pure[strings.ToUpper(s)] = struct{}{}
	}
	return &CryptoParser{reader: reader, imageIndices: imageIndices, pureCrypto: pure}
}

func (p *CryptoParser) Category() models.Category { return models.CategoryDigitalAssets }

const cryptoTableHint = `The table has columns TICKER, PRICE, BUY TRADE, SELL TRADE and TREND.
Tickers are short symbols like BTC, ETH, IBIT, MSTR.`

// Parse OCRs each configured image and parses the resulting tables. A single
// failed image degrades to a partial extraction; both images failing is a
// category failure.
func (p *CryptoParser) Parse(ctx context.Context, msg *mail.Message) ([]models.ExtractedRow, error) {
	var rows []models.ExtractedRow
	var firstErr error
	parsedImages := 0

	for _, idx := range p.imageIndices {
		if idx >= len(msg.InlineImages) {
			log.Warn().Int("index", idx).Int("images", len(msg.InlineImages)).
				Msg("crypto image index out of range, publisher layout may have shifted")
			continue
		}
		table, err := p.reader.OCR(ctx, msg.InlineImages[idx], cryptoTableHint)
		if err != nil {
			log.Error().Err(err).Int("index", idx).Msg("crypto image ocr failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		parsedImages++
		rows = append(rows, p.parseTable(table)...)
	}

	if parsedImages == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("%w: digitalassets: no crypto images at configured indices", models.ErrParse)
	}

	rows = normalizeRows(models.CategoryDigitalAssets, rows)
	log.Info().Int("rows", len(rows)).Int("images", parsedImages).Msg("parsed crypto tables")
	return rows, nil
}

// parseTable applies the numeric-row rule to OCR output: locate the header to
// map columns, then read each row with at least three populated cells.
func (p *CryptoParser) parseTable(table ocr.TableText) []models.ExtractedRow {
	cols := cryptoColumns(table)
	var rows []models.ExtractedRow
	for _, cells := range table {
		populated := 0
		for _, c := range cells {
			if strings.TrimSpace(c) != "" {
				populated++
			}
		}
		if populated < 3 {
			continue
		}

		cellAt := func(i int) string {
			if i < 0 || i >= len(cells) {
				return ""
			}
			return strings.TrimSpace(cells[i])
		}

		ticker, sentiment := splitTickerSentiment(cellAt(cols.ticker))
		if ticker == "" || !models.ValidTicker(ticker) {
			continue
		}
		buy, okBuy := parseMoney(cellAt(cols.buy))
		sell, okSell := parseMoney(cellAt(cols.sell))
		if !okBuy || !okSell {
			continue
		}
		if sentiment == "" && cols.sentiment >= 0 {
			sentiment = parseSentiment(cellAt(cols.sentiment))
		}
		if sentiment == "" {
			sentiment = scanSentiment(cells)
		}
		if sentiment == "" {
			sentiment = models.SentimentNeutral
		}

		rows = append(rows, models.ExtractedRow{
			Ticker:    p.normalizeTicker(ticker),
			Sentiment: sentiment,
			BuyTrade:  buy,
			SellTrade: sell,
			RawName:   cellAt(cols.ticker),
		})
	}
	return rows
}

// cryptoColumns finds the header row in OCR output and maps column indices.
// OCR can drop the header entirely; the publisher's layout is then assumed:
// ticker, price, buy, sell, trend.
func cryptoColumns(table ocr.TableText) columnMap {
	for _, cells := range table {
		cols := columnMap{ticker: -1, buy: -1, sell: -1, sentiment: -1}
		for i, c := range cells {
			text := strings.ToUpper(strings.TrimSpace(c))
			switch {
			case cols.ticker < 0 && strings.Contains(text, "TICKER"):
				cols.ticker = i
			case cols.buy < 0 && strings.Contains(text, "BUY"):
				cols.buy = i
			case cols.sell < 0 && strings.Contains(text, "SELL"):
				cols.sell = i
			case cols.sentiment < 0 && strings.Contains(text, "TREND"):
				cols.sentiment = i
			}
		}
		if cols.ticker >= 0 && cols.buy >= 0 && cols.sell >= 0 {
			return cols
		}
	}
	return columnMap{ticker: 0, buy: 2, sell: 3, sentiment: 4}
}

// scanSentiment looks for a sentiment word anywhere in the row, the way the
// trend column often survives OCR without its header.
func scanSentiment(cells []string) models.Sentiment {
	for _, c := range cells {
		if s := parseSentiment(c); s != "" {
			return s
		}
	}
	return ""
}

// normalizeTicker suffixes pure cryptocurrencies to the -USD form the
// contract resolver expects. Crypto-exposed stocks (IBIT, MSTR, ...) keep
// their equity symbol.
func (p *CryptoParser) normalizeTicker(ticker string) string {
	if _, pure := p.pureCrypto[ticker]; pure && !strings.HasSuffix(ticker, "-USD") {
		return ticker + "-USD"
	}
	return ticker
}
