package extract

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"he_alerts/internal/mail"
	"he_alerts/internal/models"
	"he_alerts/internal/ocr"
)

const dailyHTML = `
<html><body>
<table><tr><td>unrelated</td></tr></table>
<table>
  <tr><th>TICKER</th><th>BUY TRADE</th><th>SELL TRADE</th></tr>
  <tr><td>AAPL (BULLISH)</td><td>$225.50</td><td>$241.00</td></tr>
  <tr><td>TSLA (BEARISH)</td><td>238.11</td><td>262.89</td></tr>
  <tr><td>SPX (BULLISH)</td><td>5,890</td><td>6,010</td></tr>
  <tr><td>NVDA (NEUTRAL)</td><td>1,180.25</td><td>1,240.75</td></tr>
  <tr><td>BAD (BULLISH)</td><td>n/a</td><td>12.00</td></tr>
  <tr><td>AAPL (BULLISH)</td><td>226.00</td><td>242.00</td></tr>
  <tr><td>FLAT (BULLISH)</td><td>50.00</td><td>50.00</td></tr>
  <tr><td>sparse</td><td></td><td></td></tr>
</table>
</body></html>`

func TestDailyParser(t *testing.T) {
	p := NewDailyParser()
	rows, err := p.Parse(context.Background(), &mail.Message{HTML: dailyHTML})
	require.NoError(t, err)

	// SPX excluded, BAD unparsable, FLAT has equal thresholds, sparse row
	// skipped, duplicate AAPL collapsed to its last occurrence.
	require.Len(t, rows, 3)

	assert.Equal(t, "AAPL", rows[0].Ticker)
	assert.Equal(t, models.SentimentBullish, rows[0].Sentiment)
	assert.True(t, rows[0].BuyTrade.Equal(decimal.RequireFromString("226.00")), "keep-last: got %s", rows[0].BuyTrade)

	assert.Equal(t, "TSLA", rows[1].Ticker)
	assert.Equal(t, models.SentimentBearish, rows[1].Sentiment)

	assert.Equal(t, "NVDA", rows[2].Ticker)
	assert.True(t, rows[2].BuyTrade.Equal(decimal.RequireFromString("1180.25")), "thousands separator: got %s", rows[2].BuyTrade)
}

func TestDailyParserNoTable(t *testing.T) {
	p := NewDailyParser()
	_, err := p.Parse(context.Background(), &mail.Message{HTML: "<html><body><p>hi</p></body></html>"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrParse)
}

func TestHTMLParserSentimentColumn(t *testing.T) {
	html := `<table>
<tr><th>Ticker</th><th>Buy</th><th>Sell</th><th>Trend</th></tr>
<tr><td>XLE</td><td>88.10</td><td>92.40</td><td>Bullish</td></tr>
<tr><td>XLF</td><td>41.00</td><td>43.20</td><td>bearish</td></tr>
</table>`
	p := NewETFParser()
	rows, err := p.Parse(context.Background(), &mail.Message{HTML: html})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.SentimentBullish, rows[0].Sentiment)
	assert.Equal(t, models.SentimentBearish, rows[1].Sentiment)
}

func TestHTMLParserGlyphFallback(t *testing.T) {
	html := `<table>
<tr><th>Ticker</th><th>Buy Trade</th><th>Sell Trade</th></tr>
<tr><td style="background-color:#00b050">MSFT</td><td>410.00</td><td>432.00</td></tr>
<tr><td>PLAIN ▼</td><td>10.00</td><td>12.00</td></tr>
<tr><td>NONE</td><td>20.00</td><td>22.00</td></tr>
</table>`
	p := NewIdeasParser()
	rows, err := p.Parse(context.Background(), &mail.Message{HTML: html})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, models.SentimentBullish, rows[0].Sentiment, "green background")
	assert.Equal(t, models.SentimentBearish, rows[1].Sentiment, "down glyph")
	assert.Equal(t, models.SentimentNeutral, rows[2].Sentiment, "no signal defaults")
}

// fakeOCR returns canned tables per call, in order.
type fakeOCR struct {
	tables []ocr.TableText
	errs   []error
	calls  int
}

func (f *fakeOCR) OCR(_ context.Context, _ []byte, _ string) (ocr.TableText, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.tables) {
		return f.tables[i], nil
	}
	return nil, models.ErrOCR
}

func cryptoMessage(imageCount int) *mail.Message {
	msg := &mail.Message{}
	for i := 0; i < imageCount; i++ {
		msg.InlineImages = append(msg.InlineImages, []byte{0x89, byte(i)})
	}
	return msg
}

func TestCryptoParser(t *testing.T) {
	levels := ocr.TableText{
		{"TICKER", "PRICE", "BUY TRADE", "SELL TRADE", "TREND"},
		{"BTC", "94,567", "89,012", "96,968", "BULLISH"},
		{"ETH", "3,456", "3,253", "3,924", "BEARISH"},
	}
	stocks := ocr.TableText{
		{"TICKER", "PRICE", "BUY TRADE", "SELL TRADE", "TREND"},
		{"IBIT", "65.19", "61.85", "69.17", "BULLISH"},
		{"MSTR", "405", "385", "465", "NEUTRAL"},
	}
	reader := &fakeOCR{tables: []ocr.TableText{levels, stocks}}
	p := NewCryptoParser(reader, []int{6, 14}, []string{"BTC", "ETH", "SOL"})

	rows, err := p.Parse(context.Background(), cryptoMessage(16))
	require.NoError(t, err)
	require.Len(t, rows, 4)

	// Pure cryptocurrencies are exchange-suffixed; crypto stocks are not.
	assert.Equal(t, "BTC-USD", rows[0].Ticker)
	assert.Equal(t, "ETH-USD", rows[1].Ticker)
	assert.Equal(t, "IBIT", rows[2].Ticker)
	assert.Equal(t, "MSTR", rows[3].Ticker)

	assert.True(t, rows[0].BuyTrade.Equal(decimal.RequireFromString("89012")))
	assert.Equal(t, models.SentimentBearish, rows[1].Sentiment)
}

func TestCryptoParserPartialFailure(t *testing.T) {
	stocks := ocr.TableText{
		{"TICKER", "PRICE", "BUY TRADE", "SELL TRADE", "TREND"},
		{"COIN", "210.00", "195.00", "228.00", "BULLISH"},
	}
	reader := &fakeOCR{tables: []ocr.TableText{nil, stocks}, errs: []error{models.ErrOCR, nil}}
	p := NewCryptoParser(reader, []int{6, 14}, []string{"BTC"})

	rows, err := p.Parse(context.Background(), cryptoMessage(16))
	require.NoError(t, err, "one readable image is a partial success")
	require.Len(t, rows, 1)
	assert.Equal(t, "COIN", rows[0].Ticker)
}

func TestCryptoParserAllImagesMissing(t *testing.T) {
	reader := &fakeOCR{}
	p := NewCryptoParser(reader, []int{6, 14}, nil)

	_, err := p.Parse(context.Background(), cryptoMessage(2))
	require.Error(t, err)
	assert.Zero(t, reader.calls, "out-of-range indices never reach OCR")
}
