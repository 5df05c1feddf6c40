package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"he_alerts/internal/models"
)

// fakeTransport records sends and can fail the first n attempts.
type fakeTransport struct {
	failFirst int
	calls     int
	lastFrom  string
	lastTo    []string
	lastMsg   []byte
}

func (f *fakeTransport) Send(_ context.Context, from string, to []string, msg []byte) error {
	f.calls++
	if f.calls <= f.failFirst {
		return errors.New("connection reset")
	}
	f.lastFrom = from
	f.lastTo = to
	f.lastMsg = msg
	return nil
}

func sampleAlerts() []models.Alert {
	return []models.Alert{
		{
			Ticker:      "AAPL",
			Category:    models.CategoryDaily,
			Kind:        models.AlertBuy,
			Price:       decimal.RequireFromString("149.50"),
			Threshold:   decimal.RequireFromString("150.00"),
			Sentiment:   models.SentimentBullish,
			Session:     models.SessionAM,
			GeneratedAt: time.Now(),
		},
		{
			Ticker:      "EWJ",
			Category:    models.CategoryIdeas,
			Kind:        models.AlertShort,
			Price:       decimal.RequireFromString("75.58"),
			Threshold:   decimal.RequireFromString("75.00"),
			Sentiment:   models.SentimentBearish,
			Session:     models.SessionAM,
			PriceSource: "close",
			GeneratedAt: time.Now(),
		},
	}
}

func TestSendDigest(t *testing.T) {
	transport := &fakeTransport{}
	n := New(transport, "alerts@example.com", []string{"trader@example.com"})

	err := n.SendDigest(context.Background(), sampleAlerts(), models.SessionAM, "2026-08-24")
	require.NoError(t, err)
	require.Equal(t, 1, transport.calls)

	msg := string(transport.lastMsg)
	assert.Contains(t, msg, "Subject: Trading Alerts [AM] 2026-08-24: 2 alert(s)")
	assert.Contains(t, msg, "multipart/alternative")
	assert.Contains(t, msg, "text/plain")
	assert.Contains(t, msg, "text/html")
	assert.Contains(t, msg, "AAPL")
	assert.Contains(t, msg, "EWJ")
	assert.Contains(t, msg, "149.50")
	assert.Contains(t, msg, "SHORT")
}

func TestSendDigestEmptySendsNothing(t *testing.T) {
	transport := &fakeTransport{}
	n := New(transport, "alerts@example.com", []string{"trader@example.com"})

	err := n.SendDigest(context.Background(), nil, models.SessionPM, "2026-08-24")
	require.NoError(t, err)
	assert.Zero(t, transport.calls)
}

func TestSendDigestRetriesOnce(t *testing.T) {
	// First attempt fails, the retry succeeds.
	transport := &fakeTransport{failFirst: 1}
	n := New(transport, "alerts@example.com", []string{"trader@example.com"})

	err := n.SendDigest(context.Background(), sampleAlerts(), models.SessionAM, "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, 2, transport.calls)
}

func TestSendDigestSurfacesMailError(t *testing.T) {
	// Both attempts fail; the error carries the mail sentinel.
	transport := &fakeTransport{failFirst: 2}
	n := New(transport, "alerts@example.com", []string{"trader@example.com"})

	err := n.SendDigest(context.Background(), sampleAlerts(), models.SessionAM, "2026-08-24")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrMail)
	assert.Equal(t, 2, transport.calls)
}
