package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"he_alerts/internal/contract"
	"he_alerts/internal/models"
)

// startFakeGateway runs a websocket server answering snapshot requests with
// the canned quote for the requested symbol. Returns host and port.
func startFakeGateway(t *testing.T, quotes map[string]snapshotResponse) (string, int) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Session handshake first.
		var hello map[string]any
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}

		for {
			var req snapshotRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp, ok := quotes[req.Symbol]
			if !ok {
				resp = snapshotResponse{Error: "unknown symbol"}
			}
			resp.Type = "snapshot"
			resp.ID = req.ID
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestGatewaySnapshotRoundTrip(t *testing.T) {
	host, port := startFakeGateway(t, map[string]snapshotResponse{
		"AAPL": {Last: dec("230.15"), At: time.Now().UTC()},
		"BTC":  {Last: dec("94567.00")},
	})

	g, err := Dial(context.Background(), host, port, 7)
	require.NoError(t, err)
	defer g.Close()

	snap, err := g.Snapshot(context.Background(), contract.Descriptor{
		Symbol: "AAPL", Kind: contract.KindStock, Exchange: "SMART", Currency: "USD",
	})
	require.NoError(t, err)
	require.NotNil(t, snap.Last)
	assert.True(t, snap.Last.Equal(*dec("230.15")))

	snap, err = g.Snapshot(context.Background(), contract.Descriptor{
		Symbol: "BTC", Kind: contract.KindCrypto, Exchange: "PAXOS", Currency: "USD",
	})
	require.NoError(t, err)
	require.NotNil(t, snap.Last)
}

func TestGatewayErrorResponse(t *testing.T) {
	host, port := startFakeGateway(t, nil)

	g, err := Dial(context.Background(), host, port, 7)
	require.NoError(t, err)
	defer g.Close()

	_, err = g.Snapshot(context.Background(), contract.Descriptor{Symbol: "ZZZZ"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown symbol")
}

func TestGatewayDialFailure(t *testing.T) {
	// Nothing listens on the port; Dial must classify as broker unavailable.
	_, err := Dial(context.Background(), "127.0.0.1", 1, 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBrokerUnavailable)
}

func TestGatewaySnapshotContextDeadline(t *testing.T) {
	// A server that accepts the handshake but never answers requests.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, _ := strconv.Atoi(u.Port())

	g, err := Dial(context.Background(), u.Hostname(), port, 7)
	require.NoError(t, err)
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Snapshot(ctx, contract.Descriptor{Symbol: "SLOW"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
