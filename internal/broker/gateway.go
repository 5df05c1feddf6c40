// Package broker talks to the market-data gateway: a JSON-over-websocket
// service that serves snapshot quotes for resolved contracts. One persistent
// connection multiplexes every request of a session run.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
	"github.com/shopspring/decimal"

	"he_alerts/internal/contract"
	"he_alerts/internal/models"
)

// Snapshot is one quote response. Missing fields are nil; the fetcher applies
// the last/close/midpoint fallback chain.
type Snapshot struct {
	Last  *decimal.Decimal
	Close *decimal.Decimal
	Bid   *decimal.Decimal
	Ask   *decimal.Decimal
	At    time.Time
}

// Quoter serves snapshot quotes. The websocket gateway is the production
// implementation; tests inject fakes.
type Quoter interface {
	Snapshot(ctx context.Context, desc contract.Descriptor) (*Snapshot, error)
	Close() error
}

type snapshotRequest struct {
	Type     string `json:"type"`
	ID       int64  `json:"id"`
	Symbol   string `json:"symbol"`
	Kind     string `json:"kind"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

type snapshotResponse struct {
	Type  string           `json:"type"`
	ID    int64            `json:"id"`
	Last  *decimal.Decimal `json:"last"`
	Close *decimal.Decimal `json:"close"`
	Bid   *decimal.Decimal `json:"bid"`
	Ask   *decimal.Decimal `json:"ask"`
	At    time.Time        `json:"at"`
	Error string           `json:"error,omitempty"`
}

// WSGateway is the persistent gateway session. A reader goroutine routes
// responses to their waiting requests by id.
type WSGateway struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan snapshotResponse
	closed  bool
}

// Dial opens the gateway session and announces the client id. A failed dial
// is ErrBrokerUnavailable; the caller must not attempt per-ticker requests.
func Dial(ctx context.Context, host string, port, clientID int) (*WSGateway, error) {
	url := fmt.Sprintf("ws://%s:%d/ws", host, port)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", models.ErrBrokerUnavailable, url, err)
	}

	hello := map[string]any{"type": "session", "client_id": clientID}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: session handshake: %v", models.ErrBrokerUnavailable, err)
	}

	g := &WSGateway{conn: conn, pending: make(map[int64]chan snapshotResponse)}
	go g.readLoop()
	log.Info().Str("gateway", url).Int("client_id", clientID).Msg("broker gateway connected")
	return g, nil
}

// Snapshot requests one quote and waits for its response or the context.
func (g *WSGateway) Snapshot(ctx context.Context, desc contract.Descriptor) (*Snapshot, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: gateway session closed", models.ErrBrokerUnavailable)
	}
	g.nextID++
	id := g.nextID
	ch := make(chan snapshotResponse, 1)
	g.pending[id] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	req := snapshotRequest{
		Type:     "snapshot",
		ID:       id,
		Symbol:   desc.Symbol,
		Kind:     string(desc.Kind),
		Exchange: desc.Exchange,
		Currency: desc.Currency,
	}
	g.writeMu.Lock()
	err := g.conn.WriteJSON(req)
	g.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: send snapshot request: %v", models.ErrBrokerUnavailable, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("snapshot %s: %w", desc.Symbol, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: gateway session closed", models.ErrBrokerUnavailable)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("snapshot %s: gateway error: %s", desc.Symbol, resp.Error)
		}
		return &Snapshot{Last: resp.Last, Close: resp.Close, Bid: resp.Bid, Ask: resp.Ask, At: resp.At}, nil
	}
}

// readLoop routes responses to waiters until the connection dies, then fails
// every pending request.
func (g *WSGateway) readLoop() {
	for {
		_, data, err := g.conn.ReadMessage()
		if err != nil {
			g.failPending(err)
			return
		}
		var resp snapshotResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Warn().Err(err).Msg("unreadable gateway message")
			continue
		}
		g.mu.Lock()
		ch, ok := g.pending[resp.ID]
		g.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (g *WSGateway) failPending(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	log.Warn().Err(err).Int("pending", len(g.pending)).Msg("gateway connection lost")
	for id, ch := range g.pending {
		close(ch)
		delete(g.pending, id)
	}
}

func (g *WSGateway) Close() error {
	g.failPending(nil)
	return g.conn.Close()
}
