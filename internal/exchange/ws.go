// ws.go implements the venue streaming client.
//
// One WebSocket carries everything: level-1 market data in, execution
// reports in, order entry out. The feed authenticates with the REST token,
// subscribes market data ("smd") and order reports ("spr") on every
// connect, and dispatches inbound messages to the quote board and the
// execution-report bus.
//
// The connection auto-reconnects with exponential backoff (1s → 30s max),
// resetting to 1s after each successful connect. A read deadline covering
// one ping interval plus the pong budget detects silent server failures.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"mep-arb/internal/bus"
	"mep-arb/internal/market"
	"mep-arb/internal/trace"
	"mep-arb/pkg/types"
)

const (
	pingInterval     = 15 * time.Second
	pongTimeout      = 10 * time.Second
	readTimeout      = pingInterval + pongTimeout
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second

	marketID = "ROFX"
)

// OrderSender is the slice of the feed used by the execution coordinator and
// the latency probe. The engine swaps the live Feed behind it on
// force_reauth.
type OrderSender interface {
	SendLimit(ctx context.Context, symbol string, side types.Side, qty int64, price decimal.Decimal, tif types.TimeInForce) (string, error)
	SendMarket(ctx context.Context, symbol string, side types.Side, qty int64, tif types.TimeInForce) (string, error)
}

// Feed manages the streaming connection: lifecycle, subscription tracking,
// order entry, inbound dispatch, and automatic reconnection.
type Feed struct {
	client *Client
	board  *market.Board
	broker *bus.Broker
	tracer *trace.Writer
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // serializes every write and conn swap

	symbolsMu sync.RWMutex
	symbols   []string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewFeed creates a streaming client bound to the REST client's session.
// Inbound market data lands on board; execution reports are published on
// broker.
func NewFeed(client *Client, board *market.Board, broker *bus.Broker, tracer *trace.Writer, logger *slog.Logger) *Feed {
	return &Feed{
		client: client,
		board:  board,
		broker: broker,
		tracer: tracer,
		logger: logger.With("component", "feed"),
		stopCh: make(chan struct{}),
	}
}

// Run connects and maintains the streaming connection with auto-reconnect.
// Blocks until ctx is cancelled or Stop is called. Credential rejections are
// retried like any other fault; the operator sees them in the log and trace.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.stopCh:
			return nil
		default:
		}

		connected, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-f.stopCh:
			return nil
		default:
		}

		if connected {
			backoff = time.Second
		}

		f.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)
		f.tracer.Event("ws.disconnect", map[string]any{"error": err.Error(), "backoff_s": backoff.Seconds()})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.stopCh:
			return nil
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}

		// The session token may have expired with the connection. Refresh it
		// best effort; a rejection here stays inside the retry loop.
		if connected {
			if _, lerr := f.client.Login(ctx); lerr != nil {
				f.logger.Warn("re-auth failed", "error", lerr)
				f.tracer.Event("auth.fail", map[string]any{"error": lerr.Error()})
			}
		}
	}
}

// Stop closes the connection and causes Run to return. Idempotent.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
		f.connMu.Lock()
		if f.conn != nil {
			f.conn.Close()
		}
		f.connMu.Unlock()
	})
}

// Symbols returns the current market-data subscription set.
func (f *Feed) Symbols() []string {
	f.symbolsMu.RLock()
	defer f.symbolsMu.RUnlock()
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// UpdateSymbols replaces the market-data subscription with the sorted-unique
// input, evicts quotes no longer subscribed, and emits a fresh subscription
// if connected. While disconnected the new set is picked up on reconnect.
func (f *Feed) UpdateSymbols(symbols []string) error {
	uniq := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		if s != "" && !seen[s] {
			seen[s] = true
			uniq = append(uniq, s)
		}
	}
	sort.Strings(uniq)

	f.symbolsMu.Lock()
	f.symbols = uniq
	f.symbolsMu.Unlock()

	f.board.Retain(uniq)

	if !f.isConnected() {
		return nil
	}
	return f.writeJSON(types.WSMarketDataSub{
		Type:    "smd",
		Level:   1,
		Entries: []string{"BI", "OF"},
		Symbols: uniq,
	})
}

// Snapshot returns an atomic copy of the quote board.
func (f *Feed) Snapshot() map[string]types.TopOfBook {
	return f.board.Snapshot()
}

// SendLimit submits a limit order and returns its client order id. Only
// transport failure errors the send; rejections arrive as execution reports.
func (f *Feed) SendLimit(ctx context.Context, symbol string, side types.Side, qty int64, price decimal.Decimal, tif types.TimeInForce) (string, error) {
	if qty <= 0 {
		return "", fmt.Errorf("send limit %s: qty must be > 0, got %d", symbol, qty)
	}
	if !price.IsPositive() {
		return "", fmt.Errorf("send limit %s: price must be > 0, got %s", symbol, price)
	}
	px := price.InexactFloat64()
	return f.sendOrder(ctx, types.WSNewOrder{
		Type:        "no",
		Product:     types.WSProduct{MarketID: marketID, Symbol: symbol},
		Price:       &px,
		Quantity:    qty,
		Side:        side,
		Account:     f.client.Account(),
		OrdType:     types.OrdTypeLimit,
		TimeInForce: tif,
		Proprietary: f.client.params.Proprietary,
	})
}

// SendIceberg submits a limit order showing only displayQty of its quantity
// at a time. The venue does the slicing; send semantics match SendLimit.
func (f *Feed) SendIceberg(ctx context.Context, symbol string, side types.Side, qty int64, price decimal.Decimal, tif types.TimeInForce, displayQty int64) (string, error) {
	if qty <= 0 {
		return "", fmt.Errorf("send iceberg %s: qty must be > 0, got %d", symbol, qty)
	}
	if !price.IsPositive() {
		return "", fmt.Errorf("send iceberg %s: price must be > 0, got %s", symbol, price)
	}
	if displayQty <= 0 || displayQty > qty {
		return "", fmt.Errorf("send iceberg %s: display qty must be in 1..%d, got %d", symbol, qty, displayQty)
	}
	px := price.InexactFloat64()
	return f.sendOrder(ctx, types.WSNewOrder{
		Type:            "no",
		Product:         types.WSProduct{MarketID: marketID, Symbol: symbol},
		Price:           &px,
		Quantity:        qty,
		Side:            side,
		Account:         f.client.Account(),
		OrdType:         types.OrdTypeLimit,
		TimeInForce:     tif,
		Iceberg:         true,
		DisplayQuantity: displayQty,
		Proprietary:     f.client.params.Proprietary,
	})
}

// SendMarket submits a market order.
func (f *Feed) SendMarket(ctx context.Context, symbol string, side types.Side, qty int64, tif types.TimeInForce) (string, error) {
	if qty <= 0 {
		return "", fmt.Errorf("send market %s: qty must be > 0, got %d", symbol, qty)
	}
	return f.sendOrder(ctx, types.WSNewOrder{
		Type:        "no",
		Product:     types.WSProduct{MarketID: marketID, Symbol: symbol},
		Quantity:    qty,
		Side:        side,
		Account:     f.client.Account(),
		OrdType:     types.OrdTypeMarket,
		TimeInForce: tif,
		Proprietary: f.client.params.Proprietary,
	})
}

func (f *Feed) sendOrder(ctx context.Context, msg types.WSNewOrder) (string, error) {
	if err := f.client.rl.Order.Wait(ctx); err != nil {
		return "", err
	}
	msg.WSClOrdID = uuid.NewString()

	if err := f.writeJSON(msg); err != nil {
		return "", fmt.Errorf("send order %s: %w", msg.Product.Symbol, err)
	}

	f.logger.Debug("order sent",
		"symbol", msg.Product.Symbol,
		"side", msg.Side,
		"qty", msg.Quantity,
		"tif", msg.TimeInForce,
		"cl_ord_id", msg.WSClOrdID,
	)
	f.tracer.Event("order.sent", map[string]any{
		"symbol":    msg.Product.Symbol,
		"side":      string(msg.Side),
		"qty":       msg.Quantity,
		"ord_type":  string(msg.OrdType),
		"tif":       string(msg.TimeInForce),
		"cl_ord_id": msg.WSClOrdID,
	})
	return msg.WSClOrdID, nil
}

// connectAndRead performs one connection lifecycle: authenticate if needed,
// dial, subscribe, then read until failure. The bool result reports whether
// the connect phase succeeded, which is what resets the backoff.
func (f *Feed) connectAndRead(ctx context.Context) (bool, error) {
	if f.client.Token() == "" {
		if _, err := f.client.Login(ctx); err != nil {
			return false, fmt.Errorf("auth: %w", err)
		}
	}
	token := f.client.Token()

	dialURL, err := wsAuthURL(f.client.params.WSURL, token)
	if err != nil {
		return false, err
	}
	header := http.Header{}
	header.Set(authHeader, token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		if f.conn == conn {
			f.conn = nil
		}
		f.connMu.Unlock()
	}()

	// Market data first, then order reports: resubscription order is part of
	// the connect contract.
	if err := f.sendSubscriptions(); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("stream connected", "symbols", len(f.Symbols()))
	f.tracer.Event("ws.connect", map[string]any{"symbols": f.Symbols()})

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		f.dispatch(msg)
	}
}

func (f *Feed) sendSubscriptions() error {
	if err := f.writeJSON(types.WSMarketDataSub{
		Type:    "smd",
		Level:   1,
		Entries: []string{"BI", "OF"},
		Symbols: f.Symbols(),
	}); err != nil {
		return err
	}
	return f.writeJSON(types.WSOrderReportSub{
		Type:     "spr",
		Accounts: []string{f.client.Account()},
		All:      true,
	})
}

// dispatch routes one inbound message. Malformed payloads are dropped with a
// trace entry; they never abort the read loop.
func (f *Feed) dispatch(data []byte) {
	f.tracer.RawEvent("ws.rx", data)

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Warn("dropping undecodable message", "error", err)
		f.tracer.Event("ws.decode_error", map[string]any{"error": err.Error()})
		return
	}

	switch envelope.Type {
	case "md":
		var evt types.WSMarketData
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Warn("dropping bad md message", "error", err)
			f.tracer.Event("ws.decode_error", map[string]any{"type": "md", "error": err.Error()})
			return
		}
		bidPx, bidQty := firstLevel(evt.Entries.BI)
		askPx, askQty := firstLevel(evt.Entries.OF)
		f.board.Apply(types.TopOfBook{
			Symbol: evt.Symbol,
			Bid:    bidPx,
			Ask:    askPx,
			BidQty: bidQty,
			AskQty: askQty,
			TS:     time.Now(),
		})

	case "er":
		var evt types.WSExecReport
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Warn("dropping bad er message", "error", err)
			f.tracer.Event("ws.decode_error", map[string]any{"type": "er", "error": err.Error()})
			return
		}
		er := evt.Report(time.Now())
		f.broker.Publish(er)
		if f.tracer.Enabled() {
			f.tracer.Event("ws.er", map[string]any{
				"symbol":    er.Symbol,
				"side":      string(er.Side),
				"status":    string(er.Status),
				"qty":       er.Qty,
				"cl_ord_id": er.ClOrdID,
			})
		}

	default:
		f.logger.Debug("ignoring message", "type", envelope.Type)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Closing the conn unblocks a pending ReadMessage.
			conn.Close()
			return
		case <-ticker.C:
			// WriteControl is safe concurrently with WriteJSON
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout)); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) isConnected() bool {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn != nil
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func firstLevel(levels []types.WSLevel) (price, size float64) {
	if len(levels) == 0 {
		return 0, 0
	}
	return levels[0].Price, levels[0].Size
}

// wsAuthURL appends the session token to the streaming endpoint's query
// string, matching the venue's query-parameter auth.
func wsAuthURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("ws url: %w", err)
	}
	q := u.Query()
	q.Set(authHeader, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
