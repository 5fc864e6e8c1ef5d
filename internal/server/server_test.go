package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderfeed/internal/aggregation"
	"orderfeed/internal/book"
	"orderfeed/internal/trade"
	"orderfeed/internal/transport"
)

func level(price, size, total string) book.Level {
	return book.Level{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
		Total: decimal.RequireFromString(total),
	}
}

func sampleView() book.View {
	return book.View{
		Bids:   []book.Level{level("100.5", "2", "2"), level("100.2", "1", "3"), level("99", "1", "4")},
		Asks:   []book.Level{level("101", "3", "3"), level("101.4", "4", "7")},
		SeqNum: 12,
	}
}

func sampleTrade() trade.Trade {
	return trade.Trade{
		Price:     decimal.RequireFromString("100.75"),
		Size:      decimal.RequireFromString("0.5"),
		Timestamp: 1714560000123,
		Side:      trade.SideBuy,
		Direction: trade.DirectionUp,
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestBookEndpoint(t *testing.T) {
	s := NewServer(":0", nil)

	rec := get(t, s.Handler(), "/api/book")
	require.Equal(t, http.StatusOK, rec.Code)
	var empty OrderbookMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	assert.Empty(t, empty.Bids)
	assert.Empty(t, empty.Asks)

	s.PublishBook(sampleView())

	tests := []struct {
		name   string
		target string
		bids   []PriceLevel
		asks   []PriceLevel
	}{
		{
			name:   "raw",
			target: "/api/book",
			bids: []PriceLevel{
				{Price: "100.5", Size: "2", Total: "2"},
				{Price: "100.2", Size: "1", Total: "3"},
				{Price: "99", Size: "1", Total: "4"},
			},
			asks: []PriceLevel{
				{Price: "101", Size: "3", Total: "3"},
				{Price: "101.4", Size: "4", Total: "7"},
			},
		},
		{
			name:   "tick 1",
			target: "/api/book?tick=1",
			bids: []PriceLevel{
				{Price: "100", Size: "3", Total: "3"},
				{Price: "99", Size: "1", Total: "4"},
			},
			asks: []PriceLevel{
				{Price: "101", Size: "3", Total: "3"},
				{Price: "102", Size: "4", Total: "7"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, s.Handler(), tt.target)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var msg OrderbookMessage
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
			assert.Equal(t, MessageTypeOrderbook, msg.Type)
			assert.Equal(t, tt.bids, msg.Bids)
			assert.Equal(t, tt.asks, msg.Asks)
			assert.Equal(t, int64(12), msg.SeqNum)
		})
	}

	rec = get(t, s.Handler(), "/api/book?tick=7")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTradeEndpoint(t *testing.T) {
	s := NewServer(":0", nil)

	rec := get(t, s.Handler(), "/api/trade")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.PublishBook(sampleView())
	s.PublishTrade(sampleTrade())

	rec = get(t, s.Handler(), "/api/trade")
	require.Equal(t, http.StatusOK, rec.Code)

	var msg TradeMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, MessageTypeTrade, msg.Type)
	assert.Equal(t, "100.75", msg.Price)
	assert.Equal(t, "0.5", msg.Size)
	assert.Equal(t, "buy", msg.Side)
	assert.Equal(t, trade.DirectionUp, msg.Direction)
	assert.Equal(t, "0.5", msg.Spread)
	assert.Equal(t, int64(1714560000123), msg.TradeTime)
}

func TestStatsEndpoint(t *testing.T) {
	rec := get(t, NewServer(":0", nil).Handler(), "/api/stats")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s := NewServer(":0", nil, WithStats(func() book.Stats {
		return book.Stats{BidLevels: 3, AskLevels: 2, LastSeqNum: 12, Gaps: 1}
	}))

	rec = get(t, s.Handler(), "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats book.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.BidLevels)
	assert.Equal(t, int64(12), stats.LastSeqNum)
	assert.Equal(t, int64(1), stats.Gaps)
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		transports []transport.HealthStatus
		wantCode   int
		wantStatus string
	}{
		{"no transports", nil, http.StatusOK, "ok"},
		{
			name: "all connected",
			transports: []transport.HealthStatus{
				{Endpoint: "wss://a", State: "open", Connected: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "one down",
			transports: []transport.HealthStatus{
				{Endpoint: "wss://a", State: "open", Connected: true},
				{Endpoint: "wss://b", State: "errored"},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(":0", nil, WithHealth(func() []transport.HealthStatus {
				return tt.transports
			}))

			rec := get(t, s.Handler(), "/healthz")
			assert.Equal(t, tt.wantCode, rec.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Len(t, resp.Transports, len(tt.transports))
		})
	}
}

type viewer struct {
	conn *websocket.Conn
}

func dialViewer(t *testing.T, s *Server) *viewer {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.broadcastMessages(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return s.ClientCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	return &viewer{conn: conn}
}

func (v *viewer) next(t *testing.T) (MessageType, json.RawMessage) {
	t.Helper()
	v.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := v.conn.ReadMessage()
	require.NoError(t, err)

	var head struct {
		Type MessageType `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &head))
	return head.Type, data
}

func (v *viewer) nextBook(t *testing.T) OrderbookMessage {
	t.Helper()
	typ, data := v.next(t)
	require.Equal(t, MessageTypeOrderbook, typ)
	var msg OrderbookMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketStreamsUpdates(t *testing.T) {
	s := NewServer(":0", nil)
	v := dialViewer(t, s)

	s.PublishBook(sampleView())
	msg := v.nextBook(t)
	assert.Len(t, msg.Bids, 3)
	assert.Equal(t, float64(0), msg.Tick)

	require.NoError(t, v.conn.WriteJSON(ClientMessage{Type: "set_tick", Tick: 1}))
	msg = v.nextBook(t)
	assert.Equal(t, float64(1), msg.Tick)
	assert.Equal(t, []PriceLevel{
		{Price: "100", Size: "3", Total: "3"},
		{Price: "99", Size: "1", Total: "4"},
	}, msg.Bids)
	assert.Equal(t, aggregation.Tick1, s.aggregator.TickLevel())

	require.NoError(t, v.conn.WriteJSON(ClientMessage{Type: "tick_up"}))
	msg = v.nextBook(t)
	assert.Equal(t, float64(10), msg.Tick)

	// rejected ticks leave the level unchanged and publish nothing
	require.NoError(t, v.conn.WriteJSON(ClientMessage{Type: "set_tick", Tick: 3}))

	s.PublishTrade(sampleTrade())
	typ, data := v.next(t)
	require.Equal(t, MessageTypeTrade, typ)
	var tr TradeMessage
	require.NoError(t, json.Unmarshal(data, &tr))
	assert.Equal(t, "100.75", tr.Price)
	assert.Equal(t, aggregation.Tick10, s.aggregator.TickLevel())
}

func TestWebSocketReplaysLastState(t *testing.T) {
	s := NewServer(":0", nil, WithTick(aggregation.Tick1))
	s.PublishBook(sampleView())
	s.PublishTrade(sampleTrade())

	v := dialViewer(t, s)

	msg := v.nextBook(t)
	assert.Equal(t, float64(1), msg.Tick)
	assert.Equal(t, int64(12), msg.SeqNum)

	typ, _ := v.next(t)
	assert.Equal(t, MessageTypeTrade, typ)
}

func TestPublishWithoutViewersQueuesNothing(t *testing.T) {
	s := NewServer(":0", nil)

	s.PublishBook(sampleView())
	s.PublishTrade(sampleTrade())

	assert.Zero(t, len(s.broadcast))
}

func TestFullBroadcastQueueDrops(t *testing.T) {
	s := NewServer(":0", nil)

	for i := 0; i < broadcastBuffer+3; i++ {
		s.enqueue(OrderbookMessage{Type: MessageTypeOrderbook})
	}

	assert.Equal(t, int64(3), s.Dropped())
}
