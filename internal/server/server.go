// Package server exposes the reconciled book and last trade to local
// viewers over a websocket stream and a small JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"orderfeed/internal/aggregation"
	"orderfeed/internal/book"
	"orderfeed/internal/logger"
	"orderfeed/internal/trade"
	"orderfeed/internal/transport"
)

type MessageType string

const (
	MessageTypeOrderbook MessageType = "orderbook"
	MessageTypeTrade     MessageType = "trade"
)

const (
	broadcastBuffer = 256
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// ClientMessage represents messages sent from client to server
type ClientMessage struct {
	Type string  `json:"type"`
	Tick float64 `json:"tick,omitempty"`
}

type OrderbookMessage struct {
	Type      MessageType  `json:"type"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	SeqNum    int64        `json:"seqNum"`
	Tick      float64      `json:"tick"`
	Timestamp int64        `json:"timestamp"`
}

type TradeMessage struct {
	Type      MessageType     `json:"type"`
	Price     string          `json:"price"`
	Size      string          `json:"size"`
	Side      string          `json:"side"`
	Direction trade.Direction `json:"direction"`
	Spread    string          `json:"spread,omitempty"`
	TradeTime int64           `json:"tradeTime"`
	Timestamp int64           `json:"timestamp"`
}

type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Total string `json:"total"`
}

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status     string                   `json:"status"`
	Transports []transport.HealthStatus `json:"transports"`
}

type client struct {
	id   string
	conn *websocket.Conn
}

// Server streams book and trade updates to connected viewers. The broadcast
// loop is the only writer to client connections.
type Server struct {
	addr       string
	log        *logrus.Entry
	router     *mux.Router
	upgrader   websocket.Upgrader
	aggregator *aggregation.Aggregator
	stats      func() book.Stats
	health     func() []transport.HealthStatus
	now        func() time.Time

	clients    map[*client]struct{}
	clientsMux sync.RWMutex
	broadcast  chan interface{}

	mu        sync.RWMutex
	lastView  book.View
	hasView   bool
	lastTrade trade.Trade
	hasTrade  bool
	dropped   int64
}

// Option configures a Server
type Option func(*Server)

// WithStats sets the source for /api/stats
func WithStats(fn func() book.Stats) Option {
	return func(s *Server) {
		s.stats = fn
	}
}

// WithHealth sets the source for /healthz
func WithHealth(fn func() []transport.HealthStatus) Option {
	return func(s *Server) {
		s.health = fn
	}
}

// WithTick sets the initial aggregation tick
func WithTick(tick aggregation.TickLevel) Option {
	return func(s *Server) {
		s.aggregator.SetTickLevel(tick)
	}
}

// NewServer creates a server listening on addr once Run is called
func NewServer(addr string, log *logrus.Entry, opts ...Option) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		addr:       addr,
		log:        log.WithField("component", "server"),
		aggregator: aggregation.New(aggregation.TickNone),
		now:        time.Now,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan interface{}, broadcastBuffer),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/api/book", s.handleBook).Methods(http.MethodGet)
	r.HandleFunc("/api/trade", s.handleTrade).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP and the broadcast loop until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.broadcastMessages(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.addr).Info("view server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.log.Info("view server stopped")
		return nil
	}
}

// PublishBook stores v and streams it to connected viewers
func (s *Server) PublishBook(v book.View) {
	s.mu.Lock()
	s.lastView = v
	s.hasView = true
	s.mu.Unlock()

	if s.ClientCount() == 0 {
		return
	}
	s.enqueue(s.buildOrderbookMessage(v))
}

// PublishTrade stores t and streams it to connected viewers
func (s *Server) PublishTrade(t trade.Trade) {
	s.mu.Lock()
	s.lastTrade = t
	s.hasTrade = true
	s.mu.Unlock()

	if s.ClientCount() == 0 {
		return
	}
	s.enqueue(s.buildTradeMessage(t))
}

// ClientCount returns the number of connected viewers
func (s *Server) ClientCount() int {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	return len(s.clients)
}

// Dropped returns how many broadcast messages were discarded
func (s *Server) Dropped() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

func (s *Server) enqueue(msg interface{}) {
	select {
	case s.broadcast <- msg:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.log.Warn("broadcast queue full, dropping message")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade error")
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	log := s.log.WithFields(logrus.Fields{"client": c.id, "remote": r.RemoteAddr})

	s.clientsMux.Lock()
	s.clients[c] = struct{}{}
	s.clientsMux.Unlock()

	log.Info("viewer connected")

	defer func() {
		s.removeClient(c)
		log.Info("viewer disconnected")
	}()

	s.republishBook()
	if t, ok := s.trade(); ok {
		s.enqueue(s.buildTradeMessage(t))
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			log.WithError(err).Debug("error parsing client message")
			continue
		}

		s.handleClientMessage(clientMsg, log)
	}
}

func (s *Server) handleClientMessage(msg ClientMessage, log *logrus.Entry) {
	current := s.aggregator.TickLevel()

	switch msg.Type {
	case "set_tick":
		tick, err := aggregation.ValidateTickLevel(aggregation.TickLevel(msg.Tick))
		if err != nil {
			log.WithError(err).Warn("invalid tick level")
			return
		}
		s.aggregator.SetTickLevel(tick)
	case "tick_up":
		s.aggregator.SetTickLevel(aggregation.NextTickLevel(current))
	case "tick_down":
		s.aggregator.SetTickLevel(aggregation.PreviousTickLevel(current))
	default:
		log.WithField("type", msg.Type).Debug("unknown message type")
		return
	}

	log.WithField("tick", float64(s.aggregator.TickLevel())).Info("tick level changed")
	s.republishBook()
}

// republishBook streams the last view again, e.g. after a tick change
func (s *Server) republishBook() {
	s.mu.RLock()
	v, ok := s.lastView, s.hasView
	s.mu.RUnlock()
	if ok {
		s.enqueue(s.buildOrderbookMessage(v))
	}
}

func (s *Server) trade() (trade.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTrade, s.hasTrade
}

func (s *Server) broadcastMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.closeClients()
			return
		case msg := <-s.broadcast:
			s.writeAll(msg)
		}
	}
}

func (s *Server) writeAll(msg interface{}) {
	s.clientsMux.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMux.RUnlock()

	for _, c := range clients {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			s.log.WithError(err).WithField("client", c.id).Warn("error writing to viewer")
			s.removeClient(c)
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMux.Lock()
	delete(s.clients, c)
	s.clientsMux.Unlock()
	c.conn.Close()
}

func (s *Server) closeClients() {
	s.clientsMux.Lock()
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.clientsMux.Unlock()

	for c := range clients {
		c.conn.Close()
	}
}

func (s *Server) buildOrderbookMessage(v book.View) OrderbookMessage {
	tick := s.aggregator.TickLevel()
	v = aggregation.Aggregate(v, tick)

	return OrderbookMessage{
		Type:      MessageTypeOrderbook,
		Bids:      toPriceLevels(v.Bids),
		Asks:      toPriceLevels(v.Asks),
		SeqNum:    v.SeqNum,
		Tick:      float64(tick),
		Timestamp: s.now().UnixMilli(),
	}
}

func (s *Server) buildTradeMessage(t trade.Trade) TradeMessage {
	var spread string
	if sp, ok := s.spread(); ok {
		spread = sp.String()
	}
	return TradeMessage{
		Type:      MessageTypeTrade,
		Price:     t.Price.String(),
		Size:      t.Size.String(),
		Side:      t.Side,
		Direction: t.Direction,
		Spread:    spread,
		TradeTime: t.Timestamp,
		Timestamp: s.now().UnixMilli(),
	}
}

func toPriceLevels(levels []book.Level) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, PriceLevel{
			Price: l.Price.String(),
			Size:  l.Size.String(),
			Total: l.Total.String(),
		})
	}
	return out
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	tick, err := aggregation.ParseTickLevel(r.URL.Query().Get("tick"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	v := s.lastView
	s.mu.RUnlock()

	v = aggregation.Aggregate(v, tick)
	writeJSON(w, http.StatusOK, OrderbookMessage{
		Type:      MessageTypeOrderbook,
		Bids:      toPriceLevels(v.Bids),
		Asks:      toPriceLevels(v.Asks),
		SeqNum:    v.SeqNum,
		Tick:      float64(tick),
		Timestamp: s.now().UnixMilli(),
	})
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	t, ok := s.trade()
	if !ok {
		http.Error(w, "no trade yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.buildTradeMessage(t))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "stats unavailable", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Transports: []transport.HealthStatus{}}
	if s.health != nil {
		resp.Transports = s.health()
	}

	status := http.StatusOK
	for _, h := range resp.Transports {
		if !h.Connected {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// spread returns ask minus bid of the last published view
func (s *Server) spread() (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.lastView.Bids) == 0 || len(s.lastView.Asks) == 0 {
		return decimal.Zero, false
	}
	return s.lastView.Asks[0].Price.Sub(s.lastView.Bids[0].Price), true
}
