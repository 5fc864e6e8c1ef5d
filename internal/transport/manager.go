package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Manager owns one physical websocket connection to an endpoint and
// multiplexes topic subscriptions over it. Managers are obtained from a
// Registry; there is at most one per endpoint.
type Manager struct {
	endpoint string
	cfg      Config
	opts     Options
	registry *Registry
	dialer   *websocket.Dialer
	log      *logrus.Entry

	mu           sync.Mutex
	state        State
	closed       bool
	conn         *websocket.Conn
	session      string
	topics       []string             // registration order
	handlers     map[string][]Handler // topic -> handlers in registration order
	pending      deque.Deque[string]
	attempts     int
	lastAttempt  time.Time
	timer        *time.Timer
	listeners    map[int]func(Event)
	nextListener int

	writeMu sync.Mutex

	healthMu sync.Mutex
	health   HealthStatus
}

var _ Feed = (*Manager)(nil)

func newManager(r *Registry, endpoint string, opts Options) *Manager {
	return &Manager{
		endpoint:  endpoint,
		cfg:       r.cfg,
		opts:      opts,
		registry:  r,
		dialer:    r.dialer,
		log:       r.log.WithField("endpoint", endpoint),
		handlers:  make(map[string][]Handler),
		listeners: make(map[int]func(Event)),
		health:    HealthStatus{Endpoint: endpoint},
	}
}

// Endpoint returns the address this manager connects to
func (m *Manager) Endpoint() string {
	return m.endpoint
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers h under topic. Registering the same handler twice is a
// no-op and a nil or non-comparable handler is ignored. While the connection
// is not open the topic is queued and connection establishment is triggered.
func (m *Manager) Subscribe(topic string, h Handler) error {
	if !callable(h) {
		m.log.WithField("topic", topic).Debug("ignoring subscription with non-callable handler")
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	list, exists := m.handlers[topic]
	for _, existing := range list {
		if existing == h {
			m.mu.Unlock()
			return nil
		}
	}
	if !exists {
		m.topics = append(m.topics, topic)
	}
	m.handlers[topic] = append(list, h)

	if m.state != StateOpen {
		m.enqueue(topic)
		m.mu.Unlock()
		m.connect()
		return nil
	}

	conn := m.conn
	m.mu.Unlock()
	return m.send(conn, opSubscribe, topic)
}

// Unsubscribe removes h from topic. Removing the last handler drops the topic
// and, when connected, sends an unsubscribe frame.
func (m *Manager) Unsubscribe(topic string, h Handler) {
	if !callable(h) {
		return
	}

	m.mu.Lock()
	list, ok := m.handlers[topic]
	if !ok {
		m.mu.Unlock()
		return
	}

	next := make([]Handler, 0, len(list))
	for _, existing := range list {
		if existing != h {
			next = append(next, existing)
		}
	}
	if len(next) == len(list) {
		m.mu.Unlock()
		return
	}
	if len(next) > 0 {
		m.handlers[topic] = next
		m.mu.Unlock()
		return
	}

	m.removeTopicLocked(topic)
	var conn *websocket.Conn
	if m.state == StateOpen {
		conn = m.conn
	}
	m.mu.Unlock()

	if conn != nil {
		if err := m.send(conn, opUnsubscribe, topic); err != nil {
			m.log.WithError(err).WithField("topic", topic).Warn("unsubscribe failed")
		}
	}
}

// Notify registers a lifecycle listener. The returned function removes it.
func (m *Manager) Notify(fn func(Event)) (stop func()) {
	if fn == nil {
		return func() {}
	}

	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Release drops this consumer's reference. The connection is closed once the
// last reference is released.
func (m *Manager) Release() error {
	if m.registry == nil {
		return m.Close()
	}
	return m.registry.Release(m)
}

// Close closes the physical connection and evicts the manager from its
// registry. Every consumer of the endpoint is disconnected, not only the
// caller.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateDisconnected
	conn := m.conn
	m.conn = nil
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()

	if m.registry != nil {
		m.registry.evict(m)
	}
	m.updateConnectionStatus(false)

	if conn == nil {
		return nil
	}

	m.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()
	if err != nil {
		m.log.WithError(err).Debug("error sending close message")
	}

	m.log.Info("websocket closed")
	return conn.Close()
}

// Health returns connection health information
func (m *Manager) Health() HealthStatus {
	m.mu.Lock()
	state := m.state
	attempts := m.attempts
	topics := append([]string(nil), m.topics...)
	m.mu.Unlock()

	m.healthMu.Lock()
	status := m.health
	m.healthMu.Unlock()

	status.State = state.String()
	status.ReconnectAttempts = attempts
	status.Topics = topics
	return status
}

// connect starts establishing the connection unless it is already open or
// in progress.
func (m *Manager) connect() {
	m.mu.Lock()
	if m.closed || m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()

	go m.dial()
}

func (m *Manager) dial() {
	ctx := context.Background()
	if m.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, _, err := m.dialer.DialContext(ctx, m.endpoint, nil)
	if err != nil {
		m.incrementErrorCount()
		m.log.WithError(err).Warn("websocket dial failed")
		m.fail(StateErrored, fmt.Errorf("websocket connection failed: %w", err))
		return
	}

	m.open(conn)
}

func (m *Manager) open(conn *websocket.Conn) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}

	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.session = uuid.NewString()

	// Queued subscriptions go first, then every other registered topic, one
	// frame per topic.
	flush := make([]string, 0, m.pending.Len()+len(m.topics))
	seen := make(map[string]struct{}, len(m.topics))
	for m.pending.Len() > 0 {
		topic := m.pending.PopFront()
		if _, ok := m.handlers[topic]; !ok {
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		flush = append(flush, topic)
	}
	for _, topic := range m.topics {
		if _, dup := seen[topic]; !dup {
			seen[topic] = struct{}{}
			flush = append(flush, topic)
		}
	}
	log := m.log.WithField("session", m.session)
	m.mu.Unlock()

	m.updateConnectionStatus(true)
	log.WithField("topics", len(flush)).Info("websocket connected")

	m.emit(Event{State: StateOpen})

	for _, topic := range flush {
		if err := m.send(conn, opSubscribe, topic); err != nil {
			log.WithError(err).WithField("topic", topic).Warn("resubscribe failed")
			break
		}
	}

	go m.readLoop(conn, log)
}

// readLoop is the single dispatch path for one physical connection.
func (m *Manager) readLoop(conn *websocket.Conn, log *logrus.Entry) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.drop(conn, err, log)
			return
		}
		m.incrementMessageCount()
		m.dispatch(data, log)
	}
}

func (m *Manager) drop(conn *websocket.Conn, err error, log *logrus.Entry) {
	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()

	conn.Close()

	state := StateErrored
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		state = StateClosed
		log.WithField("code", closeErr.Code).Info("websocket closed by peer")
	} else {
		m.incrementErrorCount()
		log.WithError(err).Warn("websocket read error")
	}

	m.fail(state, err)
}

func (m *Manager) fail(state State, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	m.updateConnectionStatus(false)
	m.emit(Event{State: state, Err: err})
	m.scheduleReconnect()
}

// scheduleReconnect arms the fixed-delay reconnect timer. Once the attempt
// bound is reached no further attempts are made.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.log.WithField("attempts", m.attempts).Error("max reconnection attempts reached")
		return
	}

	m.attempts++
	m.lastAttempt = time.Now()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.ReconnectDelay, m.connect)

	at := m.lastAttempt
	m.healthMu.Lock()
	m.health.ReconnectTime = &at
	m.healthMu.Unlock()

	m.log.WithFields(logrus.Fields{
		"attempt": m.attempts,
		"delay":   m.cfg.ReconnectDelay,
	}).Info("reconnect scheduled")
}

func (m *Manager) dispatch(data []byte, log *logrus.Entry) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.WithError(err).Debug("dropping malformed frame")
		return
	}

	key := f.Key()
	if key == "" {
		return
	}

	type target struct {
		topic    string
		handlers []Handler
	}

	m.mu.Lock()
	var targets []target
	for _, topic := range m.topics {
		if strings.HasPrefix(topic, key) {
			targets = append(targets, target{
				topic:    topic,
				handlers: append([]Handler(nil), m.handlers[topic]...),
			})
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		for _, h := range t.handlers {
			if !callable(h) {
				m.prune(t.topic)
				continue
			}
			h.HandleMessage(f)
		}
	}
}

// prune drops handlers that can no longer be invoked.
func (m *Manager) prune(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.handlers[topic]
	next := make([]Handler, 0, len(list))
	for _, h := range list {
		if callable(h) {
			next = append(next, h)
		}
	}
	if len(next) == 0 {
		m.removeTopicLocked(topic)
		return
	}
	m.handlers[topic] = next
}

func (m *Manager) removeTopicLocked(topic string) {
	delete(m.handlers, topic)
	for i, t := range m.topics {
		if t == topic {
			m.topics = append(m.topics[:i:i], m.topics[i+1:]...)
			break
		}
	}
}

func (m *Manager) enqueue(topic string) {
	for i := 0; i < m.pending.Len(); i++ {
		if m.pending.At(i) == topic {
			return
		}
	}
	m.pending.PushBack(topic)
}

func (m *Manager) send(conn *websocket.Conn, op, topic string) error {
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	if err := conn.WriteJSON(SubscribeMessage{Op: op, Args: []string{topic}}); err != nil {
		m.incrementErrorCount()
		return fmt.Errorf("failed to %s %s: %w", op, topic, err)
	}

	m.log.WithFields(logrus.Fields{"op": op, "topic": topic}).Debug("frame sent")
	return nil
}

func (m *Manager) emit(ev Event) {
	switch ev.State {
	case StateOpen:
		if m.opts.OnOpen != nil {
			m.opts.OnOpen()
		}
	case StateErrored:
		if m.opts.OnError != nil {
			m.opts.OnError(ev.Err)
		}
	case StateClosed:
		if m.opts.OnClose != nil {
			m.opts.OnClose(ev.Err)
		}
	}

	m.mu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// updateConnectionStatus updates the connection status in health
func (m *Manager) updateConnectionStatus(connected bool) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	m.health.Connected = connected
}

// incrementMessageCount increments the message count in health
func (m *Manager) incrementMessageCount() {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	m.health.MessageCount++
	m.health.LastMessage = time.Now()
}

// incrementErrorCount increments the error count in health
func (m *Manager) incrementErrorCount() {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	m.health.ErrorCount++
}
