// Package trade tracks the most recent executed trade of a trade-history
// topic.
package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"orderfeed/internal/logger"
	"orderfeed/internal/resubscribe"
	"orderfeed/internal/transport"
)

// ErrClosed is returned by Start after Close
var ErrClosed = errors.New("trade adapter closed")

// Side of a trade
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Direction of the last price relative to the previous trade
type Direction string

const (
	DirectionFlat Direction = "flat"
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Trade is one decoded trade tick
type Trade struct {
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp int64           `json:"timestamp"`
	Side      string          `json:"side"`
	Direction Direction       `json:"direction"`
}

type wireTrade struct {
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp int64           `json:"timestamp"`
	Side      string          `json:"side"`
}

// Adapter subscribes to a trade topic and forwards the newest trade of every
// frame to a single observer.
type Adapter struct {
	feed   transport.Feed
	topic  string
	policy *resubscribe.Policy
	log    *logrus.Entry

	mu       sync.Mutex
	observer func(Trade)
	last     Trade
	hasLast  bool
	stop     func()
	started  bool
	closed   bool
	received int64
	dropped  int64
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger sets the logger
func WithLogger(l *logrus.Entry) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// WithPolicy replaces the default resubscribe policy
func WithPolicy(p *resubscribe.Policy) Option {
	return func(a *Adapter) {
		if p != nil {
			a.policy = p
		}
	}
}

// New creates an adapter for topic on feed. Call Start to subscribe.
func New(feed transport.Feed, topic string, opts ...Option) *Adapter {
	a := &Adapter{
		feed:  feed,
		topic: topic,
		log:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.policy == nil {
		a.policy = resubscribe.New(resubscribe.DefaultMinInterval, resubscribe.DefaultMaxAttempts)
	}
	a.log = a.log.WithFields(logrus.Fields{"component": "trade", "topic": topic})
	return a
}

// Topic returns the subscribed topic
func (a *Adapter) Topic() string {
	return a.topic
}

// Start listens for transport errors and subscribes to the topic. A failed
// subscription goes through the resubscribe policy and is also returned.
func (a *Adapter) Start() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if !a.started {
		a.started = true
		a.stop = a.feed.Notify(a.onEvent)
	}
	a.mu.Unlock()

	return a.subscribe()
}

// OnTrade registers the observer. A nil fn is ignored; a later registration
// replaces the earlier one.
func (a *Adapter) OnTrade(fn func(Trade)) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observer = fn
}

// Last returns the most recent trade
func (a *Adapter) Last() (Trade, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.hasLast
}

// Counts returns the number of forwarded and dropped frames
func (a *Adapter) Counts() (received, dropped int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.received, a.dropped
}

// Close stops listening, unsubscribes and gives back the feed reference
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.observer = nil
	stop := a.stop
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	a.feed.Unsubscribe(a.topic, a)
	return a.feed.Release()
}

// HandleMessage decodes the first trade of a frame
func (a *Adapter) HandleMessage(f transport.Frame) {
	var trades []wireTrade
	if err := json.Unmarshal(f.Data, &trades); err != nil {
		a.drop(fmt.Errorf("failed to decode trade payload: %w", err))
		return
	}
	if len(trades) == 0 {
		a.drop(errors.New("empty trade payload"))
		return
	}

	w := trades[0]
	t := Trade{
		Price:     w.Price,
		Size:      w.Size,
		Timestamp: w.Timestamp,
		Side:      strings.ToLower(w.Side),
		Direction: DirectionFlat,
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.hasLast {
		switch {
		case t.Price.GreaterThan(a.last.Price):
			t.Direction = DirectionUp
		case t.Price.LessThan(a.last.Price):
			t.Direction = DirectionDown
		}
	}
	a.last = t
	a.hasLast = true
	a.received++
	observer := a.observer
	a.mu.Unlock()

	if observer != nil {
		observer(t)
	}
}

func (a *Adapter) subscribe() error {
	if err := a.feed.Subscribe(a.topic, a); err != nil {
		a.log.WithError(err).Error("subscribe failed")
		a.resubscribe()
		return fmt.Errorf("failed to subscribe to %s: %w", a.topic, err)
	}
	a.policy.Reset()
	a.log.Info("subscribed to trades")
	return nil
}

func (a *Adapter) onEvent(ev transport.Event) {
	switch ev.State {
	case transport.StateErrored, transport.StateClosed:
		a.log.WithError(ev.Err).WithField("state", ev.State.String()).Warn("transport interrupted")
		a.resubscribe()
	}
}

// resubscribe runs one unsubscribe-then-subscribe cycle if the policy allows
func (a *Adapter) resubscribe() {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	switch a.policy.Allow() {
	case resubscribe.RateLimited:
		a.log.Debug("resubscribe skipped, too soon since last attempt")
		return
	case resubscribe.Exhausted:
		a.log.WithField("attempts", a.policy.Attempts()).Warn("max resubscribe attempts reached")
		return
	}

	a.log.WithField("attempt", a.policy.Attempts()).Info("resubscribing to trades")
	a.feed.Unsubscribe(a.topic, a)
	a.subscribe()
}

func (a *Adapter) drop(err error) {
	a.mu.Lock()
	a.dropped++
	a.mu.Unlock()
	a.log.WithError(err).Debug("dropping trade frame")
}
