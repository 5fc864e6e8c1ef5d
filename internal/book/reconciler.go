// Package book keeps a local replica of an exchange order book in sync with a
// snapshot/delta stream and derives a bounded, sorted view from it.
package book

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"orderfeed/internal/logger"
	"orderfeed/internal/resubscribe"
	"orderfeed/internal/transport"
)

// ErrClosed is returned by Start after Close
var ErrClosed = errors.New("reconciler closed")

// Reconciler consumes the frames of one book topic. It is the only writer of
// its side caches; frames are applied in delivery order.
type Reconciler struct {
	feed   transport.Feed
	topic  string
	depth  int
	policy *resubscribe.Policy
	log    *logrus.Entry
	now    func() time.Time

	mu       sync.Mutex
	bids     *side
	asks     *side
	seqNum   int64
	hasSeq   bool
	view     View
	observer func(View)
	stats    Stats
	closed   bool
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithDepth sets the number of levels per side in the derived view
func WithDepth(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.depth = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logrus.Entry) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithPolicy replaces the default resubscribe policy
func WithPolicy(p *resubscribe.Policy) Option {
	return func(r *Reconciler) {
		if p != nil {
			r.policy = p
		}
	}
}

// WithClock replaces the clock used for update timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler creates a reconciler for topic on feed. Call Start to
// subscribe.
func NewReconciler(feed transport.Feed, topic string, opts ...Option) *Reconciler {
	r := &Reconciler{
		feed:  feed,
		topic: topic,
		depth: DefaultDepth,
		log:   logger.Discard(),
		now:   time.Now,
		bids:  newSide(true),
		asks:  newSide(false),
		view:  View{Bids: []Level{}, Asks: []Level{}},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.policy == nil {
		r.policy = resubscribe.New(resubscribe.DefaultMinInterval, resubscribe.DefaultMaxAttempts)
	}
	r.log = r.log.WithFields(logrus.Fields{"component": "book", "topic": topic})
	return r
}

// Topic returns the subscribed topic
func (r *Reconciler) Topic() string {
	return r.topic
}

// Start subscribes the reconciler to its topic
func (r *Reconciler) Start() error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := r.feed.Subscribe(r.topic, r); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.topic, err)
	}
	r.log.Info("subscribed to order book")
	return nil
}

// OnUpdate registers the observer invoked after every accepted snapshot or
// delta. A later registration replaces the earlier one.
func (r *Reconciler) OnUpdate(fn func(View)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// View returns the most recently derived view
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// Stats returns a copy of the current statistics
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close unsubscribes and gives back the feed reference
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.observer = nil
	r.mu.Unlock()

	r.feed.Unsubscribe(r.topic, r)
	return r.feed.Release()
}

// HandleMessage applies one frame from the feed
func (r *Reconciler) HandleMessage(f transport.Frame) {
	var p payload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		r.drop(fmt.Errorf("failed to decode book payload: %w", err))
		return
	}

	switch p.Type {
	case TypeSnapshot:
		r.applySnapshot(p)
	case TypeDelta:
		r.applyDelta(p)
	default:
		r.drop(fmt.Errorf("unknown book message type %q", p.Type))
	}
}

func (r *Reconciler) applySnapshot(p payload) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	r.bids.replace(p.Bids)
	r.asks.replace(p.Asks)
	r.seqNum = p.SeqNum
	r.hasSeq = true
	r.stats.Snapshots++
	r.policy.Reset()

	view, observer := r.recomputeLocked()
	r.mu.Unlock()

	r.log.WithField("seqNum", p.SeqNum).Debug("snapshot applied")
	if observer != nil {
		observer(view)
	}
}

func (r *Reconciler) applyDelta(p payload) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	if r.hasSeq && p.SeqNum != r.seqNum+1 {
		expected := r.seqNum + 1
		r.stats.Gaps++
		r.mu.Unlock()

		r.log.WithFields(logrus.Fields{
			"expected": expected,
			"got":      p.SeqNum,
		}).Warn("sequence gap detected")
		r.resubscribe()
		return
	}

	r.bids.apply(p.Bids)
	r.asks.apply(p.Asks)
	r.seqNum = p.SeqNum
	r.hasSeq = true
	r.stats.Deltas++

	view, observer := r.recomputeLocked()
	r.mu.Unlock()

	if observer != nil {
		observer(view)
	}
}

// resubscribe runs one unsubscribe-then-subscribe cycle if the policy allows
func (r *Reconciler) resubscribe() {
	log := r.log.WithField("attempts", r.policy.Attempts())

	switch r.policy.Allow() {
	case resubscribe.RateLimited:
		log.Debug("resubscribe skipped, too soon since last attempt")
		return
	case resubscribe.Exhausted:
		log.Warn("max resubscribe attempts reached")
		return
	}

	r.mu.Lock()
	r.stats.Resubscribes++
	r.mu.Unlock()

	r.log.WithField("attempt", r.policy.Attempts()).Info("resubscribing to order book")
	r.feed.Unsubscribe(r.topic, r)
	if err := r.feed.Subscribe(r.topic, r); err != nil {
		r.log.WithError(err).Error("resubscribe failed")
	}
}

// recomputeLocked derives a fresh view and returns it with the current
// observer. Must be called with mu held.
func (r *Reconciler) recomputeLocked() (View, func(View)) {
	r.view = View{
		Bids:   r.bids.best(r.depth),
		Asks:   r.asks.best(r.depth),
		SeqNum: r.seqNum,
	}
	r.updateStatsLocked()
	return r.view, r.observer
}

func (r *Reconciler) updateStatsLocked() {
	bestBid := r.bids.top()
	bestAsk := r.asks.top()

	r.stats.BestBid = bestBid
	r.stats.BestAsk = bestAsk
	r.stats.BidLevels = r.bids.len()
	r.stats.AskLevels = r.asks.len()
	r.stats.LastSeqNum = r.seqNum
	r.stats.HasSeqNum = r.hasSeq
	r.stats.LastUpdate = r.now()

	if r.bids.len() > 0 && r.asks.len() > 0 {
		r.stats.Spread = bestAsk.Sub(bestBid)
		r.stats.MidPrice = bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	} else {
		r.stats.Spread = decimal.Zero
		r.stats.MidPrice = decimal.Zero
	}
}

func (r *Reconciler) drop(err error) {
	r.mu.Lock()
	r.stats.Dropped++
	r.mu.Unlock()
	r.log.WithError(err).Debug("dropping book frame")
}
