// Package transporttest provides an in-memory transport.Feed for testing
// topic consumers without a network connection.
package transporttest

import (
	"encoding/json"
	"sync"

	"orderfeed/internal/transport"
)

// Call records one Subscribe or Unsubscribe invocation
type Call struct {
	Op    string
	Topic string
}

// Feed is a transport.Feed that records calls and lets tests deliver frames
// and lifecycle events synchronously.
type Feed struct {
	mu           sync.Mutex
	calls        []Call
	handlers     map[string][]transport.Handler
	listeners    map[int]func(transport.Event)
	nextListener int
	releases     int
	subscribeErr error
}

// NewFeed creates an empty fake feed
func NewFeed() *Feed {
	return &Feed{
		handlers:  make(map[string][]transport.Handler),
		listeners: make(map[int]func(transport.Event)),
	}
}

// FailSubscribe makes every following Subscribe return err. A nil err
// restores normal behaviour.
func (f *Feed) FailSubscribe(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

func (f *Feed) Subscribe(topic string, h transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "subscribe", Topic: topic})
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	for _, existing := range f.handlers[topic] {
		if existing == h {
			return nil
		}
	}
	f.handlers[topic] = append(f.handlers[topic], h)
	return nil
}

func (f *Feed) Unsubscribe(topic string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "unsubscribe", Topic: topic})
	list := f.handlers[topic]
	for i, existing := range list {
		if existing == h {
			f.handlers[topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(f.handlers[topic]) == 0 {
		delete(f.handlers, topic)
	}
}

func (f *Feed) Notify(fn func(transport.Event)) (stop func()) {
	f.mu.Lock()
	id := f.nextListener
	f.nextListener++
	f.listeners[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *Feed) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

// Deliver sends a frame with topic and data marshalled as JSON to every
// handler registered under topic.
func (f *Feed) Deliver(topic string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.DeliverRaw(topic, raw)
	return nil
}

// DeliverRaw sends a frame with a pre-encoded payload
func (f *Feed) DeliverRaw(topic string, raw json.RawMessage) {
	f.mu.Lock()
	handlers := append([]transport.Handler(nil), f.handlers[topic]...)
	f.mu.Unlock()

	frame := transport.Frame{Topic: topic, Data: raw}
	for _, h := range handlers {
		h.HandleMessage(frame)
	}
}

// Emit delivers a lifecycle event to every listener
func (f *Feed) Emit(ev transport.Event) {
	f.mu.Lock()
	fns := make([]func(transport.Event), 0, len(f.listeners))
	for i := 0; i < f.nextListener; i++ {
		if fn, ok := f.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Calls returns the recorded Subscribe and Unsubscribe calls
func (f *Feed) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// ResetCalls clears the recorded calls
func (f *Feed) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Subscribed reports whether any handler is registered under topic
func (f *Feed) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[topic]) > 0
}

// Listeners returns the number of registered lifecycle listeners
func (f *Feed) Listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// Releases returns how many times Release was called
func (f *Feed) Releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

var _ transport.Feed = (*Feed)(nil)
