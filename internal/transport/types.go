package transport

import (
	"encoding/json"
	"errors"
	"reflect"
	"time"
)

// Errors
var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("transport closed")
)

// State is the connection lifecycle state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Frame is one inbound message. Data holds the undecoded payload.
type Frame struct {
	Topic   string          `json:"topic,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Key returns the identifier used to route the frame to registered topics.
func (f Frame) Key() string {
	if f.Topic != "" {
		return f.Topic
	}
	return f.Channel
}

// SubscribeMessage is the outbound subscribe/unsubscribe frame.
type SubscribeMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
)

// Handler receives frames dispatched for a topic. Implementations must be
// comparable (pointer receivers) so the same handler can be recognised on
// re-registration and removal.
type Handler interface {
	HandleMessage(f Frame)
}

type funcHandler struct {
	fn func(Frame)
}

func (h *funcHandler) HandleMessage(f Frame) {
	h.fn(f)
}

// NewHandler wraps fn in a comparable Handler. A nil fn yields a nil Handler.
func NewHandler(fn func(Frame)) Handler {
	if fn == nil {
		return nil
	}
	return &funcHandler{fn: fn}
}

// callable reports whether h can be registered and invoked.
func callable(h Handler) bool {
	if h == nil {
		return false
	}
	v := reflect.ValueOf(h)
	if !v.Type().Comparable() {
		return false
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Map, reflect.Chan, reflect.Interface, reflect.Slice:
		if v.IsNil() {
			return false
		}
	}
	if fh, ok := h.(*funcHandler); ok && fh.fn == nil {
		return false
	}
	return true
}

// Event describes a lifecycle transition delivered to listeners.
type Event struct {
	State State
	Err   error
}

// Options carries the lifecycle callbacks of the consumer that creates a
// Manager. They are applied only when the endpoint's Manager is created.
type Options struct {
	OnOpen  func()
	OnError func(err error)
	OnClose func(err error)
}

func (o Options) empty() bool {
	return o.OnOpen == nil && o.OnError == nil && o.OnClose == nil
}

// Feed is the part of a Manager that topic consumers depend on.
type Feed interface {
	Subscribe(topic string, h Handler) error
	Unsubscribe(topic string, h Handler)
	Notify(fn func(Event)) (stop func())
	Release() error
}

// Config configures every Manager created by a Registry.
type Config struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
}

// DefaultConfig returns the fixed-delay reconnect policy of the feed.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

// HealthStatus represents connection health information
type HealthStatus struct {
	Endpoint          string     `json:"endpoint"`
	State             string     `json:"state"`
	Connected         bool       `json:"connected"`
	LastMessage       time.Time  `json:"lastMessage"`
	MessageCount      int64      `json:"messageCount"`
	ErrorCount        int64      `json:"errorCount"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	ReconnectTime     *time.Time `json:"reconnectTime,omitempty"`
	Topics            []string   `json:"topics"`
}
