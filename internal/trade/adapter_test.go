package trade

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderfeed/internal/resubscribe"
	"orderfeed/internal/transport"
	"orderfeed/internal/transport/transporttest"
)

const testTopic = "tradeHistoryApi:BTCPFC"

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAdapter(t *testing.T) (*Adapter, *transporttest.Feed, *fakeClock) {
	t.Helper()
	feed := transporttest.NewFeed()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	policy := resubscribe.New(5*time.Second, 3, resubscribe.WithClock(clock.now))
	a := New(feed, testTopic, WithPolicy(policy))
	return a, feed, clock
}

func TestHandleMessageDecodesFirstTrade(t *testing.T) {
	a, feed, _ := newTestAdapter(t)
	require.NoError(t, a.Start())

	var got []Trade
	a.OnTrade(func(tr Trade) { got = append(got, tr) })

	require.NoError(t, feed.Deliver(testTopic, []map[string]any{
		{"price": "64250.5", "size": "0.012", "timestamp": 1714560000123, "side": "buy"},
		{"price": "64000", "size": "1", "timestamp": 1714560000000, "side": "sell"},
	}))

	require.Len(t, got, 1)
	assert.True(t, decimal.RequireFromString("64250.5").Equal(got[0].Price))
	assert.True(t, decimal.RequireFromString("0.012").Equal(got[0].Size))
	assert.Equal(t, int64(1714560000123), got[0].Timestamp)
	assert.Equal(t, SideBuy, got[0].Side)
	assert.Equal(t, DirectionFlat, got[0].Direction)

	last, ok := a.Last()
	require.True(t, ok)
	assert.Equal(t, got[0], last)
}

func TestHandleMessageAcceptsNumericFields(t *testing.T) {
	a, feed, _ := newTestAdapter(t)
	require.NoError(t, a.Start())

	feed.DeliverRaw(testTopic, []byte(`[{"price":101.25,"size":3,"timestamp":5,"side":"SELL"}]`))

	last, ok := a.Last()
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("101.25").Equal(last.Price))
	assert.True(t, decimal.NewFromInt(3).Equal(last.Size))
	assert.Equal(t, SideSell, last.Side)
}

func TestDirectionFollowsPreviousPrice(t *testing.T) {
	a, feed, _ := newTestAdapter(t)
	require.NoError(t, a.Start())

	tests := []struct {
		price string
		want  Direction
	}{
		{"100", DirectionFlat},
		{"101", DirectionUp},
		{"101", DirectionFlat},
		{"99.5", DirectionDown},
		{"99.50", DirectionFlat},
	}

	for _, tt := range tests {
		require.NoError(t, feed.Deliver(testTopic, []map[string]any{
			{"price": tt.price, "size": "1", "timestamp": 1, "side": "buy"},
		}))
		last, ok := a.Last()
		require.True(t, ok)
		assert.Equal(t, tt.want, last.Direction, "price %s", tt.price)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	a, feed, _ := newTestAdapter(t)
	require.NoError(t, a.Start())

	var calls int
	a.OnTrade(func(Trade) { calls++ })

	tests := []struct {
		name string
		raw  string
	}{
		{"empty array", `[]`},
		{"object", `{"price":"1"}`},
		{"bad price", `[{"price":"abc","size":"1","timestamp":1,"side":"buy"}]`},
		{"not json", `???`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed.DeliverRaw(testTopic, []byte(tt.raw))
		})
	}

	assert.Zero(t, calls)
	_, ok := a.Last()
	assert.False(t, ok)
	received, dropped := a.Counts()
	assert.Zero(t, received)
	assert.Equal(t, int64(len(tests)), dropped)
}

func TestOnTradeIgnoresNil(t *testing.T) {
	a, feed, _ := newTestAdapter(t)
	require.NoError(t, a.Start())

	var calls int
	a.OnTrade(func(Trade) { calls++ })
	a.OnTrade(nil)

	require.NoError(t, feed.Deliver(testTopic, []map[string]any{
		{"price": "1", "size": "1", "timestamp": 1, "side": "buy"},
	}))
	assert.Equal(t, 1, calls)
}

func TestTransportInterruptionResubscribes(t *testing.T) {
	a, feed, clock := newTestAdapter(t)
	require.NoError(t, a.Start())
	feed.ResetCalls()

	feed.Emit(transport.Event{State: transport.StateErrored, Err: errors.New("boom")})
	assert.Equal(t, []transporttest.Call{
		{Op: "unsubscribe", Topic: testTopic},
		{Op: "subscribe", Topic: testTopic},
	}, feed.Calls())

	clock.advance(time.Second)
	feed.Emit(transport.Event{State: transport.StateClosed})
	assert.Len(t, feed.Calls(), 2, "rate limited")

	clock.advance(5 * time.Second)
	feed.Emit(transport.Event{State: transport.StateClosed})
	assert.Len(t, feed.Calls(), 4)

	feed.Emit(transport.Event{State: transport.StateOpen})
	assert.Len(t, feed.Calls(), 4, "open does not resubscribe")
	assert.True(t, feed.Subscribed(testTopic))
}

func TestSubscribeFailureIsBounded(t *testing.T) {
	a, feed, clock := newTestAdapter(t)
	feed.FailSubscribe(errors.New("rejected"))

	require.Error(t, a.Start())
	// the failed subscribe runs one resubscribe cycle, whose own failure is
	// rate limited
	assert.Len(t, feed.Calls(), 3)

	for i := 0; i < 5; i++ {
		clock.advance(6 * time.Second)
		feed.Emit(transport.Event{State: transport.StateErrored})
	}

	// three allowed cycles in total, each an unsubscribe plus a subscribe
	assert.Len(t, feed.Calls(), 1+3*2)
}

func TestSuccessfulSubscribeResetsAttempts(t *testing.T) {
	a, feed, clock := newTestAdapter(t)
	require.NoError(t, a.Start())
	feed.ResetCalls()

	for i := 0; i < 6; i++ {
		clock.advance(6 * time.Second)
		feed.Emit(transport.Event{State: transport.StateErrored})
	}

	assert.Len(t, feed.Calls(), 12)
}

func TestCloseStopsEverything(t *testing.T) {
	a, feed, _ := newTestAdapter(t)
	require.NoError(t, a.Start())
	require.Equal(t, 1, feed.Listeners())

	var calls int
	a.OnTrade(func(Trade) { calls++ })

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.Zero(t, feed.Listeners())
	assert.False(t, feed.Subscribed(testTopic))
	assert.Equal(t, 1, feed.Releases())
	assert.ErrorIs(t, a.Start(), ErrClosed)

	a.HandleMessage(transport.Frame{Topic: testTopic, Data: []byte(`[{"price":"1","size":"1","timestamp":1,"side":"buy"}]`)})
	assert.Zero(t, calls)
}
