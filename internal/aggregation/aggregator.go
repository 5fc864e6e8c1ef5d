// Package aggregation groups order book levels into coarser price buckets.
package aggregation

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"orderfeed/internal/book"
)

// TickLevel represents available tick size options for price aggregation
type TickLevel float64

const (
	TickNone TickLevel = 0
	Tick01   TickLevel = 0.1
	Tick1    TickLevel = 1.0
	Tick10   TickLevel = 10.0
	Tick50   TickLevel = 50.0
	Tick100  TickLevel = 100.0
)

// AvailableTickLevels defines the available tick levels in order of precision
var AvailableTickLevels = []TickLevel{
	Tick01,
	Tick1,
	Tick10,
	Tick50,
	Tick100,
}

// ParseTickLevel parses one of the available tick levels. An empty string or
// "0" disables aggregation.
func ParseTickLevel(s string) (TickLevel, error) {
	if s == "" {
		return TickNone, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return TickNone, fmt.Errorf("invalid tick %q: %w", s, err)
	}
	return ValidateTickLevel(TickLevel(f))
}

// ValidateTickLevel returns tick if it is zero or one of the available levels
func ValidateTickLevel(tick TickLevel) (TickLevel, error) {
	if tick == TickNone {
		return tick, nil
	}
	for _, t := range AvailableTickLevels {
		if t == tick {
			return tick, nil
		}
	}
	return TickNone, fmt.Errorf("unsupported tick %g", float64(tick))
}

// NextTickLevel returns the next coarser tick level, wrapping around
func NextTickLevel(current TickLevel) TickLevel {
	for i, tick := range AvailableTickLevels {
		if tick == current {
			if i+1 < len(AvailableTickLevels) {
				return AvailableTickLevels[i+1]
			}
			return AvailableTickLevels[0]
		}
	}
	return AvailableTickLevels[0]
}

// PreviousTickLevel returns the next finer tick level, wrapping around
func PreviousTickLevel(current TickLevel) TickLevel {
	for i, tick := range AvailableTickLevels {
		if tick == current {
			if i-1 >= 0 {
				return AvailableTickLevels[i-1]
			}
			return AvailableTickLevels[len(AvailableTickLevels)-1]
		}
	}
	return AvailableTickLevels[0]
}

// Aggregator handles price aggregation based on tick levels
type Aggregator struct {
	mu          sync.RWMutex
	currentTick TickLevel
}

// New creates a new Aggregator instance
func New(tick TickLevel) *Aggregator {
	return &Aggregator{currentTick: tick}
}

// SetTickLevel updates the tick level for aggregation
func (a *Aggregator) SetTickLevel(tick TickLevel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentTick = tick
}

// TickLevel returns the current tick level
func (a *Aggregator) TickLevel() TickLevel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentTick
}

// Apply aggregates v with the current tick level
func (a *Aggregator) Apply(v book.View) book.View {
	return Aggregate(v, a.TickLevel())
}

// Aggregate groups both sides of v into tick buckets. Bids are floored and
// asks ceiled so the buckets never cross. Buckets never outnumber the input
// levels, so the depth bound holds; totals are recomputed. A zero tick
// returns v unchanged.
func Aggregate(v book.View, tick TickLevel) book.View {
	if tick <= 0 {
		return v
	}
	size := decimal.NewFromFloat(float64(tick))
	return book.View{
		Bids:   group(v.Bids, size, true),
		Asks:   group(v.Asks, size, false),
		SeqNum: v.SeqNum,
	}
}

func group(levels []book.Level, tick decimal.Decimal, bid bool) []book.Level {
	if len(levels) == 0 {
		return []book.Level{}
	}

	buckets := make(map[string]book.Level, len(levels))
	for _, level := range levels {
		var price decimal.Decimal
		if bid {
			price = roundToTickBid(level.Price, tick)
		} else {
			price = roundToTickAsk(level.Price, tick)
		}
		key := price.String()

		if existing, ok := buckets[key]; ok {
			existing.Size = existing.Size.Add(level.Size)
			buckets[key] = existing
		} else {
			buckets[key] = book.Level{Price: price, Size: level.Size}
		}
	}

	out := make([]book.Level, 0, len(buckets))
	for _, level := range buckets {
		out = append(out, level)
	}
	sort.Slice(out, func(i, j int) bool {
		if bid {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})

	total := decimal.Zero
	for i := range out {
		total = total.Add(out[i].Size)
		out[i].Total = total
	}
	return out
}

// roundToTickBid rounds a bid price DOWN to maintain proper spread
func roundToTickBid(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).Floor().Mul(tick)
}

// roundToTickAsk rounds an ask price UP to maintain proper spread
func roundToTickAsk(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).Ceil().Mul(tick)
}
