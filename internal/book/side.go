package book

import (
	"sort"

	"github.com/shopspring/decimal"
)

// side is the price -> size cache for one side of the book. Keys are the
// canonical decimal string so "100", 100 and "100.0" land on one level.
// No entry ever holds a size <= 0.
type side struct {
	desc   bool
	levels map[string]priceLevel
}

type priceLevel struct {
	price decimal.Decimal
	size  decimal.Decimal
}

func newSide(desc bool) *side {
	return &side{desc: desc, levels: make(map[string]priceLevel)}
}

func priceKey(p decimal.Decimal) string {
	return p.String()
}

// set overwrites the size at price. A size <= 0 removes the level.
func (s *side) set(price, size decimal.Decimal) {
	key := priceKey(price)
	if !size.IsPositive() {
		delete(s.levels, key)
		return
	}
	s.levels[key] = priceLevel{price: price, size: size}
}

// replace swaps the cache contents for pairs, skipping sizes <= 0
func (s *side) replace(pairs [][]decimal.Decimal) {
	s.levels = make(map[string]priceLevel, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 || !pair[1].IsPositive() {
			continue
		}
		s.levels[priceKey(pair[0])] = priceLevel{price: pair[0], size: pair[1]}
	}
}

func (s *side) apply(pairs [][]decimal.Decimal) {
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		s.set(pair[0], pair[1])
	}
}

func (s *side) len() int {
	return len(s.levels)
}

// best returns up to n levels ordered best-first with cumulative totals.
// n <= 0 returns every level.
func (s *side) best(n int) []Level {
	sorted := make([]priceLevel, 0, len(s.levels))
	for _, l := range s.levels {
		sorted = append(sorted, l)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if s.desc {
			return sorted[i].price.GreaterThan(sorted[j].price)
		}
		return sorted[i].price.LessThan(sorted[j].price)
	})
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}

	out := make([]Level, len(sorted))
	total := decimal.Zero
	for i, l := range sorted {
		total = total.Add(l.size)
		out[i] = Level{Price: l.price, Size: l.size, Total: total}
	}
	return out
}

// top returns the best price, or zero when the side is empty
func (s *side) top() decimal.Decimal {
	var best decimal.Decimal
	first := true
	for _, l := range s.levels {
		if first || (s.desc && l.price.GreaterThan(best)) || (!s.desc && l.price.LessThan(best)) {
			best = l.price
			first = false
		}
	}
	return best
}
