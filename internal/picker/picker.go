// Package picker implements weighted random selection used by the topic
// spin feature.
//
// Weights are walked in the caller's order, so selection is deterministic
// for a given draw. The random source is injected, which lets tests fix the
// draw and production code share a seeded generator.
package picker

import (
	"errors"
	"math"
	"time"
)

// ErrNoItems is returned by Pick when there is nothing to choose from.
var ErrNoItems = errors.New("picker: no items")

// Source yields uniform integers in [0, n). *math/rand/v2.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

// Item is one candidate and its weight. Weights below 1 count as 1.
type Item[K comparable] struct {
	Key    K
	Weight int
}

// Weight computes a topic's weight: whole days since it was last used minus
// how many times it has been used, floored at 1.
func Weight(lastUsed, now time.Time, useCount int) int {
	days := math.Floor(now.Sub(lastUsed).Hours() / 24)
	w := int64(days) - int64(useCount)
	if w < 1 {
		return 1
	}
	if w > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(w)
}

// Total returns the sum of clamped weights.
func Total[K comparable](items []Item[K]) int {
	total := 0
	for _, it := range items {
		total += clamp(it.Weight)
	}
	return total
}

// Select returns the item chosen by draw, which must lie in [0, Total).
// Walking items in order with a running total, the first item whose weight
// plus the total before it exceeds draw wins.
func Select[K comparable](items []Item[K], draw int) (K, bool) {
	var zero K
	cumulative := 0
	for _, it := range items {
		w := clamp(it.Weight)
		if w+cumulative > draw {
			return it.Key, true
		}
		cumulative += w
	}
	return zero, false
}

// Pick draws from src and selects an item.
func Pick[K comparable](src Source, items []Item[K]) (K, error) {
	var zero K
	if len(items) == 0 {
		return zero, ErrNoItems
	}
	k, ok := Select(items, src.IntN(Total(items)))
	if !ok {
		return zero, ErrNoItems
	}
	return k, nil
}

func clamp(w int) int {
	if w < 1 {
		return 1
	}
	return w
}
