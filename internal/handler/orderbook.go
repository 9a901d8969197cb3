package handler

import (
	"sort"

	"github.com/rickgao/kalshi-stream/internal/model"
)

// OrderbookState is the reconstructed book for one instrument. Levels
// are bids sorted best (highest price) first. The zero value is unsynced
// until the first snapshot arrives.
type OrderbookState struct {
	Seq    int64
	Yes    []model.PriceLevel
	No     []model.PriceLevel
	Synced bool
}

// applySnapshot replaces the book wholesale and marks it synced.
func (b *OrderbookState) applySnapshot(seq int64, snap *model.OrderbookSnapshot) {
	b.Seq = seq
	b.Yes = sortLevels(append([]model.PriceLevel(nil), snap.Yes...))
	b.No = sortLevels(append([]model.PriceLevel(nil), snap.No...))
	b.Synced = true
}

// applyDelta patches one price level. The caller has already verified
// the sequence number; the book stays consistent even if the venue sends
// a delta for a price with no resting size.
func (b *OrderbookState) applyDelta(seq int64, delta *model.OrderbookDelta) {
	b.Seq = seq
	switch delta.Side {
	case model.SideYes:
		b.Yes = patchLevel(b.Yes, delta.Price, delta.SizeDelta)
	case model.SideNo:
		b.No = patchLevel(b.No, delta.Price, delta.SizeDelta)
	}
}

// markStale invalidates the book until the next snapshot.
func (b *OrderbookState) markStale() {
	b.Synced = false
}

// patchLevel applies a size delta at a price. A level reaching zero (or
// below, defensively clamped) is removed; a new positive level is
// inserted keeping best-first order.
func patchLevel(levels []model.PriceLevel, price, sizeDelta int) []model.PriceLevel {
	for i, l := range levels {
		if l.Price != price {
			continue
		}
		next := l.Size + sizeDelta
		if next <= 0 {
			return append(levels[:i], levels[i+1:]...)
		}
		levels[i].Size = next
		return levels
	}

	if sizeDelta <= 0 {
		// Removal of a level we never had: nothing to patch.
		return levels
	}

	// Insert keeping descending price order.
	idx := sort.Search(len(levels), func(i int) bool {
		return levels[i].Price < price
	})
	levels = append(levels, model.PriceLevel{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = model.PriceLevel{Price: price, Size: sizeDelta}
	return levels
}

// sortLevels orders levels best-first (descending price).
func sortLevels(levels []model.PriceLevel) []model.PriceLevel {
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price > levels[j].Price
	})
	return levels
}
