package handler

import "sync"

// recentBuffer keeps the most recent N items for quick inspection
// without touching the store.
type recentBuffer[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
	full  bool
}

func newRecentBuffer[T any](capacity int) *recentBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &recentBuffer[T]{items: make([]T, capacity)}
}

// Add records one item, overwriting the oldest once full.
func (r *recentBuffer[T]) Add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.next] = item
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to n items, newest first.
func (r *recentBuffer[T]) Recent(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	if r.full {
		count = len(r.items)
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]T, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.items)) % len(r.items)
		out = append(out, r.items[idx])
	}
	return out
}
