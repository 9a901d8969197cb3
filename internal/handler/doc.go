// Package handler holds the per-kind event handlers and the in-process
// state they maintain: a latest-ticker cache, per-instrument orderbook
// state rebuilt from snapshots and sequence-checked deltas, and recent
// trade/fill buffers.
//
// Orderbook deltas apply only when their sequence number directly
// follows the cached one. On a gap, or a delta with no prior snapshot,
// the book is marked stale and a resync is requested from the session
// manager; a stale book is never returned to readers. Every applied
// update is also forwarded to the store.
package handler
