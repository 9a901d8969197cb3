// Package dispatch decodes raw venue frames into typed events and fans
// them out to registered handlers on a bounded worker pool.
//
// Frames are consumed from the session manager, decoded against the
// venue wire format, and routed by event kind. Each event is assigned to
// a worker by hashing its instrument, so events for the same instrument
// are always handled in arrival order. Worker queues are bounded: when a
// queue is full the oldest queued event is dropped and counted, never
// the newest.
//
// Frames that fail to decode are reported back to the session manager,
// which trips its malformed-frame circuit breaker past a threshold.
// Frames of an unrecognized type decode to an Unknown event and are
// counted, not treated as errors.
package dispatch
