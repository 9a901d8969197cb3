// Package connection implements the streaming transport and the session
// manager that supervises it.
//
// The Client owns exactly one WebSocket connection: dial (optionally with
// signed handshake headers), serialized writes, a read loop, and
// ping/pong keep-alive. The Manager drives the Client through an explicit
// reconnect state machine (Idle -> Connecting -> Authenticating -> Ready
// -> Degraded -> ...) with capped exponential backoff, re-establishes
// held subscriptions after every reconnect, and correlates command acks
// by client-assigned IDs.
package connection
