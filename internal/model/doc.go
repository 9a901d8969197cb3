// Package model defines the shared domain types: the Event union decoded
// from inbound frames, price levels, and the per-kind payloads persisted
// by the store.
//
// Prices use the internal integer format (hundred-thousandths of a dollar,
// 0-100,000) so "0.52" on the wire becomes 52000.
package model
