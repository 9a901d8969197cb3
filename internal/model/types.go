package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of message kinds the venue pushes.
// Unknown is an explicit member so new server-side message types are
// counted rather than silently ignored.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindTicker
	KindOrderbookSnapshot
	KindOrderbookDelta
	KindTrade
	KindFill
	KindError
	KindAck
)

// String returns the wire discriminator for the kind.
func (k EventKind) String() string {
	switch k {
	case KindTicker:
		return "ticker"
	case KindOrderbookSnapshot:
		return "orderbook_snapshot"
	case KindOrderbookDelta:
		return "orderbook_delta"
	case KindTrade:
		return "trade"
	case KindFill:
		return "fill"
	case KindError:
		return "error"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// KindFromType maps a wire "type" discriminator to an EventKind.
func KindFromType(t string) EventKind {
	switch t {
	case "ticker", "ticker_v2":
		return KindTicker
	case "orderbook_snapshot":
		return KindOrderbookSnapshot
	case "orderbook_delta":
		return KindOrderbookDelta
	case "trade":
		return KindTrade
	case "fill":
		return KindFill
	case "error":
		return KindError
	case "subscribed", "unsubscribed", "ok":
		return KindAck
	default:
		return KindUnknown
	}
}

// Side identifies the yes/no side of a binary market.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Event is the tagged union decoded from an inbound frame. Kind selects
// which payload pointer is set. Events are immutable once constructed.
type Event struct {
	Kind       EventKind
	Instrument string // Market ticker the payload is scoped to ("" for acks/errors)
	SID        int64  // Server subscription ID
	Seq        int64  // Server sequence number (0 where the channel has none)
	ReceivedAt time.Time

	Ticker   *Ticker
	Snapshot *OrderbookSnapshot
	Delta    *OrderbookDelta
	Trade    *Trade
	Fill     *Fill
	Err      *VenueError
	Ack      *Ack
}

// Ticker is a price/volume snapshot for one market.
type Ticker struct {
	ExchangeTS         int64 // Venue timestamp (µs since epoch)
	YesBid             int   // Best YES bid (hundred-thousandths)
	YesAsk             int   // Best YES ask
	NoBid              int   // Best NO bid
	LastPrice          int   // Last trade price
	Volume             int64
	OpenInterest       int64
	DollarVolume       int64
	DollarOpenInterest int64
}

// PriceLevel is a single price level in an orderbook.
type PriceLevel struct {
	Price int // hundred-thousandths, 0-100,000
	Size  int // contracts resting at this price
}

// OrderbookSnapshot is the full book state for one market.
type OrderbookSnapshot struct {
	ExchangeTS int64
	Yes        []PriceLevel // YES bids, best first
	No         []PriceLevel // NO bids, best first
}

// OrderbookDelta is an incremental change to one price level.
type OrderbookDelta struct {
	ExchangeTS int64
	Side       Side
	Price      int
	SizeDelta  int // positive = contracts added, negative = removed
}

// Trade is an executed trade on a market.
type Trade struct {
	TradeID    uuid.UUID
	ExchangeTS int64
	YesPrice   int
	NoPrice    int
	Size       int
	TakerSide  Side
}

// Fill is a private order-fill notification (authenticated channel only).
type Fill struct {
	OrderID    uuid.UUID
	ExchangeTS int64
	Side       Side
	Action     string // "buy" or "sell"
	Price      int    // YES price
	Size       int
	IsTaker    bool
}

// VenueError is an error message pushed by the venue.
type VenueError struct {
	Code    string
	Message string
}

// Ack confirms a client command (subscribe/unsubscribe) by its client ID.
type Ack struct {
	Type      string // "subscribed", "unsubscribed", "ok"
	CommandID int64  // Client-assigned command ID the ack references
	Channel   string
}
