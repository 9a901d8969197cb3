package dispatch

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"

	"github.com/rickgao/kalshi-stream/internal/connection"
	"github.com/rickgao/kalshi-stream/internal/model"
)

// Wire types for JSON parsing.

// frameEnvelope is used for fast type extraction.
type frameEnvelope struct {
	Type string `json:"type"`
	SID  int64  `json:"sid"`
	Seq  int64  `json:"seq"`
}

type tickerWire struct {
	SID int64 `json:"sid"`
	Msg struct {
		MarketTicker       string `json:"market_ticker"`
		PriceDollars       string `json:"price_dollars"`
		YesBidDollars      string `json:"yes_bid_dollars"`
		YesAskDollars      string `json:"yes_ask_dollars"`
		NoBidDollars       string `json:"no_bid_dollars"`
		Volume             int64  `json:"volume"`
		OpenInterest       int64  `json:"open_interest"`
		DollarVolume       int64  `json:"dollar_volume"`
		DollarOpenInterest int64  `json:"dollar_open_interest"`
		Ts                 int64  `json:"ts"`
	} `json:"msg"`
	// Note: ticker messages have no Seq field
}

type orderbookSnapshotWire struct {
	SID int64 `json:"sid"`
	Seq int64 `json:"seq"`
	Msg struct {
		MarketTicker string          `json:"market_ticker"`
		YesDollars   [][]interface{} `json:"yes_dollars"` // [["0.52", qty], ...]
		NoDollars    [][]interface{} `json:"no_dollars"`
		Ts           int64           `json:"ts"`
	} `json:"msg"`
}

type orderbookDeltaWire struct {
	SID int64 `json:"sid"`
	Seq int64 `json:"seq"`
	Msg struct {
		MarketTicker string `json:"market_ticker"`
		PriceDollars string `json:"price_dollars"` // e.g. "0.52" or "0.5250"
		Delta        int    `json:"delta"`
		Side         string `json:"side"`
		Ts           int64  `json:"ts"`
	} `json:"msg"`
}

type tradeWire struct {
	SID int64 `json:"sid"`
	Seq int64 `json:"seq"`
	Msg struct {
		MarketTicker    string `json:"market_ticker"`
		TradeID         string `json:"trade_id"`
		Count           int    `json:"count"` // stored as "size"
		YesPriceDollars string `json:"yes_price_dollars"`
		NoPriceDollars  string `json:"no_price_dollars"`
		TakerSide       string `json:"taker_side"`
		Ts              int64  `json:"ts"`
	} `json:"msg"`
}

type fillWire struct {
	SID int64 `json:"sid"`
	Seq int64 `json:"seq"`
	Msg struct {
		OrderID         string `json:"order_id"`
		MarketTicker    string `json:"market_ticker"`
		Side            string `json:"side"`
		Action          string `json:"action"`
		YesPriceDollars string `json:"yes_price_dollars"`
		Count           int    `json:"count"`
		IsTaker         bool   `json:"is_taker"`
		Ts              int64  `json:"ts"`
	} `json:"msg"`
}

type ackWire struct {
	ID  int64 `json:"id"`
	Msg struct {
		Channel string `json:"channel"`
		SID     int64  `json:"sid"`
	} `json:"msg"`
}

type errorWire struct {
	Msg struct {
		Code    string `json:"code"`
		Message string `json:"msg"`
	} `json:"msg"`
}

// decodeFrame parses one raw frame into a typed event. An unrecognized
// type yields a KindUnknown event and nil error; a frame that fails to
// parse as its declared type returns an error.
func decodeFrame(raw connection.TimestampedMessage) (*model.Event, error) {
	var env frameEnvelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return nil, fmt.Errorf("frame envelope: %w", err)
	}

	ev := &model.Event{
		Kind:       model.KindFromType(env.Type),
		SID:        env.SID,
		Seq:        env.Seq,
		ReceivedAt: raw.ReceivedAt,
	}

	switch ev.Kind {
	case model.KindTicker:
		var wire tickerWire
		if err := json.Unmarshal(raw.Data, &wire); err != nil {
			return nil, fmt.Errorf("ticker frame: %w", err)
		}
		ev.Instrument = wire.Msg.MarketTicker
		ev.Ticker = &model.Ticker{
			ExchangeTS:         wire.Msg.Ts * 1_000_000, // seconds → microseconds
			YesBid:             dollarsToInternal(wire.Msg.YesBidDollars),
			YesAsk:             dollarsToInternal(wire.Msg.YesAskDollars),
			NoBid:              dollarsToInternal(wire.Msg.NoBidDollars),
			LastPrice:          dollarsToInternal(wire.Msg.PriceDollars),
			Volume:             wire.Msg.Volume,
			OpenInterest:       wire.Msg.OpenInterest,
			DollarVolume:       wire.Msg.DollarVolume,
			DollarOpenInterest: wire.Msg.DollarOpenInterest,
		}

	case model.KindOrderbookSnapshot:
		var wire orderbookSnapshotWire
		if err := json.Unmarshal(raw.Data, &wire); err != nil {
			return nil, fmt.Errorf("orderbook snapshot frame: %w", err)
		}
		ev.Instrument = wire.Msg.MarketTicker
		ev.Snapshot = &model.OrderbookSnapshot{
			ExchangeTS: wire.Msg.Ts * 1_000_000,
			Yes:        parsePriceLevels(wire.Msg.YesDollars),
			No:         parsePriceLevels(wire.Msg.NoDollars),
		}

	case model.KindOrderbookDelta:
		var wire orderbookDeltaWire
		if err := json.Unmarshal(raw.Data, &wire); err != nil {
			return nil, fmt.Errorf("orderbook delta frame: %w", err)
		}
		side, err := parseSide(wire.Msg.Side)
		if err != nil {
			return nil, fmt.Errorf("orderbook delta frame: %w", err)
		}
		ev.Instrument = wire.Msg.MarketTicker
		ev.Delta = &model.OrderbookDelta{
			ExchangeTS: wire.Msg.Ts * 1_000_000,
			Side:       side,
			Price:      dollarsToInternal(wire.Msg.PriceDollars),
			SizeDelta:  wire.Msg.Delta,
		}

	case model.KindTrade:
		var wire tradeWire
		if err := json.Unmarshal(raw.Data, &wire); err != nil {
			return nil, fmt.Errorf("trade frame: %w", err)
		}
		tradeID, err := uuid.Parse(wire.Msg.TradeID)
		if err != nil {
			return nil, fmt.Errorf("trade frame: trade_id: %w", err)
		}
		takerSide, err := parseSide(wire.Msg.TakerSide)
		if err != nil {
			return nil, fmt.Errorf("trade frame: %w", err)
		}
		ev.Instrument = wire.Msg.MarketTicker
		ev.Trade = &model.Trade{
			TradeID:    tradeID,
			ExchangeTS: wire.Msg.Ts * 1_000_000,
			YesPrice:   dollarsToInternal(wire.Msg.YesPriceDollars),
			NoPrice:    dollarsToInternal(wire.Msg.NoPriceDollars),
			Size:       wire.Msg.Count,
			TakerSide:  takerSide,
		}

	case model.KindFill:
		var wire fillWire
		if err := json.Unmarshal(raw.Data, &wire); err != nil {
			return nil, fmt.Errorf("fill frame: %w", err)
		}
		orderID, err := uuid.Parse(wire.Msg.OrderID)
		if err != nil {
			return nil, fmt.Errorf("fill frame: order_id: %w", err)
		}
		side, err := parseSide(wire.Msg.Side)
		if err != nil {
			return nil, fmt.Errorf("fill frame: %w", err)
		}
		ev.Instrument = wire.Msg.MarketTicker
		ev.Fill = &model.Fill{
			OrderID:    orderID,
			ExchangeTS: wire.Msg.Ts * 1_000_000,
			Side:       side,
			Action:     wire.Msg.Action,
			Price:      dollarsToInternal(wire.Msg.YesPriceDollars),
			Size:       wire.Msg.Count,
			IsTaker:    wire.Msg.IsTaker,
		}

	case model.KindError:
		var wire errorWire
		if err := json.Unmarshal(raw.Data, &wire); err != nil {
			return nil, fmt.Errorf("error frame: %w", err)
		}
		ev.Err = &model.VenueError{
			Code:    wire.Msg.Code,
			Message: wire.Msg.Message,
		}

	case model.KindAck:
		var wire ackWire
		if err := json.Unmarshal(raw.Data, &wire); err != nil {
			return nil, fmt.Errorf("ack frame: %w", err)
		}
		// Subscribe acks carry the SID in the payload, not the envelope.
		if wire.Msg.SID != 0 {
			ev.SID = wire.Msg.SID
		}
		ev.Ack = &model.Ack{
			Type:      env.Type,
			CommandID: wire.ID,
			Channel:   wire.Msg.Channel,
		}

	case model.KindUnknown:
		// Counted by the dispatcher; payload is intentionally not decoded.
	}

	return ev, nil
}

// dollarsToInternal converts a dollar price string to internal format
// (hundred-thousandths of a dollar, 0-100,000).
func dollarsToInternal(dollars string) int {
	if dollars == "" {
		return 0
	}
	f, err := strconv.ParseFloat(dollars, 64)
	if err != nil {
		return 0
	}
	// Round to avoid floating point errors (e.g., 0.52 * 100000 = 51999.999...)
	return int(math.Round(f * 100000))
}

// parsePriceLevels converts [["0.52", 100], ["0.51", 200]] to []model.PriceLevel.
func parsePriceLevels(levels [][]interface{}) []model.PriceLevel {
	result := make([]model.PriceLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		dollars, _ := level[0].(string)
		qty, _ := level[1].(float64)
		result = append(result, model.PriceLevel{
			Price: dollarsToInternal(dollars),
			Size:  int(qty),
		})
	}
	return result
}

func parseSide(s string) (model.Side, error) {
	switch s {
	case "yes":
		return model.SideYes, nil
	case "no":
		return model.SideNo, nil
	}
	return "", fmt.Errorf("invalid side %q", s)
}
