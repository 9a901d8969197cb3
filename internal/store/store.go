package store

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/kalshi-stream/internal/model"
)

// ErrNotFound is returned by point queries with no matching row.
var ErrNotFound = errors.New("not found")

// TickerRecord is one stored ticker observation.
type TickerRecord struct {
	Instrument string
	ReceivedAt time.Time
	Data       model.Ticker
}

// OrderbookRecord is one stored full book state.
type OrderbookRecord struct {
	Instrument string
	ReceivedAt time.Time
	Seq        int64
	Yes        []model.PriceLevel
	No         []model.PriceLevel
}

// DeltaRecord is one stored orderbook delta.
type DeltaRecord struct {
	Instrument string
	ReceivedAt time.Time
	Seq        int64
	Data       model.OrderbookDelta
}

// TradeRecord is one stored trade.
type TradeRecord struct {
	Instrument string
	ReceivedAt time.Time
	Data       model.Trade
}

// FillRecord is one stored fill.
type FillRecord struct {
	Instrument string
	ReceivedAt time.Time
	Data       model.Fill
}

// Store is the persistence surface. Append and Upsert methods are
// write-behind: they enqueue and return without waiting for the flush.
// Query methods read committed state.
type Store interface {
	// Start launches the writer goroutine.
	Start(ctx context.Context) error

	// Stop flushes pending writes and shuts the writer down.
	Stop(ctx context.Context) error

	AppendTicker(rec TickerRecord)
	UpsertLatestTicker(rec TickerRecord)
	AppendSnapshot(rec OrderbookRecord)
	AppendDelta(rec DeltaRecord)
	UpsertLatestOrderbook(rec OrderbookRecord)
	AppendTrade(rec TradeRecord)
	AppendFill(rec FillRecord)

	// LatestTicker returns the most recent ticker for an instrument.
	LatestTicker(ctx context.Context, instrument string) (TickerRecord, error)

	// LatestOrderbook returns the most recent full book for an instrument.
	LatestOrderbook(ctx context.Context, instrument string) (OrderbookRecord, error)

	// TradeHistory returns up to limit trades, most recent first.
	TradeHistory(ctx context.Context, instrument string, limit int) ([]TradeRecord, error)

	// FillHistory returns up to limit fills, most recent first.
	FillHistory(ctx context.Context, instrument string, limit int) ([]FillRecord, error)

	// Tickers returns ticker observations in [from, to], ordered by
	// receipt time ascending.
	Tickers(ctx context.Context, instrument string, from, to time.Time) ([]TickerRecord, error)

	// Stats returns current counters.
	Stats() Stats
}

// Config configures the write-behind pipeline.
type Config struct {
	BatchSize     int           // Rows per flush
	FlushInterval time.Duration // Max time a row waits before flush
	QueueSize     int           // Write-behind queue capacity
	MaxRetries    int           // Flush retries before dropping the batch
	RetryDelay    time.Duration // Delay between flush retries
	RecentLimit   int           // In-memory store history cap per instrument
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		QueueSize:     50000,
		MaxRetries:    3,
		RetryDelay:    250 * time.Millisecond,
		RecentLimit:   10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize < 1 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.QueueSize < 1 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.RecentLimit < 1 {
		c.RecentLimit = d.RecentLimit
	}
	return c
}

// Stats contains store counters.
type Stats struct {
	Enqueued      int64
	Written       int64
	QueueDrops    int64 // enqueues rejected because the queue was full
	FlushFailures int64 // flush attempts that errored
	BatchesLost   int64 // batches dropped after exhausting retries
	Flushes       int64
	QueueDepth    int
}

// writeOp is one queued write. Kind selects which record field is set.
type opKind int

const (
	opTicker opKind = iota
	opLatestTicker
	opSnapshot
	opDelta
	opLatestOrderbook
	opTrade
	opFill
)

type writeOp struct {
	kind      opKind
	ticker    TickerRecord
	orderbook OrderbookRecord
	delta     DeltaRecord
	trade     TradeRecord
	fill      FillRecord
}
