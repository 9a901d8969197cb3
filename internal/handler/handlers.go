package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/kalshi-stream/internal/dispatch"
	"github.com/rickgao/kalshi-stream/internal/model"
	"github.com/rickgao/kalshi-stream/internal/store"
)

// Session is the slice of the session manager the handlers need:
// resync requests on sequence gaps and forced degradation on fatal
// venue errors.
type Session interface {
	RequestResync(channel string, markets []string)
	Degrade(reason error)
}

// Registry is where handlers attach themselves, by event kind.
type Registry interface {
	Register(kind model.EventKind, h dispatch.Handler) dispatch.Registration
}

// Config configures the handler state.
type Config struct {
	RecentTrades int // Trade inspection buffer size
	RecentFills  int // Fill inspection buffer size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecentTrades: 1000,
		RecentFills:  1000,
	}
}

// sessionFatalCodes are venue error codes after which the current
// connection cannot be trusted; the session is forced to reconnect.
var sessionFatalCodes = map[string]bool{
	"internal_error":  true,
	"session_expired": true,
	"auth_expired":    true,
}

// Handlers owns all in-process market state. All state is injected at
// construction; nothing is package-global.
type Handlers struct {
	cfg     Config
	logger  *slog.Logger
	store   store.Store
	session Session

	mu      sync.RWMutex
	tickers map[string]store.TickerRecord
	books   map[string]*OrderbookState

	trades *recentBuffer[store.TradeRecord]
	fills  *recentBuffer[store.FillRecord]

	seqGaps     atomic.Int64
	venueErrors atomic.Int64
}

// New creates the handler set.
func New(cfg Config, st store.Store, session Session, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RecentTrades < 1 {
		cfg.RecentTrades = def.RecentTrades
	}
	if cfg.RecentFills < 1 {
		cfg.RecentFills = def.RecentFills
	}

	return &Handlers{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		session: session,
		tickers: make(map[string]store.TickerRecord),
		books:   make(map[string]*OrderbookState),
		trades:  newRecentBuffer[store.TradeRecord](cfg.RecentTrades),
		fills:   newRecentBuffer[store.FillRecord](cfg.RecentFills),
	}
}

// RegisterAll attaches every handler to the dispatcher.
func (h *Handlers) RegisterAll(reg Registry) {
	reg.Register(model.KindTicker, dispatch.HandlerFunc(h.onTicker))
	reg.Register(model.KindOrderbookSnapshot, dispatch.HandlerFunc(h.onSnapshot))
	reg.Register(model.KindOrderbookDelta, dispatch.HandlerFunc(h.onDelta))
	reg.Register(model.KindTrade, dispatch.HandlerFunc(h.onTrade))
	reg.Register(model.KindFill, dispatch.HandlerFunc(h.onFill))
	reg.Register(model.KindError, dispatch.HandlerFunc(h.onError))
	reg.Register(model.KindAck, dispatch.HandlerFunc(h.onAck))
}

// onTicker caches the latest ticker and forwards both the latest view
// and the history row to the store.
func (h *Handlers) onTicker(_ context.Context, ev *model.Event) {
	if ev.Ticker == nil || ev.Instrument == "" {
		return
	}

	rec := store.TickerRecord{
		Instrument: ev.Instrument,
		ReceivedAt: ev.ReceivedAt,
		Data:       *ev.Ticker,
	}

	h.mu.Lock()
	h.tickers[ev.Instrument] = rec
	h.mu.Unlock()

	h.store.UpsertLatestTicker(rec)
	h.store.AppendTicker(rec)
}

// onSnapshot replaces the book for the instrument and marks it synced.
func (h *Handlers) onSnapshot(_ context.Context, ev *model.Event) {
	if ev.Snapshot == nil || ev.Instrument == "" {
		return
	}

	h.mu.Lock()
	book, ok := h.books[ev.Instrument]
	if !ok {
		book = &OrderbookState{}
		h.books[ev.Instrument] = book
	}
	book.applySnapshot(ev.Seq, ev.Snapshot)
	rec := h.bookRecordLocked(ev.Instrument, book, ev)
	h.mu.Unlock()

	h.store.AppendSnapshot(rec)
	h.store.UpsertLatestOrderbook(rec)

	h.logger.Debug("orderbook snapshot applied",
		"instrument", ev.Instrument,
		"seq", ev.Seq,
	)
}

// onDelta applies a sequence-checked level patch. A gap, or a delta
// with no prior snapshot, marks the book stale and requests a resync;
// the delta is never partially applied.
func (h *Handlers) onDelta(_ context.Context, ev *model.Event) {
	if ev.Delta == nil || ev.Instrument == "" {
		return
	}

	// History capture is unconditional: the raw feed is recorded even
	// when the in-process book cannot apply it.
	h.store.AppendDelta(store.DeltaRecord{
		Instrument: ev.Instrument,
		ReceivedAt: ev.ReceivedAt,
		Seq:        ev.Seq,
		Data:       *ev.Delta,
	})

	h.mu.Lock()
	book, ok := h.books[ev.Instrument]

	if !ok || !book.Synced {
		h.mu.Unlock()
		h.resync(ev.Instrument, "delta without snapshot", ev.Seq, 0)
		return
	}

	if ev.Seq != book.Seq+1 {
		book.markStale()
		expected := book.Seq + 1
		h.mu.Unlock()
		h.resync(ev.Instrument, "sequence gap", ev.Seq, expected)
		return
	}

	book.applyDelta(ev.Seq, ev.Delta)
	rec := h.bookRecordLocked(ev.Instrument, book, ev)
	h.mu.Unlock()

	h.store.UpsertLatestOrderbook(rec)
}

// onTrade records the trade in the inspection buffer and the store.
func (h *Handlers) onTrade(_ context.Context, ev *model.Event) {
	if ev.Trade == nil || ev.Instrument == "" {
		return
	}

	rec := store.TradeRecord{
		Instrument: ev.Instrument,
		ReceivedAt: ev.ReceivedAt,
		Data:       *ev.Trade,
	}
	h.trades.Add(rec)
	h.store.AppendTrade(rec)
}

// onFill records the fill in the inspection buffer and the store.
func (h *Handlers) onFill(_ context.Context, ev *model.Event) {
	if ev.Fill == nil || ev.Instrument == "" {
		return
	}

	rec := store.FillRecord{
		Instrument: ev.Instrument,
		ReceivedAt: ev.ReceivedAt,
		Data:       *ev.Fill,
	}
	h.fills.Add(rec)
	h.store.AppendFill(rec)

	h.logger.Info("fill received",
		"instrument", ev.Instrument,
		"side", string(ev.Fill.Side),
		"action", ev.Fill.Action,
		"size", ev.Fill.Size,
	)
}

// onError logs venue errors; codes that invalidate the session force a
// reconnect through the manager.
func (h *Handlers) onError(_ context.Context, ev *model.Event) {
	if ev.Err == nil {
		return
	}
	h.venueErrors.Add(1)

	if sessionFatalCodes[ev.Err.Code] {
		h.logger.Error("fatal venue error, degrading session",
			"code", ev.Err.Code,
			"message", ev.Err.Message,
		)
		h.session.Degrade(fmt.Errorf("venue error %s: %s", ev.Err.Code, ev.Err.Message))
		return
	}

	h.logger.Warn("venue error",
		"code", ev.Err.Code,
		"message", ev.Err.Message,
	)
}

// onAck logs subscription confirmations.
func (h *Handlers) onAck(_ context.Context, ev *model.Event) {
	if ev.Ack == nil {
		return
	}
	h.logger.Debug("venue ack", "type", ev.Ack.Type, "sid", ev.SID)
}

// resync marks the gap and asks the session manager for a fresh
// snapshot of the instrument's delta channel.
func (h *Handlers) resync(instrument, reason string, gotSeq, wantSeq int64) {
	h.seqGaps.Add(1)
	h.logger.Warn("orderbook out of sync, requesting resync",
		"instrument", instrument,
		"reason", reason,
		"got_seq", gotSeq,
		"want_seq", wantSeq,
	)
	h.session.RequestResync("orderbook_delta", []string{instrument})
}

// bookRecordLocked snapshots the book into a store record. Caller holds
// the state lock.
func (h *Handlers) bookRecordLocked(instrument string, book *OrderbookState, ev *model.Event) store.OrderbookRecord {
	return store.OrderbookRecord{
		Instrument: instrument,
		ReceivedAt: ev.ReceivedAt,
		Seq:        book.Seq,
		Yes:        append([]model.PriceLevel(nil), book.Yes...),
		No:         append([]model.PriceLevel(nil), book.No...),
	}
}

// LatestTicker returns the cached latest ticker for an instrument.
func (h *Handlers) LatestTicker(instrument string) (store.TickerRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.tickers[instrument]
	return rec, ok
}

// Orderbook returns a copy of the current book. A stale or absent book
// returns false.
func (h *Handlers) Orderbook(instrument string) (OrderbookState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	book, ok := h.books[instrument]
	if !ok || !book.Synced {
		return OrderbookState{}, false
	}

	return OrderbookState{
		Seq:    book.Seq,
		Yes:    append([]model.PriceLevel(nil), book.Yes...),
		No:     append([]model.PriceLevel(nil), book.No...),
		Synced: true,
	}, true
}

// RecentTrades returns up to n trades, newest first.
func (h *Handlers) RecentTrades(n int) []store.TradeRecord {
	return h.trades.Recent(n)
}

// RecentFills returns up to n fills, newest first.
func (h *Handlers) RecentFills(n int) []store.FillRecord {
	return h.fills.Recent(n)
}

// SeqGaps returns the number of resyncs triggered by gaps or missing
// snapshots.
func (h *Handlers) SeqGaps() int64 {
	return h.seqGaps.Load()
}

// VenueErrors returns the number of venue error frames handled.
func (h *Handlers) VenueErrors() int64 {
	return h.venueErrors.Load()
}
