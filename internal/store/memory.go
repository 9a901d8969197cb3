package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory. Used by tests and
// when no database is configured. Writes apply synchronously, so the
// write-behind pipeline counters reflect immediate application.
type memoryStore struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.RWMutex
	latestTickers map[string]TickerRecord
	latestBooks   map[string]OrderbookRecord
	tickers       map[string][]TickerRecord
	snapshots     map[string][]OrderbookRecord
	deltas        map[string][]DeltaRecord
	trades        map[string][]TradeRecord
	fills         map[string][]FillRecord
	seenTrades    map[string]bool

	enqueued int64
	written  int64
}

// NewMemory creates an in-memory Store.
func NewMemory(cfg Config, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &memoryStore{
		cfg:           cfg.withDefaults(),
		logger:        logger,
		latestTickers: make(map[string]TickerRecord),
		latestBooks:   make(map[string]OrderbookRecord),
		tickers:       make(map[string][]TickerRecord),
		snapshots:     make(map[string][]OrderbookRecord),
		deltas:        make(map[string][]DeltaRecord),
		trades:        make(map[string][]TradeRecord),
		fills:         make(map[string][]FillRecord),
		seenTrades:    make(map[string]bool),
	}
}

func (s *memoryStore) Start(ctx context.Context) error {
	s.logger.Info("in-memory store started", "recent_limit", s.cfg.RecentLimit)
	return nil
}

func (s *memoryStore) Stop(ctx context.Context) error { return nil }

func (s *memoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Enqueued: s.enqueued, Written: s.written}
}

func (s *memoryStore) AppendTicker(rec TickerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count()
	s.tickers[rec.Instrument] = capAppend(s.tickers[rec.Instrument], rec, s.cfg.RecentLimit)
}

func (s *memoryStore) UpsertLatestTicker(rec TickerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count()
	s.latestTickers[rec.Instrument] = rec
}

func (s *memoryStore) AppendSnapshot(rec OrderbookRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count()
	s.snapshots[rec.Instrument] = capAppend(s.snapshots[rec.Instrument], rec, s.cfg.RecentLimit)
}

func (s *memoryStore) AppendDelta(rec DeltaRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count()
	s.deltas[rec.Instrument] = capAppend(s.deltas[rec.Instrument], rec, s.cfg.RecentLimit)
}

func (s *memoryStore) UpsertLatestOrderbook(rec OrderbookRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count()
	s.latestBooks[rec.Instrument] = rec
}

func (s *memoryStore) AppendTrade(rec TradeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count()

	// Mirror the trade_id uniqueness the database enforces.
	key := rec.Data.TradeID.String()
	if s.seenTrades[key] {
		return
	}
	s.seenTrades[key] = true
	s.trades[rec.Instrument] = capAppend(s.trades[rec.Instrument], rec, s.cfg.RecentLimit)
}

func (s *memoryStore) AppendFill(rec FillRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count()
	s.fills[rec.Instrument] = capAppend(s.fills[rec.Instrument], rec, s.cfg.RecentLimit)
}

func (s *memoryStore) LatestTicker(_ context.Context, instrument string) (TickerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.latestTickers[instrument]
	if !ok {
		return TickerRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *memoryStore) LatestOrderbook(_ context.Context, instrument string) (OrderbookRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.latestBooks[instrument]
	if !ok {
		return OrderbookRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *memoryStore) TradeHistory(_ context.Context, instrument string, limit int) ([]TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recentFirst(s.trades[instrument], limit), nil
}

func (s *memoryStore) FillHistory(_ context.Context, instrument string, limit int) ([]FillRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recentFirst(s.fills[instrument], limit), nil
}

func (s *memoryStore) Tickers(_ context.Context, instrument string, from, to time.Time) ([]TickerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []TickerRecord
	for _, rec := range s.tickers[instrument] {
		if rec.ReceivedAt.Before(from) || rec.ReceivedAt.After(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// count must be called with the lock held.
func (s *memoryStore) count() {
	s.enqueued++
	s.written++
}

// capAppend appends and trims from the front past the cap.
func capAppend[T any](list []T, rec T, limit int) []T {
	list = append(list, rec)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

// recentFirst returns up to limit entries from the end, newest first.
func recentFirst[T any](list []T, limit int) []T {
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]T, 0, limit)
	for i := len(list) - 1; i >= len(list)-limit; i-- {
		out = append(out, list[i])
	}
	return out
}
