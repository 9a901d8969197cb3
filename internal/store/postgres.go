package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/kalshi-stream/internal/model"
)

// postgresStore is the production Store backed by a pgx pool.
type postgresStore struct {
	cfg    Config
	logger *slog.Logger
	db     *pgxpool.Pool

	queue chan writeOp

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	enqueued      atomic.Int64
	written       atomic.Int64
	queueDrops    atomic.Int64
	flushFailures atomic.Int64
	batchesLost   atomic.Int64
	flushes       atomic.Int64
}

// NewPostgres creates a Postgres-backed Store.
func NewPostgres(db *pgxpool.Pool, cfg Config, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &postgresStore{
		cfg:    cfg,
		logger: logger,
		db:     db,
		queue:  make(chan writeOp, cfg.QueueSize),
	}
}

// Start launches the writer goroutine.
func (s *postgresStore) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.writerLoop()

	s.logger.Info("store started",
		"batch_size", s.cfg.BatchSize,
		"flush_interval", s.cfg.FlushInterval,
		"queue_size", s.cfg.QueueSize,
	)

	return nil
}

// Stop drains the queue, flushes, and shuts down.
func (s *postgresStore) Stop(ctx context.Context) error {
	s.logger.Info("stopping store")

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("store stopped")
	case <-ctx.Done():
		s.logger.Warn("store stop timed out")
	}

	return nil
}

// Stats returns current counters.
func (s *postgresStore) Stats() Stats {
	return Stats{
		Enqueued:      s.enqueued.Load(),
		Written:       s.written.Load(),
		QueueDrops:    s.queueDrops.Load(),
		FlushFailures: s.flushFailures.Load(),
		BatchesLost:   s.batchesLost.Load(),
		Flushes:       s.flushes.Load(),
		QueueDepth:    len(s.queue),
	}
}

func (s *postgresStore) AppendTicker(rec TickerRecord) {
	s.enqueue(writeOp{kind: opTicker, ticker: rec})
}

func (s *postgresStore) UpsertLatestTicker(rec TickerRecord) {
	s.enqueue(writeOp{kind: opLatestTicker, ticker: rec})
}

func (s *postgresStore) AppendSnapshot(rec OrderbookRecord) {
	s.enqueue(writeOp{kind: opSnapshot, orderbook: rec})
}

func (s *postgresStore) AppendDelta(rec DeltaRecord) {
	s.enqueue(writeOp{kind: opDelta, delta: rec})
}

func (s *postgresStore) UpsertLatestOrderbook(rec OrderbookRecord) {
	s.enqueue(writeOp{kind: opLatestOrderbook, orderbook: rec})
}

func (s *postgresStore) AppendTrade(rec TradeRecord) {
	s.enqueue(writeOp{kind: opTrade, trade: rec})
}

func (s *postgresStore) AppendFill(rec FillRecord) {
	s.enqueue(writeOp{kind: opFill, fill: rec})
}

// enqueue adds an op to the write-behind queue without ever blocking the
// caller. A full queue drops the op and counts it.
func (s *postgresStore) enqueue(op writeOp) {
	select {
	case s.queue <- op:
		s.enqueued.Add(1)
	default:
		s.queueDrops.Add(1)
		s.logger.Warn("store queue full, dropping write")
	}
}

// writerLoop drains the queue into per-kind batches and flushes on batch
// size or interval. On shutdown the queue is drained and flushed once
// more.
func (s *postgresStore) writerLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	bs := &batchSet{}

	for {
		select {
		case <-s.ctx.Done():
			s.drainRemaining(bs)
			s.flush(bs)
			return

		case op := <-s.queue:
			bs.add(op)
			if bs.size() >= s.cfg.BatchSize {
				s.flush(bs)
			}

		case <-ticker.C:
			s.flush(bs)
		}
	}
}

// drainRemaining empties whatever is left in the queue during shutdown.
func (s *postgresStore) drainRemaining(bs *batchSet) {
	for {
		select {
		case op := <-s.queue:
			bs.add(op)
			if bs.size() >= s.cfg.BatchSize {
				s.flush(bs)
			}
		default:
			return
		}
	}
}

// flush sends the accumulated batch, retrying a bounded number of times.
// After the final retry the batch is dropped: ingestion never stalls on
// a dead database.
func (s *postgresStore) flush(bs *batchSet) {
	n := bs.size()
	if n == 0 {
		return
	}

	batch := buildBatch(bs)
	bs.reset()

	start := time.Now()
	for attempt := 0; ; attempt++ {
		err := s.sendBatch(batch)
		if err == nil {
			s.written.Add(int64(n))
			s.flushes.Add(1)
			s.logger.Debug("store flushed", "rows", n, "duration", time.Since(start))
			return
		}

		s.flushFailures.Add(1)
		if attempt >= s.cfg.MaxRetries {
			s.batchesLost.Add(1)
			s.logger.Warn("store batch dropped after retries",
				"rows", n,
				"attempts", attempt+1,
				"error", err,
			)
			return
		}

		s.logger.Warn("store flush failed, retrying",
			"attempt", attempt+1,
			"error", err,
		)

		select {
		case <-time.After(s.cfg.RetryDelay):
		case <-s.ctx.Done():
			// One more attempt below, then give up via MaxRetries.
		}
	}
}

// sendBatch executes one pgx batch against the pool.
func (s *postgresStore) sendBatch(batch *pgx.Batch) error {
	// Background context: shutdown still flushes the final batch.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// batchSet accumulates queued ops by kind between flushes.
type batchSet struct {
	tickers       []TickerRecord
	latestTickers []TickerRecord
	snapshots     []OrderbookRecord
	deltas        []DeltaRecord
	latestBooks   []OrderbookRecord
	trades        []TradeRecord
	fills         []FillRecord
}

func (bs *batchSet) add(op writeOp) {
	switch op.kind {
	case opTicker:
		bs.tickers = append(bs.tickers, op.ticker)
	case opLatestTicker:
		bs.latestTickers = append(bs.latestTickers, op.ticker)
	case opSnapshot:
		bs.snapshots = append(bs.snapshots, op.orderbook)
	case opDelta:
		bs.deltas = append(bs.deltas, op.delta)
	case opLatestOrderbook:
		bs.latestBooks = append(bs.latestBooks, op.orderbook)
	case opTrade:
		bs.trades = append(bs.trades, op.trade)
	case opFill:
		bs.fills = append(bs.fills, op.fill)
	}
}

func (bs *batchSet) size() int {
	return len(bs.tickers) + len(bs.latestTickers) + len(bs.snapshots) +
		len(bs.deltas) + len(bs.latestBooks) + len(bs.trades) + len(bs.fills)
}

func (bs *batchSet) reset() {
	*bs = batchSet{}
}

// buildBatch turns a batchSet into one pgx batch. History tables insert
// with ON CONFLICT DO NOTHING so frames replayed after a reconnect do
// not duplicate; latest views upsert.
func buildBatch(bs *batchSet) *pgx.Batch {
	batch := &pgx.Batch{}

	for _, r := range bs.tickers {
		batch.Queue(`
			INSERT INTO tickers (received_at, exchange_ts, ticker, yes_bid, yes_ask, no_bid, last_price, volume, open_interest, dollar_volume, dollar_open_interest)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (ticker, received_at) DO NOTHING
		`, r.ReceivedAt.UnixMicro(), r.Data.ExchangeTS, r.Instrument,
			r.Data.YesBid, r.Data.YesAsk, r.Data.NoBid, r.Data.LastPrice,
			r.Data.Volume, r.Data.OpenInterest, r.Data.DollarVolume, r.Data.DollarOpenInterest)
	}

	for _, r := range bs.latestTickers {
		batch.Queue(`
			INSERT INTO latest_tickers (ticker, received_at, exchange_ts, yes_bid, yes_ask, no_bid, last_price, volume, open_interest, dollar_volume, dollar_open_interest)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (ticker) DO UPDATE SET
				received_at = EXCLUDED.received_at,
				exchange_ts = EXCLUDED.exchange_ts,
				yes_bid = EXCLUDED.yes_bid,
				yes_ask = EXCLUDED.yes_ask,
				no_bid = EXCLUDED.no_bid,
				last_price = EXCLUDED.last_price,
				volume = EXCLUDED.volume,
				open_interest = EXCLUDED.open_interest,
				dollar_volume = EXCLUDED.dollar_volume,
				dollar_open_interest = EXCLUDED.dollar_open_interest
		`, r.Instrument, r.ReceivedAt.UnixMicro(), r.Data.ExchangeTS,
			r.Data.YesBid, r.Data.YesAsk, r.Data.NoBid, r.Data.LastPrice,
			r.Data.Volume, r.Data.OpenInterest, r.Data.DollarVolume, r.Data.DollarOpenInterest)
	}

	for _, r := range bs.snapshots {
		batch.Queue(`
			INSERT INTO orderbook_snapshots (received_at, ticker, seq, yes_bids, no_bids)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (ticker, received_at) DO NOTHING
		`, r.ReceivedAt.UnixMicro(), r.Instrument, r.Seq,
			levelsToJSONB(r.Yes), levelsToJSONB(r.No))
	}

	for _, r := range bs.deltas {
		batch.Queue(`
			INSERT INTO orderbook_deltas (received_at, exchange_ts, ticker, seq, side, price, size_delta)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (ticker, seq) DO NOTHING
		`, r.ReceivedAt.UnixMicro(), r.Data.ExchangeTS, r.Instrument, r.Seq,
			sideToBoolean(r.Data.Side), r.Data.Price, r.Data.SizeDelta)
	}

	for _, r := range bs.latestBooks {
		batch.Queue(`
			INSERT INTO latest_orderbooks (ticker, received_at, seq, yes_bids, no_bids)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (ticker) DO UPDATE SET
				received_at = EXCLUDED.received_at,
				seq = EXCLUDED.seq,
				yes_bids = EXCLUDED.yes_bids,
				no_bids = EXCLUDED.no_bids
		`, r.Instrument, r.ReceivedAt.UnixMicro(), r.Seq,
			levelsToJSONB(r.Yes), levelsToJSONB(r.No))
	}

	for _, r := range bs.trades {
		batch.Queue(`
			INSERT INTO trades (trade_id, received_at, exchange_ts, ticker, yes_price, no_price, size, taker_side)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (trade_id) DO NOTHING
		`, r.Data.TradeID, r.ReceivedAt.UnixMicro(), r.Data.ExchangeTS, r.Instrument,
			r.Data.YesPrice, r.Data.NoPrice, r.Data.Size, sideToBoolean(r.Data.TakerSide))
	}

	for _, r := range bs.fills {
		batch.Queue(`
			INSERT INTO fills (order_id, received_at, exchange_ts, ticker, side, action, price, size, is_taker)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (order_id, exchange_ts, received_at) DO NOTHING
		`, r.Data.OrderID, r.ReceivedAt.UnixMicro(), r.Data.ExchangeTS, r.Instrument,
			sideToBoolean(r.Data.Side), r.Data.Action, r.Data.Price, r.Data.Size, r.Data.IsTaker)
	}

	return batch
}

// LatestTicker returns the most recent ticker for an instrument.
func (s *postgresStore) LatestTicker(ctx context.Context, instrument string) (TickerRecord, error) {
	var rec TickerRecord
	var receivedAt int64

	err := s.db.QueryRow(ctx, `
		SELECT received_at, exchange_ts, yes_bid, yes_ask, no_bid, last_price, volume, open_interest, dollar_volume, dollar_open_interest
		FROM latest_tickers WHERE ticker = $1
	`, instrument).Scan(
		&receivedAt, &rec.Data.ExchangeTS,
		&rec.Data.YesBid, &rec.Data.YesAsk, &rec.Data.NoBid, &rec.Data.LastPrice,
		&rec.Data.Volume, &rec.Data.OpenInterest, &rec.Data.DollarVolume, &rec.Data.DollarOpenInterest,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return TickerRecord{}, ErrNotFound
		}
		return TickerRecord{}, err
	}

	rec.Instrument = instrument
	rec.ReceivedAt = time.UnixMicro(receivedAt)
	return rec, nil
}

// LatestOrderbook returns the most recent full book for an instrument.
func (s *postgresStore) LatestOrderbook(ctx context.Context, instrument string) (OrderbookRecord, error) {
	var rec OrderbookRecord
	var receivedAt int64
	var yesRaw, noRaw []byte

	err := s.db.QueryRow(ctx, `
		SELECT received_at, seq, yes_bids, no_bids
		FROM latest_orderbooks WHERE ticker = $1
	`, instrument).Scan(&receivedAt, &rec.Seq, &yesRaw, &noRaw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return OrderbookRecord{}, ErrNotFound
		}
		return OrderbookRecord{}, err
	}

	rec.Instrument = instrument
	rec.ReceivedAt = time.UnixMicro(receivedAt)
	rec.Yes = levelsFromJSONB(yesRaw)
	rec.No = levelsFromJSONB(noRaw)
	return rec, nil
}

// TradeHistory returns up to limit trades, most recent first.
func (s *postgresStore) TradeHistory(ctx context.Context, instrument string, limit int) ([]TradeRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT trade_id, received_at, exchange_ts, yes_price, no_price, size, taker_side
		FROM trades WHERE ticker = $1
		ORDER BY received_at DESC LIMIT $2
	`, instrument, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var rec TradeRecord
		var receivedAt int64
		var takerYes bool
		if err := rows.Scan(&rec.Data.TradeID, &receivedAt, &rec.Data.ExchangeTS,
			&rec.Data.YesPrice, &rec.Data.NoPrice, &rec.Data.Size, &takerYes); err != nil {
			return nil, err
		}
		rec.Instrument = instrument
		rec.ReceivedAt = time.UnixMicro(receivedAt)
		rec.Data.TakerSide = booleanToSide(takerYes)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FillHistory returns up to limit fills, most recent first.
func (s *postgresStore) FillHistory(ctx context.Context, instrument string, limit int) ([]FillRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT order_id, received_at, exchange_ts, side, action, price, size, is_taker
		FROM fills WHERE ticker = $1
		ORDER BY received_at DESC LIMIT $2
	`, instrument, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		var rec FillRecord
		var receivedAt int64
		var sideYes bool
		if err := rows.Scan(&rec.Data.OrderID, &receivedAt, &rec.Data.ExchangeTS,
			&sideYes, &rec.Data.Action, &rec.Data.Price, &rec.Data.Size, &rec.Data.IsTaker); err != nil {
			return nil, err
		}
		rec.Instrument = instrument
		rec.ReceivedAt = time.UnixMicro(receivedAt)
		rec.Data.Side = booleanToSide(sideYes)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Tickers returns ticker observations in [from, to], oldest first.
func (s *postgresStore) Tickers(ctx context.Context, instrument string, from, to time.Time) ([]TickerRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT received_at, exchange_ts, yes_bid, yes_ask, no_bid, last_price, volume, open_interest, dollar_volume, dollar_open_interest
		FROM tickers WHERE ticker = $1 AND received_at BETWEEN $2 AND $3
		ORDER BY received_at ASC
	`, instrument, from.UnixMicro(), to.UnixMicro())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TickerRecord
	for rows.Next() {
		var rec TickerRecord
		var receivedAt int64
		if err := rows.Scan(&receivedAt, &rec.Data.ExchangeTS,
			&rec.Data.YesBid, &rec.Data.YesAsk, &rec.Data.NoBid, &rec.Data.LastPrice,
			&rec.Data.Volume, &rec.Data.OpenInterest, &rec.Data.DollarVolume, &rec.Data.DollarOpenInterest); err != nil {
			return nil, err
		}
		rec.Instrument = instrument
		rec.ReceivedAt = time.UnixMicro(receivedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// levelJSON is the JSONB shape for one price level.
type levelJSON struct {
	Price int `json:"price"`
	Size  int `json:"size"`
}

// levelsToJSONB converts price levels to JSONB bytes.
func levelsToJSONB(levels []model.PriceLevel) []byte {
	out := make([]levelJSON, len(levels))
	for i, l := range levels {
		out[i] = levelJSON{Price: l.Price, Size: l.Size}
	}
	data, _ := json.Marshal(out)
	return data
}

// levelsFromJSONB parses JSONB bytes back into price levels.
func levelsFromJSONB(data []byte) []model.PriceLevel {
	var raw []levelJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	out := make([]model.PriceLevel, len(raw))
	for i, l := range raw {
		out[i] = model.PriceLevel{Price: l.Price, Size: l.Size}
	}
	return out
}

// sideToBoolean converts a side to its stored boolean (TRUE = yes).
func sideToBoolean(side model.Side) bool {
	return side == model.SideYes
}

func booleanToSide(yes bool) model.Side {
	if yes {
		return model.SideYes
	}
	return model.SideNo
}
