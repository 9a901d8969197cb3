package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/kalshi-stream/internal/model"
)

func newTestMemory(t *testing.T) Store {
	t.Helper()
	s := NewMemory(Config{RecentLimit: 5}, nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC)
}

func TestMemory_LatestTicker(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	_, err := s.LatestTicker(ctx, "MKT-A")
	assert.ErrorIs(t, err, ErrNotFound)

	s.UpsertLatestTicker(TickerRecord{
		Instrument: "MKT-A",
		ReceivedAt: at(1),
		Data:       model.Ticker{LastPrice: 52000},
	})
	s.UpsertLatestTicker(TickerRecord{
		Instrument: "MKT-A",
		ReceivedAt: at(2),
		Data:       model.Ticker{LastPrice: 53000},
	})

	rec, err := s.LatestTicker(ctx, "MKT-A")
	require.NoError(t, err)
	assert.Equal(t, 53000, rec.Data.LastPrice, "newest upsert wins")
	assert.Equal(t, at(2), rec.ReceivedAt)
}

func TestMemory_LatestOrderbook(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	_, err := s.LatestOrderbook(ctx, "MKT-A")
	assert.ErrorIs(t, err, ErrNotFound)

	s.UpsertLatestOrderbook(OrderbookRecord{
		Instrument: "MKT-A",
		ReceivedAt: at(1),
		Seq:        41,
		Yes:        []model.PriceLevel{{Price: 52000, Size: 100}},
		No:         []model.PriceLevel{{Price: 47000, Size: 50}},
	})

	rec, err := s.LatestOrderbook(ctx, "MKT-A")
	require.NoError(t, err)
	assert.Equal(t, int64(41), rec.Seq)
	require.Len(t, rec.Yes, 1)
	assert.Equal(t, 52000, rec.Yes[0].Price)
}

func TestMemory_TradeHistoryNewestFirst(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		s.AppendTrade(TradeRecord{
			Instrument: "MKT-A",
			ReceivedAt: at(i),
			Data:       model.Trade{TradeID: uuid.New(), Size: i},
		})
	}

	trades, err := s.TradeHistory(ctx, "MKT-A", 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, 3, trades[0].Data.Size, "most recent first")
	assert.Equal(t, 2, trades[1].Data.Size)
}

func TestMemory_TradeDeduplication(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	id := uuid.New()
	for i := 0; i < 3; i++ {
		s.AppendTrade(TradeRecord{
			Instrument: "MKT-A",
			ReceivedAt: at(i),
			Data:       model.Trade{TradeID: id, Size: 10},
		})
	}

	trades, err := s.TradeHistory(ctx, "MKT-A", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1, "replayed trade id stored once")
}

func TestMemory_FillHistory(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	s.AppendFill(FillRecord{
		Instrument: "MKT-A",
		ReceivedAt: at(1),
		Data:       model.Fill{OrderID: uuid.New(), Side: model.SideNo, Action: "sell", Size: 5},
	})

	fills, err := s.FillHistory(ctx, "MKT-A", 10)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "sell", fills[0].Data.Action)

	other, err := s.FillHistory(ctx, "MKT-B", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemory_TickersRange(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		s.AppendTicker(TickerRecord{
			Instrument: "MKT-A",
			ReceivedAt: at(i),
			Data:       model.Ticker{LastPrice: i * 1000},
		})
	}

	recs, err := s.Tickers(ctx, "MKT-A", at(2), at(4))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, 2000, recs[0].Data.LastPrice, "oldest first")
	assert.Equal(t, 4000, recs[2].Data.LastPrice)
}

func TestMemory_RecentLimitCapsHistory(t *testing.T) {
	s := newTestMemory(t) // RecentLimit: 5
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		s.AppendTrade(TradeRecord{
			Instrument: "MKT-A",
			ReceivedAt: at(i),
			Data:       model.Trade{TradeID: uuid.New(), Size: i},
		})
	}

	trades, err := s.TradeHistory(ctx, "MKT-A", 100)
	require.NoError(t, err)
	assert.Len(t, trades, 5)
	assert.Equal(t, 19, trades[0].Data.Size, "newest survives the cap")
}
