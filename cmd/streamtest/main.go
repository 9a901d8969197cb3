// streamtest connects to the venue WebSocket and prints decoded events
// to the console. Diagnostic tool for verifying credentials, channel
// subscriptions, and frame decoding without a database.
//
// Usage: go run ./cmd/streamtest -config configs/streamer.yaml -channel ticker
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rickgao/kalshi-stream/internal/auth"
	"github.com/rickgao/kalshi-stream/internal/config"
	"github.com/rickgao/kalshi-stream/internal/connection"
	"github.com/rickgao/kalshi-stream/internal/dispatch"
	"github.com/rickgao/kalshi-stream/internal/model"
)

func main() {
	configPath := flag.String("config", "configs/streamer.yaml", "path to config file")
	channel := flag.String("channel", "ticker", "channel to subscribe (ticker, trade, orderbook_delta, fill)")
	markets := flag.String("markets", "", "comma-separated market tickers (empty = all)")
	duration := flag.Duration("duration", 0, "stop after this long (0 = run until interrupted)")
	flag.Parse()

	godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var creds *auth.Credentials
	if cfg.Credentials.KeyID != "" {
		creds, err = auth.LoadCredentials(cfg.Credentials.KeyID, cfg.Credentials.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	mgrCfg := connection.DefaultManagerConfig()
	mgrCfg.Client.URL = cfg.Venue.WSURL
	mgrCfg.Client.Credentials = creds
	mgrCfg.Client.AuthInHandshake = cfg.Connection.AuthInHandshake
	mgr := connection.NewManager(mgrCfg, logger)

	disp := dispatch.New(dispatch.Config{Workers: 2, QueueSize: 1024}, mgr, logger)
	printer := dispatch.HandlerFunc(printEvent)
	for _, kind := range []model.EventKind{
		model.KindTicker, model.KindOrderbookSnapshot, model.KindOrderbookDelta,
		model.KindTrade, model.KindFill, model.KindError, model.KindUnknown,
	} {
		disp.Register(kind, printer)
	}

	var marketList []string
	if *markets != "" {
		marketList = strings.Split(*markets, ",")
	}
	if _, err := mgr.Subscribe(*channel, marketList); err != nil {
		logger.Error("subscribe failed", "error", err)
		os.Exit(1)
	}

	if err := disp.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	logger.Info("streaming", "url", cfg.Venue.WSURL, "channel", *channel, "markets", len(marketList))

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mgr.Stop(shutdownCtx)
	disp.Stop(shutdownCtx)

	stats := disp.Stats()
	fmt.Fprintf(os.Stderr, "frames=%d dispatched=%d parse_errors=%d unknown=%d\n",
		stats.FramesReceived, stats.EventsDispatched, stats.ParseErrors, stats.UnknownFrames)
}

func printEvent(_ context.Context, ev *model.Event) {
	ts := ev.ReceivedAt.Format("15:04:05.000")

	switch ev.Kind {
	case model.KindTicker:
		fmt.Printf("%s TICKER   %-24s last=%d bid=%d ask=%d vol=%d\n",
			ts, ev.Instrument, ev.Ticker.LastPrice, ev.Ticker.YesBid, ev.Ticker.YesAsk, ev.Ticker.Volume)
	case model.KindOrderbookSnapshot:
		fmt.Printf("%s SNAPSHOT %-24s seq=%d yes_levels=%d no_levels=%d\n",
			ts, ev.Instrument, ev.Seq, len(ev.Snapshot.Yes), len(ev.Snapshot.No))
	case model.KindOrderbookDelta:
		fmt.Printf("%s DELTA    %-24s seq=%d side=%s price=%d delta=%d\n",
			ts, ev.Instrument, ev.Seq, ev.Delta.Side, ev.Delta.Price, ev.Delta.SizeDelta)
	case model.KindTrade:
		fmt.Printf("%s TRADE    %-24s size=%d yes=%d no=%d taker=%s\n",
			ts, ev.Instrument, ev.Trade.Size, ev.Trade.YesPrice, ev.Trade.NoPrice, ev.Trade.TakerSide)
	case model.KindFill:
		fmt.Printf("%s FILL     %-24s %s %s size=%d price=%d\n",
			ts, ev.Instrument, ev.Fill.Action, ev.Fill.Side, ev.Fill.Size, ev.Fill.Price)
	case model.KindError:
		fmt.Printf("%s ERROR    code=%s msg=%s\n", ts, ev.Err.Code, ev.Err.Message)
	default:
		fmt.Printf("%s UNKNOWN  sid=%d\n", ts, ev.SID)
	}
}
