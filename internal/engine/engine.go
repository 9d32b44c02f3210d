// Package engine is the central orchestrator of the monitor.
//
// It wires together all subsystems:
//
//  1. Two WebSocket feeds (spot + futures) stream depth diffs, aggregated
//     trades and forced orders.
//  2. Each market gets a Book (diff-synced order book mirror) that detects
//     walls; the coordinator anchors books from REST snapshots, recovers
//     desyncs and persists periodic depth metrics.
//  3. The wall tracker turns book events into lifecycles and alerts, the
//     trade aggregator folds the tape into minute buckets and CVD, and the
//     liquidation filter persists and grades forced orders.
//  4. The alert router dedupes, batches and delivers everything to Telegram.
//  5. Periodic loops: wall confirmations, bucket flushes, far-level pruning,
//     digests, health logging and optional S3 archiving.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"binance-monitor/internal/alert"
	"binance-monitor/internal/api"
	"binance-monitor/internal/archive"
	s3blob "binance-monitor/internal/blob/s3"
	"binance-monitor/internal/config"
	"binance-monitor/internal/digest"
	"binance-monitor/internal/exchange"
	"binance-monitor/internal/liq"
	"binance-monitor/internal/market"
	"binance-monitor/internal/notify"
	"binance-monitor/internal/store"
	"binance-monitor/internal/trades"
	"binance-monitor/internal/walls"
	"binance-monitor/pkg/types"
)

const healthLogInterval = time.Minute

// Engine orchestrates all components of the monitor.
// It owns the lifecycle of every long-lived goroutine.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	router   *alert.Router
	feeds    map[types.Market]*exchange.Feed
	books    map[types.Market]*market.Book
	coord    *market.Coordinator
	walls    *walls.Tracker
	trades   *trades.Aggregator
	liq      *liq.Filter
	digest   *digest.Digest
	archiver *archive.Archiver // nil when archiving is disabled

	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all monitor components. The store must already be
// connected and migrated. Topic map validation and, when archiving is
// enabled, the bucket health check happen here so a misconfigured deployment
// dies before touching the exchange.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) (*Engine, error) {
	sender := notify.NewTelegram(cfg.Sink, logger)
	router, err := alert.NewRouter(cfg.Alerts, cfg.Sink, cfg.Digest.Periods, sender, st, logger)
	if err != nil {
		return nil, err
	}

	books := map[types.Market]*market.Book{
		types.Spot:    market.NewBook(types.Spot, cfg.Walls.ThresholdUSD, cfg.Walls.PruneDistancePct),
		types.Futures: market.NewBook(types.Futures, cfg.Walls.ThresholdUSD, cfg.Walls.PruneDistancePct),
	}
	feeds := map[types.Market]*exchange.Feed{
		types.Spot:    exchange.NewFeed(types.Spot, cfg.Exchange, cfg.Symbol, router, logger),
		types.Futures: exchange.NewFeed(types.Futures, cfg.Exchange, cfg.Symbol, router, logger),
	}
	client := exchange.NewClient(cfg.Exchange, cfg.Symbol, logger)

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		hctx, hcancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer hcancel()
		blob, err := s3blob.New(hctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		if err := blob.Health(hctx); err != nil {
			return nil, err
		}
		archiver = archive.New(cfg.Archive, st, blob, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		router:   router,
		feeds:    feeds,
		books:    books,
		walls:    walls.NewTracker(cfg.Walls, st, router, logger),
		trades:   trades.NewAggregator(cfg.Trades, st, router, logger),
		liq:      liq.NewFilter(cfg.Liquidations, cfg.Symbol, st, router, logger),
		digest:   digest.New(cfg.Digest, st, router, logger),
		archiver: archiver,
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}

	// Re-anchors feed the tracker exactly like live diff batches.
	e.coord = market.NewCoordinator(cfg.Snapshots, books, client, st, router,
		func(mkt types.Market, events []types.WallEvent) {
			e.walls.Apply(e.ctx, mkt, events)
		}, logger)

	return e, nil
}

// Start restores persisted state and launches all background goroutines:
// alert router, WebSocket feeds, event dispatchers, book coordinator and the
// periodic loops.
func (e *Engine) Start() error {
	// Cold-start state first: wall ages and CVD survive restarts.
	if err := e.walls.Reload(e.ctx); err != nil {
		return err
	}
	if err := e.trades.Rehydrate(e.ctx, time.Now()); err != nil {
		return err
	}

	// Alert delivery before any producer runs.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.router.Run(e.ctx)
	}()

	// Feeds next so diffs buffer while the books anchor.
	for _, feed := range e.feeds {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("feed error", "market", feed.Market(), "error", err)
			}
		}()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatch(feed)
		}()
	}

	// Anchor the books, then keep them healthy.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.coord.ColdStart(e.ctx); err != nil {
			return
		}
		e.logger.Info("books anchored")
		e.coord.Run(e.ctx)
	}()

	// Periodic loops.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.walls.RunConfirmations(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.trades.RunFlusher(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.digest.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runPruner()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runHealthLog()
	}()

	if e.archiver != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.archiver.Run(e.ctx)
		}()
	}

	return nil
}

// Stop gracefully shuts down: cancels the run context, tears down the feed
// connections to unblock pending reads, and waits for every goroutine. The
// router drains its queue within the configured grace and the flusher writes
// the open buckets on its way out.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()

	for _, feed := range e.feeds {
		feed.Close()
	}

	e.wg.Wait()

	e.logger.Info("shutdown complete")
}

// dispatch fans one feed's events into the book, the trade aggregator and
// the liquidation filter. Depth handling stays on this goroutine so each
// market's diffs and wall events apply in stream order.
func (e *Engine) dispatch(feed *exchange.Feed) {
	mkt := feed.Market()
	book := e.books[mkt]

	for {
		select {
		case <-e.ctx.Done():
			return
		case u := <-feed.Depth():
			events, err := book.ApplyDiff(u)
			if err != nil {
				e.logger.Warn("book desynced, awaiting re-anchor", "market", mkt, "error", err)
				continue
			}
			if len(events) > 0 {
				e.walls.Apply(e.ctx, mkt, events)
			}
		case tr := <-feed.Trades():
			e.trades.Process(e.ctx, mkt, tr)
		case fo := <-feed.Liquidations():
			e.liq.Process(e.ctx, fo)
		}
	}
}

// runPruner periodically drops book levels beyond the prune boundary. The
// scan inside Prune closes walls disqualified by the same boundary, so the
// tracker sees them exactly like live disappearances.
func (e *Engine) runPruner() {
	ticker := time.NewTicker(e.cfg.Walls.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for mkt, book := range e.books {
				if events := book.Prune(); len(events) > 0 {
					e.walls.Apply(e.ctx, mkt, events)
				}
			}
		}
	}
}

func (e *Engine) runHealthLog() {
	ticker := time.NewTicker(healthLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.logHealth()
		}
	}
}

func (e *Engine) logHealth() {
	spotFeed, futFeed := e.feeds[types.Spot], e.feeds[types.Futures]
	stats := e.router.Stats()

	e.logger.Info("health",
		"spot_connected", spotFeed.Connected(),
		"spot_ready", e.books[types.Spot].Ready(),
		"futures_connected", futFeed.Connected(),
		"futures_ready", e.books[types.Futures].Ready(),
		"ws_messages", spotFeed.Messages()+futFeed.Messages(),
		"ws_dropped", spotFeed.Dropped()+futFeed.Dropped(),
		"trades", e.trades.Processed(),
		"liquidations", e.liq.Seen(),
		"alerts_sent", stats.SentMessages,
		"alerts_dropped", stats.DroppedQueue,
	)
}

// Snapshot reports the current runtime state for the status server.
func (e *Engine) Snapshot() api.Status {
	books := make(map[string]api.BookStatus, len(e.books))
	cvd := make(map[string]float64, len(e.books))
	for mkt, book := range e.books {
		mid, _ := book.MidPrice()
		active, confirmed := e.walls.Counts(mkt)
		books[string(mkt)] = api.BookStatus{
			Ready:          book.Ready(),
			LastUpdateID:   book.LastUpdateID(),
			Mid:            mid,
			ActiveWalls:    active,
			ConfirmedWalls: confirmed,
			Desyncs:        book.Desyncs(),
		}
		cvd[string(mkt)] = e.trades.CVD(mkt)
	}

	feeds := make(map[string]api.FeedStatus, len(e.feeds))
	for mkt, feed := range e.feeds {
		feeds[string(mkt)] = api.FeedStatus{
			Connected: feed.Connected(),
			Messages:  feed.Messages(),
			Dropped:   feed.Dropped(),
		}
	}

	return api.Status{
		Symbol:    e.cfg.Symbol,
		StartedAt: e.started,
		UptimeSec: int64(time.Since(e.started).Seconds()),
		Books:     books,
		Feeds:     feeds,
		Trades: api.TradeStatus{
			Processed:    e.trades.Processed(),
			Large:        e.trades.LargeCount(),
			Liquidations: e.liq.Seen(),
			CVDUSD:       cvd,
		},
		Router: e.router.Stats(),
	}
}
