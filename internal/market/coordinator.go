package market

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"binance-monitor/internal/config"
	"binance-monitor/pkg/types"
)

// Coordinator owns REST anchoring for every book: the cold start, the
// scheduled hourly refresh, and desync recovery. It also persists the
// per-minute book metric snapshots and raises the imbalance signal.
//
// Wall events produced by snapshot installs are forwarded through onWalls so
// the wall tracker sees re-anchors exactly like live diff batches (including
// the Synced reconciliation event).

// DepthFetcher anchors books from REST depth snapshots.
type DepthFetcher interface {
	GetDepth(ctx context.Context, market types.Market) (*types.DepthSnapshot, error)
}

// MetricsStore persists periodic book metric snapshots.
type MetricsStore interface {
	InsertBookMetrics(ctx context.Context, ms []types.BookMetrics) error
}

// Coordinator re-anchors books and snapshots their metrics. Run owns all
// internal state; nothing here is called from more than one goroutine except
// the books themselves, which are safe.
type Coordinator struct {
	cfg     config.SnapshotsConfig
	books   map[types.Market]*Book
	fetcher DepthFetcher
	store   MetricsStore
	alerts  types.AlertSink
	onWalls func(types.Market, []types.WallEvent)
	logger  *slog.Logger

	lastDesyncs map[types.Market]int64
}

// NewCoordinator creates a coordinator over the given books. onWalls may be
// nil when no consumer wants wall events (tests).
func NewCoordinator(
	cfg config.SnapshotsConfig,
	books map[types.Market]*Book,
	fetcher DepthFetcher,
	store MetricsStore,
	alerts types.AlertSink,
	onWalls func(types.Market, []types.WallEvent),
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		books:       books,
		fetcher:     fetcher,
		store:       store,
		alerts:      alerts,
		onWalls:     onWalls,
		logger:      logger.With("component", "coordinator"),
		lastDesyncs: make(map[types.Market]int64),
	}
}

// ColdStart anchors every book, retrying each until it succeeds or ctx is
// cancelled. Feeds should already be running so diffs buffer during the
// fetch and replay cleanly after the snapshot installs.
func (c *Coordinator) ColdStart(ctx context.Context) error {
	for _, b := range c.books {
		for {
			if err := c.anchor(ctx, b); err == nil {
				break
			} else if ctx.Err() != nil {
				return ctx.Err()
			} else {
				c.logger.Error("cold start anchor failed, retrying",
					"market", b.Market(), "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RecoveryInterval):
			}
		}
		c.lastDesyncs[b.Market()] = b.Desyncs()
	}
	return nil
}

// Run drives the refresh, recovery and metrics loops until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	refresh := time.NewTicker(c.cfg.RefreshInterval)
	defer refresh.Stop()
	recovery := time.NewTicker(c.cfg.RecoveryInterval)
	defer recovery.Stop()
	metrics := time.NewTicker(c.cfg.MetricsInterval)
	defer metrics.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			c.refreshAll(ctx)
		case <-recovery.C:
			c.recover(ctx)
		case <-metrics.C:
			c.snapshotMetrics(ctx)
		}
	}
}

// anchor re-anchors one book from REST. Invalidate MUST precede the fetch:
// a diff applied to the old ladder after the snapshot was taken would
// corrupt it, so the book discards the ladder up front and buffers diffs
// until the snapshot installs and replay catches up.
func (c *Coordinator) anchor(ctx context.Context, b *Book) error {
	b.Invalidate()
	snap, err := c.fetcher.GetDepth(ctx, b.Market())
	if err != nil {
		return fmt.Errorf("fetch %s depth: %w", b.Market(), err)
	}
	events, err := b.ApplySnapshot(*snap)
	if err != nil {
		return fmt.Errorf("apply %s snapshot: %w", b.Market(), err)
	}
	c.logger.Info("book anchored",
		"market", b.Market(),
		"last_update_id", snap.LastUpdateID)
	c.emit(b.Market(), events)
	return nil
}

func (c *Coordinator) emit(market types.Market, events []types.WallEvent) {
	if c.onWalls != nil && len(events) > 0 {
		c.onWalls(market, events)
	}
}

// refreshAll is the scheduled full re-anchor of every book.
func (c *Coordinator) refreshAll(ctx context.Context) {
	for _, b := range c.books {
		if err := c.anchor(ctx, b); err != nil {
			// Recovery picks the book up on its next tick.
			c.logger.Error("scheduled refresh failed",
				"market", b.Market(), "error", err)
		}
		c.lastDesyncs[b.Market()] = b.Desyncs()
	}
}

// recover re-anchors books that desynced since the last check or that have
// been not-ready longer than the tolerance.
func (c *Coordinator) recover(ctx context.Context) {
	for m, b := range c.books {
		desyncs := b.Desyncs()
		needsAnchor := desyncs > c.lastDesyncs[m]
		if !needsAnchor {
			if since, down := b.NotReadySince(); down && time.Since(since) > c.cfg.NotReadyAfter {
				needsAnchor = true
			}
		}
		if !needsAnchor {
			continue
		}

		c.logger.Warn("book out of sync, re-anchoring",
			"market", m,
			"desyncs", desyncs)
		if err := c.anchor(ctx, b); err != nil {
			c.logger.Error("recovery anchor failed", "market", m, "error", err)
		}
		c.lastDesyncs[m] = b.Desyncs()
	}
}

// snapshotMetrics persists one BookMetrics row per ready book and raises the
// imbalance signal when the ±1% book is lopsided enough.
func (c *Coordinator) snapshotMetrics(ctx context.Context) {
	var batch []types.BookMetrics
	for _, b := range c.books {
		m, ok := b.Metrics()
		if !ok {
			continue
		}
		batch = append(batch, m)
	}
	if len(batch) == 0 {
		return
	}

	if err := c.store.InsertBookMetrics(ctx, batch); err != nil {
		c.logger.Error("persist book metrics", "error", err)
	}

	for _, m := range batch {
		if math.Abs(m.Imbalance1Pct) < c.cfg.ImbalanceAlertAbs {
			continue
		}
		heavier := "bids"
		if m.Imbalance1Pct < 0 {
			heavier = "asks"
		}
		c.alerts.Submit(types.NewAlert(
			types.AlertImbalance,
			"",
			fmt.Sprintf("imbalance:%s", m.Market),
			fmt.Sprintf("⚖️ *%s book imbalance* %+.2f within ±1%% of mid %.1f (%s heavier)",
				strings.ToUpper(string(m.Market)), m.Imbalance1Pct, m.Mid, heavier),
		))
	}
}
