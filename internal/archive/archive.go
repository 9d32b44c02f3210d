// Package archive exports aged rows to object storage and prunes them from
// PostgreSQL. Rows land in monthly JSONL objects keyed by event time; a table
// is only pruned after every object write for it succeeded, so a failed cycle
// simply leaves the rows for the next one.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	s3blob "binance-monitor/internal/blob/s3"
	"binance-monitor/internal/config"
	"binance-monitor/internal/store"
)

const contentTypeJSONL = "application/x-ndjson"

// Blob is the object-store surface the archiver needs. Get reports a missing
// key as s3blob.ErrNotFound.
type Blob interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Store lists and prunes archivable rows.
type Store interface {
	ListLargeTradesBefore(ctx context.Context, cutoff time.Time) ([]store.TradeRow, error)
	DeleteLargeTradesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListLiquidationsBefore(ctx context.Context, cutoff time.Time) ([]store.LiquidationRow, error)
	DeleteLiquidationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListClosedWallsBefore(ctx context.Context, cutoff time.Time) ([]store.WallRow, error)
	DeleteClosedWallsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Archiver struct {
	cfg    config.ArchiveConfig
	store  Store
	blob   Blob
	logger *slog.Logger
}

func New(cfg config.ArchiveConfig, st Store, blob Blob, logger *slog.Logger) *Archiver {
	return &Archiver{
		cfg:    cfg,
		store:  st,
		blob:   blob,
		logger: logger.With("component", "archive"),
	}
}

// Run cycles once at startup and then on the configured interval.
func (a *Archiver) Run(ctx context.Context) {
	interval := a.cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.Cycle(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Cycle(ctx, time.Now())
		}
	}
}

// Cycle archives each table independently so one failure does not block the
// others.
func (a *Archiver) Cycle(ctx context.Context, now time.Time) {
	cutoff := now.Add(-time.Duration(a.cfg.RetentionDays) * 24 * time.Hour)

	a.archiveLargeTrades(ctx, cutoff)
	a.archiveLiquidations(ctx, cutoff)
	a.archiveClosedWalls(ctx, cutoff)
}

func (a *Archiver) archiveLargeTrades(ctx context.Context, cutoff time.Time) {
	rows, err := a.store.ListLargeTradesBefore(ctx, cutoff)
	if err != nil {
		a.logger.Error("list large trades failed", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	groups := make(map[string][]byte)
	for _, r := range rows {
		if err := appendLine(groups, monthKey("large_trades", r.TradeTime), r); err != nil {
			a.logger.Error("encode large trade failed", "error", err)
			return
		}
	}
	if err := a.upload(ctx, groups); err != nil {
		a.logger.Error("upload large trades failed", "error", err)
		return
	}

	n, err := a.store.DeleteLargeTradesBefore(ctx, cutoff)
	if err != nil {
		a.logger.Error("prune large trades failed", "error", err)
		return
	}
	a.logger.Info("archived", "table", "large_trades", "rows", n, "objects", len(groups))
}

func (a *Archiver) archiveLiquidations(ctx context.Context, cutoff time.Time) {
	rows, err := a.store.ListLiquidationsBefore(ctx, cutoff)
	if err != nil {
		a.logger.Error("list liquidations failed", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	groups := make(map[string][]byte)
	for _, r := range rows {
		if err := appendLine(groups, monthKey("liquidations", r.TradeTime), r); err != nil {
			a.logger.Error("encode liquidation failed", "error", err)
			return
		}
	}
	if err := a.upload(ctx, groups); err != nil {
		a.logger.Error("upload liquidations failed", "error", err)
		return
	}

	n, err := a.store.DeleteLiquidationsBefore(ctx, cutoff)
	if err != nil {
		a.logger.Error("prune liquidations failed", "error", err)
		return
	}
	a.logger.Info("archived", "table", "liquidations", "rows", n, "objects", len(groups))
}

func (a *Archiver) archiveClosedWalls(ctx context.Context, cutoff time.Time) {
	rows, err := a.store.ListClosedWallsBefore(ctx, cutoff)
	if err != nil {
		a.logger.Error("list closed walls failed", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	groups := make(map[string][]byte)
	for _, r := range rows {
		if err := appendLine(groups, monthKey("orderbook_walls", r.GoneAt), r); err != nil {
			a.logger.Error("encode wall failed", "error", err)
			return
		}
	}
	if err := a.upload(ctx, groups); err != nil {
		a.logger.Error("upload walls failed", "error", err)
		return
	}

	n, err := a.store.DeleteClosedWallsBefore(ctx, cutoff)
	if err != nil {
		a.logger.Error("prune closed walls failed", "error", err)
		return
	}
	a.logger.Info("archived", "table", "orderbook_walls", "rows", n, "objects", len(groups))
}

// upload merges each group into its monthly object. Objects are fetched,
// appended to, and rewritten because S3 has no append; a single archiver
// goroutine keeps that race-free.
func (a *Archiver) upload(ctx context.Context, groups map[string][]byte) error {
	for key, lines := range groups {
		existing, err := a.blob.Get(ctx, key)
		if err != nil && !errors.Is(err, s3blob.ErrNotFound) {
			return err
		}
		if err := a.blob.Put(ctx, key, append(existing, lines...), contentTypeJSONL); err != nil {
			return err
		}
	}
	return nil
}

func appendLine(groups map[string][]byte, key string, row any) error {
	line, err := json.Marshal(row)
	if err != nil {
		return err
	}
	groups[key] = append(groups[key], line...)
	groups[key] = append(groups[key], '\n')
	return nil
}

// monthKey buckets a row by the UTC month of its event time.
func monthKey(table string, epochMs int64) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", table, time.UnixMilli(epochMs).UTC().Format("2006-01"))
}
