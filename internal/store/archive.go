package store

import (
	"context"
	"fmt"
	"time"
)

// Row types mirror table columns for JSONL export. Prices and quantities
// stay strings, timestamps stay epoch milliseconds.

type TradeRow struct {
	Market      string  `json:"market"`
	AggID       int64   `json:"agg_id"`
	Side        string  `json:"side"`
	Price       string  `json:"price"`
	Qty         string  `json:"qty"`
	NotionalUSD float64 `json:"notional_usd"`
	TradeTime   int64   `json:"trade_time"`
}

type LiquidationRow struct {
	Market      string  `json:"market"`
	Side        string  `json:"side"`
	Price       string  `json:"price"`
	Qty         string  `json:"qty"`
	NotionalUSD float64 `json:"notional_usd"`
	TradeTime   int64   `json:"trade_time"`
}

type WallRow struct {
	Market         string  `json:"market"`
	Side           string  `json:"side"`
	Price          string  `json:"price"`
	Qty            string  `json:"qty"`
	NotionalUSD    float64 `json:"notional_usd"`
	MaxNotionalUSD float64 `json:"max_notional_usd"`
	DetectedAt     int64   `json:"detected_at"`
	LastSeenAt     int64   `json:"last_seen_at"`
	Confirmed      bool    `json:"confirmed"`
	ConfirmedAt    *int64  `json:"confirmed_at,omitempty"`
	GoneAt         int64   `json:"gone_at"`
	GoneReason     string  `json:"gone_reason"`
}

// ListLargeTradesBefore returns trades older than cutoff, oldest first.
func (s *Store) ListLargeTradesBefore(ctx context.Context, cutoff time.Time) ([]TradeRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market, agg_id, side, price, qty, notional_usd, trade_time
		 FROM large_trades WHERE trade_time < $1 ORDER BY trade_time`,
		millis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list large trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var r TradeRow
		if err := rows.Scan(&r.Market, &r.AggID, &r.Side, &r.Price, &r.Qty,
			&r.NotionalUSD, &r.TradeTime); err != nil {
			return nil, fmt.Errorf("store: scan large trade row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteLargeTradesBefore prunes trades older than cutoff and reports how
// many rows went away.
func (s *Store) DeleteLargeTradesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM large_trades WHERE trade_time < $1`, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: delete large trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListLiquidationsBefore returns liquidations older than cutoff, oldest first.
func (s *Store) ListLiquidationsBefore(ctx context.Context, cutoff time.Time) ([]LiquidationRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market, side, price, qty, notional_usd, trade_time
		 FROM liquidations WHERE trade_time < $1 ORDER BY trade_time`,
		millis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list liquidations: %w", err)
	}
	defer rows.Close()

	var out []LiquidationRow
	for rows.Next() {
		var r LiquidationRow
		if err := rows.Scan(&r.Market, &r.Side, &r.Price, &r.Qty,
			&r.NotionalUSD, &r.TradeTime); err != nil {
			return nil, fmt.Errorf("store: scan liquidation row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteLiquidationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM liquidations WHERE trade_time < $1`, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: delete liquidations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListClosedWallsBefore returns walls that closed before cutoff, in close
// order. Open walls are never archived.
func (s *Store) ListClosedWallsBefore(ctx context.Context, cutoff time.Time) ([]WallRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market, side, price, qty, notional_usd, max_notional_usd,
		        detected_at, last_seen_at, confirmed, confirmed_at, gone_at, gone_reason
		 FROM orderbook_walls
		 WHERE gone_at IS NOT NULL AND gone_at < $1
		 ORDER BY gone_at`,
		millis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list closed walls: %w", err)
	}
	defer rows.Close()

	var out []WallRow
	for rows.Next() {
		var r WallRow
		if err := rows.Scan(&r.Market, &r.Side, &r.Price, &r.Qty,
			&r.NotionalUSD, &r.MaxNotionalUSD, &r.DetectedAt, &r.LastSeenAt,
			&r.Confirmed, &r.ConfirmedAt, &r.GoneAt, &r.GoneReason); err != nil {
			return nil, fmt.Errorf("store: scan wall row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteClosedWallsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM orderbook_walls WHERE gone_at IS NOT NULL AND gone_at < $1`,
		millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: delete closed walls: %w", err)
	}
	return tag.RowsAffected(), nil
}
