package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"binance-monitor/pkg/types"
)

// UpsertWall records a wall sighting. The first write for a lifecycle key
// (market, side, price, detected_at) inserts the row; later writes update
// quantity, notional and last-seen while ratcheting max_notional_usd.
func (s *Store) UpsertWall(ctx context.Context, w types.Wall) error {
	const query = `
		INSERT INTO orderbook_walls (
			market, side, price, qty, notional_usd, max_notional_usd,
			detected_at, last_seen_at, confirmed, confirmed_at
		) VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8, $9)
		ON CONFLICT (market, side, price, detected_at) DO UPDATE SET
			qty              = EXCLUDED.qty,
			notional_usd     = EXCLUDED.notional_usd,
			max_notional_usd = GREATEST(orderbook_walls.max_notional_usd, EXCLUDED.notional_usd),
			last_seen_at     = EXCLUDED.last_seen_at`

	_, err := s.pool.Exec(ctx, query,
		string(w.Market), string(w.Side), w.Price,
		w.Qty.String(), w.NotionalUSD,
		millis(w.DetectedAt), millis(w.LastSeenAt),
		w.Confirmed, nullableMillis(w.ConfirmedAt),
	)
	if err != nil {
		return fmt.Errorf("store: upsert wall %s: %w", w.Key(), err)
	}
	return nil
}

// CloseWall stamps a wall's gone_at and reason. Closing an already closed
// row is a no-op on the original stamp.
func (s *Store) CloseWall(ctx context.Context, key types.WallKey, detectedAt, goneAt time.Time, reason types.GoneReason) error {
	const query = `
		UPDATE orderbook_walls
		SET gone_at = $5, gone_reason = $6
		WHERE market = $1 AND side = $2 AND price = $3 AND detected_at = $4
		  AND gone_at IS NULL`

	_, err := s.pool.Exec(ctx, query,
		string(key.Market), string(key.Side), key.Price,
		millis(detectedAt), millis(goneAt), string(reason),
	)
	if err != nil {
		return fmt.Errorf("store: close wall %s: %w", key, err)
	}
	return nil
}

// ConfirmWall marks a wall confirmed. Confirmation never reverts.
func (s *Store) ConfirmWall(ctx context.Context, key types.WallKey, detectedAt, confirmedAt time.Time) error {
	const query = `
		UPDATE orderbook_walls
		SET confirmed = TRUE, confirmed_at = $5
		WHERE market = $1 AND side = $2 AND price = $3 AND detected_at = $4
		  AND NOT confirmed`

	_, err := s.pool.Exec(ctx, query,
		string(key.Market), string(key.Side), key.Price,
		millis(detectedAt), millis(confirmedAt),
	)
	if err != nil {
		return fmt.Errorf("store: confirm wall %s: %w", key, err)
	}
	return nil
}

// OpenWalls returns every wall without a gone_at stamp. Used at cold start
// so detection ages (and confirmations) survive restarts.
func (s *Store) OpenWalls(ctx context.Context) ([]types.Wall, error) {
	const query = `
		SELECT market, side, price, qty, notional_usd,
		       detected_at, last_seen_at, confirmed, confirmed_at
		FROM orderbook_walls
		WHERE gone_at IS NULL`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: open walls: %w", err)
	}
	defer rows.Close()

	var walls []types.Wall
	for rows.Next() {
		var (
			w           types.Wall
			market      string
			side        string
			qty         string
			detectedAt  int64
			lastSeenAt  int64
			confirmedAt *int64
		)
		if err := rows.Scan(&market, &side, &w.Price, &qty, &w.NotionalUSD,
			&detectedAt, &lastSeenAt, &w.Confirmed, &confirmedAt); err != nil {
			return nil, fmt.Errorf("store: scan open wall: %w", err)
		}
		w.Market = types.Market(market)
		w.Side = types.BookSide(side)
		if w.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("store: wall qty %q: %w", qty, err)
		}
		w.DetectedAt = fromMillis(detectedAt)
		w.LastSeenAt = fromMillis(lastSeenAt)
		if confirmedAt != nil {
			w.ConfirmedAt = fromMillis(*confirmedAt)
		}
		walls = append(walls, w)
	}
	return walls, rows.Err()
}

// CountOpenWalls returns the number of open walls for one market.
func (s *Store) CountOpenWalls(ctx context.Context, market types.Market) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orderbook_walls WHERE market = $1 AND gone_at IS NULL`,
		string(market),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count open walls: %w", err)
	}
	return n, nil
}
