package store

import (
	"context"
	"fmt"

	"binance-monitor/pkg/types"
)

// InsertLiquidation persists a forced order. The unique constraint swallows
// replays of the same event after a reconnect.
func (s *Store) InsertLiquidation(ctx context.Context, l types.Liquidation) error {
	const query = `
		INSERT INTO liquidations (market, side, price, qty, notional_usd, trade_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market, trade_time, side, price, qty) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		string(l.Market), string(l.Side),
		l.Price.String(), l.Qty.String(), l.NotionalUSD, millis(l.Time),
	)
	if err != nil {
		return fmt.Errorf("store: insert liquidation: %w", err)
	}
	return nil
}
