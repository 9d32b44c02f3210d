package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"binance-monitor/pkg/types"
)

// InsertBookMetrics writes a batch of minute book snapshots. A snapshot that
// already exists for (market, snap_time) is left untouched.
func (s *Store) InsertBookMetrics(ctx context.Context, metrics []types.BookMetrics) error {
	if len(metrics) == 0 {
		return nil
	}

	const query = `
		INSERT INTO ob_snapshots_1m (
			market, snap_time, mid, best_bid, best_ask,
			bid_depth_usd, ask_depth_usd, imbalance_1pct
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (market, snap_time) DO NOTHING`

	batch := &pgx.Batch{}
	for _, m := range metrics {
		batch.Queue(query,
			string(m.Market), millis(m.Time), m.Mid, m.BestBid, m.BestAsk,
			m.BidDepthUSD[:], m.AskDepthUSD[:], m.Imbalance1Pct,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range metrics {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("store: insert book metrics: %w", err)
		}
	}
	return nil
}
