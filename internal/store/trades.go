package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"binance-monitor/pkg/types"
)

// InsertLargeTrade persists a large trade. Duplicate aggregate IDs (replays
// after a reconnect) are dropped by the primary key.
func (s *Store) InsertLargeTrade(ctx context.Context, t types.Trade) error {
	const query = `
		INSERT INTO large_trades (market, agg_id, side, price, qty, notional_usd, trade_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market, agg_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		string(t.Market), t.AggID, string(t.Side),
		t.Price.String(), t.Qty.String(), t.NotionalUSD, millis(t.Time),
	)
	if err != nil {
		return fmt.Errorf("store: insert large trade %d: %w", t.AggID, err)
	}
	return nil
}

// UpsertBuckets writes a batch of minute aggregates. Re-flushing a minute
// replaces its row, so a flush after partial failure is safe to repeat.
func (s *Store) UpsertBuckets(ctx context.Context, buckets []types.MinuteBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	const query = `
		INSERT INTO trade_aggregates_1m (
			market, minute_epoch, buy_vol_usd, sell_vol_usd, delta_usd,
			vwap_num, vwap_den, trade_count, cvd_usd
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (market, minute_epoch) DO UPDATE SET
			buy_vol_usd  = EXCLUDED.buy_vol_usd,
			sell_vol_usd = EXCLUDED.sell_vol_usd,
			delta_usd    = EXCLUDED.delta_usd,
			vwap_num     = EXCLUDED.vwap_num,
			vwap_den     = EXCLUDED.vwap_den,
			trade_count  = EXCLUDED.trade_count,
			cvd_usd      = EXCLUDED.cvd_usd`

	batch := &pgx.Batch{}
	for _, b := range buckets {
		batch.Queue(query,
			string(b.Market), b.MinuteEpoch, b.BuyVolUSD, b.SellVolUSD,
			b.DeltaUSD, b.VWAPNum, b.VWAPDen, b.TradeCount, b.CVDUSD,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range buckets {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("store: upsert buckets: %w", err)
		}
	}
	return nil
}

// SumDeltaSince returns the summed taker delta for minutes at or after the
// given epoch second. Rehydrates the CVD counter at startup.
func (s *Store) SumDeltaSince(ctx context.Context, market types.Market, sinceEpoch int64) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta_usd), 0)
		 FROM trade_aggregates_1m
		 WHERE market = $1 AND minute_epoch >= $2`,
		string(market), sinceEpoch,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("store: sum delta since %d: %w", sinceEpoch, err)
	}
	return sum, nil
}

// DigestStats is one market's activity over a digest window.
type DigestStats struct {
	Market      types.Market
	BuyVolUSD   float64
	SellVolUSD  float64
	DeltaUSD    float64
	TradeCount  int64
	LargeTrades int64
	LiqCount    int64
	LiqUSD      float64
	OpenWalls   int64
}

// DigestWindow gathers per-market stats between from (inclusive) and to
// (exclusive). Minute aggregates are keyed by epoch second; trades and
// liquidations by epoch millisecond.
func (s *Store) DigestWindow(ctx context.Context, market types.Market, from, to time.Time) (DigestStats, error) {
	stats := DigestStats{Market: market}

	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(buy_vol_usd), 0), COALESCE(SUM(sell_vol_usd), 0),
		        COALESCE(SUM(delta_usd), 0), COALESCE(SUM(trade_count), 0)
		 FROM trade_aggregates_1m
		 WHERE market = $1 AND minute_epoch >= $2 AND minute_epoch < $3`,
		string(market), from.Unix(), to.Unix(),
	).Scan(&stats.BuyVolUSD, &stats.SellVolUSD, &stats.DeltaUSD, &stats.TradeCount)
	if err != nil {
		return stats, fmt.Errorf("store: digest aggregates: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM large_trades
		 WHERE market = $1 AND trade_time >= $2 AND trade_time < $3`,
		string(market), millis(from), millis(to),
	).Scan(&stats.LargeTrades)
	if err != nil {
		return stats, fmt.Errorf("store: digest large trades: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(notional_usd), 0) FROM liquidations
		 WHERE market = $1 AND trade_time >= $2 AND trade_time < $3`,
		string(market), millis(from), millis(to),
	).Scan(&stats.LiqCount, &stats.LiqUSD)
	if err != nil {
		return stats, fmt.Errorf("store: digest liquidations: %w", err)
	}

	if stats.OpenWalls, err = s.CountOpenWalls(ctx, market); err != nil {
		return stats, err
	}
	return stats, nil
}
