// Package trades turns the raw aggTrade firehose into minute aggregates,
// running CVD per market, large/mega trade alerts and the CVD spike signal.
package trades

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"binance-monitor/internal/config"
	"binance-monitor/pkg/types"
)

// Store is the persistence slice the aggregator needs.
type Store interface {
	InsertLargeTrade(ctx context.Context, t types.Trade) error
	UpsertBuckets(ctx context.Context, buckets []types.MinuteBucket) error
	SumDeltaSince(ctx context.Context, market types.Market, sinceEpoch int64) (float64, error)
}

type cvdSample struct {
	at  time.Time
	cvd float64
}

type marketState struct {
	buckets map[int64]*types.MinuteBucket // keyed by minute epoch seconds
	cvd     float64
	samples []cvdSample // flush-time CVD history for the spike window
}

// Aggregator consumes classified trades. Process is called from the dispatch
// loop; Flush from the flusher goroutine. CVD is the lifetime sum of
// delta_usd, seeded from persisted buckets at startup.
type Aggregator struct {
	cfg    config.TradesConfig
	store  Store
	alerts types.AlertSink
	logger *slog.Logger

	mu      sync.Mutex
	markets map[types.Market]*marketState

	processed atomic.Int64
	large     atomic.Int64
}

func NewAggregator(cfg config.TradesConfig, store Store, alerts types.AlertSink, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		store:  store,
		alerts: alerts,
		logger: logger.With("component", "trades"),
		markets: map[types.Market]*marketState{
			types.Spot:    {buckets: make(map[int64]*types.MinuteBucket)},
			types.Futures: {buckets: make(map[int64]*types.MinuteBucket)},
		},
	}
}

// Rehydrate seeds each market's CVD from persisted buckets. Zero lookback
// means since UTC midnight, matching the daily reading traders expect.
func (a *Aggregator) Rehydrate(ctx context.Context, now time.Time) error {
	since := now.Add(-a.cfg.CVDLookback)
	if a.cfg.CVDLookback == 0 {
		y, m, d := now.UTC().Date()
		since = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	for market, st := range a.markets {
		sum, err := a.store.SumDeltaSince(ctx, market, since.Unix())
		if err != nil {
			return fmt.Errorf("trades: rehydrate %s: %w", market, err)
		}
		a.mu.Lock()
		st.cvd = sum
		a.mu.Unlock()
		a.logger.Info("cvd rehydrated", "market", market, "since", since.Format(time.RFC3339), "cvd_usd", sum)
	}
	return nil
}

// Process classifies one raw trade and folds it into the minute bucket.
// The taker sold when the buyer was the maker.
func (a *Aggregator) Process(ctx context.Context, market types.Market, raw types.AggTrade) {
	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		a.logger.Warn("bad trade price", "market", market, "price", raw.Price)
		return
	}
	qty, err := decimal.NewFromString(raw.Quantity)
	if err != nil {
		a.logger.Warn("bad trade qty", "market", market, "qty", raw.Quantity)
		return
	}

	side := types.BUY
	if raw.IsBuyerMaker {
		side = types.SELL
	}
	notional := price.Mul(qty).InexactFloat64()
	trade := types.Trade{
		Market:      market,
		Side:        side,
		Price:       price,
		Qty:         qty,
		NotionalUSD: notional,
		AggID:       raw.AggTradeID,
		Time:        time.UnixMilli(raw.TradeTime),
	}
	a.processed.Add(1)

	a.mu.Lock()
	st := a.markets[market]
	minute := raw.TradeTime / 1000 / 60 * 60
	b, ok := st.buckets[minute]
	if !ok {
		b = &types.MinuteBucket{Market: market, MinuteEpoch: minute}
		st.buckets[minute] = b
	}
	delta := notional
	if side == types.BUY {
		b.BuyVolUSD += notional
	} else {
		b.SellVolUSD += notional
		delta = -notional
	}
	b.DeltaUSD = b.BuyVolUSD - b.SellVolUSD
	b.VWAPNum += price.InexactFloat64() * qty.InexactFloat64()
	b.VWAPDen += qty.InexactFloat64()
	b.TradeCount++
	st.cvd += delta
	b.CVDUSD = st.cvd
	a.mu.Unlock()

	if notional >= a.largeThreshold(market) {
		a.large.Add(1)
		a.handleLarge(ctx, trade)
	}
}

func (a *Aggregator) largeThreshold(market types.Market) float64 {
	if market == types.Spot {
		return a.cfg.LargeSpotUSD
	}
	return a.cfg.LargeFuturesUSD
}

// handleLarge persists the trade and emits the alert. A mega-sized trade is
// promoted: one alert with the mega kind on the mega topic, not two.
func (a *Aggregator) handleLarge(ctx context.Context, trade types.Trade) {
	if err := a.store.InsertLargeTrade(ctx, trade); err != nil {
		a.logger.Error("persist large trade", "agg_id", trade.AggID, "error", err)
	}

	verb := "buy"
	emoji := "🟢"
	if trade.Side == types.SELL {
		verb = "sell"
		emoji = "🔴"
	}

	kind := types.AlertLargeTrade
	topic := types.TopicLargeTrades(trade.Market)
	label := "large"
	if trade.NotionalUSD >= a.cfg.MegaUSD {
		kind = types.AlertMegaTrade
		topic = types.TopicMegaEvents
		label = "MEGA"
		emoji = "🐋"
	}

	a.alerts.Submit(types.NewAlert(
		kind,
		topic,
		fmt.Sprintf("trade:%s:%d", trade.Market, trade.AggID),
		fmt.Sprintf("%s *%s %s %s* %s BTC @ %s (%s)",
			emoji, strings.ToUpper(string(trade.Market)), label, verb,
			trade.Qty.String(), trade.Price.String(), types.FormatUSD(trade.NotionalUSD)),
	))
}

// Flush upserts every open bucket, closes minutes that have passed, and runs
// the spike check against the flush-time CVD history.
func (a *Aggregator) Flush(ctx context.Context, now time.Time) {
	currentMinute := now.Unix() / 60 * 60

	a.mu.Lock()
	var batch []types.MinuteBucket
	var spikes []types.AlertRequest
	for market, st := range a.markets {
		for minute, b := range st.buckets {
			batch = append(batch, *b)
			if minute < currentMinute {
				delete(st.buckets, minute)
			}
		}
		if alert := a.spikeCheckLocked(st, market, now); alert != nil {
			spikes = append(spikes, *alert)
		}
	}
	a.mu.Unlock()

	if len(batch) > 0 {
		if err := a.store.UpsertBuckets(ctx, batch); err != nil {
			a.logger.Error("flush buckets", "count", len(batch), "error", err)
		} else {
			a.logger.Debug("buckets flushed", "count", len(batch))
		}
	}
	for _, alert := range spikes {
		a.alerts.Submit(alert)
	}
}

// spikeCheckLocked samples the current CVD and compares it against the
// newest sample at or beyond the window edge. No baseline yet means the
// process has not observed a full window.
func (a *Aggregator) spikeCheckLocked(st *marketState, market types.Market, now time.Time) *types.AlertRequest {
	st.samples = append(st.samples, cvdSample{at: now, cvd: st.cvd})

	cutoff := now.Add(-a.cfg.CVDSpikeWindow)
	baseIdx := -1
	for i := range st.samples {
		if st.samples[i].at.After(cutoff) {
			break
		}
		baseIdx = i
	}
	if baseIdx == -1 {
		return nil
	}
	st.samples = st.samples[baseIdx:]

	diff := st.cvd - st.samples[0].cvd
	if math.Abs(diff) < a.cfg.CVDSpikeUSD {
		return nil
	}

	emoji, sign := "📈", "+"
	if diff < 0 {
		emoji, sign = "📉", "-"
	}
	alert := types.NewAlert(
		types.AlertCVDSpike,
		types.TopicSignals,
		fmt.Sprintf("cvd_spike:%s", market),
		fmt.Sprintf("%s *%s CVD spike* %s%s in %s (CVD %s)",
			emoji, strings.ToUpper(string(market)),
			sign, types.FormatUSD(math.Abs(diff)), a.cfg.CVDSpikeWindow, types.FormatUSD(st.cvd)),
	)
	return &alert
}

// RunFlusher flushes on the configured interval and once more at shutdown so
// the tail minutes are not lost.
func (a *Aggregator) RunFlusher(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.Flush(flushCtx, time.Now())
			cancel()
			return
		case <-ticker.C:
			a.Flush(ctx, time.Now())
		}
	}
}

// CVD returns the current cumulative volume delta for one market.
func (a *Aggregator) CVD(market types.Market) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markets[market].cvd
}

// Processed returns the number of trades consumed since start.
func (a *Aggregator) Processed() int64 {
	return a.processed.Load()
}

// LargeCount returns how many large or mega trades were detected.
func (a *Aggregator) LargeCount() int64 {
	return a.large.Load()
}
