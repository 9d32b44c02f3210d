// Package liq consumes futures forced orders. Every matching event is
// persisted; alerts fire above the notional threshold, with mega-sized
// events promoted to the shared mega topic. A SELL forced order means long
// positions were liquidated.
package liq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"binance-monitor/internal/config"
	"binance-monitor/pkg/types"
)

// Store persists liquidations.
type Store interface {
	InsertLiquidation(ctx context.Context, l types.Liquidation) error
}

// Filter screens forceOrder events down to the monitored symbol.
type Filter struct {
	cfg    config.LiquidationsConfig
	symbol string
	store  Store
	alerts types.AlertSink
	logger *slog.Logger

	seen atomic.Int64
}

func NewFilter(cfg config.LiquidationsConfig, symbol string, store Store, alerts types.AlertSink, logger *slog.Logger) *Filter {
	return &Filter{
		cfg:    cfg,
		symbol: symbol,
		store:  store,
		alerts: alerts,
		logger: logger.With("component", "liq"),
	}
}

// Process handles one raw forced order. The average fill price is preferred
// over the order's limit price when the exchange provides it.
func (f *Filter) Process(ctx context.Context, raw types.ForceOrder) {
	o := raw.Order
	if !strings.EqualFold(o.Symbol, f.symbol) {
		return
	}

	price, err := decimal.NewFromString(o.AvgPrice)
	if err != nil || price.IsZero() {
		if price, err = decimal.NewFromString(o.Price); err != nil {
			f.logger.Warn("bad liquidation price", "price", o.Price, "avg", o.AvgPrice)
			return
		}
	}
	qty, err := decimal.NewFromString(o.Quantity)
	if err != nil {
		f.logger.Warn("bad liquidation qty", "qty", o.Quantity)
		return
	}

	notional := price.Mul(qty).InexactFloat64()
	liq := types.Liquidation{
		Market:      types.Futures,
		Side:        types.Side(o.Side),
		Price:       price,
		Qty:         qty,
		NotionalUSD: notional,
		Time:        time.UnixMilli(o.TradeTime),
	}
	f.seen.Add(1)

	if err := f.store.InsertLiquidation(ctx, liq); err != nil {
		f.logger.Error("persist liquidation", "error", err)
	}

	if notional < f.cfg.AlertUSD {
		return
	}

	positions := "shorts"
	if liq.Side == types.SELL {
		positions = "longs"
	}

	kind := types.AlertLiquidation
	topic := types.TopicLiquidations
	emoji := "💥"
	label := "liquidation"
	if notional >= f.cfg.MegaUSD {
		kind = types.AlertMegaLiquidation
		topic = types.TopicMegaEvents
		emoji = "☠️"
		label = "MEGA liquidation"
	}

	f.alerts.Submit(types.NewAlert(
		kind,
		topic,
		fmt.Sprintf("liq:%d:%s", o.TradeTime, o.Side),
		fmt.Sprintf("%s *%s* %s rekt: %s BTC @ %s (%s)",
			emoji, label, positions, qty.String(), price.String(), types.FormatUSD(notional)),
	))
}

// Seen returns how many matching liquidations were processed.
func (f *Filter) Seen() int64 {
	return f.seen.Load()
}
