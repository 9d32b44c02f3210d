// Package digest produces periodic activity summaries. A single 30-second
// task checks whether the current minute is a boundary of any enabled period
// aligned to the hour, gathers the window's stats from the store, and submits
// one digest alert per period.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"binance-monitor/internal/config"
	"binance-monitor/internal/store"
	"binance-monitor/pkg/types"
)

// Store supplies window aggregates and the per-period enable switches.
type Store interface {
	DigestWindow(ctx context.Context, market types.Market, from, to time.Time) (store.DigestStats, error)
	NotificationSettings(ctx context.Context) (map[string]bool, error)
}

const tick = 30 * time.Second

// Digest owns boundary bookkeeping. A boundary is served at most once even
// though two ticks usually land inside the same minute.
type Digest struct {
	cfg    config.DigestConfig
	store  Store
	alerts types.AlertSink
	logger *slog.Logger

	lastServed map[int]time.Time // period minutes -> boundary already emitted
}

func New(cfg config.DigestConfig, st Store, alerts types.AlertSink, logger *slog.Logger) *Digest {
	return &Digest{
		cfg:        cfg,
		store:      st,
		alerts:     alerts,
		logger:     logger.With("component", "digest"),
		lastServed: make(map[int]time.Time),
	}
}

// Run wakes on a fixed tick until ctx ends.
func (d *Digest) Run(ctx context.Context) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.check(ctx, time.Now())
		}
	}
}

// check serves every period whose boundary the current minute hits. Store
// failures leave the boundary unserved so the next tick inside the same
// minute can retry.
func (d *Digest) check(ctx context.Context, now time.Time) {
	boundary := now.Truncate(time.Minute)
	minute := boundary.UTC().Minute()

	var settings map[string]bool
	for _, p := range d.cfg.Periods {
		if p <= 0 || minute%p != 0 {
			continue
		}
		if served, ok := d.lastServed[p]; ok && served.Equal(boundary) {
			continue
		}

		if settings == nil {
			var err error
			if settings, err = d.store.NotificationSettings(ctx); err != nil {
				d.logger.Warn("settings lookup failed, assuming enabled", "error", err)
				settings = map[string]bool{}
			}
		}
		topic := types.TopicDigest(p)
		if enabled, ok := settings[topic]; ok && !enabled {
			d.lastServed[p] = boundary
			continue
		}

		if err := d.serve(ctx, p, boundary); err != nil {
			d.logger.Error("digest failed", "period_m", p, "error", err)
			continue
		}
		d.lastServed[p] = boundary
	}
}

func (d *Digest) serve(ctx context.Context, p int, boundary time.Time) error {
	from := boundary.Add(-time.Duration(p) * time.Minute)

	var stats []store.DigestStats
	for _, market := range []types.Market{types.Spot, types.Futures} {
		s, err := d.store.DigestWindow(ctx, market, from, boundary)
		if err != nil {
			return err
		}
		stats = append(stats, s)
	}

	d.alerts.Submit(types.NewAlert(
		types.AlertDigest,
		types.TopicDigest(p),
		fmt.Sprintf("digest:%d:%d", p, boundary.Unix()),
		render(p, from, boundary, stats),
	))
	d.logger.Debug("digest served", "period_m", p, "boundary", boundary.UTC().Format("15:04"))
	return nil
}

// render builds the Markdown summary. The liquidation line only appears for
// markets that can have them.
func render(p int, from, to time.Time, stats []store.DigestStats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 *%dm digest* %s–%s UTC\n",
		p, from.UTC().Format("15:04"), to.UTC().Format("15:04"))

	for _, s := range stats {
		sign := "+"
		if s.DeltaUSD < 0 {
			sign = "-"
		}
		delta := s.DeltaUSD
		if delta < 0 {
			delta = -delta
		}
		fmt.Fprintf(&sb, "\n*%s*: buys %s / sells %s (Δ %s%s), %d trades, %d large\n",
			strings.ToUpper(string(s.Market)),
			types.FormatUSD(s.BuyVolUSD), types.FormatUSD(s.SellVolUSD),
			sign, types.FormatUSD(delta), s.TradeCount, s.LargeTrades)
		if s.LiqCount > 0 {
			fmt.Fprintf(&sb, "liqs: %d (%s), ", s.LiqCount, types.FormatUSD(s.LiqUSD))
		}
		fmt.Fprintf(&sb, "walls open: %d\n", s.OpenWalls)
	}
	return strings.TrimRight(sb.String(), "\n")
}
