// Package walls tracks the lifecycle of detected order walls. The book
// rescans on every applied diff and emits Seen/Gone/Synced events; the
// tracker deduplicates them into lifecycles: first-seen persistence, the
// crossing alert with spoof warnings, gone alerts with age and reason,
// confirmation promotion, and reconciliation after re-anchors.
package walls

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-monitor/internal/config"
	"binance-monitor/pkg/types"
)

// Store is the wall persistence the tracker needs.
type Store interface {
	UpsertWall(ctx context.Context, w types.Wall) error
	CloseWall(ctx context.Context, key types.WallKey, detectedAt, goneAt time.Time, reason types.GoneReason) error
	ConfirmWall(ctx context.Context, key types.WallKey, detectedAt, confirmedAt time.Time) error
	OpenWalls(ctx context.Context) ([]types.Wall, error)
}

// spoofLogCap bounds remembered lifetimes per key.
const spoofLogCap = 8

type state struct {
	wall    types.Wall
	price   float64
	lastMid float64 // mid at the most recent sighting
	alerted bool    // crossing alert already fired this lifetime
}

// Tracker holds the wall registry. Store and sink I/O always happen outside
// the registry lock.
type Tracker struct {
	cfg    config.WallsConfig
	store  Store
	alerts types.AlertSink
	logger *slog.Logger

	mu       sync.Mutex
	registry map[types.WallKey]*state
	spoofLog map[types.WallKey][]time.Time // detection times per key, newest last
}

func NewTracker(cfg config.WallsConfig, store Store, alerts types.AlertSink, logger *slog.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		store:    store,
		alerts:   alerts,
		logger:   logger.With("component", "walls"),
		registry: make(map[types.WallKey]*state),
		spoofLog: make(map[types.WallKey][]time.Time),
	}
}

// Reload restores open walls from the store so detection ages and
// confirmations survive restarts. Walls already above the alert threshold
// are marked alerted; their crossing fired in a previous process life.
func (t *Tracker) Reload(ctx context.Context) error {
	open, err := t.store.OpenWalls(ctx)
	if err != nil {
		return fmt.Errorf("walls: reload: %w", err)
	}

	t.mu.Lock()
	for _, w := range open {
		price, err := strconv.ParseFloat(w.Price, 64)
		if err != nil {
			t.logger.Warn("skipping wall with unparseable price", "price", w.Price)
			continue
		}
		t.registry[w.Key()] = &state{
			wall:    w,
			price:   price,
			alerted: w.NotionalUSD >= t.cfg.AlertUSD,
		}
	}
	count := len(t.registry)
	t.mu.Unlock()

	t.logger.Info("open walls reloaded", "count", count)
	return nil
}

// Apply consumes one batch of wall events from the given market's book.
func (t *Tracker) Apply(ctx context.Context, market types.Market, events []types.WallEvent) {
	for _, ev := range events {
		switch ev.Type {
		case types.WallSeen:
			t.seen(ctx, ev)
		case types.WallGone:
			t.gone(ctx, ev.Key, ev.Reason, ev.Time)
		case types.WallSynced:
			t.synced(ctx, market, ev)
		}
	}
}

func (t *Tracker) seen(ctx context.Context, ev types.WallEvent) {
	t.mu.Lock()
	st, known := t.registry[ev.Key]
	persist := false
	if !known {
		price, err := strconv.ParseFloat(ev.Key.Price, 64)
		if err != nil {
			t.mu.Unlock()
			t.logger.Warn("unparseable wall price", "key", ev.Key.String())
			return
		}
		st = &state{
			wall: types.Wall{
				Market:      ev.Key.Market,
				Side:        ev.Key.Side,
				Price:       ev.Key.Price,
				Qty:         ev.Qty,
				NotionalUSD: ev.NotionalUSD,
				DetectedAt:  ev.Time,
				LastSeenAt:  ev.Time,
			},
			price: price,
		}
		t.registry[ev.Key] = st
		t.appendSpoofLocked(ev.Key, ev.Time)
		persist = true
	} else {
		persist = !st.wall.Qty.Equal(ev.Qty)
		st.wall.Qty = ev.Qty
		st.wall.NotionalUSD = ev.NotionalUSD
		st.wall.LastSeenAt = ev.Time
	}
	st.lastMid = ev.Mid

	var alert *types.AlertRequest
	if !st.alerted && ev.NotionalUSD >= t.cfg.AlertUSD {
		st.alerted = true
		a := t.renderCrossing(st, ev, t.spoofCountLocked(ev.Key, ev.Time))
		alert = &a
	}
	wall := st.wall
	t.mu.Unlock()

	if persist {
		if err := t.store.UpsertWall(ctx, wall); err != nil {
			t.logger.Error("persist wall", "key", ev.Key.String(), "error", err)
		}
	}
	if alert != nil {
		t.alerts.Submit(*alert)
	}
}

// renderCrossing builds the wall_new alert. Called with the lock held; pure.
func (t *Tracker) renderCrossing(st *state, ev types.WallEvent, flashes int) types.AlertRequest {
	dist := types.DistancePct(st.price, ev.Mid)
	text := fmt.Sprintf("🧱 *%s %s wall* `%s` qty %s (%s) %+.2f%% from mid",
		strings.ToUpper(string(ev.Key.Market)), ev.Key.Side, ev.Key.Price,
		st.wall.Qty.String(), types.FormatUSD(ev.NotionalUSD), dist)
	if flashes >= 2 {
		text += fmt.Sprintf("\n⚠️ possible spoof: %d recent appearances at this level", flashes)
	}
	return types.NewAlert(
		types.AlertWallNew,
		types.TopicWalls(ev.Key.Market, ev.Key.Side),
		"wall_new:"+ev.Key.String(),
		text,
	)
}

func (t *Tracker) gone(ctx context.Context, key types.WallKey, reason types.GoneReason, at time.Time) {
	t.mu.Lock()
	st, ok := t.registry[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	// Age must be taken before the registry forgets the wall.
	age := at.Sub(st.wall.DetectedAt)
	delete(t.registry, key)
	wall := st.wall
	t.mu.Unlock()

	if err := t.store.CloseWall(ctx, key, wall.DetectedAt, at, reason); err != nil {
		t.logger.Error("close wall", "key", key.String(), "error", err)
	}

	if wall.NotionalUSD >= t.cfg.CancelAlertUSD {
		t.alerts.Submit(types.NewAlert(
			types.AlertWallGone,
			types.TopicWalls(key.Market, key.Side),
			"wall_gone:"+key.String(),
			fmt.Sprintf("💨 *%s %s wall gone* `%s` %s, %s, lived %s",
				strings.ToUpper(string(key.Market)), key.Side, key.Price,
				types.FormatUSD(wall.NotionalUSD), reason, age.Round(time.Second)),
		))
	}
	if wall.Confirmed {
		t.alerts.Submit(types.NewAlert(
			types.AlertConfirmedWallGone,
			types.TopicConfirmedWalls(key.Market),
			"confirmed_gone:"+key.String(),
			fmt.Sprintf("🚨 *confirmed %s %s wall gone* `%s` %s, %s, lived %s",
				strings.ToUpper(string(key.Market)), key.Side, key.Price,
				types.FormatUSD(wall.NotionalUSD), reason, age.Round(time.Second)),
		))
	}
}

// synced reconciles the registry against the full wall set of a freshly
// anchored book: entries the snapshot no longer shows are closed as
// cancelled. Only the given market's entries are considered.
func (t *Tracker) synced(ctx context.Context, market types.Market, ev types.WallEvent) {
	present := make(map[types.WallKey]struct{}, len(ev.Present))
	for _, k := range ev.Present {
		present[k] = struct{}{}
	}

	t.mu.Lock()
	var stale []types.WallKey
	for key := range t.registry {
		if key.Market != market {
			continue
		}
		if _, ok := present[key]; !ok {
			stale = append(stale, key)
		}
	}
	t.mu.Unlock()

	for _, key := range stale {
		t.gone(ctx, key, types.GoneCancelled, ev.Time)
	}
}

// RunConfirmations promotes qualifying walls on a fixed tick until ctx ends.
func (t *Tracker) RunConfirmations(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.ConfirmCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkConfirmations(ctx, time.Now())
		}
	}
}

type promotion struct {
	wall types.Wall
	dist float64
}

// checkConfirmations scans for walls that qualify: big enough, close enough
// to mid, and old enough. Promotion is monotonic until the wall goes away.
func (t *Tracker) checkConfirmations(ctx context.Context, now time.Time) {
	t.mu.Lock()
	var promoted []promotion
	for _, st := range t.registry {
		if st.wall.Confirmed || st.lastMid == 0 {
			continue
		}
		if st.wall.NotionalUSD < t.cfg.ConfirmThresholdUSD {
			continue
		}
		dist := types.DistancePct(st.price, st.lastMid)
		if math.Abs(dist) > t.cfg.ConfirmMaxDistancePct {
			continue
		}
		if now.Sub(st.wall.DetectedAt) < t.cfg.ConfirmDelay {
			continue
		}
		st.wall.Confirmed = true
		st.wall.ConfirmedAt = now
		promoted = append(promoted, promotion{wall: st.wall, dist: dist})
	}
	t.mu.Unlock()

	for _, p := range promoted {
		key := p.wall.Key()
		if err := t.store.ConfirmWall(ctx, key, p.wall.DetectedAt, p.wall.ConfirmedAt); err != nil {
			t.logger.Error("confirm wall", "key", key.String(), "error", err)
		}
		age := p.wall.ConfirmedAt.Sub(p.wall.DetectedAt)
		t.alerts.Submit(types.NewAlert(
			types.AlertConfirmedWall,
			types.TopicConfirmedWalls(key.Market),
			"confirmed:"+key.String(),
			fmt.Sprintf("🏛 *confirmed %s %s wall* `%s` %s at %+.2f%%, held %s",
				strings.ToUpper(string(key.Market)), key.Side, key.Price,
				types.FormatUSD(p.wall.NotionalUSD), p.dist, age.Round(time.Second)),
		))
	}
}

// Counts reports open and confirmed walls for one market.
func (t *Tracker) Counts(market types.Market) (active, confirmed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, st := range t.registry {
		if key.Market != market {
			continue
		}
		active++
		if st.wall.Confirmed {
			confirmed++
		}
	}
	return active, confirmed
}

// appendSpoofLocked records a fresh detection, trimming entries outside the
// window and capping per-key history.
func (t *Tracker) appendSpoofLocked(key types.WallKey, at time.Time) {
	entries := trimSpoof(append(t.spoofLog[key], at), at.Add(-t.cfg.SpoofWindow))
	if len(entries) > spoofLogCap {
		entries = entries[len(entries)-spoofLogCap:]
	}
	t.spoofLog[key] = entries
}

// spoofCountLocked returns how many detections of the key fall within the
// window, the current lifetime included, evicting stale entries as a side
// effect.
func (t *Tracker) spoofCountLocked(key types.WallKey, now time.Time) int {
	entries := trimSpoof(t.spoofLog[key], now.Add(-t.cfg.SpoofWindow))
	if len(entries) == 0 {
		delete(t.spoofLog, key)
	} else {
		t.spoofLog[key] = entries
	}
	return len(entries)
}

// trimSpoof drops entries at or before the cutoff. Entries are appended in
// time order, so the first survivor marks the suffix to keep.
func trimSpoof(entries []time.Time, cutoff time.Time) []time.Time {
	idx := -1
	for i, ts := range entries {
		if ts.After(cutoff) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}
	return entries[idx:]
}
