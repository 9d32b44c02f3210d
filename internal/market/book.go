// Package market provides sequenced local order books and their REST
// anchoring.
//
// Book mirrors the Binance depth book for one venue (spot or futures).
// It is updated from two sources:
//   - REST depth snapshots via ApplySnapshot (anchoring and recovery)
//   - WebSocket diff events via ApplyDiff (@depth@100ms)
//
// The venues sequence their diff streams differently. Spot: the first diff
// after an anchor must satisfy U <= lastUpdateId+1 <= u, and every later
// diff must have U equal to the previous u plus one. Futures: the first diff
// must satisfy U <= lastUpdateId <= u, and every later diff must have pu
// equal to the previous u. Any violation discards the ladder; the book
// buffers incoming diffs until the Coordinator re-anchors it.
//
// After every applied batch the book scans for walls (levels whose notional
// meets the configured threshold within the prune boundary) and reports
// transitions as WallEvents.
package market

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-monitor/pkg/types"
)

// maxPending bounds the diff buffer while a book is not ready. The oldest
// diff is dropped on overflow; replay then fails the first-diff rule and the
// coordinator fetches a fresh snapshot.
const maxPending = 10_000

// ErrSequencing reports a diff that cannot extend the current anchor.
// The ladder is discarded; the book must be re-anchored from REST.
var ErrSequencing = errors.New("depth sequencing violation")

// level is one resting price level. Price and notional are precomputed at
// insert time so wall scans and metrics do not re-parse strings.
type level struct {
	qty      decimal.Decimal
	price    float64
	notional float64 // price × qty in USD
}

// Level is the exported read-only view of a price level.
type Level struct {
	Price string
	Qty   decimal.Decimal
}

// Book maintains a sequenced local mirror of one depth book.
// All methods are safe for concurrent use. Mutations never perform I/O.
type Book struct {
	mu     sync.RWMutex
	market types.Market

	bids map[string]level
	asks map[string]level

	lastUpdateID int64
	ready        bool
	firstDiff    bool // next applied diff is the first after an anchor

	pending        []types.DepthUpdate // diffs buffered while not ready
	droppedPending int64

	walls map[types.WallKey]decimal.Decimal // qualifying levels at last scan

	wallThresholdUSD float64
	pruneDistancePct float64 // percent of mid; levels beyond are pruned, never walls

	desyncs       int64
	notReadySince time.Time
}

// NewBook creates an order book for one market. The book starts not ready:
// diffs are buffered until the first snapshot is applied.
func NewBook(market types.Market, wallThresholdUSD, pruneDistancePct float64) *Book {
	return &Book{
		market:           market,
		bids:             make(map[string]level),
		asks:             make(map[string]level),
		walls:            make(map[types.WallKey]decimal.Decimal),
		wallThresholdUSD: wallThresholdUSD,
		pruneDistancePct: pruneDistancePct,
		notReadySince:    time.Now(),
	}
}

// ApplyDiff processes one diff event. While the book is not ready the diff
// is buffered. A sequencing violation discards the ladder and returns
// ErrSequencing; the caller re-anchors via the coordinator. On success the
// returned events describe wall transitions caused by this batch.
func (b *Book) ApplyDiff(u types.DepthUpdate) ([]types.WallEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		b.bufferLocked(u)
		return nil, nil
	}

	applied, err := b.stepLocked(u)
	if err != nil {
		b.invalidateLocked()
		b.desyncs++
		// The violating diff is still future data relative to the next
		// snapshot; keep it for replay.
		b.bufferLocked(u)
		return nil, err
	}
	if !applied {
		return nil, nil
	}
	if len(u.Bids) == 0 && len(u.Asks) == 0 {
		// Empty diffs advance the anchor only; nothing can have changed.
		return nil, nil
	}
	return b.scanWallsLocked(time.Now()), nil
}

// Invalidate discards the ladder and marks the book not ready. It MUST be
// called before every REST snapshot fetch so that no diff is ever applied to
// a ladder older than the snapshot that follows. Buffered diffs are kept;
// replay filters them by update ID.
func (b *Book) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidateLocked()
}

func (b *Book) invalidateLocked() {
	if b.ready {
		b.notReadySince = time.Now()
	}
	b.ready = false
	b.bids = make(map[string]level)
	b.asks = make(map[string]level)
	b.walls = make(map[types.WallKey]decimal.Decimal)
}

// ApplySnapshot installs a REST snapshot as the new anchor and replays the
// buffered diffs against it. On a replay sequencing violation the book stays
// not ready and keeps buffering. On success the returned events hold the
// full wall scan plus a Synced event carrying every currently qualifying
// key, which lets the tracker reconcile state across the gap.
func (b *Book) ApplySnapshot(snap types.DepthSnapshot) ([]types.WallEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]level, len(snap.Bids))
	b.asks = make(map[string]level, len(snap.Asks))
	for _, lv := range snap.Bids {
		b.setLevelLocked(b.bids, lv)
	}
	for _, lv := range snap.Asks {
		b.setLevelLocked(b.asks, lv)
	}
	b.lastUpdateID = snap.LastUpdateID
	b.firstDiff = true
	b.walls = make(map[types.WallKey]decimal.Decimal)

	pending := b.pending
	b.pending = nil
	for i, d := range pending {
		if _, err := b.stepLocked(d); err != nil {
			b.invalidateLocked()
			b.desyncs++
			// Unconsumed diffs remain future data for the next anchor.
			b.pending = append(b.pending, pending[i:]...)
			return nil, fmt.Errorf("replay buffered diff: %w", err)
		}
	}

	b.ready = true
	now := time.Now()
	events := b.scanWallsLocked(now)
	events = append(events, types.WallEvent{
		Type:    types.WallSynced,
		Mid:     b.midLocked(),
		Present: b.wallKeysLocked(),
		Time:    now,
	})
	return events, nil
}

// stepLocked validates sequencing and applies one diff's levels. It reports
// whether the diff was applied (false for already-covered diffs).
func (b *Book) stepLocked(u types.DepthUpdate) (bool, error) {
	if u.FinalUpdateID <= b.lastUpdateID {
		return false, nil
	}

	if b.firstDiff {
		ok := false
		switch b.market {
		case types.Spot:
			ok = u.FirstUpdateID <= b.lastUpdateID+1 && b.lastUpdateID+1 <= u.FinalUpdateID
		case types.Futures:
			ok = u.FirstUpdateID <= b.lastUpdateID && b.lastUpdateID <= u.FinalUpdateID
		}
		if !ok {
			return false, fmt.Errorf("%s first diff U=%d u=%d anchor=%d: %w",
				b.market, u.FirstUpdateID, u.FinalUpdateID, b.lastUpdateID, ErrSequencing)
		}
		b.firstDiff = false
	} else {
		switch b.market {
		case types.Spot:
			if u.FirstUpdateID != b.lastUpdateID+1 {
				return false, fmt.Errorf("%s diff U=%d after u=%d: %w",
					b.market, u.FirstUpdateID, b.lastUpdateID, ErrSequencing)
			}
		case types.Futures:
			if u.PrevFinalID != b.lastUpdateID {
				return false, fmt.Errorf("%s diff pu=%d after u=%d: %w",
					b.market, u.PrevFinalID, b.lastUpdateID, ErrSequencing)
			}
		}
	}

	for _, lv := range u.Bids {
		b.setLevelLocked(b.bids, lv)
	}
	for _, lv := range u.Asks {
		b.setLevelLocked(b.asks, lv)
	}
	b.lastUpdateID = u.FinalUpdateID
	return true, nil
}

// setLevelLocked upserts or deletes one [price, qty] pair. Malformed pairs
// are skipped.
func (b *Book) setLevelLocked(side map[string]level, lv []string) {
	if len(lv) < 2 {
		return
	}
	priceStr := lv[0]
	qty, err := decimal.NewFromString(lv[1])
	if err != nil {
		return
	}
	if qty.IsZero() {
		delete(side, priceStr)
		return
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return
	}
	side[priceStr] = level{
		qty:      qty,
		price:    price.InexactFloat64(),
		notional: price.Mul(qty).InexactFloat64(),
	}
}

func (b *Book) bufferLocked(u types.DepthUpdate) {
	if len(b.pending) >= maxPending {
		copy(b.pending, b.pending[1:])
		b.pending[len(b.pending)-1] = u
		b.droppedPending++
		return
	}
	b.pending = append(b.pending, u)
}

// scanWallsLocked finds every level qualifying as a wall, emits Seen for each
// and Gone for previously qualifying levels that stopped. With an empty side
// there is no mid and the scan is skipped entirely.
func (b *Book) scanWallsLocked(now time.Time) []types.WallEvent {
	mid := b.midLocked()
	if mid == 0 {
		return nil
	}
	maxDist := mid * b.pruneDistancePct / 100

	var events []types.WallEvent
	cur := make(map[types.WallKey]decimal.Decimal)

	scanSide := func(side types.BookSide, ladder map[string]level) {
		for priceStr, lv := range ladder {
			if lv.notional < b.wallThresholdUSD || math.Abs(lv.price-mid) > maxDist {
				continue
			}
			key := types.WallKey{Market: b.market, Side: side, Price: priceStr}
			cur[key] = lv.qty
			events = append(events, types.WallEvent{
				Type:        types.WallSeen,
				Key:         key,
				Qty:         lv.qty,
				NotionalUSD: lv.notional,
				Mid:         mid,
				Time:        now,
			})
		}
	}
	scanSide(types.Bid, b.bids)
	scanSide(types.Ask, b.asks)

	for key, prevQty := range b.walls {
		if _, still := cur[key]; still {
			continue
		}
		ladder := b.bids
		if key.Side == types.Ask {
			ladder = b.asks
		}
		curQty := decimal.Zero
		var notional float64
		if lv, ok := ladder[key.Price]; ok {
			curQty = lv.qty
			notional = lv.notional
		}
		events = append(events, types.WallEvent{
			Type:        types.WallGone,
			Key:         key,
			Qty:         curQty,
			PrevQty:     prevQty,
			NotionalUSD: notional,
			Mid:         mid,
			Reason:      classifyGone(curQty, prevQty),
			Time:        now,
		})
	}

	b.walls = cur
	return events
}

// classifyGone maps the quantity change of a disqualified level to a reason.
// Zero quantity reads as a fill, a reduction as a partial fill, and an
// unchanged quantity as a cancellation (the level was disqualified by
// distance or threshold as mid moved). The mapping is a heuristic: the diff
// stream does not distinguish fills from cancels.
func classifyGone(curQty, prevQty decimal.Decimal) types.GoneReason {
	switch {
	case curQty.IsZero():
		return types.GoneFilled
	case curQty.LessThan(prevQty):
		return types.GonePartial
	default:
		return types.GoneCancelled
	}
}

// Prune removes levels farther than the prune boundary from mid. It runs a
// wall scan first so any wall disqualified by the same boundary reports Gone
// before its level disappears from the ladder.
func (b *Book) Prune() []types.WallEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return nil
	}
	events := b.scanWallsLocked(time.Now())

	mid := b.midLocked()
	if mid == 0 {
		return events
	}
	maxDist := mid * b.pruneDistancePct / 100
	for priceStr, lv := range b.bids {
		if math.Abs(lv.price-mid) > maxDist {
			delete(b.bids, priceStr)
		}
	}
	for priceStr, lv := range b.asks {
		if math.Abs(lv.price-mid) > maxDist {
			delete(b.asks, priceStr)
		}
	}
	return events
}

// midLocked returns (bestBid+bestAsk)/2, or 0 when either side is empty.
func (b *Book) midLocked() float64 {
	bid, ask, ok := b.bestLocked()
	if !ok {
		return 0
	}
	return (bid + ask) / 2
}

func (b *Book) bestLocked() (bestBid, bestAsk float64, ok bool) {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, 0, false
	}
	for _, lv := range b.bids {
		if lv.price > bestBid {
			bestBid = lv.price
		}
	}
	bestAsk = math.MaxFloat64
	for _, lv := range b.asks {
		if lv.price < bestAsk {
			bestAsk = lv.price
		}
	}
	return bestBid, bestAsk, true
}

func (b *Book) wallKeysLocked() []types.WallKey {
	keys := make([]types.WallKey, 0, len(b.walls))
	for k := range b.walls {
		keys = append(keys, k)
	}
	return keys
}

// Market returns the venue this book mirrors.
func (b *Book) Market() types.Market {
	return b.market
}

// Ready reports whether the book is anchored and in sync.
func (b *Book) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// NotReadySince returns when the book last lost readiness. Zero duration
// means the book is ready.
func (b *Book) NotReadySince() (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ready {
		return time.Time{}, false
	}
	return b.notReadySince, true
}

// Desyncs returns the number of sequencing violations observed. The
// coordinator polls this to trigger re-anchoring.
func (b *Book) Desyncs() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.desyncs
}

// LastUpdateID returns the current anchor.
func (b *Book) LastUpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// MidPrice returns the current mid, or false when the book is not ready or
// one side is empty.
func (b *Book) MidPrice() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.ready {
		return 0, false
	}
	mid := b.midLocked()
	return mid, mid != 0
}

// TopLevels returns up to n best levels of one side, best first.
func (b *Book) TopLevels(side types.BookSide, n int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ladder := b.bids
	if side == types.Ask {
		ladder = b.asks
	}
	out := make([]Level, 0, len(ladder))
	for priceStr, lv := range ladder {
		out = append(out, Level{Price: priceStr, Qty: lv.qty})
	}
	sort.Slice(out, func(i, j int) bool {
		pi, _ := decimal.NewFromString(out[i].Price)
		pj, _ := decimal.NewFromString(out[j].Price)
		if side == types.Bid {
			return pi.GreaterThan(pj)
		}
		return pi.LessThan(pj)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Metrics computes the per-band cumulative depth and the ±1% imbalance.
// Returns false when the book is not ready or has an empty side.
func (b *Book) Metrics() (types.BookMetrics, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.ready {
		return types.BookMetrics{}, false
	}
	bestBid, bestAsk, ok := b.bestLocked()
	if !ok {
		return types.BookMetrics{}, false
	}
	mid := (bestBid + bestAsk) / 2

	m := types.BookMetrics{
		Market:  b.market,
		Time:    time.Now(),
		Mid:     mid,
		BestBid: formatPrice(bestBid, b.bids),
		BestAsk: formatPrice(bestAsk, b.asks),
	}

	accumulate := func(ladder map[string]level, depth *[5]float64) {
		for _, lv := range ladder {
			dist := math.Abs(lv.price-mid) / mid * 100
			for i, band := range types.DepthBandsPct {
				if dist <= band {
					depth[i] += lv.notional
				}
			}
		}
	}
	accumulate(b.bids, &m.BidDepthUSD)
	accumulate(b.asks, &m.AskDepthUSD)

	bid1, ask1 := m.BidDepthUSD[2], m.AskDepthUSD[2] // ±1% band
	if total := bid1 + ask1; total > 0 {
		m.Imbalance1Pct = (bid1 - ask1) / total
	}
	return m, true
}

// formatPrice recovers the exchange's exact price string for a best price.
func formatPrice(price float64, ladder map[string]level) string {
	for priceStr, lv := range ladder {
		if lv.price == price {
			return priceStr
		}
	}
	return decimal.NewFromFloat(price).String()
}
