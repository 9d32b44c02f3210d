// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the monitor — market and side
// enums, raw WebSocket payloads, order book walls, trade aggregates, and
// alert requests. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Market identifies which Binance venue an event came from.
type Market string

const (
	Spot    Market = "spot"
	Futures Market = "futures"
)

// BookSide is the resting side of an order book level: bid or ask.
type BookSide string

const (
	Bid BookSide = "bid"
	Ask BookSide = "ask"
)

// Side is the taker direction of a trade: BUY or SELL.
// Derived from the aggTrade "m" flag (buyer-is-maker means the taker sold).
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// GoneReason classifies why a wall left the book.
type GoneReason string

const (
	GoneCancelled GoneReason = "cancelled" // level intact but no longer qualifies
	GoneFilled    GoneReason = "filled"    // quantity went to zero
	GonePartial   GoneReason = "partial"   // quantity reduced but nonzero
)

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire payloads (Binance combined streams)
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the combined stream endpoint.
// Prices and quantities arrive as strings and are parsed with decimal to
// preserve exact string identity for map keys.

// StreamEnvelope wraps every message on a combined-stream connection.
// Data is decoded a second time based on the stream name suffix.
type StreamEnvelope struct {
	Stream string          `json:"stream"` // e.g. "btcusdt@depth@100ms"
	Data   json.RawMessage `json:"data"`
}

// DepthUpdate is a diff depth event (@depth@100ms). Spot fills U/u only;
// futures additionally fills pu, the final update ID of the previous event.
type DepthUpdate struct {
	EventType     string     `json:"e"` // always "depthUpdate"
	EventTime     int64      `json:"E"` // event time, epoch ms
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`  // first update ID in this diff
	FinalUpdateID int64      `json:"u"`  // final update ID in this diff
	PrevFinalID   int64      `json:"pu"` // futures only: previous event's u
	Bids          [][]string `json:"b"`  // [price, qty] pairs; qty "0" deletes
	Asks          [][]string `json:"a"`
}

// AggTrade is an aggregated trade event (@aggTrade).
type AggTrade struct {
	EventType    string `json:"e"` // always "aggTrade"
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"` // epoch ms
	IsBuyerMaker bool   `json:"m"` // true = taker sold
}

// ForceOrder is a futures liquidation order event (!forceOrder@arr).
type ForceOrder struct {
	EventType string          `json:"e"` // always "forceOrder"
	EventTime int64           `json:"E"`
	Order     ForceOrderEntry `json:"o"`
}

// ForceOrderEntry is the order object inside a ForceOrder event.
// Side is the liquidation order's side: SELL means longs were liquidated.
type ForceOrderEntry struct {
	Symbol    string `json:"s"`
	Side      string `json:"S"` // "BUY" or "SELL"
	Quantity  string `json:"q"`
	Price     string `json:"p"`
	AvgPrice  string `json:"ap"`
	Status    string `json:"X"`
	TradeTime int64  `json:"T"` // epoch ms
}

// DepthSnapshot is the REST depth response used to anchor a book.
type DepthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// ————————————————————————————————————————————————————————————————————————
// Walls
// ————————————————————————————————————————————————————————————————————————

// WallKey identifies a wall by market, side and exact price string.
// Price equality is string identity — two walls at "50000.00" and "50000.0"
// would be distinct keys, which never happens in practice because the
// exchange emits a fixed number of decimals per symbol.
type WallKey struct {
	Market Market
	Side   BookSide
	Price  string
}

func (k WallKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Market, k.Side, k.Price)
}

// WallEventType discriminates the wall events a book emits.
type WallEventType int

const (
	WallSeen   WallEventType = iota // level currently qualifies as a wall
	WallGone                        // previously qualifying level stopped qualifying
	WallSynced                      // snapshot installed; Present is the full wall set
)

// WallEvent is emitted by the order book after each applied diff or snapshot.
// Seen events repeat on every batch while the level qualifies; the tracker
// deduplicates. Mid is the mid price at scan time, used for distance.
type WallEvent struct {
	Type        WallEventType
	Key         WallKey
	Qty         decimal.Decimal
	PrevQty     decimal.Decimal // Gone only: quantity at last scan
	NotionalUSD float64
	Mid         float64
	Reason      GoneReason // Gone only
	Present     []WallKey  // Synced only: every currently qualifying key
	Time        time.Time
}

// Wall is the persisted lifecycle record of a wall.
type Wall struct {
	Market      Market
	Side        BookSide
	Price       string
	Qty         decimal.Decimal
	NotionalUSD float64
	DetectedAt  time.Time
	LastSeenAt  time.Time
	Confirmed   bool
	ConfirmedAt time.Time // zero unless Confirmed
	GoneAt      time.Time // zero while the wall is open
	GoneReason  GoneReason
}

// Key returns the registry key for this wall.
func (w Wall) Key() WallKey {
	return WallKey{Market: w.Market, Side: w.Side, Price: w.Price}
}

// DistancePct returns the signed distance from mid in percent.
// Negative for bids below mid, positive for asks above mid.
func DistancePct(price, mid float64) float64 {
	if mid == 0 {
		return 0
	}
	return (price - mid) / mid * 100
}

// ————————————————————————————————————————————————————————————————————————
// Trades and liquidations
// ————————————————————————————————————————————————————————————————————————

// Trade is a classified taker trade.
type Trade struct {
	Market      Market
	Side        Side // taker side
	Price       decimal.Decimal
	Qty         decimal.Decimal
	NotionalUSD float64
	AggID       int64 // exchange aggregate trade ID, dedupe key
	Time        time.Time
}

// Liquidation is a futures forced order.
type Liquidation struct {
	Market      Market
	Side        Side // liquidation order side: SELL = longs liquidated
	Price       decimal.Decimal
	Qty         decimal.Decimal
	NotionalUSD float64
	Time        time.Time
}

// MinuteBucket accumulates taker flow for one (market, minute) pair.
// DeltaUSD is buy volume minus sell volume. CVDUSD is the running cumulative
// delta as of this bucket's flush, so the bucket tail rehydrates CVD on
// restart.
type MinuteBucket struct {
	Market      Market
	MinuteEpoch int64 // floor(trade time / 60) * 60, epoch seconds
	BuyVolUSD   float64
	SellVolUSD  float64
	DeltaUSD    float64
	VWAPNum     float64 // Σ price × qty
	VWAPDen     float64 // Σ qty
	TradeCount  int64
	CVDUSD      float64
}

// VWAP returns the volume-weighted average price, or 0 for an empty bucket.
func (b MinuteBucket) VWAP() float64 {
	if b.VWAPDen == 0 {
		return 0
	}
	return b.VWAPNum / b.VWAPDen
}

// ————————————————————————————————————————————————————————————————————————
// Book metrics
// ————————————————————————————————————————————————————————————————————————

// DepthBandsPct are the distance bands (percent from mid) for cumulative
// depth measurements, nearest first.
var DepthBandsPct = [5]float64{0.1, 0.5, 1, 2, 5}

// BookMetrics is a point-in-time summary of one book, persisted once a
// minute. Depth arrays are cumulative USD within each band of DepthBandsPct.
type BookMetrics struct {
	Market        Market
	Time          time.Time
	Mid           float64
	BestBid       string
	BestAsk       string
	BidDepthUSD   [5]float64
	AskDepthUSD   [5]float64
	Imbalance1Pct float64 // (bid-ask)/(bid+ask) within ±1% of mid, 0 when empty
}

// ————————————————————————————————————————————————————————————————————————
// Alerts
// ————————————————————————————————————————————————————————————————————————

// AlertKind names a class of user-visible notification. Cooldowns and the
// static routing table are keyed by kind.
type AlertKind string

const (
	AlertWallNew           AlertKind = "wall_new"
	AlertWallGone          AlertKind = "wall_gone"
	AlertConfirmedWall     AlertKind = "confirmed_wall"
	AlertConfirmedWallGone AlertKind = "confirmed_wall_gone"
	AlertLargeTrade        AlertKind = "large_trade"
	AlertMegaTrade         AlertKind = "mega_trade"
	AlertLiquidation       AlertKind = "liquidation"
	AlertMegaLiquidation   AlertKind = "mega_liquidation"
	AlertImbalance         AlertKind = "imbalance"
	AlertCVDSpike          AlertKind = "cvd_spike"
	AlertWSDown            AlertKind = "ws_down"
	AlertWSRecover         AlertKind = "ws_recover"
	AlertDigest            AlertKind = "digest"
	AlertSystem            AlertKind = "system"
)

// Topic key helpers. Topics are logical channel names resolved to Telegram
// forum thread IDs at startup; an unresolvable topic is a startup error.

func TopicWalls(m Market, s BookSide) string {
	return fmt.Sprintf("walls_%s_%s", m, s)
}

func TopicConfirmedWalls(m Market) string {
	return fmt.Sprintf("confirmed_walls_%s", m)
}

func TopicLargeTrades(m Market) string {
	return fmt.Sprintf("large_trades_%s", m)
}

func TopicDigest(periodMinutes int) string {
	return fmt.Sprintf("digest_%dm", periodMinutes)
}

const (
	TopicMegaEvents   = "mega_events"
	TopicLiquidations = "liquidations"
	TopicSignals      = "signals"
	TopicSystem       = "system"
)

// AlertRequest is the unit of work submitted to the alert router. TopicKey
// overrides the static kind→topic route when set. Fingerprint scopes the
// cooldown: requests sharing a fingerprint within the kind's cooldown window
// are dropped.
type AlertRequest struct {
	ID          uuid.UUID
	Kind        AlertKind
	TopicKey    string
	Fingerprint string
	Text        string
	ProducedAt  time.Time
}

// NewAlert builds a request with a fresh ID and ProducedAt now.
func NewAlert(kind AlertKind, topicKey, fingerprint, text string) AlertRequest {
	return AlertRequest{
		ID:          uuid.New(),
		Kind:        kind,
		TopicKey:    topicKey,
		Fingerprint: fingerprint,
		Text:        text,
		ProducedAt:  time.Now(),
	}
}

// AlertSink accepts alert requests for routing. Submit never blocks; the
// router drops on overflow and counts the drop.
type AlertSink interface {
	Submit(req AlertRequest)
}

// FormatUSD renders a notional for alert text: $950K, $2.50M, $1.20B.
// Values under a thousand keep two decimals.
func FormatUSD(v float64) string {
	abs := math.Abs(v)
	switch {
	case abs >= 1e9:
		return fmt.Sprintf("$%.2fB", v/1e9)
	case abs >= 1e6:
		return fmt.Sprintf("$%.2fM", v/1e6)
	case abs >= 1e3:
		return fmt.Sprintf("$%.0fK", v/1e3)
	default:
		return fmt.Sprintf("$%.2f", v)
	}
}
