package api

import (
	"time"

	"binance-monitor/internal/alert"
)

// Status is the runtime snapshot served at /api/status.
type Status struct {
	Symbol    string                `json:"symbol"`
	StartedAt time.Time             `json:"started_at"`
	UptimeSec int64                 `json:"uptime_sec"`
	Books     map[string]BookStatus `json:"books"`
	Feeds     map[string]FeedStatus `json:"feeds"`
	Trades    TradeStatus           `json:"trades"`
	Router    alert.Stats           `json:"router"`
}

// BookStatus describes one market's order book mirror.
type BookStatus struct {
	Ready          bool    `json:"ready"`
	LastUpdateID   int64   `json:"last_update_id"`
	Mid            float64 `json:"mid"`
	ActiveWalls    int     `json:"active_walls"`
	ConfirmedWalls int     `json:"confirmed_walls"`
	Desyncs        int64   `json:"desyncs"`
}

// FeedStatus describes one WebSocket feed.
type FeedStatus struct {
	Connected bool  `json:"connected"`
	Messages  int64 `json:"messages"`
	Dropped   int64 `json:"dropped"`
}

// TradeStatus carries flow counters and the running CVD per market.
type TradeStatus struct {
	Processed    int64              `json:"processed"`
	Large        int64              `json:"large"`
	Liquidations int64              `json:"liquidations"`
	CVDUSD       map[string]float64 `json:"cvd_usd"`
}

// StatusProvider supplies the current runtime snapshot.
type StatusProvider interface {
	Snapshot() Status
}
