// ws.go implements the combined-stream WebSocket feeds.
//
// One Feed runs per venue. Binance combined streams carry every subscription
// in the URL query string, so there is no subscribe handshake: dial and read.
//
//	spot:    btcusdt@depth@100ms / btcusdt@aggTrade
//	futures: btcusdt@depth@100ms / btcusdt@aggTrade / !forceOrder@arr
//
// Every envelope is demuxed by stream name into a typed channel. Reads carry
// a deadline (silence_timeout): a deadline expiry is the watchdog firing on a
// silent server and triggers an immediate redial with backoff reset. Other
// read errors reconnect with exponential backoff (reconnect_min_wait doubling
// to reconnect_max_wait); the backoff also resets once a connection delivers
// its first message. A disconnect persisting past down_alert_after emits one
// ws_down alert, answered by ws_recover on the first message after reconnect.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"github.com/gorilla/websocket"

	"binance-monitor/internal/config"
	"binance-monitor/pkg/types"
)

const (
	handshakeTimeout = 15 * time.Second

	depthBufferSize = 512  // 10 diffs/s per venue; headroom for dispatch stalls
	tradeBufferSize = 1024 // aggTrade bursts run to hundreds/s
	liqBufferSize   = 64
)

// Feed maintains one combined-stream connection and demuxes its messages
// into typed channels. Channel sends never block: on a full channel the
// event is dropped and counted.
type Feed struct {
	market    types.Market
	url       string
	dialer    *websocket.Dialer
	silence   time.Duration
	minWait   time.Duration
	maxWait   time.Duration
	downAfter time.Duration

	depthCh chan types.DepthUpdate
	tradeCh chan types.AggTrade
	liqCh   chan types.ForceOrder

	alerts types.AlertSink
	logger *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	downSince   time.Time // zero while healthy
	downAlerted bool

	msgs    atomic.Int64
	dropped atomic.Int64
}

// NewFeed creates a feed for one venue. The feed does not connect until Run.
func NewFeed(market types.Market, cfg config.ExchangeConfig, symbol string, alerts types.AlertSink, logger *slog.Logger) *Feed {
	base := cfg.SpotWSURL
	if market == types.Futures {
		base = cfg.FuturesWSURL
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if cfg.ProxyURL != "" {
		if u, err := url.Parse(cfg.ProxyURL); err == nil {
			dialer.Proxy = http.ProxyURL(u)
		}
	}

	return &Feed{
		market:    market,
		url:       streamURL(base, market, symbol),
		dialer:    dialer,
		silence:   cfg.SilenceTimeout,
		minWait:   cfg.ReconnectMinWait,
		maxWait:   cfg.ReconnectMaxWait,
		downAfter: cfg.DownAlertAfter,
		depthCh:   make(chan types.DepthUpdate, depthBufferSize),
		tradeCh:   make(chan types.AggTrade, tradeBufferSize),
		liqCh:     make(chan types.ForceOrder, liqBufferSize),
		alerts:    alerts,
		logger:    logger.With("component", "ws_"+string(market)),
	}
}

// streamURL builds the combined-stream URL for one venue. Stream names are
// lowercase; the futures connection additionally carries the all-market
// liquidation stream.
func streamURL(base string, market types.Market, symbol string) string {
	sym := strings.ToLower(symbol)
	streams := []string{sym + "@depth@100ms", sym + "@aggTrade"}
	if market == types.Futures {
		streams = append(streams, "!forceOrder@arr")
	}
	return base + "?streams=" + strings.Join(streams, "/")
}

// Depth returns the depth diff channel.
func (f *Feed) Depth() <-chan types.DepthUpdate { return f.depthCh }

// Trades returns the aggregated trade channel.
func (f *Feed) Trades() <-chan types.AggTrade { return f.tradeCh }

// Liquidations returns the forced order channel (futures only; the spot
// channel exists but never receives).
func (f *Feed) Liquidations() <-chan types.ForceOrder { return f.liqCh }

// Market returns the venue this feed serves.
func (f *Feed) Market() types.Market { return f.market }

// Connected reports whether the current connection has delivered a message.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Messages returns the total messages received across all connections.
func (f *Feed) Messages() int64 { return f.msgs.Load() }

// Dropped returns the total events dropped on full channels.
func (f *Feed) Dropped() int64 { return f.dropped.Load() }

// Run connects and maintains the stream until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	f.mu.Lock()
	f.downSince = time.Now()
	f.mu.Unlock()

	backoff := f.minWait
	for {
		gotMsg, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.maybeAlertDown()

		if gotMsg {
			backoff = f.minWait
		}
		if isSilenceTimeout(err) {
			// Watchdog: the server went quiet, not away. Redial at once.
			f.logger.Warn("stream silent, redialing", "silence", f.silence)
			backoff = f.minWait
			continue
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		f.maybeAlertDown()

		backoff *= 2
		if backoff > f.maxWait {
			backoff = f.maxWait
		}
	}
}

// Close tears down the current connection, unblocking a pending read. Used
// on shutdown after the context is cancelled.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// connectAndRead runs one connection session. It reports whether at least
// one message arrived, which resets the reconnect backoff.
func (f *Feed) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		conn.Close()
		f.conn = nil
		f.connected = false
		if f.downSince.IsZero() {
			f.downSince = time.Now()
		}
		f.mu.Unlock()
	}()

	f.logger.Info("websocket connected", "streams", f.url)

	gotMsg := false
	for {
		if ctx.Err() != nil {
			return gotMsg, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(f.silence))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return gotMsg, fmt.Errorf("read: %w", err)
		}

		if !gotMsg {
			gotMsg = true
			f.noteFirstMessage()
		}
		f.msgs.Add(1)
		f.dispatchMessage(msg)
	}
}

// noteFirstMessage marks the connection healthy and, when the preceding
// outage was long enough to have alerted, emits the recovery alert.
func (f *Feed) noteFirstMessage() {
	f.mu.Lock()
	downFor := time.Duration(0)
	if !f.downSince.IsZero() {
		downFor = time.Since(f.downSince)
	}
	alerted := f.downAlerted
	f.connected = true
	f.downSince = time.Time{}
	f.downAlerted = false
	f.mu.Unlock()

	if alerted {
		f.alerts.Submit(types.NewAlert(
			types.AlertWSRecover,
			"",
			"ws_recover:"+string(f.market),
			fmt.Sprintf("✅ *%s stream recovered* — downtime %s",
				strings.ToUpper(string(f.market)), downFor.Round(time.Second)),
		))
	}
}

// maybeAlertDown emits a single ws_down alert once the current outage has
// lasted at least downAfter.
func (f *Feed) maybeAlertDown() {
	f.mu.Lock()
	if f.downSince.IsZero() || f.downAlerted || time.Since(f.downSince) < f.downAfter {
		f.mu.Unlock()
		return
	}
	f.downAlerted = true
	downFor := time.Since(f.downSince)
	f.mu.Unlock()

	f.alerts.Submit(types.NewAlert(
		types.AlertWSDown,
		"",
		"ws_down:"+string(f.market),
		fmt.Sprintf("🔌 *%s stream down* — no data for %s",
			strings.ToUpper(string(f.market)), downFor.Round(time.Second)),
	))
}

// dispatchMessage demuxes one combined-stream envelope into its typed
// channel. The stream name is peeked with jsonparser before the payload is
// decoded, so unknown streams cost no unmarshal.
func (f *Feed) dispatchMessage(raw []byte) {
	stream, err := jsonparser.GetString(raw, "stream")
	if err != nil {
		f.logger.Debug("message without stream field", "error", err)
		return
	}
	data, _, _, err := jsonparser.Get(raw, "data")
	if err != nil {
		f.logger.Debug("message without data field", "stream", stream)
		return
	}

	switch streamKind(stream) {
	case "depth":
		var evt types.DepthUpdate
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal depth update", "error", err)
			return
		}
		select {
		case f.depthCh <- evt:
		default:
			f.dropped.Add(1)
			f.logger.Warn("depth channel full, dropping event", "market", f.market)
		}

	case "aggTrade":
		var evt types.AggTrade
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal agg trade", "error", err)
			return
		}
		select {
		case f.tradeCh <- evt:
		default:
			f.dropped.Add(1)
			f.logger.Warn("trade channel full, dropping event", "market", f.market)
		}

	case "forceOrder":
		var evt types.ForceOrder
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal force order", "error", err)
			return
		}
		select {
		case f.liqCh <- evt:
		default:
			f.dropped.Add(1)
			f.logger.Warn("liquidation channel full, dropping event")
		}

	default:
		f.logger.Debug("unknown stream", "stream", stream)
	}
}

// streamKind classifies a combined stream name. Symbol streams read as the
// segment after the first @ ("btcusdt@depth@100ms" → "depth"); the
// liquidation stream is special-cased because its name starts with the type
// ("!forceOrder@arr").
func streamKind(stream string) string {
	if strings.HasPrefix(stream, "!forceOrder") {
		return "forceOrder"
	}
	parts := strings.Split(stream, "@")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// isSilenceTimeout reports whether a read error is the silence watchdog
// firing (read deadline exceeded) rather than a transport failure.
func isSilenceTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
