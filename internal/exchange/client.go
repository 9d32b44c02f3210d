// Package exchange implements the Binance market data clients.
//
// Two surfaces:
//   - Client: REST depth snapshots used to anchor the local books
//     (spot GET /api/v3/depth, futures GET /fapi/v1/depth)
//   - Feed: one combined-stream WebSocket per venue delivering depth diffs,
//     aggregated trades and, on futures, liquidation orders
//
// Every snapshot fetch is rate-limited via per-venue TokenBuckets and
// automatically retried on 5xx errors. Feeds reconnect with exponential
// backoff and enforce a silence watchdog through read deadlines.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"binance-monitor/internal/config"
	"binance-monitor/pkg/types"
)

// Client fetches REST depth snapshots from both venues.
// It wraps one resty client per base URL with rate limiting and retry.
type Client struct {
	spot    *resty.Client
	futures *resty.Client
	symbol  string // uppercase, e.g. "BTCUSDT"

	spotLimit    int
	futuresLimit int

	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a depth client for the configured venues.
func NewClient(cfg config.ExchangeConfig, symbol string, logger *slog.Logger) *Client {
	return &Client{
		spot:         newHTTPClient(cfg.SpotRESTURL, cfg),
		futures:      newHTTPClient(cfg.FuturesRESTURL, cfg),
		symbol:       strings.ToUpper(symbol),
		spotLimit:    cfg.DepthLimitSpot,
		futuresLimit: cfg.DepthLimitFutures,
		rl:           NewRateLimiter(),
		logger:       logger,
	}
}

func newHTTPClient(baseURL string, cfg config.ExchangeConfig) *resty.Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.RESTTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(cfg.RESTTimeout / 20).
		SetRetryMaxWaitTime(cfg.RESTTimeout / 4).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	if cfg.ProxyURL != "" {
		c.SetProxy(cfg.ProxyURL)
	}
	return c
}

// GetDepth fetches a full depth snapshot for one venue. The response's
// lastUpdateId is the anchor the diff stream is sequenced against.
func (c *Client) GetDepth(ctx context.Context, market types.Market) (*types.DepthSnapshot, error) {
	if err := c.rl.ForMarket(market).Wait(ctx); err != nil {
		return nil, err
	}

	httpc, path, limit := c.spot, "/api/v3/depth", c.spotLimit
	if market == types.Futures {
		httpc, path, limit = c.futures, "/fapi/v1/depth", c.futuresLimit
	}

	var snap types.DepthSnapshot
	resp, err := httpc.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": c.symbol,
			"limit":  strconv.Itoa(limit),
		}).
		SetResult(&snap).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("%s depth: %w", market, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%s depth: status %d: %s", market, resp.StatusCode(), resp.String())
	}
	if snap.LastUpdateID == 0 {
		return nil, fmt.Errorf("%s depth: empty snapshot", market)
	}

	c.logger.Debug("depth snapshot fetched",
		"market", market,
		"last_update_id", snap.LastUpdateID,
		"bids", len(snap.Bids),
		"asks", len(snap.Asks))
	return &snap, nil
}
