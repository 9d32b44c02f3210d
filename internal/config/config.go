// Package config defines all configuration for the monitor.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MONITOR_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Symbol       string             `mapstructure:"symbol"`
	Exchange     ExchangeConfig     `mapstructure:"exchange"`
	Walls        WallsConfig        `mapstructure:"walls"`
	Trades       TradesConfig       `mapstructure:"trades"`
	Liquidations LiquidationsConfig `mapstructure:"liquidations"`
	Snapshots    SnapshotsConfig    `mapstructure:"snapshots"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
	Sink         SinkConfig         `mapstructure:"sink"`
	Store        StoreConfig        `mapstructure:"store"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Digest       DigestConfig       `mapstructure:"digest"`
	API          APIConfig          `mapstructure:"api"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ExchangeConfig holds Binance endpoints and connection tuning.
//
//   - SilenceTimeout: no message within this window tears the connection down
//     and redials immediately (stream watchdog).
//   - ReconnectMinWait/ReconnectMaxWait: exponential backoff bounds for
//     reconnects after read errors. Backoff resets to the minimum once a
//     connection delivers its first message.
//   - DownAlertAfter: a disconnect persisting this long emits a ws_down alert.
type ExchangeConfig struct {
	SpotWSURL      string `mapstructure:"spot_ws_url"`
	FuturesWSURL   string `mapstructure:"futures_ws_url"`
	SpotRESTURL    string `mapstructure:"spot_rest_url"`
	FuturesRESTURL string `mapstructure:"futures_rest_url"`
	ProxyURL       string `mapstructure:"proxy_url"`

	DepthLimitSpot    int           `mapstructure:"depth_limit_spot"`
	DepthLimitFutures int           `mapstructure:"depth_limit_futures"`
	RESTTimeout       time.Duration `mapstructure:"rest_timeout"`
	SilenceTimeout    time.Duration `mapstructure:"silence_timeout"`
	ReconnectMinWait  time.Duration `mapstructure:"reconnect_min_wait"`
	ReconnectMaxWait  time.Duration `mapstructure:"reconnect_max_wait"`
	DownAlertAfter    time.Duration `mapstructure:"down_alert_after"`
}

// WallsConfig tunes wall detection and lifecycle tracking.
//
//   - ThresholdUSD: minimum notional for a level to register as a wall.
//   - AlertUSD: notional at which an active wall emits a wall_new alert.
//   - CancelAlertUSD: minimum notional for a disappearing wall to emit wall_gone.
//   - PruneDistancePct: levels farther than this % from mid are pruned and
//     never considered walls (50 = half the mid price).
//   - SpoofWindow: walls reappearing at the same key within this window get a
//     spoof warning on the second appearance.
//   - Confirm*: a wall is confirmed once notional ≥ ConfirmThresholdUSD,
//     |distance| ≤ ConfirmMaxDistancePct and age ≥ ConfirmDelay, checked every
//     ConfirmCheckInterval. Confirmation is permanent until the wall goes.
type WallsConfig struct {
	ThresholdUSD     float64       `mapstructure:"threshold_usd"`
	AlertUSD         float64       `mapstructure:"alert_usd"`
	CancelAlertUSD   float64       `mapstructure:"cancel_alert_usd"`
	PruneDistancePct float64       `mapstructure:"prune_distance_pct"`
	PruneInterval    time.Duration `mapstructure:"prune_interval"`
	SpoofWindow      time.Duration `mapstructure:"spoof_window"`

	ConfirmThresholdUSD   float64       `mapstructure:"confirm_threshold_usd"`
	ConfirmMaxDistancePct float64       `mapstructure:"confirm_max_distance_pct"`
	ConfirmDelay          time.Duration `mapstructure:"confirm_delay"`
	ConfirmCheckInterval  time.Duration `mapstructure:"confirm_check_interval"`
}

// TradesConfig tunes trade aggregation and large-trade detection.
// CVDLookback bounds the bucket window used to rehydrate CVD at startup;
// zero means "since UTC midnight".
type TradesConfig struct {
	LargeSpotUSD    float64       `mapstructure:"large_spot_usd"`
	LargeFuturesUSD float64       `mapstructure:"large_futures_usd"`
	MegaUSD         float64       `mapstructure:"mega_usd"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	CVDLookback     time.Duration `mapstructure:"cvd_lookback"`
	CVDSpikeUSD     float64       `mapstructure:"cvd_spike_usd"`
	CVDSpikeWindow  time.Duration `mapstructure:"cvd_spike_window"`
}

// LiquidationsConfig sets alert thresholds for futures forced orders.
// Every liquidation for the monitored symbol is persisted regardless.
type LiquidationsConfig struct {
	AlertUSD float64 `mapstructure:"alert_usd"`
	MegaUSD  float64 `mapstructure:"mega_usd"`
}

// SnapshotsConfig controls REST anchoring and periodic book metrics.
//
//   - RefreshInterval: scheduled re-anchor of each book from REST.
//   - RecoveryInterval: how often the coordinator checks for desynced books.
//   - NotReadyAfter: a book not ready this long is force re-anchored.
//   - MetricsInterval: cadence of persisted depth/imbalance snapshots.
type SnapshotsConfig struct {
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	RecoveryInterval  time.Duration `mapstructure:"recovery_interval"`
	NotReadyAfter     time.Duration `mapstructure:"not_ready_after"`
	MetricsInterval   time.Duration `mapstructure:"metrics_interval"`
	ImbalanceAlertAbs float64       `mapstructure:"imbalance_alert_abs"`
}

// AlertsConfig tunes the router: micro-batching, per-kind cooldowns, queue
// bounds and delivery retries.
type AlertsConfig struct {
	BatchWait       time.Duration  `mapstructure:"batch_wait"`
	BatchThreshold  int            `mapstructure:"batch_threshold"`
	QueueSize       int            `mapstructure:"queue_size"`
	SettingsRefresh time.Duration  `mapstructure:"settings_refresh"`
	ShutdownGrace   time.Duration  `mapstructure:"shutdown_grace"`
	Cooldowns       CooldownConfig `mapstructure:"cooldowns"`
}

// CooldownConfig is the per-kind minimum interval between sends sharing a
// fingerprint. Default applies to kinds without an explicit field.
type CooldownConfig struct {
	WallNew       time.Duration `mapstructure:"wall_new"`
	WallGone      time.Duration `mapstructure:"wall_gone"`
	LargeTrade    time.Duration `mapstructure:"large_trade"`
	ConfirmedWall time.Duration `mapstructure:"confirmed_wall"`
	Imbalance     time.Duration `mapstructure:"imbalance"`
	CVDSpike      time.Duration `mapstructure:"cvd_spike"`
	Default       time.Duration `mapstructure:"default"`
}

// SinkConfig holds Telegram delivery settings. Topics maps logical topic
// keys (walls_spot_bid, digest_15m, system, ...) to forum thread IDs inside
// ForumGroup. A topic mapped to 0 falls back to AdminUser as a direct message.
type SinkConfig struct {
	Token      string           `mapstructure:"token"`
	APIURL     string           `mapstructure:"api_url"`
	AdminUser  int64            `mapstructure:"admin_user"`
	ForumGroup int64            `mapstructure:"forum_group"`
	Timeout    time.Duration    `mapstructure:"timeout"`
	Topics     map[string]int64 `mapstructure:"topics"`
}

// StoreConfig sets the PostgreSQL connection.
type StoreConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
}

// ArchiveConfig controls JSONL export of aged rows to S3-compatible storage.
type ArchiveConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoint       string        `mapstructure:"endpoint"`
	Region         string        `mapstructure:"region"`
	Bucket         string        `mapstructure:"bucket"`
	AccessKey      string        `mapstructure:"access_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	RetentionDays  int           `mapstructure:"retention_days"`
	Interval       time.Duration `mapstructure:"interval"`
}

// DigestConfig lists the digest periods in minutes. Each period must divide
// 60 so boundaries align to the hour.
type DigestConfig struct {
	Periods []int `mapstructure:"periods"`
}

// APIConfig controls the status HTTP server.
type APIConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MONITOR_SINK_TOKEN, MONITOR_DATABASE_URL,
// MONITOR_S3_ACCESS_KEY, MONITOR_S3_SECRET_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if tok := os.Getenv("MONITOR_SINK_TOKEN"); tok != "" {
		cfg.Sink.Token = tok
	}
	if url := os.Getenv("MONITOR_DATABASE_URL"); url != "" {
		cfg.Store.DatabaseURL = url
	}
	if key := os.Getenv("MONITOR_S3_ACCESS_KEY"); key != "" {
		cfg.Archive.AccessKey = key
	}
	if secret := os.Getenv("MONITOR_S3_SECRET_KEY"); secret != "" {
		cfg.Archive.SecretKey = secret
	}
	if proxy := os.Getenv("MONITOR_PROXY_URL"); proxy != "" {
		cfg.Exchange.ProxyURL = proxy
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("symbol", "BTCUSDT")

	v.SetDefault("exchange.spot_ws_url", "wss://stream.binance.com/stream")
	v.SetDefault("exchange.futures_ws_url", "wss://fstream.binance.com/stream")
	v.SetDefault("exchange.spot_rest_url", "https://api.binance.com")
	v.SetDefault("exchange.futures_rest_url", "https://fapi.binance.com")
	v.SetDefault("exchange.depth_limit_spot", 1000)
	v.SetDefault("exchange.depth_limit_futures", 1000)
	v.SetDefault("exchange.rest_timeout", "20s")
	v.SetDefault("exchange.silence_timeout", "30s")
	v.SetDefault("exchange.reconnect_min_wait", "5s")
	v.SetDefault("exchange.reconnect_max_wait", "300s")
	v.SetDefault("exchange.down_alert_after", "30s")

	v.SetDefault("walls.threshold_usd", 500_000)
	v.SetDefault("walls.alert_usd", 2_000_000)
	v.SetDefault("walls.cancel_alert_usd", 1_000_000)
	v.SetDefault("walls.prune_distance_pct", 50)
	v.SetDefault("walls.prune_interval", "60s")
	v.SetDefault("walls.spoof_window", "1h")
	v.SetDefault("walls.confirm_threshold_usd", 5_000_000)
	v.SetDefault("walls.confirm_max_distance_pct", 2.0)
	v.SetDefault("walls.confirm_delay", "60s")
	v.SetDefault("walls.confirm_check_interval", "10s")

	v.SetDefault("trades.large_spot_usd", 100_000)
	v.SetDefault("trades.large_futures_usd", 500_000)
	v.SetDefault("trades.mega_usd", 2_000_000)
	v.SetDefault("trades.flush_interval", "60s")
	v.SetDefault("trades.cvd_lookback", 0)
	v.SetDefault("trades.cvd_spike_usd", 5_000_000)
	v.SetDefault("trades.cvd_spike_window", "5m")

	v.SetDefault("liquidations.alert_usd", 1_000_000)
	v.SetDefault("liquidations.mega_usd", 5_000_000)

	v.SetDefault("snapshots.refresh_interval", "1h")
	v.SetDefault("snapshots.recovery_interval", "5s")
	v.SetDefault("snapshots.not_ready_after", "10s")
	v.SetDefault("snapshots.metrics_interval", "60s")
	v.SetDefault("snapshots.imbalance_alert_abs", 0.4)

	v.SetDefault("alerts.batch_wait", "300ms")
	v.SetDefault("alerts.batch_threshold", 3)
	v.SetDefault("alerts.queue_size", 1000)
	v.SetDefault("alerts.settings_refresh", "60s")
	v.SetDefault("alerts.shutdown_grace", "5s")
	v.SetDefault("alerts.cooldowns.wall_new", "30s")
	v.SetDefault("alerts.cooldowns.wall_gone", "30s")
	v.SetDefault("alerts.cooldowns.large_trade", "10s")
	v.SetDefault("alerts.cooldowns.confirmed_wall", "60s")
	v.SetDefault("alerts.cooldowns.imbalance", "300s")
	v.SetDefault("alerts.cooldowns.cvd_spike", "300s")
	v.SetDefault("alerts.cooldowns.default", "60s")

	v.SetDefault("sink.api_url", "https://api.telegram.org")
	v.SetDefault("sink.timeout", "10s")

	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.retention_days", 30)
	v.SetDefault("archive.interval", "24h")

	v.SetDefault("digest.periods", []int{15, 30, 60})

	v.SetDefault("api.listen_addr", ":8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.Sink.Token == "" {
		return fmt.Errorf("sink.token is required (set MONITOR_SINK_TOKEN)")
	}
	if c.Sink.ForumGroup == 0 && c.Sink.AdminUser == 0 {
		return fmt.Errorf("sink.forum_group or sink.admin_user is required")
	}
	if c.Store.DatabaseURL == "" {
		return fmt.Errorf("store.database_url is required (set MONITOR_DATABASE_URL)")
	}
	if c.Walls.ThresholdUSD <= 0 {
		return fmt.Errorf("walls.threshold_usd must be > 0")
	}
	if c.Walls.AlertUSD < c.Walls.ThresholdUSD {
		return fmt.Errorf("walls.alert_usd must be >= walls.threshold_usd")
	}
	if c.Walls.ConfirmMaxDistancePct <= 0 {
		return fmt.Errorf("walls.confirm_max_distance_pct must be > 0")
	}
	if c.Trades.LargeSpotUSD <= 0 || c.Trades.LargeFuturesUSD <= 0 {
		return fmt.Errorf("trades.large_spot_usd and trades.large_futures_usd must be > 0")
	}
	for _, p := range c.Digest.Periods {
		if p <= 0 || 60%p != 0 {
			return fmt.Errorf("digest.periods must divide 60, got %d", p)
		}
	}
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive.enabled")
		}
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			return fmt.Errorf("archive credentials are required when archive.enabled (set MONITOR_S3_ACCESS_KEY / MONITOR_S3_SECRET_KEY)")
		}
		if c.Archive.RetentionDays <= 0 {
			return fmt.Errorf("archive.retention_days must be > 0")
		}
	}
	if c.API.Enabled && c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required when api.enabled")
	}
	return nil
}
