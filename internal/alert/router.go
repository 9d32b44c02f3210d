// Package alert routes notifications from producers to the delivery sink.
// The router owns deduplication (fingerprint cooldowns), per-kind enablement,
// micro-batching per (kind, topic) and delivery retries. Producers never
// block: Submit drops on a full queue.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"binance-monitor/internal/config"
	"binance-monitor/internal/notify"
	"binance-monitor/pkg/types"
)

// Store is the slice of persistence the router needs: the enable map and the
// delivery log.
type Store interface {
	NotificationSettings(ctx context.Context) (map[string]bool, error)
	AppendAlertLog(ctx context.Context, req types.AlertRequest, topic string, batched int) error
}

const (
	flushTick     = 100 * time.Millisecond
	maxBatchLines = 10

	// one initial try plus retries at 1s, 2s, 4s
	deliveryAttempts = 4
)

// staticRoute maps fixed-destination kinds to their topic key. Kinds that
// split by market or side carry an explicit TopicKey on the request instead.
var staticRoute = map[types.AlertKind]string{
	types.AlertMegaTrade:       types.TopicMegaEvents,
	types.AlertLiquidation:     types.TopicLiquidations,
	types.AlertMegaLiquidation: types.TopicMegaEvents,
	types.AlertImbalance:       types.TopicSignals,
	types.AlertCVDSpike:        types.TopicSignals,
	types.AlertWSDown:          types.TopicSystem,
	types.AlertWSRecover:       types.TopicSystem,
	types.AlertSystem:          types.TopicSystem,
}

type batchKey struct {
	kind  types.AlertKind
	topic string
}

type pending struct {
	requests []types.AlertRequest
	oldest   time.Time
}

// Stats is a point-in-time snapshot of router counters.
type Stats struct {
	Submitted       int64 `json:"submitted"`
	SentMessages    int64 `json:"sent_messages"`
	SentAlerts      int64 `json:"sent_alerts"`
	DroppedQueue    int64 `json:"dropped_queue"`
	DroppedCooldown int64 `json:"dropped_cooldown"`
	DroppedDisabled int64 `json:"dropped_disabled"`
	DroppedDelivery int64 `json:"dropped_delivery"`
}

// Router accepts AlertRequests from any goroutine and serializes them to the
// sink. All routing state lives in the Run goroutine.
type Router struct {
	cfg    config.AlertsConfig
	sink   config.SinkConfig
	sender notify.Sender
	store  Store
	logger *slog.Logger

	in        chan types.AlertRequest
	retryWait time.Duration

	// owned by the Run goroutine
	lastSent map[string]time.Time
	batches  map[batchKey]*pending
	settings map[string]bool

	submitted       atomic.Int64
	sentMessages    atomic.Int64
	sentAlerts      atomic.Int64
	droppedQueue    atomic.Int64
	droppedCooldown atomic.Int64
	droppedDisabled atomic.Int64
	droppedDelivery atomic.Int64
}

var _ types.AlertSink = (*Router)(nil)

// NewRouter validates that every topic the static table and the producers
// can address is present in the configured topic map. A missing key is a
// startup error, not a runtime surprise.
func NewRouter(cfg config.AlertsConfig, sink config.SinkConfig, digestPeriods []int,
	sender notify.Sender, store Store, logger *slog.Logger) (*Router, error) {

	for _, key := range requiredTopicKeys(digestPeriods) {
		if _, ok := sink.Topics[key]; !ok {
			return nil, fmt.Errorf("alert: topic %q not configured", key)
		}
	}

	return &Router{
		cfg:       cfg,
		sink:      sink,
		sender:    sender,
		store:     store,
		logger:    logger.With("component", "alert_router"),
		in:        make(chan types.AlertRequest, cfg.QueueSize),
		retryWait: time.Second,
		lastSent:  make(map[string]time.Time),
		batches:   make(map[batchKey]*pending),
	}, nil
}

func requiredTopicKeys(digestPeriods []int) []string {
	keys := []string{
		types.TopicMegaEvents,
		types.TopicLiquidations,
		types.TopicSignals,
		types.TopicSystem,
	}
	for _, m := range []types.Market{types.Spot, types.Futures} {
		keys = append(keys,
			types.TopicWalls(m, types.Bid),
			types.TopicWalls(m, types.Ask),
			types.TopicConfirmedWalls(m),
			types.TopicLargeTrades(m),
		)
	}
	for _, p := range digestPeriods {
		keys = append(keys, types.TopicDigest(p))
	}
	return keys
}

// Submit queues a request without blocking. A full queue drops the newest
// request and counts it.
func (r *Router) Submit(req types.AlertRequest) {
	r.submitted.Add(1)
	select {
	case r.in <- req:
	default:
		r.droppedQueue.Add(1)
		r.logger.Warn("alert queue full, dropping",
			"kind", req.Kind, "fingerprint", req.Fingerprint)
	}
}

// Run processes the queue until ctx is cancelled, then flushes what is
// pending within the shutdown grace.
func (r *Router) Run(ctx context.Context) {
	r.refreshSettings(ctx)

	flush := time.NewTicker(flushTick)
	defer flush.Stop()
	refresh := time.NewTicker(r.cfg.SettingsRefresh)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case req := <-r.in:
			r.process(ctx, req)
		case <-flush.C:
			r.flushDue(ctx)
		case <-refresh.C:
			r.refreshSettings(ctx)
		}
	}
}

// drain empties the inbox and flushes every batch on a fresh context; the
// run context is already cancelled by the time it is called.
func (r *Router) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace)
	defer cancel()

	for {
		select {
		case req := <-r.in:
			r.process(ctx, req)
			continue
		default:
		}
		break
	}
	for key := range r.batches {
		r.flushBatch(ctx, key)
	}
}

func (r *Router) process(ctx context.Context, req types.AlertRequest) {
	topic := req.TopicKey
	if topic == "" {
		topic = staticRoute[req.Kind]
	}
	if topic == "" {
		r.droppedDelivery.Add(1)
		r.logger.Error("no route for alert kind", "kind", req.Kind)
		return
	}

	if !r.enabled(req.Kind, topic) {
		r.droppedDisabled.Add(1)
		return
	}

	if cd := r.cooldownFor(req.Kind); cd > 0 {
		if last, ok := r.lastSent[req.Fingerprint]; ok && time.Since(last) < cd {
			r.droppedCooldown.Add(1)
			r.logger.Debug("cooldown drop",
				"kind", req.Kind, "fingerprint", req.Fingerprint)
			return
		}
	}

	key := batchKey{kind: req.Kind, topic: topic}
	b := r.batches[key]
	if b == nil {
		b = &pending{}
		r.batches[key] = b
	}
	if len(b.requests) == 0 {
		b.oldest = time.Now()
	}
	b.requests = append(b.requests, req)

	if len(b.requests) > r.cfg.BatchThreshold {
		r.flushBatch(ctx, key)
	}
}

// enabled consults the per-kind switch. Digests toggle per period, so their
// settings key is the topic. Unknown keys default to enabled.
func (r *Router) enabled(kind types.AlertKind, topic string) bool {
	key := string(kind)
	if kind == types.AlertDigest {
		key = topic
	}
	v, ok := r.settings[key]
	if !ok {
		return true
	}
	return v
}

func (r *Router) cooldownFor(kind types.AlertKind) time.Duration {
	cd := r.cfg.Cooldowns
	switch kind {
	case types.AlertWallNew:
		return cd.WallNew
	case types.AlertWallGone:
		return cd.WallGone
	case types.AlertLargeTrade, types.AlertMegaTrade:
		return cd.LargeTrade
	case types.AlertConfirmedWall, types.AlertConfirmedWallGone:
		return cd.ConfirmedWall
	case types.AlertImbalance:
		return cd.Imbalance
	case types.AlertCVDSpike:
		return cd.CVDSpike
	default:
		return cd.Default
	}
}

func (r *Router) flushDue(ctx context.Context) {
	now := time.Now()
	for key, b := range r.batches {
		if len(b.requests) > 0 && now.Sub(b.oldest) >= r.cfg.BatchWait {
			r.flushBatch(ctx, key)
		}
	}
}

func (r *Router) flushBatch(ctx context.Context, key batchKey) {
	b := r.batches[key]
	if b == nil || len(b.requests) == 0 {
		return
	}
	batch := b.requests
	b.requests = nil

	text := renderBatch(key.kind, batch)
	ch := r.channelFor(key.topic)

	if err := r.deliver(ctx, ch, text); err != nil {
		r.droppedDelivery.Add(int64(len(batch)))
		r.logger.Error("alert delivery failed",
			"kind", key.kind, "topic", key.topic, "batched", len(batch), "error", err)
		return
	}

	now := time.Now()
	r.sentMessages.Add(1)
	r.sentAlerts.Add(int64(len(batch)))
	for _, req := range batch {
		r.lastSent[req.Fingerprint] = now
		if err := r.store.AppendAlertLog(ctx, req, key.topic, len(batch)); err != nil {
			r.logger.Warn("alert log append failed", "id", req.ID, "error", err)
		}
	}
}

// channelFor resolves a topic key to a concrete destination. Thread 0 means
// the topic is routed to the admin user directly.
func (r *Router) channelFor(topic string) notify.Channel {
	thread := r.sink.Topics[topic]
	if thread == 0 {
		return notify.Channel{ChatID: r.sink.AdminUser}
	}
	return notify.Channel{ChatID: r.sink.ForumGroup, ThreadID: thread}
}

// deliver retries transient failures with doubling waits. Permanent failures
// return immediately.
func (r *Router) deliver(ctx context.Context, ch notify.Channel, text string) error {
	var err error
	for attempt := 0; attempt < deliveryAttempts; attempt++ {
		if attempt > 0 {
			wait := r.retryWait << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err = r.sender.Send(ctx, ch, text); err == nil {
			return nil
		}
		if !errors.Is(err, notify.ErrTransient) {
			return err
		}
	}
	return err
}

// renderBatch merges a multi-request batch into one message: a count header,
// up to maxBatchLines entries, and an overflow line.
func renderBatch(kind types.AlertKind, batch []types.AlertRequest) string {
	if len(batch) == 1 {
		return batch[0].Text
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "*%d × %s*\n", len(batch), kind)
	shown := batch
	if len(shown) > maxBatchLines {
		shown = shown[:maxBatchLines]
	}
	for _, req := range shown {
		sb.WriteString(req.Text)
		sb.WriteByte('\n')
	}
	if extra := len(batch) - len(shown); extra > 0 {
		fmt.Fprintf(&sb, "_…and %d more_\n", extra)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Router) refreshSettings(ctx context.Context) {
	settings, err := r.store.NotificationSettings(ctx)
	if err != nil {
		r.logger.Warn("settings refresh failed", "error", err)
		return
	}
	r.settings = settings
}

// Stats reports router counters; safe from any goroutine.
func (r *Router) Stats() Stats {
	return Stats{
		Submitted:       r.submitted.Load(),
		SentMessages:    r.sentMessages.Load(),
		SentAlerts:      r.sentAlerts.Load(),
		DroppedQueue:    r.droppedQueue.Load(),
		DroppedCooldown: r.droppedCooldown.Load(),
		DroppedDisabled: r.droppedDisabled.Load(),
		DroppedDelivery: r.droppedDelivery.Load(),
	}
}
