package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"binance-monitor/internal/config"
	"binance-monitor/internal/notify"
	"binance-monitor/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMsg struct {
	ch   notify.Channel
	text string
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []sentMsg
	transient int   // fail this many sends with ErrTransient first
	permanent error // if set, every send fails permanently
}

func (f *fakeSender) Send(_ context.Context, ch notify.Channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permanent != nil {
		return f.permanent
	}
	if f.transient > 0 {
		f.transient--
		return fmt.Errorf("fake: %w", notify.ErrTransient)
	}
	f.sent = append(f.sent, sentMsg{ch: ch, text: text})
	return nil
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

type appendedLog struct {
	req     types.AlertRequest
	topic   string
	batched int
}

type fakeAlertStore struct {
	mu          sync.Mutex
	settings    map[string]bool
	settingsErr error
	appended    []appendedLog
}

func (f *fakeAlertStore) NotificationSettings(context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settingsErr != nil {
		return nil, f.settingsErr
	}
	out := make(map[string]bool, len(f.settings))
	for k, v := range f.settings {
		out[k] = v
	}
	return out, nil
}

func (f *fakeAlertStore) AppendAlertLog(_ context.Context, req types.AlertRequest, topic string, batched int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, appendedLog{req: req, topic: topic, batched: batched})
	return nil
}

func (f *fakeAlertStore) appendedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

func testAlertsConfig() config.AlertsConfig {
	return config.AlertsConfig{
		BatchWait:       300 * time.Millisecond,
		BatchThreshold:  3,
		QueueSize:       64,
		SettingsRefresh: time.Minute,
		ShutdownGrace:   2 * time.Second,
		Cooldowns: config.CooldownConfig{
			WallNew: 30 * time.Second,
			Default: time.Minute,
		},
	}
}

func testSinkConfig() config.SinkConfig {
	return config.SinkConfig{
		AdminUser:  900,
		ForumGroup: -100500,
		Topics: map[string]int64{
			"walls_spot_bid":          21,
			"walls_spot_ask":          22,
			"walls_futures_bid":       23,
			"walls_futures_ask":       24,
			"confirmed_walls_spot":    31,
			"confirmed_walls_futures": 32,
			"large_trades_spot":       41,
			"large_trades_futures":    42,
			"mega_events":             11,
			"liquidations":            12,
			"signals":                 13,
			"system":                  0, // routed to the admin user
			"digest_15m":              51,
			"digest_30m":              52,
			"digest_60m":              53,
		},
	}
}

func newTestRouter(t *testing.T, sender notify.Sender, store Store) *Router {
	t.Helper()
	r, err := NewRouter(testAlertsConfig(), testSinkConfig(), []int{15, 30, 60},
		sender, store, testLogger())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	r.retryWait = time.Millisecond
	return r
}

func TestNewRouterMissingTopicIsFatal(t *testing.T) {
	t.Parallel()

	sink := testSinkConfig()
	delete(sink.Topics, "signals")

	_, err := NewRouter(testAlertsConfig(), sink, []int{15, 30, 60},
		&fakeSender{}, &fakeAlertStore{}, testLogger())
	if err == nil || !strings.Contains(err.Error(), "signals") {
		t.Fatalf("want missing-topic error naming signals, got %v", err)
	}
}

func TestRequiredTopicKeys(t *testing.T) {
	t.Parallel()

	keys := requiredTopicKeys([]int{15, 30, 60})
	if len(keys) != 15 {
		t.Errorf("len = %d, want 15: %v", len(keys), keys)
	}
	want := map[string]bool{"walls_futures_ask": false, "digest_60m": false, "system": false}
	for _, k := range keys {
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("key %s missing", k)
		}
	}
}

func TestRouteExplicitTopic(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := newTestRouter(t, sender, &fakeAlertStore{})

	req := types.NewAlert(types.AlertWallNew, types.TopicWalls(types.Spot, types.Bid), "w1", "wall text")
	r.process(context.Background(), req)
	r.flushBatch(context.Background(), batchKey{kind: types.AlertWallNew, topic: "walls_spot_bid"})

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	want := notify.Channel{ChatID: -100500, ThreadID: 21}
	if msgs[0].ch != want {
		t.Errorf("channel = %+v, want %+v", msgs[0].ch, want)
	}
	if msgs[0].text != "wall text" {
		t.Errorf("text = %q", msgs[0].text)
	}
}

func TestRouteStaticFallback(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := newTestRouter(t, sender, &fakeAlertStore{})

	req := types.NewAlert(types.AlertLiquidation, "", "liq1", "liq text")
	r.process(context.Background(), req)
	r.flushBatch(context.Background(), batchKey{kind: types.AlertLiquidation, topic: "liquidations"})

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].ch.ThreadID != 12 {
		t.Errorf("thread = %d, want 12", msgs[0].ch.ThreadID)
	}
}

func TestZeroThreadRoutesToAdmin(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := newTestRouter(t, sender, &fakeAlertStore{})

	req := types.NewAlert(types.AlertSystem, types.TopicSystem, "sys1", "sys text")
	r.process(context.Background(), req)
	r.flushBatch(context.Background(), batchKey{kind: types.AlertSystem, topic: "system"})

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	want := notify.Channel{ChatID: 900, ThreadID: 0}
	if msgs[0].ch != want {
		t.Errorf("channel = %+v, want admin %+v", msgs[0].ch, want)
	}
}

func TestCooldownDropsRepeatFingerprint(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := newTestRouter(t, sender, &fakeAlertStore{})
	ctx := context.Background()
	key := batchKey{kind: types.AlertWallNew, topic: "walls_spot_bid"}

	r.process(ctx, types.NewAlert(types.AlertWallNew, "walls_spot_bid", "same", "first"))
	r.flushBatch(ctx, key)

	r.process(ctx, types.NewAlert(types.AlertWallNew, "walls_spot_bid", "same", "second"))
	r.process(ctx, types.NewAlert(types.AlertWallNew, "walls_spot_bid", "other", "third"))
	r.flushBatch(ctx, key)

	if got := r.Stats().DroppedCooldown; got != 1 {
		t.Errorf("DroppedCooldown = %d, want 1", got)
	}
	msgs := sender.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	if msgs[1].text != "third" {
		t.Errorf("second send = %q, want the new fingerprint", msgs[1].text)
	}
}

func TestDisabledKindDropped(t *testing.T) {
	t.Parallel()

	store := &fakeAlertStore{settings: map[string]bool{"large_trade": false}}
	sender := &fakeSender{}
	r := newTestRouter(t, sender, store)
	ctx := context.Background()
	r.refreshSettings(ctx)

	r.process(ctx, types.NewAlert(types.AlertLargeTrade, "large_trades_spot", "t1", "trade"))

	if got := r.Stats().DroppedDisabled; got != 1 {
		t.Errorf("DroppedDisabled = %d, want 1", got)
	}
	if b := r.batches[batchKey{kind: types.AlertLargeTrade, topic: "large_trades_spot"}]; b != nil && len(b.requests) > 0 {
		t.Error("disabled request was batched")
	}
}

func TestDigestToggleIsPerPeriod(t *testing.T) {
	t.Parallel()

	store := &fakeAlertStore{settings: map[string]bool{"digest_15m": false, "digest_30m": true}}
	r := newTestRouter(t, &fakeSender{}, store)
	ctx := context.Background()
	r.refreshSettings(ctx)

	r.process(ctx, types.NewAlert(types.AlertDigest, "digest_15m", "d15", "x"))
	r.process(ctx, types.NewAlert(types.AlertDigest, "digest_30m", "d30", "y"))

	if got := r.Stats().DroppedDisabled; got != 1 {
		t.Errorf("DroppedDisabled = %d, want 1", got)
	}
	if b := r.batches[batchKey{kind: types.AlertDigest, topic: "digest_30m"}]; b == nil || len(b.requests) != 1 {
		t.Error("enabled digest period was not batched")
	}
}

func TestSettingsRefreshErrorKeepsPrevious(t *testing.T) {
	t.Parallel()

	store := &fakeAlertStore{settings: map[string]bool{"imbalance": false}}
	r := newTestRouter(t, &fakeSender{}, store)
	ctx := context.Background()

	r.refreshSettings(ctx)
	store.mu.Lock()
	store.settingsErr = errors.New("db down")
	store.mu.Unlock()
	r.refreshSettings(ctx)

	if r.enabled(types.AlertImbalance, "signals") {
		t.Error("previous settings lost after failed refresh")
	}
}

func TestBatchThresholdMergesIntoOneMessage(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	store := &fakeAlertStore{}
	r := newTestRouter(t, sender, store)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		fp := fmt.Sprintf("w%d", i)
		r.process(ctx, types.NewAlert(types.AlertWallNew, "walls_futures_ask", fp, "line "+fp))
	}

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1 merged", len(msgs))
	}
	if !strings.Contains(msgs[0].text, "4 × wall_new") {
		t.Errorf("merged header missing: %q", msgs[0].text)
	}
	if !strings.Contains(msgs[0].text, "line w0") || !strings.Contains(msgs[0].text, "line w3") {
		t.Errorf("merged body incomplete: %q", msgs[0].text)
	}
	if store.appendedCount() != 4 {
		t.Errorf("alerts_log rows = %d, want 4", store.appendedCount())
	}
	if got := r.Stats(); got.SentMessages != 1 || got.SentAlerts != 4 {
		t.Errorf("stats = %+v, want 1 message / 4 alerts", got)
	}
}

func TestRenderBatchOverflow(t *testing.T) {
	t.Parallel()

	var batch []types.AlertRequest
	for i := 0; i < 13; i++ {
		batch = append(batch, types.NewAlert(types.AlertLargeTrade, "large_trades_spot",
			fmt.Sprintf("t%d", i), fmt.Sprintf("trade %d", i)))
	}

	text := renderBatch(types.AlertLargeTrade, batch)
	if !strings.Contains(text, "13 × large_trade") {
		t.Errorf("header missing: %q", text)
	}
	if !strings.Contains(text, "trade 9") || strings.Contains(text, "trade 10") {
		t.Errorf("want first 10 entries only: %q", text)
	}
	if !strings.Contains(text, "and 3 more") {
		t.Errorf("overflow line missing: %q", text)
	}
}

func TestDeliverRetriesTransient(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{transient: 2}
	r := newTestRouter(t, sender, &fakeAlertStore{})

	err := r.deliver(context.Background(), notify.Channel{ChatID: 1}, "x")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(sender.messages()) != 1 {
		t.Errorf("message not delivered after retries")
	}
}

func TestDeliverGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{transient: 10}
	r := newTestRouter(t, sender, &fakeAlertStore{})

	err := r.deliver(context.Background(), notify.Channel{ChatID: 1}, "x")
	if !errors.Is(err, notify.ErrTransient) {
		t.Fatalf("want transient error after exhausted retries, got %v", err)
	}
}

func TestDeliverPermanentFailureNoRetry(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{permanent: errors.New("bad markdown")}
	store := &fakeAlertStore{}
	r := newTestRouter(t, sender, store)
	ctx := context.Background()

	r.process(ctx, types.NewAlert(types.AlertWallNew, "walls_spot_bid", "w", "text"))
	r.flushBatch(ctx, batchKey{kind: types.AlertWallNew, topic: "walls_spot_bid"})

	if got := r.Stats().DroppedDelivery; got != 1 {
		t.Errorf("DroppedDelivery = %d, want 1", got)
	}
	if store.appendedCount() != 0 {
		t.Error("failed delivery must not reach alerts_log")
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	cfg := testAlertsConfig()
	cfg.QueueSize = 2
	r, err := NewRouter(cfg, testSinkConfig(), []int{15, 30, 60},
		&fakeSender{}, &fakeAlertStore{}, testLogger())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	for i := 0; i < 3; i++ {
		r.Submit(types.NewAlert(types.AlertSystem, "system", fmt.Sprintf("s%d", i), "x"))
	}
	if got := r.Stats(); got.Submitted != 3 || got.DroppedQueue != 1 {
		t.Errorf("stats = %+v, want 3 submitted / 1 dropped", got)
	}
}

func TestRunFlushesAfterBatchWait(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := newTestRouter(t, sender, &fakeAlertStore{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.Submit(types.NewAlert(types.AlertImbalance, "signals", "imb", "tilted"))

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].ch.ThreadID != 13 {
		t.Errorf("thread = %d, want signals topic", msgs[0].ch.ThreadID)
	}
}

func TestShutdownFlushesPending(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	store := &fakeAlertStore{}
	cfg := testAlertsConfig()
	cfg.BatchWait = time.Hour // only the shutdown drain can flush
	r, err := NewRouter(cfg, testSinkConfig(), []int{15, 30, 60},
		sender, store, testLogger())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.Submit(types.NewAlert(types.AlertCVDSpike, "signals", "cvd", "spike"))
	cancel()
	<-done

	if len(sender.messages()) != 1 {
		t.Fatalf("pending alert not flushed on shutdown")
	}
	if store.appendedCount() != 1 {
		t.Errorf("alerts_log rows = %d, want 1", store.appendedCount())
	}
}
