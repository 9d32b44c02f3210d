package market

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"binance-monitor/internal/config"
	"binance-monitor/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeFetcher struct {
	mu    sync.Mutex
	snaps map[types.Market]types.DepthSnapshot
	fails int // forced failures before responses succeed
	calls int
}

func (f *fakeFetcher) GetDepth(_ context.Context, m types.Market) (*types.DepthSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return nil, context.DeadlineExceeded
	}
	snap := f.snaps[m]
	return &snap, nil
}

func (f *fakeFetcher) set(m types.Market, snap types.DepthSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[m] = snap
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMetricsStore struct {
	mu      sync.Mutex
	batches [][]types.BookMetrics
}

func (s *fakeMetricsStore) InsertBookMetrics(_ context.Context, ms []types.BookMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, ms)
	return nil
}

type testSink struct {
	mu   sync.Mutex
	reqs []types.AlertRequest
}

func (s *testSink) Submit(req types.AlertRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
}

func (s *testSink) byKind(kind types.AlertKind) []types.AlertRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AlertRequest
	for _, r := range s.reqs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func testSnapshotsConfig() config.SnapshotsConfig {
	return config.SnapshotsConfig{
		RefreshInterval:   time.Hour,
		RecoveryInterval:  5 * time.Millisecond,
		NotReadyAfter:     10 * time.Second,
		MetricsInterval:   time.Minute,
		ImbalanceAlertAbs: 0.4,
	}
}

func TestColdStartAnchorsAllBooks(t *testing.T) {
	t.Parallel()

	books := map[types.Market]*Book{
		types.Spot:    newTestBook(types.Spot),
		types.Futures: newTestBook(types.Futures),
	}
	fetcher := &fakeFetcher{snaps: map[types.Market]types.DepthSnapshot{
		types.Spot:    baseSnapshot(),
		types.Futures: baseSnapshot(),
	}}

	var mu sync.Mutex
	var synced int
	onWalls := func(_ types.Market, events []types.WallEvent) {
		mu.Lock()
		synced += countEvents(events, types.WallSynced)
		mu.Unlock()
	}

	c := NewCoordinator(testSnapshotsConfig(), books, fetcher, &fakeMetricsStore{}, &testSink{}, onWalls, testLogger())
	if err := c.ColdStart(context.Background()); err != nil {
		t.Fatalf("ColdStart: %v", err)
	}

	for m, b := range books {
		if !b.Ready() {
			t.Errorf("%s book not ready after cold start", m)
		}
	}
	if synced != 2 {
		t.Errorf("Synced events = %d, want 2 (one per book)", synced)
	}
}

func TestColdStartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	books := map[types.Market]*Book{types.Futures: newTestBook(types.Futures)}
	fetcher := &fakeFetcher{
		snaps: map[types.Market]types.DepthSnapshot{types.Futures: baseSnapshot()},
		fails: 2,
	}

	c := NewCoordinator(testSnapshotsConfig(), books, fetcher, &fakeMetricsStore{}, &testSink{}, nil, testLogger())
	if err := c.ColdStart(context.Background()); err != nil {
		t.Fatalf("ColdStart: %v", err)
	}

	if !books[types.Futures].Ready() {
		t.Error("book not ready after retries")
	}
	if got := fetcher.callCount(); got != 3 {
		t.Errorf("fetch calls = %d, want 3 (2 failures + 1 success)", got)
	}
}

func TestRecoverReanchorsAfterDesync(t *testing.T) {
	t.Parallel()

	b := newTestBook(types.Futures)
	books := map[types.Market]*Book{types.Futures: b}
	fetcher := &fakeFetcher{snaps: map[types.Market]types.DepthSnapshot{types.Futures: baseSnapshot()}}

	c := NewCoordinator(testSnapshotsConfig(), books, fetcher, &fakeMetricsStore{}, &testSink{}, nil, testLogger())
	if err := c.ColdStart(context.Background()); err != nil {
		t.Fatalf("ColdStart: %v", err)
	}

	// A diff far ahead of the anchor violates the first-diff rule.
	if _, err := b.ApplyDiff(futDiff(300, 310, 299, nil, nil)); err == nil {
		t.Fatal("expected sequencing violation")
	}

	// The next snapshot must cover the buffered diff for replay to succeed.
	fetcher.set(types.Futures, types.DepthSnapshot{
		LastUpdateID: 305,
		Bids:         [][]string{{"50000.00", "1.0"}},
		Asks:         [][]string{{"50100.00", "1.0"}},
	})

	c.recover(context.Background())

	if !b.Ready() {
		t.Error("book not ready after recovery")
	}
	if got := fetcher.callCount(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
	if b.LastUpdateID() != 310 {
		t.Errorf("anchor = %d, want 310 (buffered diff replayed)", b.LastUpdateID())
	}
}

func TestRecoverSkipsHealthyBooks(t *testing.T) {
	t.Parallel()

	books := map[types.Market]*Book{types.Spot: newTestBook(types.Spot)}
	fetcher := &fakeFetcher{snaps: map[types.Market]types.DepthSnapshot{types.Spot: baseSnapshot()}}

	c := NewCoordinator(testSnapshotsConfig(), books, fetcher, &fakeMetricsStore{}, &testSink{}, nil, testLogger())
	if err := c.ColdStart(context.Background()); err != nil {
		t.Fatalf("ColdStart: %v", err)
	}

	c.recover(context.Background())
	c.recover(context.Background())

	if got := fetcher.callCount(); got != 1 {
		t.Errorf("fetch calls = %d, want 1 (healthy book untouched)", got)
	}
}

func TestRecoverNotReadyTooLong(t *testing.T) {
	t.Parallel()

	b := newTestBook(types.Spot)
	b.mu.Lock()
	b.notReadySince = time.Now().Add(-time.Minute)
	b.mu.Unlock()

	books := map[types.Market]*Book{types.Spot: b}
	fetcher := &fakeFetcher{snaps: map[types.Market]types.DepthSnapshot{types.Spot: baseSnapshot()}}

	c := NewCoordinator(testSnapshotsConfig(), books, fetcher, &fakeMetricsStore{}, &testSink{}, nil, testLogger())
	c.recover(context.Background())

	if !b.Ready() {
		t.Error("stale not-ready book was not re-anchored")
	}
	if got := fetcher.callCount(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestSnapshotMetricsPersistsAndAlertsImbalance(t *testing.T) {
	t.Parallel()

	b := newTestBook(types.Futures)
	// Bids ~$5M within 1% of mid vs $100K of asks: imbalance ≈ +0.96.
	if _, err := b.ApplySnapshot(types.DepthSnapshot{
		LastUpdateID: 100,
		Bids:         [][]string{{"49900.00", "100.0"}},
		Asks:         [][]string{{"50100.00", "2.0"}},
	}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	store := &fakeMetricsStore{}
	sink := &testSink{}
	books := map[types.Market]*Book{types.Futures: b}
	c := NewCoordinator(testSnapshotsConfig(), books, &fakeFetcher{}, store, sink, nil, testLogger())

	c.snapshotMetrics(context.Background())

	store.mu.Lock()
	batches := len(store.batches)
	store.mu.Unlock()
	if batches != 1 {
		t.Fatalf("metric batches = %d, want 1", batches)
	}

	alerts := sink.byKind(types.AlertImbalance)
	if len(alerts) != 1 {
		t.Fatalf("imbalance alerts = %d, want 1", len(alerts))
	}
	if !strings.Contains(alerts[0].Text, "bids heavier") {
		t.Errorf("alert text = %q, want bid-heavy wording", alerts[0].Text)
	}
	if alerts[0].Fingerprint != "imbalance:futures" {
		t.Errorf("fingerprint = %q, want imbalance:futures", alerts[0].Fingerprint)
	}
}

func TestSnapshotMetricsBelowThresholdNoAlert(t *testing.T) {
	t.Parallel()

	b := newTestBook(types.Spot)
	if _, err := b.ApplySnapshot(types.DepthSnapshot{
		LastUpdateID: 100,
		Bids:         [][]string{{"49900.00", "10.0"}},
		Asks:         [][]string{{"50100.00", "10.0"}},
	}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	store := &fakeMetricsStore{}
	sink := &testSink{}
	c := NewCoordinator(testSnapshotsConfig(), map[types.Market]*Book{types.Spot: b}, &fakeFetcher{}, store, sink, nil, testLogger())

	c.snapshotMetrics(context.Background())

	store.mu.Lock()
	batches := len(store.batches)
	store.mu.Unlock()
	if batches != 1 {
		t.Errorf("metric batches = %d, want 1 (metrics persist regardless)", batches)
	}
	if got := len(sink.byKind(types.AlertImbalance)); got != 0 {
		t.Errorf("imbalance alerts = %d, want 0", got)
	}
}

func TestSnapshotMetricsSkipsNotReadyBooks(t *testing.T) {
	t.Parallel()

	store := &fakeMetricsStore{}
	books := map[types.Market]*Book{types.Spot: newTestBook(types.Spot)}
	c := NewCoordinator(testSnapshotsConfig(), books, &fakeFetcher{}, store, &testSink{}, nil, testLogger())

	c.snapshotMetrics(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 0 {
		t.Errorf("metric batches = %d, want 0 for not-ready book", len(store.batches))
	}
}
