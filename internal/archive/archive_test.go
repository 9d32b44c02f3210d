package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	s3blob "binance-monitor/internal/blob/s3"
	"binance-monitor/internal/config"
	"binance-monitor/internal/store"
)

type fakeArchiveStore struct {
	trades []store.TradeRow
	liqs   []store.LiquidationRow
	walls  []store.WallRow

	listErr error
	deleted map[string]time.Time
}

func (f *fakeArchiveStore) ListLargeTradesBefore(_ context.Context, _ time.Time) ([]store.TradeRow, error) {
	return f.trades, f.listErr
}

func (f *fakeArchiveStore) DeleteLargeTradesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.markDeleted("large_trades", cutoff)
	return int64(len(f.trades)), nil
}

func (f *fakeArchiveStore) ListLiquidationsBefore(_ context.Context, _ time.Time) ([]store.LiquidationRow, error) {
	return f.liqs, nil
}

func (f *fakeArchiveStore) DeleteLiquidationsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.markDeleted("liquidations", cutoff)
	return int64(len(f.liqs)), nil
}

func (f *fakeArchiveStore) ListClosedWallsBefore(_ context.Context, _ time.Time) ([]store.WallRow, error) {
	return f.walls, nil
}

func (f *fakeArchiveStore) DeleteClosedWallsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.markDeleted("orderbook_walls", cutoff)
	return int64(len(f.walls)), nil
}

func (f *fakeArchiveStore) markDeleted(table string, cutoff time.Time) {
	if f.deleted == nil {
		f.deleted = map[string]time.Time{}
	}
	f.deleted[table] = cutoff
}

type fakeBlob struct {
	objects map[string][]byte
	putErr  error
}

func (f *fakeBlob) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, s3blob.ErrNotFound)
	}
	return data, nil
}

func (f *fakeBlob) Put(_ context.Context, key string, data []byte, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = data
	return nil
}

func newTestArchiver(st Store, blob Blob) *Archiver {
	cfg := config.ArchiveConfig{RetentionDays: 30}
	return New(cfg, st, blob, slog.New(slog.NewTextHandler(discard{}, nil)))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func epochMs(value string) int64 {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return ts.UnixMilli()
}

func TestCycleUploadsMonthlyObjectsThenPrunes(t *testing.T) {
	t.Parallel()

	st := &fakeArchiveStore{
		trades: []store.TradeRow{
			{Market: "spot", AggID: 1, Side: "BUY", Price: "50000", Qty: "10", NotionalUSD: 500000, TradeTime: epochMs("2024-05-30T23:59:00Z")},
			{Market: "spot", AggID: 2, Side: "SELL", Price: "50100", Qty: "11", NotionalUSD: 551100, TradeTime: epochMs("2024-06-01T00:01:00Z")},
		},
	}
	blob := &fakeBlob{}
	a := newTestArchiver(st, blob)

	a.Cycle(context.Background(), time.Now())

	may, ok := blob.objects["archive/large_trades/2024-05.jsonl"]
	if !ok {
		t.Fatalf("missing may object, have %v", keysOf(blob.objects))
	}
	june, ok := blob.objects["archive/large_trades/2024-06.jsonl"]
	if !ok {
		t.Fatal("missing june object")
	}

	var row store.TradeRow
	if err := json.Unmarshal(bytes.TrimSpace(may), &row); err != nil {
		t.Fatalf("may line does not parse: %v", err)
	}
	if row.AggID != 1 {
		t.Fatalf("may row agg_id = %d, want 1", row.AggID)
	}
	if err := json.Unmarshal(bytes.TrimSpace(june), &row); err != nil {
		t.Fatalf("june line does not parse: %v", err)
	}
	if row.AggID != 2 {
		t.Fatalf("june row agg_id = %d, want 2", row.AggID)
	}

	if _, ok := st.deleted["large_trades"]; !ok {
		t.Fatal("trades were not pruned after upload")
	}
}

func TestUploadFailureLeavesRowsInPlace(t *testing.T) {
	t.Parallel()

	st := &fakeArchiveStore{
		trades: []store.TradeRow{
			{Market: "spot", AggID: 1, TradeTime: epochMs("2024-06-01T00:01:00Z")},
		},
	}
	blob := &fakeBlob{putErr: errors.New("bucket offline")}
	a := newTestArchiver(st, blob)

	a.Cycle(context.Background(), time.Now())

	if _, ok := st.deleted["large_trades"]; ok {
		t.Fatal("rows pruned despite upload failure")
	}
}

func TestAppendsToExistingMonthlyObject(t *testing.T) {
	t.Parallel()

	prior := `{"market":"spot","agg_id":7}` + "\n"
	blob := &fakeBlob{objects: map[string][]byte{
		"archive/large_trades/2024-06.jsonl": []byte(prior),
	}}
	st := &fakeArchiveStore{
		trades: []store.TradeRow{
			{Market: "spot", AggID: 8, TradeTime: epochMs("2024-06-02T10:00:00Z")},
		},
	}
	a := newTestArchiver(st, blob)

	a.Cycle(context.Background(), time.Now())

	got := string(blob.objects["archive/large_trades/2024-06.jsonl"])
	if !strings.HasPrefix(got, prior) {
		t.Fatalf("existing lines lost:\n%s", got)
	}
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
}

func TestEmptyTablesSkipUploadsAndPrunes(t *testing.T) {
	t.Parallel()

	st := &fakeArchiveStore{}
	blob := &fakeBlob{}
	a := newTestArchiver(st, blob)

	a.Cycle(context.Background(), time.Now())

	if len(blob.objects) != 0 {
		t.Fatalf("unexpected uploads: %v", keysOf(blob.objects))
	}
	if len(st.deleted) != 0 {
		t.Fatalf("unexpected prunes: %v", st.deleted)
	}
}

func TestListFailureDoesNotBlockOtherTables(t *testing.T) {
	t.Parallel()

	st := &fakeArchiveStore{
		listErr: errors.New("db down"),
		liqs: []store.LiquidationRow{
			{Market: "futures", Side: "SELL", TradeTime: epochMs("2024-06-10T12:00:00Z")},
		},
	}
	blob := &fakeBlob{}
	a := newTestArchiver(st, blob)

	a.Cycle(context.Background(), time.Now())

	if _, ok := blob.objects["archive/liquidations/2024-06.jsonl"]; !ok {
		t.Fatal("liquidations not archived after trade list failure")
	}
	if _, ok := st.deleted["large_trades"]; ok {
		t.Fatal("trades pruned despite list failure")
	}
}

func TestWallsKeyedByCloseTime(t *testing.T) {
	t.Parallel()

	confirmedAt := epochMs("2024-06-05T08:00:00Z")
	st := &fakeArchiveStore{
		walls: []store.WallRow{
			{
				Market: "futures", Side: "bid", Price: "60000", Qty: "25",
				NotionalUSD: 1500000, MaxNotionalUSD: 2000000,
				DetectedAt: epochMs("2024-06-05T07:00:00Z"),
				LastSeenAt: epochMs("2024-06-05T09:00:00Z"),
				Confirmed:  true, ConfirmedAt: &confirmedAt,
				GoneAt: epochMs("2024-07-01T00:30:00Z"), GoneReason: "pulled",
			},
		},
	}
	blob := &fakeBlob{}
	a := newTestArchiver(st, blob)

	a.Cycle(context.Background(), time.Now())

	data, ok := blob.objects["archive/orderbook_walls/2024-07.jsonl"]
	if !ok {
		t.Fatalf("wall keyed by detection month instead of close month: %v", keysOf(blob.objects))
	}

	var row store.WallRow
	if err := json.Unmarshal(bytes.TrimSpace(data), &row); err != nil {
		t.Fatalf("wall line does not parse: %v", err)
	}
	if row.ConfirmedAt == nil || *row.ConfirmedAt != confirmedAt {
		t.Fatal("confirmed_at lost in round trip")
	}
	if row.GoneReason != "pulled" {
		t.Fatalf("gone_reason = %q", row.GoneReason)
	}
}

func TestUnconfirmedWallOmitsConfirmedAt(t *testing.T) {
	t.Parallel()

	st := &fakeArchiveStore{
		walls: []store.WallRow{
			{Market: "spot", Side: "ask", GoneAt: epochMs("2024-06-20T00:00:00Z"), GoneReason: "consumed"},
		},
	}
	blob := &fakeBlob{}
	a := newTestArchiver(st, blob)

	a.Cycle(context.Background(), time.Now())

	data := blob.objects["archive/orderbook_walls/2024-06.jsonl"]
	if strings.Contains(string(data), "confirmed_at") {
		t.Fatalf("nil confirmed_at should be omitted: %s", data)
	}
}

func keysOf(m map[string][]byte) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
