package store

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestMigrationsEmbedded(t *testing.T) {
	t.Parallel()

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}

	var names []string
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".sql") {
			t.Errorf("unexpected migration file %q", e.Name())
		}
		names = append(names, e.Name())
	}
	if !sort.StringsAreSorted(names) {
		t.Errorf("migrations not lexically ordered: %v", names)
	}
	if names[0] != "0001_init.sql" {
		t.Errorf("first migration = %q, want 0001_init.sql", names[0])
	}
}

func TestMigrationsCreateExpectedTables(t *testing.T) {
	t.Parallel()

	raw, err := migrationsFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	sql := string(raw)

	for _, table := range []string{
		"orderbook_walls", "large_trades", "liquidations",
		"trade_aggregates_1m", "ob_snapshots_1m", "alerts_log",
		"notification_settings",
	} {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("0001_init.sql missing table %s", table)
		}
	}
}

func TestMillisRoundTrip(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 15, 12, 30, 45, 123_000_000, time.UTC)
	ms := millis(at)
	if ms != at.UnixMilli() {
		t.Fatalf("millis = %d, want %d", ms, at.UnixMilli())
	}
	back := fromMillis(ms)
	if !back.Equal(at) {
		t.Errorf("fromMillis(millis(t)) = %v, want %v", back, at)
	}
}

func TestFromMillisZero(t *testing.T) {
	t.Parallel()

	if got := fromMillis(0); !got.IsZero() {
		t.Errorf("fromMillis(0) = %v, want zero time", got)
	}
}

func TestNullableMillis(t *testing.T) {
	t.Parallel()

	if got := nullableMillis(time.Time{}); got != nil {
		t.Errorf("nullableMillis(zero) = %v, want nil", got)
	}

	at := time.UnixMilli(1_700_000_000_000)
	got := nullableMillis(at)
	ms, ok := got.(int64)
	if !ok || ms != 1_700_000_000_000 {
		t.Errorf("nullableMillis = %v, want int64 1700000000000", got)
	}
}
