package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Errorf("close client: %v", cerr)
		}
	})
	return New(client, cfg), m
}

func fixedNow() time.Time {
	return time.Date(2026, time.August, 28, 15, 4, 5, 0, time.UTC)
}

func TestAddLedgerEntryWinsOnce(t *testing.T) {
	st, _ := testStore(t, Config{Now: fixedNow})
	ctx := context.Background()

	added, err := st.AddLedgerEntry(ctx, "sub", "e1")
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !added {
		t.Fatal("expected first insert to win")
	}
	added, err = st.AddLedgerEntry(ctx, "sub", "e1")
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if added {
		t.Fatal("expected second insert to lose")
	}

	// Same id for a different subject is a distinct entry.
	added, err = st.AddLedgerEntry(ctx, "other", "e1")
	if err != nil {
		t.Fatalf("cross-subject insert: %v", err)
	}
	if !added {
		t.Fatal("expected cross-subject insert to win")
	}
}

func TestAddLedgerEntryTTL(t *testing.T) {
	st, m := testStore(t, Config{LedgerTTL: time.Hour, Now: fixedNow})
	ctx := context.Background()

	if _, err := st.AddLedgerEntry(ctx, "sub", "e1"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ttl := m.TTL("ledger:sub:e1"); ttl != time.Hour {
		t.Fatalf("expected 1h TTL, got %v", ttl)
	}

	m.FastForward(2 * time.Hour)
	added, err := st.AddLedgerEntry(ctx, "sub", "e1")
	if err != nil {
		t.Fatalf("insert after expiry: %v", err)
	}
	if !added {
		t.Fatal("expected insert to win after ledger expiry")
	}
}

func TestRemoveLedgerEntryAllowsRetry(t *testing.T) {
	st, _ := testStore(t, Config{Now: fixedNow})
	ctx := context.Background()

	if _, err := st.AddLedgerEntry(ctx, "sub", "e1"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.RemoveLedgerEntry(ctx, "sub", "e1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	added, err := st.AddLedgerEntry(ctx, "sub", "e1")
	if err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if !added {
		t.Fatal("expected reinsert to win after removal")
	}
}

func TestAddXPCommutes(t *testing.T) {
	deltas := []int64{10, 5, 7}
	orders := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}}
	for _, order := range orders {
		st, _ := testStore(t, Config{Now: fixedNow})
		ctx := context.Background()
		for _, i := range order {
			if err := st.AddXP(ctx, "sub", deltas[i], true); err != nil {
				t.Fatalf("add xp: %v", err)
			}
		}
		totals, err := st.Totals(ctx, "sub")
		if err != nil {
			t.Fatalf("totals: %v", err)
		}
		if totals.TotalXP != 22 || totals.GamesPlayed != 3 {
			t.Fatalf("order %v: unexpected totals %+v", order, totals)
		}
	}
}

func TestAddXPNegativeDelta(t *testing.T) {
	st, _ := testStore(t, Config{Now: fixedNow})
	ctx := context.Background()

	if err := st.AddXP(ctx, "sub", 10, true); err != nil {
		t.Fatalf("add xp: %v", err)
	}
	if err := st.AddXP(ctx, "sub", -4, true); err != nil {
		t.Fatalf("add negative xp: %v", err)
	}
	totals, err := st.Totals(ctx, "sub")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.TotalXP != 6 || totals.GamesPlayed != 2 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestIncrementQuestProgressClampsAtCap(t *testing.T) {
	st, _ := testStore(t, Config{ProgressCap: 5, Now: fixedNow})
	ctx := context.Background()

	got, err := st.IncrementQuestProgress(ctx, "sub", "daily_5", 3)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	got, err = st.IncrementQuestProgress(ctx, "sub", "daily_5", 4)
	if err != nil {
		t.Fatalf("increment past cap: %v", err)
	}
	if got != 5 {
		t.Fatalf("expected clamp at 5, got %d", got)
	}

	rec, err := st.QuestRecord(ctx, "sub", "daily_5", st.DayBucket())
	if err != nil {
		t.Fatalf("quest record: %v", err)
	}
	if rec.Progress != 5 {
		t.Fatalf("expected stored progress 5, got %d", rec.Progress)
	}
}

func TestDayBucketUsesServerClock(t *testing.T) {
	st, _ := testStore(t, Config{Now: fixedNow})
	if got := st.DayBucket(); got != "2026-08-28" {
		t.Fatalf("unexpected day bucket %q", got)
	}
}

func TestQuestProgressIsPerDay(t *testing.T) {
	day := fixedNow()
	now := func() time.Time { return day }
	st, _ := testStore(t, Config{Now: func() time.Time { return now() }})
	ctx := context.Background()

	if _, err := st.IncrementQuestProgress(ctx, "sub", "daily_5", 3); err != nil {
		t.Fatalf("increment: %v", err)
	}

	// Roll the server clock past midnight: progress starts from zero.
	now = func() time.Time { return day.Add(24 * time.Hour) }
	got, err := st.IncrementQuestProgress(ctx, "sub", "daily_5", 2)
	if err != nil {
		t.Fatalf("increment next day: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected fresh counter, got %d", got)
	}
}

func TestCompleteQuestRewardsOnce(t *testing.T) {
	st, _ := testStore(t, Config{Now: fixedNow})
	ctx := context.Background()

	completed, err := st.CompleteQuest(ctx, "sub", "daily_5", 20)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !completed {
		t.Fatal("expected first completion to apply")
	}
	completed, err = st.CompleteQuest(ctx, "sub", "daily_5", 20)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if completed {
		t.Fatal("expected second completion to be a no-op")
	}

	totals, err := st.Totals(ctx, "sub")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.TotalXP != 20 {
		t.Fatalf("expected reward credited once, total_xp = %d", totals.TotalXP)
	}

	rec, err := st.QuestRecord(ctx, "sub", "daily_5", st.DayBucket())
	if err != nil {
		t.Fatalf("quest record: %v", err)
	}
	if rec.CompletedAt == "" || !rec.XPAwarded {
		t.Fatalf("expected completion marked, got %+v", rec)
	}
}

func TestTotalsUnknownSubject(t *testing.T) {
	st, _ := testStore(t, Config{Now: fixedNow})

	totals, err := st.Totals(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.TotalXP != 0 || totals.GamesPlayed != 0 {
		t.Fatalf("expected zeros, got %+v", totals)
	}
}
