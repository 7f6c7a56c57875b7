package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "tgrelay/pkg/logx"
)

func TestOpen_DisabledDrivers(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: expected disabled store, got %v, %v", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	if got := DedupKey(-1001234, 42); got != "msg:-1001234:42" {
		t.Fatalf("DedupKey=%q", got)
	}
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	if err := st.AppendDelivery(ctx, DeliveryRecord{ItemID: "a", Kind: "text", ChatID: -100, Status: StatusSent}); err != nil {
		t.Fatalf("AppendDelivery: %v", err)
	}
	if err := st.AppendDelivery(ctx, DeliveryRecord{ItemID: "b", Kind: "photo", ChatID: -100, Status: StatusDropped, Code: 400, Error: "bad"}); err != nil {
		t.Fatalf("AppendDelivery: %v", err)
	}

	future := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "live", future); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.PutDedup(ctx, "stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}

	until, ok, err := st.GetDedup(ctx, "live")
	if err != nil || !ok || !until.Equal(future) {
		t.Fatalf("GetDedup(live)=%v,%v,%v want %v", until, ok, err, future)
	}
	if _, ok, err := st.GetDedup(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetDedup(missing)=%v,%v", ok, err)
	}

	n, err := st.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned=%d, want 1", n)
	}
	if _, ok, _ := st.GetDedup(ctx, "stale"); ok {
		t.Fatalf("stale marker survived prune")
	}
	if _, ok, _ := st.GetDedup(ctx, "live"); !ok {
		t.Fatalf("live marker lost by prune")
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "relay.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "relay.deliveries.jsonl"))
	if err != nil {
		t.Fatalf("open deliveries: %v", err)
	}
	defer f.Close()
	var recs []DeliveryRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("decode: %v", err)
		}
		recs = append(recs, r)
	}
	if len(recs) != 2 || recs[1].Status != StatusDropped || recs[1].Code != 400 {
		t.Fatalf("unexpected records: %+v", recs)
	}

	// Markers survive a reopen.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if _, ok, _ := st2.GetDedup(context.Background(), "live"); !ok {
		t.Fatalf("dedup marker lost across reopen")
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "relay.sqlite")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestFileStore_ReplaysJournalPastTornLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	until := time.Now().Add(time.Hour).UnixMilli()
	journal := `{"key":"a","until":` + itoa64(until) + "}\n" + `{"key":"b","unt` + "\n"
	if err := os.WriteFile(filepath.Join(dir, "relay.dedup.journal.jsonl"), []byte(journal), 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	if _, ok, _ := st.GetDedup(ctx, "a"); !ok {
		t.Fatalf("journal marker not replayed")
	}
	if _, ok, _ := st.GetDedup(ctx, "b"); ok {
		t.Fatalf("torn journal line must be ignored")
	}
}
