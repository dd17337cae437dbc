package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/costguard/ledger/pkg/namespace"
	"github.com/costguard/ledger/pkg/storage"
)

// Integration test that ensures commits keep the newest id as latest.
func TestCommitHonorsNewestID(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := NewDB(ctx, dsn)
	if err != nil {
		t.Fatalf("database unavailable: %v", err)
	}
	defer pool.Close()

	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE ledger_records, ledger_latest"); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	store := NewStore(pool)
	key, err := namespace.KeyFor("acme/api")
	if err != nil {
		t.Fatalf("KeyFor: %v", err)
	}

	commits := []struct {
		id   string
		data string
	}{
		{"0000000000002", "old"},
		{"0000000000003", "new"},
		{"0000000000001", "older"},
	}
	for _, c := range commits {
		err := store.Commit(ctx, key, c.id,
			storage.Write{Kind: storage.KindScan, Data: []byte(c.data)},
			storage.Write{Kind: storage.KindDecision, Data: []byte(c.data)},
		)
		if err != nil {
			t.Fatalf("commit %s: %v", c.id, err)
		}
	}

	got, err := store.Latest(ctx, key, storage.KindScan)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.ID != "0000000000003" || string(got.Data) != "new" {
		t.Fatalf("latest mismatch: got %s %q", got.ID, got.Data)
	}

	err = store.Commit(ctx, key, "0000000000003", storage.Write{Kind: storage.KindScan, Data: []byte("dup")})
	if err == nil {
		t.Fatalf("expected duplicate error")
	}

	hist, err := store.History(ctx, key, storage.KindDecision)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 || hist[0].ID != "0000000000001" {
		t.Fatalf("unexpected history: %+v", hist)
	}

	keys, err := store.Partitions(ctx)
	if err != nil {
		t.Fatalf("Partitions: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Fatalf("unexpected partitions: %v", keys)
	}
}
