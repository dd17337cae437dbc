package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costguard/ledger/pkg/namespace"
	"github.com/costguard/ledger/pkg/storage"
	"github.com/costguard/ledger/pkg/storage/filestore"
)

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// tickingClock advances one second per call.
func tickingClock() func() time.Time {
	var n int64
	return func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&n, 1)) * time.Second)
	}
}

func newLedger(t *testing.T, opts ...Option) (*Ledger, *filestore.Store) {
	t.Helper()
	fs, err := filestore.New(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	opts = append([]Option{WithClock(tickingClock())}, opts...)
	return New(fs, opts...), fs
}

func scanWithCost(cost float64) ScanSnapshot {
	return ScanSnapshot{
		TotalCurrentCostUSD: cost,
		TotalOptimalCostUSD: cost / 2,
		Resources: []ResourceCost{{
			Resource: fmt.Sprintf("deployment/app-%.0f", cost),
			Provider: "kubernetes",
			Costs:    Costs{CurrentCostUSD: cost, OptimalCostUSD: cost / 2, PotentialSavingsUSD: cost / 2},
		}},
	}
}

func TestLatestScanWins(t *testing.T) {
	ctx := context.Background()
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			l, _ := newLedger(t)
			for i := 1; i <= n; i++ {
				_, err := l.IngestScan(ctx, "acme/api", base.Add(time.Duration(i)*time.Minute), scanWithCost(float64(i)))
				require.NoError(t, err)
			}
			got, err := l.LatestScan(ctx, "acme/api")
			require.NoError(t, err)
			assert.Equal(t, float64(n), got.TotalCurrentCostUSD)
			assert.Equal(t, base.Add(time.Duration(n)*time.Minute), got.Timestamp)
			assert.Equal(t, "acme/api", got.RepoFullName)
		})
	}
}

func TestLatestNotFound(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.LatestScan(ctx, "acme/api")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.LatestDecision(ctx, "acme/api")
	assert.ErrorIs(t, err, ErrNotFound)

	decisions, err := l.ListDecisions(ctx, "acme/api", 10)
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestPartitionIsolation(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.Ingest(ctx, "acme/a", base, ptr(scanWithCost(10)), &DecisionRecord{Summary: "a"})
	require.NoError(t, err)
	before, err := l.ListDecisions(ctx, "acme/a", 10)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := l.Ingest(ctx, "acme/b", base.Add(time.Hour), ptr(scanWithCost(99)), &DecisionRecord{Summary: "b"})
		require.NoError(t, err)
	}

	scan, err := l.LatestScan(ctx, "acme/a")
	require.NoError(t, err)
	assert.Equal(t, 10.0, scan.TotalCurrentCostUSD)
	after, err := l.ListDecisions(ctx, "acme/a", 10)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	keys, err := l.ListPartitions(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestListDecisionsCapNewestFirst(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	for i := 1; i <= 15; i++ {
		_, err := l.IngestDecision(ctx, "acme/api", base.Add(time.Duration(i)*time.Hour), DecisionRecord{ActionsApplied: i})
		require.NoError(t, err)
	}

	got, err := l.ListDecisions(ctx, "acme/api", 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i, d := range got {
		assert.Equal(t, 15-i, d.ActionsApplied)
		if i > 0 {
			assert.True(t, got[i-1].Timestamp.After(d.Timestamp))
		}
	}

	all, err := l.ListDecisions(ctx, "acme/api", 0)
	require.NoError(t, err)
	assert.Len(t, all, 15)
}

func TestListDecisionsOrdersByTimestampNotID(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	// Ingested in this order, so ids ascend while timestamps do not.
	stamps := []time.Time{base.Add(2 * time.Hour), base, base.Add(time.Hour), base.Add(time.Hour)}
	for i, ts := range stamps {
		_, err := l.IngestDecision(ctx, "acme/api", ts, DecisionRecord{ActionsApplied: i})
		require.NoError(t, err)
	}
	got, err := l.ListDecisions(ctx, "acme/api", 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	order := []int{got[0].ActionsApplied, got[1].ActionsApplied, got[2].ActionsApplied, got[3].ActionsApplied}
	// Ties keep ingest order.
	assert.Equal(t, []int{0, 2, 3, 1}, order)
}

func TestListDecisionsSkipsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	l, fs := newLedger(t)

	var ids []RecordID
	for i := 1; i <= 5; i++ {
		id, err := l.IngestDecision(ctx, "acme/api", base.Add(time.Duration(i)*time.Minute), DecisionRecord{ActionsApplied: i})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	key, err := namespace.KeyFor("acme/api")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(fs.RecordPath(key, storage.KindDecision, string(ids[2])), []byte("{garbage"), 0o644))

	page, err := l.DecisionHistory(ctx, "acme/api", 10)
	require.NoError(t, err)
	assert.Len(t, page.Records, 4)
	assert.Equal(t, 1, page.Skipped)
	for _, d := range page.Records {
		assert.NotEqual(t, 3, d.ActionsApplied)
	}
}

func TestMissingTimestampFallsBackToStorageTime(t *testing.T) {
	ctx := context.Background()
	l, fs := newLedger(t)

	id, err := l.IngestDecision(ctx, "acme/api", time.Time{}, DecisionRecord{Summary: "no time"})
	require.NoError(t, err)

	key, err := namespace.KeyFor("acme/api")
	require.NoError(t, err)
	info, err := os.Stat(fs.RecordPath(key, storage.KindDecision, string(id)))
	require.NoError(t, err)

	got, err := l.ListDecisions(ctx, "acme/api", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Timestamp.Equal(info.ModTime()))
}

func TestIngestPairSharesID(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	url := "https://github.com/acme/api/pull/3"
	num := 3

	id, err := l.Ingest(ctx, "acme/api", base, ptr(scanWithCost(5)), &DecisionRecord{
		ScanID: "ignored", TotalSavingsUSD: 2.5, PRURL: &url, PRNumber: &num,
	})
	require.NoError(t, err)
	assert.Equal(t, FormatID(base.Add(time.Second)), id)

	d, err := l.LatestDecision(ctx, "acme/api")
	require.NoError(t, err)
	assert.Equal(t, string(id), d.ScanID)
	assert.Equal(t, "acme/api", d.RepoFullName)
	assert.Equal(t, base, d.Timestamp)
	require.NotNil(t, d.PRNumber)
	assert.Equal(t, 3, *d.PRNumber)
}

func TestIngestBumpsCollidingID(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, WithClock(func() time.Time { return base }))

	first, err := l.IngestDecision(ctx, "acme/api", base, DecisionRecord{})
	require.NoError(t, err)
	second, err := l.IngestDecision(ctx, "acme/api", base, DecisionRecord{})
	require.NoError(t, err)

	assert.Equal(t, FormatID(base), first)
	assert.Equal(t, FormatID(base.Add(time.Millisecond)), second)
}

func TestIngestRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.Ingest(ctx, "acme/api", base, nil, nil)
	assert.Error(t, err)
	_, err = l.IngestScan(ctx, " ", base, ScanSnapshot{})
	assert.ErrorIs(t, err, namespace.ErrEmptyName)
}

func TestConcurrentIngestIsAtomic(t *testing.T) {
	ctx := context.Background()
	// Same clock reading for both writers forces an id collision.
	l, _ := newLedger(t, WithClock(func() time.Time { return base }))

	inputs := []ScanSnapshot{scanWithCost(100), scanWithCost(200)}
	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in ScanSnapshot) {
			defer wg.Done()
			_, err := l.Ingest(ctx, "acme/api", base.Add(time.Duration(i)*time.Minute), &in, &DecisionRecord{ActionsApplied: i})
			assert.NoError(t, err)
		}(i, in)
	}
	wg.Wait()

	got, err := l.LatestScan(ctx, "acme/api")
	require.NoError(t, err)
	matched := -1
	for i, in := range inputs {
		if got.TotalCurrentCostUSD == in.TotalCurrentCostUSD {
			matched = i
			assert.Equal(t, in.Resources, got.Resources)
			assert.Equal(t, base.Add(time.Duration(i)*time.Minute), got.Timestamp)
		}
	}
	require.NotEqual(t, -1, matched, "latest scan matches neither input: %+v", got)

	d, err := l.LatestDecision(ctx, "acme/api")
	require.NoError(t, err)
	assert.Equal(t, matched, d.ActionsApplied, "latest decision and scan come from different ingests")

	all, err := l.ListDecisions(ctx, "acme/api", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func ptr[T any](v T) *T { return &v }
