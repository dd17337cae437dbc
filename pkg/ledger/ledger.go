// Package ledger stores cost scans and decision records per repository and
// answers the per-repository reads the dashboard needs.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/costguard/ledger/pkg/namespace"
	"github.com/costguard/ledger/pkg/storage"
)

// ErrNotFound is returned when a repository has no latest record of a kind.
var ErrNotFound = storage.ErrNotFound

// ErrCorrupt is returned when a repository's partition index is unreadable.
var ErrCorrupt = storage.ErrCorrupt

// maxIDAttempts bounds how far an id is bumped past a collision.
const maxIDAttempts = 16

// RecordID is the id a record was appended under: Unix milliseconds of the
// ingest, zero padded so ids sort in time order.
type RecordID string

// FormatID builds the id for an ingest at t.
func FormatID(t time.Time) RecordID {
	return RecordID(fmt.Sprintf("%013d", t.UnixMilli()))
}

func (id RecordID) next() (RecordID, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad record id %q: %w", id, err)
	}
	return RecordID(fmt.Sprintf("%013d", n+1)), nil
}

// Ledger is the only writer of partition contents.
type Ledger struct {
	backend storage.Backend
	log     logrus.FieldLogger
	now     func() time.Time
}

type Option func(*Ledger)

// WithLogger sets the logger used for skipped records.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock replaces the clock record ids are derived from.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(backend storage.Backend, opts ...Option) *Ledger {
	l := &Ledger{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		l.log = discard
	}
	return l
}

// IngestScan appends a scan and makes it the repository's latest.
func (l *Ledger) IngestScan(ctx context.Context, repo string, ts time.Time, scan ScanSnapshot) (RecordID, error) {
	return l.Ingest(ctx, repo, ts, &scan, nil)
}

// IngestDecision appends a decision and makes it the repository's latest.
func (l *Ledger) IngestDecision(ctx context.Context, repo string, ts time.Time, decision DecisionRecord) (RecordID, error) {
	return l.Ingest(ctx, repo, ts, nil, &decision)
}

// Ingest appends the given records under one id in a single commit, so a
// reader sees both or neither. The records are stamped with repo and ts, and
// the decision's ScanID is set to the id. Storage failures are returned as
// is; nothing is retried except an id collision, which moves to the next id.
func (l *Ledger) Ingest(ctx context.Context, repo string, ts time.Time, scan *ScanSnapshot, decision *DecisionRecord) (RecordID, error) {
	if scan == nil && decision == nil {
		return "", errors.New("ingest: nothing to write")
	}
	key, err := namespace.KeyFor(repo)
	if err != nil {
		return "", fmt.Errorf("ingest: %w", err)
	}

	id := FormatID(l.now())
	for attempt := 0; ; attempt++ {
		writes, err := l.writesFor(id, repo, ts, scan, decision)
		if err != nil {
			return "", err
		}
		err = l.backend.Commit(ctx, key, string(id), writes...)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, storage.ErrDuplicateRecord) || attempt+1 >= maxIDAttempts {
			return "", fmt.Errorf("ingest %s: %w", repo, err)
		}
		if id, err = id.next(); err != nil {
			return "", err
		}
	}
}

func (l *Ledger) writesFor(id RecordID, repo string, ts time.Time, scan *ScanSnapshot, decision *DecisionRecord) ([]storage.Write, error) {
	var writes []storage.Write
	if scan != nil {
		s := *scan
		s.RepoFullName = repo
		s.Timestamp = ts
		raw, err := EncodeScan(s)
		if err != nil {
			return nil, err
		}
		writes = append(writes, storage.Write{Kind: storage.KindScan, Data: raw})
	}
	if decision != nil {
		d := *decision
		d.ScanID = string(id)
		d.RepoFullName = repo
		d.Timestamp = ts
		raw, err := EncodeDecision(d)
		if err != nil {
			return nil, err
		}
		writes = append(writes, storage.Write{Kind: storage.KindDecision, Data: raw})
	}
	return writes, nil
}

// LatestScan returns the newest scan of repo, or ErrNotFound.
func (l *Ledger) LatestScan(ctx context.Context, repo string) (ScanSnapshot, error) {
	key, err := namespace.KeyFor(repo)
	if err != nil {
		return ScanSnapshot{}, err
	}
	e, err := l.backend.Latest(ctx, key, storage.KindScan)
	if err != nil {
		return ScanSnapshot{}, fmt.Errorf("latest scan %s: %w", repo, err)
	}
	s, err := DecodeScan(e.Data)
	if err != nil {
		return ScanSnapshot{}, fmt.Errorf("latest scan %s: %w", repo, err)
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = e.ModTime
	}
	if s.RepoFullName == "" {
		s.RepoFullName = repo
	}
	return s, nil
}

// LatestDecision returns the newest decision of repo, or ErrNotFound.
func (l *Ledger) LatestDecision(ctx context.Context, repo string) (DecisionRecord, error) {
	key, err := namespace.KeyFor(repo)
	if err != nil {
		return DecisionRecord{}, err
	}
	e, err := l.backend.Latest(ctx, key, storage.KindDecision)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("latest decision %s: %w", repo, err)
	}
	d, err := DecodeDecision(e.Data)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("latest decision %s: %w", repo, err)
	}
	fillDecision(&d, e, repo)
	return d, nil
}

// DecisionPage is one partition's decisions plus how many stored records
// could not be read.
type DecisionPage struct {
	Records []DecisionRecord
	Skipped int
}

// ListDecisions returns repo's decisions newest first, at most limit of
// them (limit <= 0 means all). Unreadable records are skipped.
func (l *Ledger) ListDecisions(ctx context.Context, repo string, limit int) ([]DecisionRecord, error) {
	page, err := l.DecisionHistory(ctx, repo, limit)
	if err != nil {
		return nil, err
	}
	return page.Records, nil
}

// DecisionHistory is ListDecisions with the skipped count kept.
func (l *Ledger) DecisionHistory(ctx context.Context, repo string, limit int) (DecisionPage, error) {
	key, err := namespace.KeyFor(repo)
	if err != nil {
		return DecisionPage{}, err
	}
	entries, err := l.backend.History(ctx, key, storage.KindDecision)
	if err != nil {
		return DecisionPage{}, fmt.Errorf("decisions %s: %w", repo, err)
	}

	var page DecisionPage
	page.Records = make([]DecisionRecord, 0, len(entries))
	for _, e := range entries {
		if e.Err != nil {
			page.Skipped++
			l.log.WithFields(logrus.Fields{"repo": repo, "id": e.ID}).WithError(e.Err).Warn("skipping unreadable decision")
			continue
		}
		d, err := DecodeDecision(e.Data)
		if err != nil {
			page.Skipped++
			l.log.WithFields(logrus.Fields{"repo": repo, "id": e.ID}).WithError(err).Warn("skipping unreadable decision")
			continue
		}
		fillDecision(&d, e, repo)
		page.Records = append(page.Records, d)
	}

	SortDecisions(page.Records)
	if limit > 0 && len(page.Records) > limit {
		page.Records = page.Records[:limit]
	}
	return page, nil
}

// ListPartitions returns every known partition.
func (l *Ledger) ListPartitions(ctx context.Context) ([]namespace.PartitionKey, error) {
	keys, err := l.backend.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	return keys, nil
}

// SortDecisions orders newest first. Equal timestamps keep their order.
func SortDecisions(ds []DecisionRecord) {
	sort.SliceStable(ds, func(i, j int) bool {
		return ds[i].Timestamp.After(ds[j].Timestamp)
	})
}

// A missing timestamp falls back to when storage accepted the record.
func fillDecision(d *DecisionRecord, e storage.Entry, repo string) {
	if d.Timestamp.IsZero() {
		d.Timestamp = e.ModTime
	}
	if d.ScanID == "" {
		d.ScanID = e.ID
	}
	if d.RepoFullName == "" {
		d.RepoFullName = repo
	}
}
