// Package query builds the dashboard's read views from one or many ledger
// partitions plus the legacy fallback directory.
package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/costguard/ledger/pkg/ledger"
	"github.com/costguard/ledger/pkg/legacy"
	"github.com/costguard/ledger/pkg/namespace"
)

const (
	DefaultPerRepoLimit  = 10
	DefaultDecisionLimit = 50
	DefaultConcurrency   = 8
)

// Ledger is the read side of ledger.Ledger.
type Ledger interface {
	LatestScan(ctx context.Context, repo string) (ledger.ScanSnapshot, error)
	LatestDecision(ctx context.Context, repo string) (ledger.DecisionRecord, error)
	DecisionHistory(ctx context.Context, repo string, limit int) (ledger.DecisionPage, error)
	ListPartitions(ctx context.Context) ([]namespace.PartitionKey, error)
}

// Fallback is the secondary source consulted when no repository is named.
type Fallback interface {
	Scan() (ledger.ScanSnapshot, error)
	Decisions() ([]ledger.DecisionRecord, int, error)
}

type Config struct {
	// PerRepoLimit caps decisions read from each partition.
	PerRepoLimit int
	// DecisionLimit is used when a caller passes no limit.
	DecisionLimit int
	// Concurrency bounds partitions read at once.
	Concurrency int
}

type Service struct {
	ledger   Ledger
	fallback Fallback
	cfg      Config
	log      logrus.FieldLogger
	flight   singleflight.Group
}

// New builds a Service. fallback may be nil.
func New(l Ledger, fallback Fallback, cfg Config, log logrus.FieldLogger) *Service {
	if cfg.PerRepoLimit <= 0 {
		cfg.PerRepoLimit = DefaultPerRepoLimit
	}
	if cfg.DecisionLimit <= 0 {
		cfg.DecisionLimit = DefaultDecisionLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}
	return &Service{ledger: l, fallback: fallback, cfg: cfg, log: log}
}

// Scan returns repo's latest scan, or the empty snapshot when there is none.
// With no repo it reads the fallback source.
func (s *Service) Scan(ctx context.Context, repo string) (ledger.ScanSnapshot, error) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return s.fallbackScan()
	}
	scan, err := s.ledger.LatestScan(ctx, repo)
	switch {
	case err == nil:
		return scan, nil
	case errors.Is(err, ledger.ErrNotFound):
		return ledger.EmptyScan(), nil
	case errors.Is(err, ledger.ErrDecode), errors.Is(err, ledger.ErrCorrupt):
		s.log.WithField("repo", repo).WithError(err).Warn("latest scan unreadable")
		return ledger.EmptyScan(), nil
	default:
		return ledger.ScanSnapshot{}, err
	}
}

func (s *Service) fallbackScan() (ledger.ScanSnapshot, error) {
	if s.fallback == nil {
		return ledger.EmptyScan(), nil
	}
	scan, err := s.fallback.Scan()
	switch {
	case err == nil:
		return scan, nil
	case errors.Is(err, legacy.ErrNotFound):
		return ledger.EmptyScan(), nil
	case errors.Is(err, ledger.ErrDecode):
		s.log.WithError(err).Warn("legacy scan unreadable")
		return ledger.EmptyScan(), nil
	default:
		return ledger.ScanSnapshot{}, err
	}
}

// Decisions returns the newest decisions, at most limit (0 means the
// configured default). A named repo reads only its partition; otherwise
// every partition and the fallback source are merged.
func (s *Service) Decisions(ctx context.Context, repo string, limit int) ([]ledger.DecisionRecord, error) {
	if limit <= 0 {
		limit = s.cfg.DecisionLimit
	}
	repo = strings.TrimSpace(repo)
	if repo != "" {
		page, err := s.ledger.DecisionHistory(ctx, repo, s.cfg.PerRepoLimit)
		switch {
		case errors.Is(err, ledger.ErrCorrupt):
			s.log.WithField("repo", repo).WithError(err).Warn("partition unreadable")
			return []ledger.DecisionRecord{}, nil
		case err != nil:
			return nil, err
		}
		return truncate(page.Records, limit), nil
	}

	v, err := s.shared(ctx, "decisions:"+strconv.Itoa(limit), func(ctx context.Context) (any, error) {
		return s.allDecisions(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]ledger.DecisionRecord)), nil
}

// shared runs fn once for concurrent callers with the same key. fn does not
// inherit cancellation from whichever caller started it; each caller stops
// waiting when its own ctx is done.
func (s *Service) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	work := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (any, error) {
		return fn(work)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (s *Service) allDecisions(ctx context.Context, limit int) ([]ledger.DecisionRecord, error) {
	keys, err := s.ledger.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}

	pages := make([][]ledger.DecisionRecord, len(keys))
	var corrupt, partial, empty atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, key := range keys {
		g.Go(func() error {
			repo := key.RepoFullName()
			page, err := s.ledger.DecisionHistory(gctx, repo, s.cfg.PerRepoLimit)
			switch {
			case errors.Is(err, ledger.ErrCorrupt):
				corrupt.Add(1)
				s.log.WithField("repo", repo).WithError(err).Warn("skipping unreadable partition")
				return nil
			case err != nil:
				return err
			}
			switch {
			case page.Skipped > 0:
				partial.Add(1)
				s.log.WithFields(logrus.Fields{"repo": repo, "skipped": page.Skipped, "read": len(page.Records)}).Debug("partition has unreadable decisions")
			case len(page.Records) == 0:
				empty.Add(1)
				s.log.WithField("repo", repo).Debug("partition has no decisions")
			}
			pages[i] = page.Records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("read decisions: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"partitions": len(keys),
		"corrupt":    corrupt.Load(),
		"partial":    partial.Load(),
		"empty":      empty.Load(),
	}).Debug("decisions aggregated")

	var merged []ledger.DecisionRecord
	for _, p := range pages {
		merged = append(merged, p...)
	}
	if s.fallback != nil {
		recs, skipped, err := s.fallback.Decisions()
		if err != nil {
			s.log.WithError(err).Warn("legacy decisions unavailable")
		} else {
			if skipped > 0 {
				s.log.WithField("skipped", skipped).Debug("legacy directory has unreadable decisions")
			}
			merged = append(merged, recs...)
		}
	}

	ledger.SortDecisions(merged)
	return truncate(merged, limit), nil
}

// RepoSummaries lists every repository that has a scan, most recently
// scanned first.
func (s *Service) RepoSummaries(ctx context.Context) ([]ledger.RepoSummary, error) {
	v, err := s.shared(ctx, "repos", func(ctx context.Context) (any, error) {
		return s.repoSummaries(ctx)
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]ledger.RepoSummary)), nil
}

func (s *Service) repoSummaries(ctx context.Context) ([]ledger.RepoSummary, error) {
	keys, err := s.ledger.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}

	slots := make([]*ledger.RepoSummary, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, key := range keys {
		g.Go(func() error {
			sum, err := s.summarize(gctx, key.RepoFullName())
			if err != nil {
				return err
			}
			slots[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("read repo summaries: %w", err)
	}

	out := make([]ledger.RepoSummary, 0, len(slots))
	for _, sum := range slots {
		if sum != nil {
			out = append(out, *sum)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastScanTimestamp.After(out[j].LastScanTimestamp)
	})
	return out, nil
}

// summarize returns nil for a repository without a readable scan.
func (s *Service) summarize(ctx context.Context, repo string) (*ledger.RepoSummary, error) {
	scan, err := s.ledger.LatestScan(ctx, repo)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return nil, nil
	case errors.Is(err, ledger.ErrDecode), errors.Is(err, ledger.ErrCorrupt):
		s.log.WithField("repo", repo).WithError(err).Warn("latest scan unreadable")
		return nil, nil
	case err != nil:
		return nil, err
	}

	var savings float64
	decision, err := s.ledger.LatestDecision(ctx, repo)
	switch {
	case err == nil:
		savings = decision.TotalSavingsUSD
	case errors.Is(err, ledger.ErrNotFound):
	case errors.Is(err, ledger.ErrDecode), errors.Is(err, ledger.ErrCorrupt):
		s.log.WithField("repo", repo).WithError(err).Warn("latest decision unreadable")
	default:
		return nil, err
	}

	return &ledger.RepoSummary{
		RepoFullName:      repo,
		LastScanTimestamp: scan.Timestamp,
		TotalSavingsUSD:   savings,
	}, nil
}

func truncate[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	if s == nil {
		return []T{}
	}
	return s
}

// clone keeps results shared through singleflight private to each caller.
func clone[T any](s []T) []T {
	out := make([]T, len(s))
	copy(out, s)
	return out
}
