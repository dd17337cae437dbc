// Package ingest validates submissions from the cost agent and writes them
// to the ledger. It is the only write path into the ledger.
package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/costguard/ledger/pkg/ledger"
)

// Ledger is the write side of ledger.Ledger.
type Ledger interface {
	Ingest(ctx context.Context, repo string, ts time.Time, scan *ledger.ScanSnapshot, decision *ledger.DecisionRecord) (ledger.RecordID, error)
}

// Receipt acknowledges a stored submission.
type Receipt struct {
	Success   bool   `json:"success"`
	Repo      string `json:"repo"`
	Timestamp string `json:"timestamp"`
	ScanID    string `json:"scan_id"`
}

type Service struct {
	ledger Ledger
	log    logrus.FieldLogger
}

func NewService(l Ledger, log logrus.FieldLogger) *Service {
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}
	return &Service{ledger: l, log: log}
}

// Submit stores the scan and decision of one submission in a single ledger
// commit. A *ValidationError means nothing was written; any other error is
// a storage failure and is not retried here.
func (s *Service) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	p, err := sub.prepare()
	if err != nil {
		return Receipt{}, err
	}
	id, err := s.ledger.Ingest(ctx, p.repo, p.ts, p.scan, p.decision)
	if err != nil {
		return Receipt{}, fmt.Errorf("store submission: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"repo":     p.repo,
		"id":       id,
		"scan":     p.scan != nil,
		"decision": p.decision != nil,
	}).Info("submission stored")
	return Receipt{
		Success:   true,
		Repo:      p.repo,
		Timestamp: sub.Timestamp,
		ScanID:    string(id),
	}, nil
}
