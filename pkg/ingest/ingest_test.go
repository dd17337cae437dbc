package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costguard/ledger/pkg/ledger"
	"github.com/costguard/ledger/pkg/storage/filestore"
)

const agentPayload = `{
	"repo_owner": "acme",
	"repo_name": "api",
	"repo_full_name": "acme/api",
	"scan_data": {
		"resources": [{"resource": "aws_instance.web", "provider": "aws", "costs": {"current_cost_usd": 120, "optimal_cost_usd": 80, "potential_savings_usd": 40}}],
		"summary": {"total_current_cost_usd": 120, "total_optimal_cost_usd": 80, "total_potential_savings_usd": 40}
	},
	"decision_data": {
		"total_actions": 3,
		"actions_to_apply": 2,
		"actions_deferred": 1,
		"total_savings_usd": 35.5,
		"decisions": [],
		"summary": "Downsize web tier"
	},
	"pr_url": "https://github.com/acme/api/pull/7",
	"pr_number": 7,
	"timestamp": "2025-07-01T12:00:00Z"
}`

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	fs, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	now := time.Date(2025, 7, 1, 12, 0, 1, 0, time.UTC)
	return ledger.New(fs, ledger.WithClock(func() time.Time { return now }))
}

func TestSubmitStoresScanAndDecision(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	svc := NewService(l, nil)

	sub, err := DecodeSubmission([]byte(agentPayload))
	require.NoError(t, err)
	receipt, err := svc.Submit(ctx, sub)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, "acme/api", receipt.Repo)
	assert.Equal(t, "2025-07-01T12:00:00Z", receipt.Timestamp)
	assert.NotEmpty(t, receipt.ScanID)

	scan, err := l.LatestScan(ctx, "acme/api")
	require.NoError(t, err)
	assert.Equal(t, 120.0, scan.TotalCurrentCostUSD)
	assert.Equal(t, 40.0, scan.TotalPotentialSavingsUSD)
	require.Len(t, scan.Resources, 1)
	assert.Equal(t, "aws_instance.web", scan.Resources[0].Resource)
	assert.Equal(t, "acme/api", scan.RepoFullName)

	decision, err := l.LatestDecision(ctx, "acme/api")
	require.NoError(t, err)
	assert.Equal(t, receipt.ScanID, decision.ScanID)
	assert.Equal(t, 35.5, decision.TotalSavingsUSD)
	assert.Equal(t, 2, decision.ActionsApplied)
	assert.Equal(t, "Downsize web tier", decision.Summary)
	require.NotNil(t, decision.PRURL)
	assert.Equal(t, "https://github.com/acme/api/pull/7", *decision.PRURL)
	require.NotNil(t, decision.PRNumber)
	assert.Equal(t, 7, *decision.PRNumber)
}

func TestSubmitScanOnly(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	sub := Submission{
		RepoFullName: "acme/api",
		ScanData:     json.RawMessage(`{"total_current_cost_usd": 3}`),
		DecisionData: json.RawMessage(`null`),
		Timestamp:    "2025-07-01T12:00:00Z",
	}
	_, err := NewService(l, nil).Submit(ctx, sub)
	require.NoError(t, err)

	_, err = l.LatestDecision(ctx, "acme/api")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSubmitDerivesRepoFromOwnerAndName(t *testing.T) {
	sub := Submission{
		RepoOwner:    "acme",
		RepoName:     "web",
		DecisionData: json.RawMessage(`{"total_savings_usd": 1}`),
		Timestamp:    "2025-07-01T12:00:00Z",
	}
	receipt, err := NewService(newLedger(t), nil).Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "acme/web", receipt.Repo)
}

func TestValidate(t *testing.T) {
	neg := -1
	valid := Submission{
		RepoFullName: "acme/api",
		ScanData:     json.RawMessage(`{}`),
		Timestamp:    "2025-07-01T12:00:00Z",
	}
	tests := []struct {
		name  string
		edit  func(*Submission)
		field string
	}{
		{"missing repo", func(s *Submission) { s.RepoFullName = "  " }, "repo_full_name"},
		{"missing timestamp", func(s *Submission) { s.Timestamp = "" }, "timestamp"},
		{"bad timestamp", func(s *Submission) { s.Timestamp = "yesterday" }, "timestamp"},
		{"negative pr number", func(s *Submission) { s.PRNumber = &neg }, "pr_number"},
		{"no parts", func(s *Submission) { s.ScanData = nil }, "scan_data"},
		{"scan not an object", func(s *Submission) { s.ScanData = json.RawMessage(`"text"`) }, "scan_data"},
		{"decision malformed", func(s *Submission) { s.DecisionData = json.RawMessage(`{"actions_to_apply": -2}`) }, "decision_data"},
	}

	require.NoError(t, valid.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.edit(&s)
			err := s.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestSubmitRejectsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	_, err := NewService(l, nil).Submit(ctx, Submission{RepoFullName: "acme/api", Timestamp: "2025-07-01T12:00:00Z"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	keys, err := l.ListPartitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDecodeSubmissionRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{"", "[]", "42", "{"} {
		_, err := DecodeSubmission([]byte(raw))
		assert.Error(t, err, "input %q", raw)
	}
}

type brokenLedger struct{}

var errDisk = errors.New("disk full")

func (brokenLedger) Ingest(context.Context, string, time.Time, *ledger.ScanSnapshot, *ledger.DecisionRecord) (ledger.RecordID, error) {
	return "", errDisk
}

func TestSubmitStorageError(t *testing.T) {
	sub, err := DecodeSubmission([]byte(agentPayload))
	require.NoError(t, err)
	_, err = NewService(brokenLedger{}, nil).Submit(context.Background(), sub)
	assert.ErrorIs(t, err, errDisk)
	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))
}
