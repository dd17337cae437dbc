package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/costguard/ledger/pkg/ledger"
)

// Submission is the payload the cost agent posts after a run. scan_data and
// decision_data are kept raw so each is decoded by the ledger codec.
type Submission struct {
	RepoOwner    string          `json:"repo_owner,omitempty"`
	RepoName     string          `json:"repo_name,omitempty"`
	RepoFullName string          `json:"repo_full_name"`
	ScanData     json.RawMessage `json:"scan_data,omitempty"`
	DecisionData json.RawMessage `json:"decision_data,omitempty"`
	PRURL        *string         `json:"pr_url,omitempty"`
	PRNumber     *int            `json:"pr_number,omitempty"`
	Timestamp    string          `json:"timestamp"`
}

// ValidationError rejects a submission before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DecodeSubmission unmarshals a JSON submission.
func DecodeSubmission(raw []byte) (Submission, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Submission{}, errors.New("unmarshal submission: not a JSON object")
	}
	var s Submission
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return Submission{}, fmt.Errorf("unmarshal submission: %w", err)
	}
	return s, nil
}

// Repo returns repo_full_name, or owner/name when only those were sent.
func (s Submission) Repo() string {
	if name := strings.TrimSpace(s.RepoFullName); name != "" {
		return name
	}
	owner, name := strings.TrimSpace(s.RepoOwner), strings.TrimSpace(s.RepoName)
	if owner != "" && name != "" {
		return owner + "/" + name
	}
	return ""
}

// Validate checks identity fields and that the parts decode.
func (s Submission) Validate() error {
	_, err := s.prepare()
	return err
}

type prepared struct {
	repo     string
	ts       time.Time
	scan     *ledger.ScanSnapshot
	decision *ledger.DecisionRecord
}

func (s Submission) prepare() (prepared, error) {
	var p prepared
	p.repo = s.Repo()
	if p.repo == "" {
		return p, &ValidationError{Field: "repo_full_name", Reason: "required"}
	}
	if strings.TrimSpace(s.Timestamp) == "" {
		return p, &ValidationError{Field: "timestamp", Reason: "required"}
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s.Timestamp))
	if err != nil {
		return p, &ValidationError{Field: "timestamp", Reason: "must be RFC 3339"}
	}
	p.ts = ts.UTC()
	if s.PRNumber != nil && *s.PRNumber < 0 {
		return p, &ValidationError{Field: "pr_number", Reason: "must not be negative"}
	}

	if present(s.ScanData) {
		scan, err := ledger.DecodeScan(s.ScanData)
		if err != nil {
			return p, &ValidationError{Field: "scan_data", Reason: err.Error()}
		}
		p.scan = &scan
	}
	if present(s.DecisionData) {
		decision, err := ledger.DecodeDecision(s.DecisionData)
		if err != nil {
			return p, &ValidationError{Field: "decision_data", Reason: err.Error()}
		}
		decision.PRURL = nil
		decision.PRNumber = nil
		if s.PRURL != nil && *s.PRURL != "" {
			decision.PRURL = s.PRURL
		}
		decision.PRNumber = s.PRNumber
		p.decision = &decision
	}
	if p.scan == nil && p.decision == nil {
		return p, &ValidationError{Field: "scan_data", Reason: "scan_data or decision_data required"}
	}
	return p, nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
