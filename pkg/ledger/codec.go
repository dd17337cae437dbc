package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDecode matches every *DecodeError.
var ErrDecode = errors.New("record unreadable")

// DecodeError reports stored bytes that do not hold a valid record.
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// scanDoc and decisionDoc are the stored JSON documents. Field names match
// what the cost agent and the dashboard UI already exchange.
type scanDoc struct {
	RepoFullName             string         `json:"repo_full_name,omitempty"`
	Timestamp                string         `json:"timestamp,omitempty"`
	TotalCurrentCostUSD      float64        `json:"total_current_cost_usd"`
	TotalOptimalCostUSD      float64        `json:"total_optimal_cost_usd"`
	TotalPotentialSavingsUSD float64        `json:"total_potential_savings_usd"`
	Resources                []ResourceCost `json:"resources"`
	// Summary is only read: the cost agent reports its totals here.
	Summary *scanTotals `json:"summary,omitempty"`
}

type scanTotals struct {
	TotalCurrentCostUSD      float64 `json:"total_current_cost_usd"`
	TotalOptimalCostUSD      float64 `json:"total_optimal_cost_usd"`
	TotalPotentialSavingsUSD float64 `json:"total_potential_savings_usd"`
}

type decisionDoc struct {
	ScanID          string  `json:"scan_id,omitempty"`
	RepoFullName    string  `json:"repo_full_name,omitempty"`
	Timestamp       string  `json:"timestamp,omitempty"`
	TotalSavingsUSD float64 `json:"total_savings_usd"`
	ActionsApplied  int     `json:"actions_to_apply"`
	Summary         string  `json:"summary"`
	PRURL           *string `json:"pr_url,omitempty"`
	PRNumber        *int    `json:"pr_number,omitempty"`
}

func newScanDoc(s ScanSnapshot) scanDoc {
	resources := s.Resources
	if resources == nil {
		resources = []ResourceCost{}
	}
	return scanDoc{
		RepoFullName:             s.RepoFullName,
		Timestamp:                formatTime(s.Timestamp),
		TotalCurrentCostUSD:      s.TotalCurrentCostUSD,
		TotalOptimalCostUSD:      s.TotalOptimalCostUSD,
		TotalPotentialSavingsUSD: s.TotalPotentialSavingsUSD,
		Resources:                resources,
	}
}

// EncodeScan serializes a snapshot.
func EncodeScan(s ScanSnapshot) ([]byte, error) {
	raw, err := json.Marshal(newScanDoc(s))
	if err != nil {
		return nil, fmt.Errorf("encode scan: %w", err)
	}
	return raw, nil
}

// DecodeScan parses bytes written by EncodeScan, by the legacy dashboard, or
// by the cost agent. Totals nested under "summary" are used when the top
// level carries none.
func DecodeScan(raw []byte) (ScanSnapshot, error) {
	var doc scanDoc
	if err := unmarshalObject(raw, &doc); err != nil {
		return ScanSnapshot{}, &DecodeError{Kind: "scan", Err: err}
	}
	if doc.Summary != nil && doc.TotalCurrentCostUSD == 0 && doc.TotalOptimalCostUSD == 0 && doc.TotalPotentialSavingsUSD == 0 {
		doc.TotalCurrentCostUSD = doc.Summary.TotalCurrentCostUSD
		doc.TotalOptimalCostUSD = doc.Summary.TotalOptimalCostUSD
		doc.TotalPotentialSavingsUSD = doc.Summary.TotalPotentialSavingsUSD
	}
	ts, err := parseTime(doc.Timestamp)
	if err != nil {
		return ScanSnapshot{}, &DecodeError{Kind: "scan", Err: err}
	}
	if doc.Resources == nil {
		doc.Resources = []ResourceCost{}
	}
	return ScanSnapshot{
		RepoFullName:             doc.RepoFullName,
		Timestamp:                ts,
		TotalCurrentCostUSD:      doc.TotalCurrentCostUSD,
		TotalOptimalCostUSD:      doc.TotalOptimalCostUSD,
		TotalPotentialSavingsUSD: doc.TotalPotentialSavingsUSD,
		Resources:                doc.Resources,
	}, nil
}

// EncodeDecision serializes a decision record. Nil PR fields are omitted.
func EncodeDecision(d DecisionRecord) ([]byte, error) {
	raw, err := json.Marshal(decisionDoc{
		ScanID:          d.ScanID,
		RepoFullName:    d.RepoFullName,
		Timestamp:       formatTime(d.Timestamp),
		TotalSavingsUSD: d.TotalSavingsUSD,
		ActionsApplied:  d.ActionsApplied,
		Summary:         d.Summary,
		PRURL:           d.PRURL,
		PRNumber:        d.PRNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("encode decision: %w", err)
	}
	return raw, nil
}

// DecodeDecision parses bytes written by EncodeDecision or by the legacy
// dashboard.
func DecodeDecision(raw []byte) (DecisionRecord, error) {
	var doc decisionDoc
	if err := unmarshalObject(raw, &doc); err != nil {
		return DecisionRecord{}, &DecodeError{Kind: "decision", Err: err}
	}
	ts, err := parseTime(doc.Timestamp)
	if err != nil {
		return DecisionRecord{}, &DecodeError{Kind: "decision", Err: err}
	}
	if doc.ActionsApplied < 0 {
		return DecisionRecord{}, &DecodeError{Kind: "decision", Err: fmt.Errorf("negative actions_to_apply %d", doc.ActionsApplied)}
	}
	if doc.PRNumber != nil && *doc.PRNumber < 0 {
		return DecisionRecord{}, &DecodeError{Kind: "decision", Err: fmt.Errorf("negative pr_number %d", *doc.PRNumber)}
	}
	return DecisionRecord{
		ScanID:          doc.ScanID,
		RepoFullName:    doc.RepoFullName,
		Timestamp:       ts,
		TotalSavingsUSD: doc.TotalSavingsUSD,
		ActionsApplied:  doc.ActionsApplied,
		Summary:         doc.Summary,
		PRURL:           doc.PRURL,
		PRNumber:        doc.PRNumber,
	}, nil
}

func unmarshalObject(raw []byte, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("not a JSON object")
	}
	return json.Unmarshal(trimmed, v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime treats an empty string as "not present".
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
