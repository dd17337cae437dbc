package ledger

import (
	"encoding/json"
	"time"
)

// Costs are monthly USD figures for one resource.
type Costs struct {
	CurrentCostUSD      float64 `json:"current_cost_usd"`
	OptimalCostUSD      float64 `json:"optimal_cost_usd"`
	PotentialSavingsUSD float64 `json:"potential_savings_usd"`
}

// ResourceCost is one line of a scan.
type ResourceCost struct {
	Resource string `json:"resource"`
	Provider string `json:"provider"`
	Costs    Costs  `json:"costs"`
}

// ScanSnapshot is one cost analysis of a repository. A zero Timestamp means
// the producer did not send one. Nil and empty Resources are equivalent.
type ScanSnapshot struct {
	RepoFullName             string
	Timestamp                time.Time
	TotalCurrentCostUSD      float64
	TotalOptimalCostUSD      float64
	TotalPotentialSavingsUSD float64
	Resources                []ResourceCost
}

// EmptyScan is served when a repository has no scan yet.
func EmptyScan() ScanSnapshot {
	return ScanSnapshot{Resources: []ResourceCost{}}
}

// MarshalJSON writes the same document the codec stores.
func (s ScanSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(newScanDoc(s))
}

// DecisionRecord describes the actions taken in response to a scan. ScanID
// is the ledger record id and is unique within a repository. PRURL and
// PRNumber are nil when no pull request was opened.
type DecisionRecord struct {
	ScanID          string
	RepoFullName    string
	Timestamp       time.Time
	TotalSavingsUSD float64
	ActionsApplied  int
	Summary         string
	PRURL           *string
	PRNumber        *int
}

// RepoSummary is derived from a repository's latest scan and decision.
type RepoSummary struct {
	RepoFullName      string
	LastScanTimestamp time.Time
	TotalSavingsUSD   float64
}
