package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/costguard/ledger/pkg/ingest"
	"github.com/costguard/ledger/pkg/ledger"
)

// maxSubmissionBytes bounds a POST /submit body.
const maxSubmissionBytes = 32 << 20

// DecisionView is one entry of the decision log.
type DecisionView struct {
	ScanID         string  `json:"scan_id"`
	Timestamp      string  `json:"timestamp"`
	TotalSavings   float64 `json:"total_savings"`
	ActionsApplied int     `json:"actions_applied"`
	PRURL          string  `json:"pr_url"`
	PRNumber       int     `json:"pr_number"`
	Summary        string  `json:"summary"`
	RepoFullName   string  `json:"repo_full_name"`
}

// RepoView is one entry of the repository list.
type RepoView struct {
	RepoFullName string  `json:"repo_full_name"`
	LastScan     string  `json:"last_scan"`
	TotalSavings float64 `json:"total_savings"`
}

func newDecisionView(d ledger.DecisionRecord) DecisionView {
	v := DecisionView{
		ScanID:         d.ScanID,
		Timestamp:      formatTime(d.Timestamp),
		TotalSavings:   d.TotalSavingsUSD,
		ActionsApplied: d.ActionsApplied,
		Summary:        d.Summary,
		RepoFullName:   d.RepoFullName,
	}
	if d.PRURL != nil {
		v.PRURL = *d.PRURL
	}
	if d.PRNumber != nil {
		v.PRNumber = *d.PRNumber
	}
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// GET /scan?repo=owner/name
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	repo := strings.TrimSpace(r.URL.Query().Get("repo"))
	scan, err := s.queries.Scan(r.Context(), repo)
	if err != nil {
		s.log.WithField("repo", repo).WithError(err).Error("load scan")
		InternalError(w, "Failed to load scan data")
		return
	}
	WriteJSON(w, scan, http.StatusOK)
}

// GET /decisions?repo=owner/name&limit=N
func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repo := strings.TrimSpace(q.Get("repo"))
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			BadRequest(w, "Invalid limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	decisions, err := s.queries.Decisions(r.Context(), repo, limit)
	if err != nil {
		s.log.WithField("repo", repo).WithError(err).Error("load decisions")
		InternalError(w, "Failed to load decisions")
		return
	}
	views := make([]DecisionView, 0, len(decisions))
	for _, d := range decisions {
		views = append(views, newDecisionView(d))
	}
	WriteJSON(w, views, http.StatusOK)
}

// GET /repos
func (s *Server) handleRepos(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.queries.RepoSummaries(r.Context())
	if err != nil {
		s.log.WithError(err).Error("load repos")
		InternalError(w, "Failed to load repos")
		return
	}
	views := make([]RepoView, 0, len(summaries))
	for _, sum := range summaries {
		views = append(views, RepoView{
			RepoFullName: sum.RepoFullName,
			LastScan:     formatTime(sum.LastScanTimestamp),
			TotalSavings: sum.TotalSavingsUSD,
		})
	}
	WriteJSON(w, views, http.StatusOK)
}

// POST /submit
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Submission too large", err.Error())
			return
		}
		BadRequest(w, "Failed to read body", err.Error())
		return
	}
	sub, err := ingest.DecodeSubmission(body)
	if err != nil {
		BadRequest(w, "Invalid JSON", err.Error())
		return
	}

	receipt, err := s.submitter.Submit(r.Context(), sub)
	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr):
		BadRequest(w, "Invalid submission", verr.Error())
		return
	case err != nil:
		s.log.WithFields(logrus.Fields{
			"repo":       sub.Repo(),
			"request_id": GetRequestID(r.Context()),
		}).WithError(err).Error("process update")
		InternalError(w, "Failed to process update")
		return
	}
	WriteJSON(w, receipt, http.StatusOK)
}

func handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
