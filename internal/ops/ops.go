// Package ops holds the operations shared by the CLI and the MCP server.
//
// Every operation validates its input, delegates to the store, the gate
// controller or the report renderer, and returns a JSON-friendly output
// struct. Errors are *errors.CaseError values so both surfaces can print
// them as [CODE] message.
package ops

import (
	"strings"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/errors"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// HighFrustrationScore is the peak message score that counts a case as
// highly frustrated in account health.
const HighFrustrationScore = 7

// DefaultAttentionFrustration is the recent-window average that flags a
// case as needing attention when no threshold is given.
const DefaultAttentionFrustration = 7.0

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// CaseSummary is the list view of a record.
type CaseSummary struct {
	CaseID      string      `json:"case_id"`
	Customer    string      `json:"customer,omitempty"`
	Status      string      `json:"status"`
	State       cases.State `json:"state"`
	Criticality float64     `json:"criticality"`
	Health      float64     `json:"health"`
	Bucket      string      `json:"bucket"`
	Trend       string      `json:"trend"`
	// RecentFrustration is the average score inside the trend window.
	RecentFrustration float64 `json:"recent_frustration"`
	Watermark         int     `json:"watermark"`
	NeedsReview       bool    `json:"needs_review,omitempty"`
	Failed            bool    `json:"failed,omitempty"`
	UpdatedAt         int64   `json:"updated_at"`
}

func summarize(r *cases.ScoreRecord) CaseSummary {
	return CaseSummary{
		CaseID:            r.Case.ID,
		Customer:          r.Case.Customer,
		Status:            string(r.Case.Status),
		State:             r.State,
		Criticality:       r.Criticality,
		Health:            r.Health,
		Bucket:            r.Bucket,
		Trend:             r.Trend.Direction,
		RecentFrustration: r.Trend.Recent,
		Watermark:         r.Watermark,
		NeedsReview:       r.NeedsReview,
		Failed:            r.Failure != nil,
		UpdatedAt:         r.UpdatedAt,
	}
}

// requireCaseID trims and normalizes a case ID argument.
func requireCaseID(id string) (string, error) {
	norm := cases.NormalizeID(id)
	if norm == "" {
		return "", errors.NewInvalidRequest("case_id is required")
	}
	return norm, nil
}

var knownStates = []cases.State{
	cases.StateUnseen,
	cases.StateGate1Pending,
	cases.StateGate1Failed,
	cases.StateGate1Passed,
	cases.StateGate2Failed,
	cases.StateGate2Passed,
	cases.StateGate3Done,
	cases.StateEvaluationFailed,
	cases.StateClosed,
}

// parseState accepts a state name in any case. Empty means no filter.
func parseState(s string) (cases.State, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	for _, st := range knownStates {
		if string(st) == s {
			return st, nil
		}
	}
	names := make([]string, len(knownStates))
	for i, st := range knownStates {
		names[i] = string(st)
	}
	return "", errors.NewInvalidRequest("state must be one of: " + strings.Join(names, ", "))
}

// parseTrend accepts a trend direction in any case. Empty means no filter.
func parseTrend(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", cases.TrendDeclining, cases.TrendImproving, cases.TrendStable:
		return s, nil
	default:
		return "", errors.NewInvalidRequest("trend must be one of: declining, improving, stable")
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
