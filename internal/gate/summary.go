package gate

import (
	"sort"
	"sync"
	"time"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/errors"
)

// Outcome is where one case ended up in a batch.
type Outcome string

const (
	OutcomeGate1Failed      Outcome = "gate1_failed"
	OutcomeGate2Failed      Outcome = "gate2_failed"
	OutcomeGate3Done        Outcome = "gate3_done"
	OutcomeEvaluationFailed Outcome = "evaluation_failed"
	OutcomeSkippedClosed    Outcome = "skipped_closed"
	OutcomeSkippedConflict  Outcome = "skipped_conflict"
	OutcomeRejected         Outcome = "rejected_input"
	OutcomeUnchanged        Outcome = "unchanged"
	OutcomeTimedOut         Outcome = "timed_out"

	// Ranked strategy only.
	OutcomeScored    Outcome = "scored"
	OutcomeQuickDone Outcome = "quick_done"
)

// CaseResult reports one case of a batch.
type CaseResult struct {
	CaseID      string           `json:"case_id"`
	Outcome     Outcome          `json:"outcome"`
	State       cases.State      `json:"state,omitempty"`
	Criticality float64          `json:"criticality"`
	NewMessages int              `json:"new_messages"`
	Code        errors.ErrorCode `json:"code,omitempty"`
	Error       string           `json:"error,omitempty"`

	// Ranked strategy output; nothing is persisted in that mode.
	Rank     int                   `json:"rank,omitempty"`
	Quick    *cases.QuickResult    `json:"quick,omitempty"`
	Timeline []cases.TimelineEntry `json:"timeline,omitempty"`
	Summary  *cases.Summary        `json:"summary,omitempty"`
}

// GateCounts counts gate failures per gate.
type GateCounts struct {
	Gate1 int `json:"1"`
	Gate2 int `json:"2"`
}

// BatchSummary is the operator-facing report of one run.
type BatchSummary struct {
	RunID            string       `json:"run_id"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       time.Time    `json:"finished_at"`
	Strategy         string       `json:"strategy"`
	Processed        int          `json:"processed"`
	GateFailed       GateCounts   `json:"gate_failed"`
	Gate3Done        int          `json:"gate3_done"`
	EvaluationFailed int          `json:"evaluation_failed"`
	SkippedClosed    int          `json:"skipped_closed"`
	SkippedConflict  int          `json:"skipped_conflict"`
	RejectedInput    int          `json:"rejected_input"`
	Unchanged        int          `json:"unchanged"`
	TimedOut         bool         `json:"timed_out"`
	Cases            []CaseResult `json:"cases"`
}

// tally collects case results from concurrent workers.
type tally struct {
	mu      sync.Mutex
	results []CaseResult
}

func (t *tally) add(r CaseResult) {
	t.mu.Lock()
	t.results = append(t.results, r)
	t.mu.Unlock()
}

// fill folds the collected results into s.
func (t *tally) fill(s *BatchSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.results {
		switch r.Outcome {
		case OutcomeGate1Failed:
			s.GateFailed.Gate1++
			s.Processed++
		case OutcomeGate2Failed:
			s.GateFailed.Gate2++
			s.Processed++
		case OutcomeGate3Done:
			s.Gate3Done++
			s.Processed++
		case OutcomeEvaluationFailed:
			s.EvaluationFailed++
			s.Processed++
		case OutcomeScored, OutcomeQuickDone:
			s.Processed++
		case OutcomeSkippedClosed:
			s.SkippedClosed++
		case OutcomeSkippedConflict:
			s.SkippedConflict++
		case OutcomeRejected:
			s.RejectedInput++
		case OutcomeUnchanged:
			s.Unchanged++
		case OutcomeTimedOut:
			s.TimedOut = true
		}
	}

	s.Cases = append([]CaseResult(nil), t.results...)
	s.sortCases()
}

// AddRejected records a case that never reached the controller because
// its upload was malformed.
func (s *BatchSummary) AddRejected(caseID string, err *errors.CaseError) {
	s.Cases = append(s.Cases, rejected(caseID, err))
	s.RejectedInput++
	s.sortCases()
}

func (s *BatchSummary) sortCases() {
	sort.SliceStable(s.Cases, func(i, j int) bool {
		if s.Cases[i].Rank != s.Cases[j].Rank {
			return s.Cases[i].Rank < s.Cases[j].Rank
		}
		return s.Cases[i].CaseID < s.Cases[j].CaseID
	})
}
