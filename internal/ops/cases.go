package ops

import (
	"context"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/db"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/store"
)

// GetCaseInput contains parameters for the GetCase operation.
type GetCaseInput struct {
	CaseID          string
	IncludeMessages bool
}

// GetCaseOutput is a record, optionally with its stored messages.
type GetCaseOutput struct {
	Record   *cases.ScoreRecord `json:"record"`
	Messages []cases.Message    `json:"messages,omitempty"`
}

// GetCase returns the score record for a case.
func GetCase(ctx context.Context, repo *store.Repository, input GetCaseInput) (*GetCaseOutput, error) {
	id, err := requireCaseID(input.CaseID)
	if err != nil {
		return nil, err
	}
	rec, err := repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &GetCaseOutput{Record: rec}
	if input.IncludeMessages {
		if out.Messages, err = repo.Messages(ctx, id, 0); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListEligibleInput contains parameters for the ListEligible operation.
type ListEligibleInput struct {
	Gate int // 2 or 3
}

// ListEligibleOutput lists the open cases due for a gate.
type ListEligibleOutput struct {
	Gate  int           `json:"gate"`
	Cases []CaseSummary `json:"cases"`
}

// ListEligible returns open cases due for gate 2 or gate 3, most critical first.
func ListEligible(ctx context.Context, repo *store.Repository, input ListEligibleInput) (*ListEligibleOutput, error) {
	if input.Gate != 2 && input.Gate != 3 {
		return nil, errors.NewInvalidRequest("gate must be 2 or 3")
	}
	records, err := repo.ListEligible(ctx, input.Gate)
	if err != nil {
		return nil, err
	}
	out := &ListEligibleOutput{Gate: input.Gate, Cases: make([]CaseSummary, 0, len(records))}
	for _, r := range records {
		out.Cases = append(out.Cases, summarize(r))
	}
	return out, nil
}

// CloseCaseInput contains parameters for the CloseCase operation.
type CloseCaseInput struct {
	CaseID string
}

// CloseCaseOutput reports the closed case.
type CloseCaseOutput struct {
	CaseID string      `json:"case_id"`
	State  cases.State `json:"state"`
}

// CloseCase marks a case CLOSED. Closing twice is not an error.
func CloseCase(ctx context.Context, repo *store.Repository, input CloseCaseInput) (*CloseCaseOutput, error) {
	id, err := requireCaseID(input.CaseID)
	if err != nil {
		return nil, err
	}
	rec, err := repo.Close(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CloseCaseOutput{CaseID: rec.Case.ID, State: rec.State}, nil
}

// GetTimelineInput contains parameters for the GetTimeline operation.
type GetTimelineInput struct {
	CaseID string
}

// GetTimelineOutput is a case timeline with its executive summary.
type GetTimelineOutput struct {
	CaseID          string                `json:"case_id"`
	TimelineThrough int                   `json:"timeline_through"`
	Entries         []cases.TimelineEntry `json:"entries"`
	Summary         *cases.Summary        `json:"summary,omitempty"`
}

// GetTimeline returns the ordered timeline of a case.
func GetTimeline(ctx context.Context, repo *store.Repository, input GetTimelineInput) (*GetTimelineOutput, error) {
	id, err := requireCaseID(input.CaseID)
	if err != nil {
		return nil, err
	}
	rec, err := repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := repo.Timeline(ctx, id)
	if err != nil {
		return nil, err
	}
	return &GetTimelineOutput{
		CaseID:          rec.Case.ID,
		TimelineThrough: rec.TimelineThrough,
		Entries:         entries,
		Summary:         rec.Summary,
	}, nil
}

// ListCasesInput contains parameters for the ListCases operation.
type ListCasesInput struct {
	State    string // optional, any cases.State name
	Customer string // optional
	Trend    string // optional: declining|improving|stable

	// MinRecentFrustration keeps cases whose recent-window average reaches it.
	MinRecentFrustration float64
	// Attention keeps recently active cases that are declining or reach
	// MinRecentFrustration (default 7), ordered by recent frustration.
	Attention bool

	Limit  int // default: 20, max: 100
	Offset int
}

// ListCasesOutput is one page of cases, most critical first.
type ListCasesOutput struct {
	Cases      []CaseSummary `json:"cases"`
	Pagination Pagination    `json:"pagination"`
}

// ListCases pages through stored cases.
func ListCases(ctx context.Context, repo *store.Repository, input ListCasesInput) (*ListCasesOutput, error) {
	state, err := parseState(input.State)
	if err != nil {
		return nil, err
	}
	trend, err := parseTrend(input.Trend)
	if err != nil {
		return nil, err
	}
	if input.Offset < 0 {
		return nil, errors.NewInvalidRequest("offset must not be negative")
	}
	if input.MinRecentFrustration < 0 || input.MinRecentFrustration > 10 {
		return nil, errors.NewInvalidRequest("min_recent_frustration must be within [0, 10]")
	}
	minRecent := input.MinRecentFrustration
	if input.Attention && minRecent == 0 {
		minRecent = DefaultAttentionFrustration
	}
	limit := clampLimit(input.Limit)

	records, total, err := repo.List(ctx, db.ListFilter{
		State:                state,
		Customer:             input.Customer,
		Trend:                trend,
		MinRecentFrustration: minRecent,
		Attention:            input.Attention,
		Limit:                limit,
		Offset:               input.Offset,
	})
	if err != nil {
		return nil, err
	}

	out := &ListCasesOutput{
		Cases: make([]CaseSummary, 0, len(records)),
		Pagination: Pagination{
			Limit:   limit,
			Offset:  input.Offset,
			HasMore: input.Offset+len(records) < total,
			Total:   total,
		},
	}
	for _, r := range records {
		out.Cases = append(out.Cases, summarize(r))
	}
	return out, nil
}
