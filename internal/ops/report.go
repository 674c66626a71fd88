package ops

import (
	"context"
	"fmt"

	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/db"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/report"
	"github.com/hpungsan/casegate/internal/scoring"
	"github.com/hpungsan/casegate/internal/store"
)

// Report formats.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// ReportInput contains parameters for the Report operation.
type ReportInput struct {
	CaseID string
	HTML   bool
}

// ReportOutput is a rendered case report.
type ReportOutput struct {
	CaseID  string `json:"case_id"`
	Format  string `json:"format"`
	Content string `json:"content"`
}

// Report renders a case record and its timeline as Markdown, or as a
// standalone HTML page.
func Report(ctx context.Context, repo *store.Repository, input ReportInput) (*ReportOutput, error) {
	id, err := requireCaseID(input.CaseID)
	if err != nil {
		return nil, err
	}
	rec, err := repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	timeline, err := repo.Timeline(ctx, id)
	if err != nil {
		return nil, err
	}

	md := report.Case(rec, timeline)
	if !input.HTML {
		return &ReportOutput{CaseID: rec.Case.ID, Format: FormatMarkdown, Content: md}, nil
	}
	page, err := report.HTML(fmt.Sprintf("Case %s", rec.Case.ID), md)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return &ReportOutput{CaseID: rec.Case.ID, Format: FormatHTML, Content: page}, nil
}

// AccountHealthInput contains parameters for the AccountHealth operation.
type AccountHealthInput struct {
	Customer string // optional
}

// AccountHealthOutput lists accounts worst first.
type AccountHealthOutput struct {
	Accounts []scoring.AccountHealth `json:"accounts"`
	Markdown string                  `json:"markdown,omitempty"`
}

// AccountHealth aggregates the open cases of each customer into a 0-100
// relationship health score.
func AccountHealth(ctx context.Context, repo *store.Repository, cfg *config.Config, input AccountHealthInput) (*AccountHealthOutput, error) {
	records, _, err := repo.List(ctx, db.ListFilter{Customer: input.Customer})
	if err != nil {
		return nil, err
	}
	open := records[:0]
	for _, r := range records {
		if !r.Closed() {
			open = append(open, r)
		}
	}

	accounts := scoring.New(cfg).AccountHealth(open, HighFrustrationScore)
	return &AccountHealthOutput{Accounts: accounts, Markdown: report.Accounts(accounts)}, nil
}
