package ops

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hpungsan/casegate/internal/analysis"
	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/gate"
	"github.com/hpungsan/casegate/internal/ingest"
	"github.com/hpungsan/casegate/internal/store"
)

// NewController wires the configured analysis provider behind the rate
// limiter and retry policy. It fails with INVALID_CONFIG when no API key is set.
func NewController(cfg *config.Config, repo *store.Repository) (*gate.Controller, error) {
	llm, err := analysis.New(cfg.Analysis)
	if err != nil {
		return nil, err
	}
	guard := analysis.NewGuard(llm, llm, cfg.Rate, analysis.NewPolicy(cfg.Retry))
	return gate.New(cfg, repo, guard), nil
}

// RunBatchInput contains parameters for the RunBatch operation.
// Exactly one of Path and Reader is used; Reader wins when both are set.
type RunBatchInput struct {
	Path     string
	Reader   io.Reader
	Strategy string        // default: batch.strategy
	Timeout  time.Duration // 0 keeps batch.timeout
}

// RunBatchOutput is the batch summary plus what the upload parser dropped.
type RunBatchOutput struct {
	Summary    *gate.BatchSummary `json:"summary"`
	Lines      int                `json:"lines"`
	LineErrors []ingest.LineError `json:"line_errors,omitempty"`
	Rejected   []ingest.Rejection `json:"rejected,omitempty"`
	Closed     []string           `json:"closed,omitempty"`
}

// RunBatch parses a JSONL upload and evaluates it.
//
// Malformed lines are reported. A case with a malformed line is not
// evaluated at all and counts as rejected input. Cases whose upload marks them
// CLOSED are evaluated first and closed afterwards, so the final messages
// still count toward their record.
func RunBatch(ctx context.Context, ctrl *gate.Controller, repo *store.Repository, cfg *config.Config, input RunBatchInput) (*RunBatchOutput, error) {
	if ctrl == nil {
		return nil, errors.NewInvalidConfig("analysis", "batch runs need an analysis provider")
	}

	r := input.Reader
	if r == nil {
		if err := ValidatePath(input.Path, PathCheckRead, cfg); err != nil {
			return nil, err
		}
		f, err := openFileNoFollowRead(input.Path)
		if err != nil {
			if _, ok := err.(*errors.CaseError); ok {
				return nil, err
			}
			return nil, errors.NewInternal(err)
		}
		defer f.Close()
		r = f
	}
	if input.Timeout < 0 {
		return nil, errors.NewInvalidRequest("timeout must not be negative")
	}

	parsed, err := ingest.Read(r)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	strategy := input.Strategy
	if strategy == "" {
		strategy = cfg.Batch.Strategy
	}

	runCtx := ctx
	if input.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, input.Timeout)
		defer cancel()
	}

	summary, err := ctrl.Run(runCtx, parsed.Uploads, strategy)
	if err != nil {
		return nil, err
	}
	for _, rej := range parsed.Rejected {
		cerr := errors.NewInvalidRequest(fmt.Sprintf("case %s has malformed upload lines %v", rej.CaseID, rej.Lines))
		cerr.Details = map[string]any{"case_id": rej.CaseID, "lines": rej.Lines}
		summary.AddRejected(rej.CaseID, cerr)
	}

	out := &RunBatchOutput{
		Summary:    summary,
		Lines:      parsed.Lines,
		LineErrors: parsed.Errors,
		Rejected:   parsed.Rejected,
	}
	if strategy == config.StrategyGated {
		out.Closed = closeUploaded(ctx, repo, parsed.Uploads)
	}
	return out, nil
}

// closeUploaded closes the cases an upload marked CLOSED. Cases the batch
// never stored are skipped.
func closeUploaded(ctx context.Context, repo *store.Repository, uploads []cases.Upload) []string {
	var closed []string
	for _, up := range uploads {
		if up.Case.Status != cases.StatusClosed {
			continue
		}
		rec, err := repo.Close(ctx, up.Case.ID)
		if err != nil {
			if !errors.Is(err, errors.ErrNotFound) {
				slog.WarnContext(ctx, "close after batch failed", "case_id", up.Case.ID, "error", err)
			}
			continue
		}
		closed = append(closed, rec.Case.ID)
	}
	return closed
}
