package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/gate"
	"github.com/hpungsan/casegate/internal/ops"
	"github.com/hpungsan/casegate/internal/store"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	repo    *store.Repository
	cfg     *config.Config
	ctrl    *gate.Controller
	ctrlErr error
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(repo *store.Repository, cfg *config.Config, ctrl *gate.Controller, ctrlErr error) *Handlers {
	return &Handlers{repo: repo, cfg: cfg, ctrl: ctrl, ctrlErr: ctrlErr}
}

type caseRequest struct {
	CaseID string `json:"case_id"`
}

type getRequest struct {
	CaseID          string `json:"case_id"`
	IncludeMessages bool   `json:"include_messages,omitempty"`
}

type eligibleRequest struct {
	Gate int `json:"gate"`
}

type listRequest struct {
	State                string  `json:"state,omitempty"`
	Customer             string  `json:"customer,omitempty"`
	Trend                string  `json:"trend,omitempty"`
	MinRecentFrustration float64 `json:"min_recent_frustration,omitempty"`
	NeedsAttention       bool    `json:"needs_attention,omitempty"`
	Limit                int     `json:"limit,omitempty"`
	Offset               int     `json:"offset,omitempty"`
}

type reportRequest struct {
	CaseID string `json:"case_id"`
	HTML   bool   `json:"html,omitempty"`
}

type batchRunRequest struct {
	Path     string `json:"path,omitempty"`
	Content  string `json:"content,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type accountHealthRequest struct {
	Customer string `json:"customer,omitempty"`
}

// decode converts the loosely typed tool arguments into T. Unknown
// arguments are rejected so a misspelled flag is not silently ignored.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var out T
	b, err := json.Marshal(req.GetArguments())
	if err != nil {
		return out, fmt.Errorf("marshal args: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("invalid arguments: %w", err)
	}
	return out, nil
}

func (h *Handlers) HandleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[getRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return result(ops.GetCase(ctx, h.repo, ops.GetCaseInput{CaseID: input.CaseID, IncludeMessages: input.IncludeMessages}))
}

func (h *Handlers) HandleEligible(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[eligibleRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return result(ops.ListEligible(ctx, h.repo, ops.ListEligibleInput{Gate: input.Gate}))
}

func (h *Handlers) HandleClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[caseRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return result(ops.CloseCase(ctx, h.repo, ops.CloseCaseInput{CaseID: input.CaseID}))
}

func (h *Handlers) HandleTimeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[caseRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return result(ops.GetTimeline(ctx, h.repo, ops.GetTimelineInput{CaseID: input.CaseID}))
}

func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[listRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return result(ops.ListCases(ctx, h.repo, ops.ListCasesInput{
		State:                input.State,
		Customer:             input.Customer,
		Trend:                input.Trend,
		MinRecentFrustration: input.MinRecentFrustration,
		Attention:            input.NeedsAttention,
		Limit:                input.Limit,
		Offset:               input.Offset,
	}))
}

func (h *Handlers) HandleReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[reportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	out, err := ops.Report(ctx, h.repo, ops.ReportInput{CaseID: input.CaseID, HTML: input.HTML})
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(out.Content), nil
}

// HandleBatchRun evaluates an upload given by path or inline content.
func (h *Handlers) HandleBatchRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[batchRunRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if h.ctrl == nil {
		if h.ctrlErr != nil {
			return errorResult(h.ctrlErr), nil
		}
		return errorResult(errors.NewInvalidConfig("analysis", "no analysis provider configured")), nil
	}

	hasPath := strings.TrimSpace(input.Path) != ""
	hasContent := input.Content != ""
	if hasPath == hasContent {
		return errorResult(errors.NewInvalidRequest("specify exactly one of path or content")), nil
	}

	var timeout time.Duration
	if input.Timeout != "" {
		if timeout, err = time.ParseDuration(input.Timeout); err != nil {
			return errorResult(errors.NewInvalidRequest(fmt.Sprintf("invalid timeout: %v", err))), nil
		}
	}

	run := ops.RunBatchInput{Path: input.Path, Strategy: input.Strategy, Timeout: timeout}
	if hasContent {
		run.Reader = strings.NewReader(input.Content)
	}
	return result(ops.RunBatch(ctx, h.ctrl, h.repo, h.cfg, run))
}

func (h *Handlers) HandleAccountHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[accountHealthRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return result(ops.AccountHealth(ctx, h.repo, h.cfg, ops.AccountHealthInput{Customer: input.Customer}))
}

// result turns an operation's (output, error) pair into a tool result.
func result(out any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultJSON(out)
}

// errorResult builds an IsError result carrying the error code. Internal
// errors are reported without their message or details, which may hold
// paths or SQL.
func errorResult(err error) *mcp.CallToolResult {
	errorObj := map[string]any{
		"code":    errors.ErrInternal,
		"message": "an internal error occurred",
		"status":  500,
	}
	var caseErr *errors.CaseError
	if stderrors.As(err, &caseErr) && caseErr.Code != errors.ErrInternal {
		errorObj = map[string]any{
			"code":    caseErr.Code,
			"message": caseErr.Message,
			"status":  caseErr.Status,
		}
		if caseErr.Details != nil {
			errorObj["details"] = caseErr.Details
		}
	}

	content, _ := json.Marshal(map[string]any{"error": errorObj})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}
