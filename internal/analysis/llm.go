package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/errors"
)

// completion is one structured-output request to a model.
type completion struct {
	Model      string
	System     string
	User       string
	SchemaName string
	Schema     *jsonschema.Schema
}

// completer sends a completion and returns the raw text of the reply.
type completer interface {
	complete(ctx context.Context, req completion) (string, error)
}

// LLM implements BulkClassifier and DeepAnalyzer on top of a hosted model.
// The classifier model handles per-message scoring; the analyzer model
// handles quick and timeline analysis.
type LLM struct {
	completer       completer
	classifierModel string
	analyzerModel   string
}

// New creates an LLM for the configured provider.
func New(cfg config.AnalysisConfig) (*LLM, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.NewInvalidConfig("analysis.api_key", "not set")
	}
	var c completer
	switch cfg.Provider {
	case config.ProviderAnthropic:
		c = newAnthropicCompleter(cfg)
	case config.ProviderOpenAI:
		c = newOpenAICompleter(cfg)
	default:
		return nil, errors.NewInvalidConfig("analysis.provider", fmt.Sprintf("unknown provider %q", cfg.Provider))
	}
	return &LLM{completer: c, classifierModel: cfg.ClassifierModel, analyzerModel: cfg.AnalyzerModel}, nil
}

// Classify scores one message.
func (l *LLM) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error) {
	var out classifyOutput
	err := l.ask(ctx, completion{
		Model:      l.classifierModel,
		System:     classifySystem,
		User:       classifyPrompt(req),
		SchemaName: "message_frustration",
		Schema:     classifySchema,
	}, &out)
	if err != nil {
		return ClassifyResult{}, err
	}
	return ClassifyResult{Frustration: out.Score, Reason: out.Reason}, nil
}

// Quick runs quick analysis over the rendered history.
func (l *LLM) Quick(ctx context.Context, req QuickRequest) (cases.QuickResult, error) {
	var out quickOutput
	err := l.ask(ctx, completion{
		Model:      l.analyzerModel,
		System:     quickSystem,
		User:       quickPrompt(req),
		SchemaName: "quick_analysis",
		Schema:     quickSchema,
	}, &out)
	if err != nil {
		return cases.QuickResult{}, err
	}
	return cases.QuickResult{
		FrustrationFrequency: out.FrustrationFrequency,
		DamageFrequency:      out.DamageFrequency,
		Priority:             out.Priority,
		IssueClass:           out.IssueClass,
		ResolutionOutlook:    out.ResolutionOutlook,
		Summary:              out.Justification,
		Truncated:            req.Truncated,
	}, nil
}

// Timeline builds timeline entries for req.Range plus an executive summary.
func (l *LLM) Timeline(ctx context.Context, req TimelineRequest) (TimelineResult, error) {
	var out timelineOutput
	err := l.ask(ctx, completion{
		Model:      l.analyzerModel,
		System:     timelineSystem,
		User:       timelinePrompt(req),
		SchemaName: "case_timeline",
		Schema:     timelineSchema,
	}, &out)
	if err != nil {
		return TimelineResult{}, err
	}

	res := TimelineResult{
		ExecutiveSummary:  out.ExecutiveSummary,
		PainPoints:        out.PainPoints,
		RecommendedAction: out.RecommendedAction,
	}
	for _, e := range out.Entries {
		res.Entries = append(res.Entries, cases.TimelineEntry{
			Range:               cases.Range{First: e.FirstMessage, Last: e.LastMessage},
			Label:               e.Label,
			Summary:             e.Summary,
			Sentiment:           e.Sentiment,
			CustomerTone:        e.CustomerTone,
			FrustrationDetected: e.FrustrationDetected,
		})
	}
	return res, nil
}

func (l *LLM) ask(ctx context.Context, req completion, out any) error {
	text, err := l.completer.complete(ctx, req)
	if err != nil {
		return err
	}
	return decodeJSON(text, out)
}

// decodeJSON parses the first JSON object in text, tolerating markdown
// fences and prose around it.
func decodeJSON(text string, out any) error {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return fmt.Errorf("%w: no JSON object in reply", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}
