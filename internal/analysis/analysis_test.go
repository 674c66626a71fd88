package analysis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/go-cmp/cmp"
	"github.com/openai/openai-go"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, Success},
		{"canceled", context.Canceled, Permanent},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Permanent},
		{"malformed", fmt.Errorf("%w: bad json", ErrMalformedOutput), Transient},
		{"case transient", errors.NewAdapterTransient(cases.StageQuick, nil), Transient},
		{"case invalid", errors.NewInvalidRequest("nope"), Permanent},
		{"anthropic 429", &anthropic.Error{StatusCode: 429}, Transient},
		{"anthropic 529", fmt.Errorf("wrapped: %w", &anthropic.Error{StatusCode: 529}), Transient},
		{"anthropic 400", &anthropic.Error{StatusCode: 400}, Permanent},
		{"openai 503", &openai.Error{StatusCode: 503}, Transient},
		{"openai 401", &openai.Error{StatusCode: 401}, Permanent},
		{"network", stderrors.New("connection reset by peer"), Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{MaxAttempts: 6, Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}

	var got []time.Duration
	for n := 1; n <= 5; n++ {
		got = append(got, p.Backoff(n))
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Backoff mismatch (-want +got):\n%s", diff)
	}
}

// instantPolicy records waits instead of sleeping.
func instantPolicy(attempts int, waits *[]time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		Initial:     100 * time.Millisecond,
		Max:         time.Second,
		Multiplier:  2,
		after: func(d time.Duration) <-chan time.Time {
			*waits = append(*waits, d)
			ch := make(chan time.Time, 1)
			ch <- time.Time{}
			return ch
		},
	}
}

func TestPolicy_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("retries transient then succeeds", func(t *testing.T) {
		var waits []time.Duration
		calls := 0
		n, err := instantPolicy(3, &waits).Do(ctx, cases.StageClassify, func(context.Context) error {
			calls++
			if calls == 1 {
				return ErrMalformedOutput
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, []time.Duration{100 * time.Millisecond}, waits)
	})

	t.Run("exhausted is transient", func(t *testing.T) {
		var waits []time.Duration
		n, err := instantPolicy(3, &waits).Do(ctx, cases.StageQuick, func(context.Context) error {
			return fmt.Errorf("%w: truncated", ErrMalformedOutput)
		})
		require.Equal(t, 3, n)
		require.Equal(t, errors.ErrAdapterTransient, errors.CodeOf(err))
		require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, waits)
	})

	t.Run("permanent stops immediately", func(t *testing.T) {
		var waits []time.Duration
		n, err := instantPolicy(5, &waits).Do(ctx, cases.StageTimeline, func(context.Context) error {
			return errors.NewInvalidRequest("prompt too long")
		})
		require.Equal(t, 1, n)
		require.Equal(t, errors.ErrAdapterPermanent, errors.CodeOf(err))
		require.Empty(t, waits)
	})

	t.Run("canceled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		var waits []time.Duration
		n, err := instantPolicy(5, &waits).Do(cctx, cases.StageQuick, func(ctx context.Context) error {
			return ctx.Err()
		})
		require.Equal(t, 1, n)
		require.Equal(t, errors.ErrAdapterPermanent, errors.CodeOf(err))
	})
}

func TestNormalizeEntries(t *testing.T) {
	rng := cases.Range{First: 5, Last: 20}

	t.Run("repairs overlap and gaps", func(t *testing.T) {
		in := []cases.TimelineEntry{
			{Range: cases.Range{First: 12, Last: 18}, Sentiment: "FRUSTRATED", Label: " Escalation "},
			{Range: cases.Range{First: 6, Last: 13}, Sentiment: "calm"},
		}
		got, err := NormalizeEntries(in, rng)
		require.NoError(t, err)

		want := []cases.TimelineEntry{
			{Range: cases.Range{First: 5, Last: 13}, Sentiment: cases.SentimentNeutral, Label: "Messages 5-13"},
			{Range: cases.Range{First: 14, Last: 20}, Sentiment: cases.SentimentFrustrated, Label: "Escalation", FrustrationDetected: true},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("NormalizeEntries mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("contained entry dropped", func(t *testing.T) {
		in := []cases.TimelineEntry{
			{Range: cases.Range{First: 5, Last: 20}},
			{Range: cases.Range{First: 7, Last: 9}},
		}
		got, err := NormalizeEntries(in, rng)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, rng, got[0].Range)
	})

	t.Run("single message label", func(t *testing.T) {
		got, err := NormalizeEntries([]cases.TimelineEntry{{Range: cases.Range{First: 3, Last: 3}}}, cases.Range{First: 3, Last: 3})
		require.NoError(t, err)
		require.Equal(t, "Message 3", got[0].Label)
	})

	t.Run("outside range", func(t *testing.T) {
		_, err := NormalizeEntries([]cases.TimelineEntry{{Range: cases.Range{First: 1, Last: 8}}}, rng)
		require.Equal(t, errors.ErrAdapterPermanent, errors.CodeOf(err))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := NormalizeEntries(nil, rng)
		require.Equal(t, errors.ErrAdapterPermanent, errors.CodeOf(err))
	})
}

func TestClampQuick(t *testing.T) {
	got := ClampQuick(cases.QuickResult{
		FrustrationFrequency: 140,
		DamageFrequency:      -3,
		Priority:             "critical",
		IssueClass:           "SYSTEMIC",
		ResolutionOutlook:    "hard",
	})
	want := cases.QuickResult{
		FrustrationFrequency: 100,
		DamageFrequency:      0,
		Priority:             "Critical",
		IssueClass:           "Systemic",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ClampQuick mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, "Low", ClampQuick(cases.QuickResult{Priority: "urgent"}).Priority)
	require.Equal(t, 10, ClampClassify(ClassifyResult{Frustration: 42}).Frustration)
	require.Equal(t, 0, ClampClassify(ClassifyResult{Frustration: -1}).Frustration)
}

func TestDecodeJSON(t *testing.T) {
	var out classifyOutput

	require.NoError(t, decodeJSON("```json\n{\"score\": 7, \"reason\": \"exec mention\"}\n```", &out))
	require.Equal(t, classifyOutput{Score: 7, Reason: "exec mention"}, out)

	require.NoError(t, decodeJSON("Here you go: {\"score\": 2, \"reason\": \"polite\"} hope it helps", &out))
	require.Equal(t, 2, out.Score)

	require.ErrorIs(t, decodeJSON("no json here", &out), ErrMalformedOutput)
	require.ErrorIs(t, decodeJSON("{\"score\": \"high\"}", &out), ErrMalformedOutput)
}

func TestSchemasAreStrict(t *testing.T) {
	for name, s := range map[string]any{
		"classify": classifySchema,
		"quick":    quickSchema,
		"timeline": timelineSchema,
	} {
		b, err := json.Marshal(s)
		require.NoError(t, err, name)
		require.Contains(t, string(b), `"additionalProperties":false`, name)
		require.NotContains(t, string(b), `"$ref"`, name)
	}
}

type scriptedCompleter struct {
	replies []string
	got     []completion
}

func (s *scriptedCompleter) complete(_ context.Context, req completion) (string, error) {
	s.got = append(s.got, req)
	if len(s.replies) == 0 {
		return "", stderrors.New("no reply scripted")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func TestLLM(t *testing.T) {
	ctx := context.Background()
	sc := &scriptedCompleter{replies: []string{
		`{"score": 8, "reason": "threatens to leave"}`,
		`{"frustration_frequency": 40, "relationship_damage_frequency": 20, "customer_priority": "High", "issue_class": "Component", "resolution_outlook": "", "justification": "Repeated failures."}`,
		`{"entries": [{"first_message": 1, "last_message": 3, "label": "Setup", "summary": "Initial report", "sentiment": "neutral", "customer_tone": "calm", "frustration_detected": false}], "executive_summary": "Stable.", "pain_points": ["latency"], "recommended_action": "Call them."}`,
	}}
	l := &LLM{completer: sc, classifierModel: "small", analyzerModel: "large"}

	cr, err := l.Classify(ctx, ClassifyRequest{CaseID: "c1", Sequence: 4, Text: "We will replace you", Owner: cases.OwnerCustomer})
	require.NoError(t, err)
	require.Equal(t, ClassifyResult{Frustration: 8, Reason: "threatens to leave"}, cr)
	require.Equal(t, "small", sc.got[0].Model)
	require.True(t, strings.Contains(sc.got[0].User, "Message #4"))

	q, err := l.Quick(ctx, QuickRequest{Case: cases.Case{ID: "c1"}, History: "...", Truncated: true})
	require.NoError(t, err)
	require.Equal(t, "large", sc.got[1].Model)
	require.Equal(t, cases.QuickResult{
		FrustrationFrequency: 40,
		DamageFrequency:      20,
		Priority:             "High",
		IssueClass:           "Component",
		Summary:              "Repeated failures.",
		Truncated:            true,
	}, q)

	tl, err := l.Timeline(ctx, TimelineRequest{Case: cases.Case{ID: "c1"}, Range: cases.Range{First: 1, Last: 3}})
	require.NoError(t, err)
	require.Len(t, tl.Entries, 1)
	require.Equal(t, cases.Range{First: 1, Last: 3}, tl.Entries[0].Range)
	require.Equal(t, "Stable.", tl.ExecutiveSummary)
	require.Equal(t, []string{"latency"}, tl.PainPoints)
	require.Contains(t, sc.got[2].User, "messages 1 through 3")
}

func TestTimelinePrompt_ListsExistingEntries(t *testing.T) {
	p := timelinePrompt(TimelineRequest{
		Case:     cases.Case{ID: "c9", Customer: "acme"},
		Existing: []cases.TimelineEntry{{Range: cases.Range{First: 1, Last: 4}, Label: "Kickoff", Sentiment: "neutral", Summary: "opened"}},
		Range:    cases.Range{First: 5, Last: 9},
	})
	require.Contains(t, p, "EXISTING TIMELINE")
	require.Contains(t, p, "[1-4] Kickoff")
	require.Contains(t, p, "Customer: acme")
	require.Contains(t, p, "messages 5 through 9")
}

func TestNew_Provider(t *testing.T) {
	_, err := New(configFor("anthropic", ""))
	require.Equal(t, errors.ErrInvalidConfig, errors.CodeOf(err))

	_, err = New(configFor("bedrock", "k"))
	require.Equal(t, errors.ErrInvalidConfig, errors.CodeOf(err))

	l, err := New(configFor("openai", "k"))
	require.NoError(t, err)
	require.IsType(t, &openaiCompleter{}, l.completer)
}

func configFor(provider, key string) config.AnalysisConfig {
	return config.AnalysisConfig{Provider: provider, APIKey: key, ClassifierModel: "a", AnalyzerModel: "b", MaxTokens: 100}
}
