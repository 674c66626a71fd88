package cases

// Stats are the running message statistics of a case.
type Stats struct {
	MessageCount    int     `json:"message_count"`
	AvgFrustration  float64 `json:"avg_frustration"`
	PeakFrustration int     `json:"peak_frustration"`
	FrustratedCount int     `json:"frustrated_count"`
	CustomerCount   int     `json:"customer_count"`
	SupportCount    int     `json:"support_count"`
	UnknownCount    int     `json:"unknown_count"`
	AgeDays         int     `json:"age_days"`
	// LastMessageAt is the newest message timestamp, Unix seconds.
	LastMessageAt int64 `json:"last_message_at,omitempty"`
}

// Components is the criticality breakdown. The first eight fields are the
// clamped base components; the bonuses come from deep analysis.
type Components struct {
	Frustration   float64 `json:"frustration"`
	Severity      float64 `json:"severity"`
	IssueClass    float64 `json:"issue_class"`
	Resolution    float64 `json:"resolution"`
	SupportTier   float64 `json:"support_tier"`
	Volume        float64 `json:"volume"`
	Age           float64 `json:"age"`
	Engagement    float64 `json:"engagement"`
	QuickBonus    float64 `json:"quick_bonus"`
	TimelineBonus float64 `json:"timeline_bonus"`
}

// Base returns the sum of the eight base components.
func (c Components) Base() float64 {
	return c.Frustration + c.Severity + c.IssueClass + c.Resolution +
		c.SupportTier + c.Volume + c.Age + c.Engagement
}

// Total returns the base plus stage bonuses.
func (c Components) Total() float64 {
	return c.Base() + c.QuickBonus + c.TimelineBonus
}

// Trend compares recent and historical frustration.
type Trend struct {
	Recent     float64 `json:"recent"`
	Historical float64 `json:"historical"`
	Direction  string  `json:"direction"`
	RecentN    int     `json:"recent_count"`
}

// Trend directions.
const (
	TrendStable    = "stable"
	TrendDeclining = "declining"
	TrendImproving = "improving"
)

// QuickResult is the cached output of quick deep-analysis.
type QuickResult struct {
	FrustrationFrequency float64 `json:"frustration_frequency"`
	DamageFrequency      float64 `json:"damage_frequency"`
	Priority             string  `json:"priority"`
	IssueClass           string  `json:"issue_class,omitempty"`
	ResolutionOutlook    string  `json:"resolution_outlook,omitempty"`
	Summary              string  `json:"summary,omitempty"`
	Truncated            bool    `json:"truncated,omitempty"`
}

// Summary is the executive summary attached by timeline analysis.
type Summary struct {
	Executive         string   `json:"executive"`
	PainPoints        []string `json:"pain_points,omitempty"`
	RecommendedAction string   `json:"recommended_action,omitempty"`
	Truncated         bool     `json:"truncated,omitempty"`
}

// EvalFailure marks a case whose analysis could not complete. It is distinct
// from a failed gate and is cleared by the next successful verdict.
type EvalFailure struct {
	Stage    string `json:"stage"`
	Code     string `json:"code"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
	At       int    `json:"at_watermark"`
}

// Analysis stages.
const (
	StageClassify = "classify"
	StageQuick    = "quick"
	StageTimeline = "timeline"
)

// ScoreRecord is the cached per-case evaluation state.
type ScoreRecord struct {
	Case        Case       `json:"case"`
	Stats       Stats      `json:"stats"`
	Criticality float64    `json:"criticality"`
	Components  Components `json:"components"`
	Health      float64    `json:"health"`
	Bucket      string     `json:"bucket"`
	NeedsReview bool       `json:"needs_review"`
	Trend       Trend      `json:"trend"`

	Gate1 GateStatus `json:"gate1"`
	Gate2 GateStatus `json:"gate2"`
	Gate3 GateStatus `json:"gate3"`
	State State      `json:"state"`

	// Watermark is the last message sequence position folded into Stats.
	Watermark int `json:"watermark"`
	// Gate2At and Gate3At are the watermarks gates 2 and 3 last ran against.
	Gate2At int `json:"gate2_at"`
	Gate3At int `json:"gate3_at"`
	// TimelineThrough is the last sequence covered by a timeline entry.
	TimelineThrough int `json:"timeline_through"`

	Quick   *QuickResult `json:"quick,omitempty"`
	Summary *Summary     `json:"summary,omitempty"`
	Failure *EvalFailure `json:"failure,omitempty"`

	TimelineEntries int   `json:"timeline_entries"`
	CreatedAt       int64 `json:"created_at"`
	UpdatedAt       int64 `json:"updated_at"`
}

// Closed reports whether the case is externally closed.
func (r *ScoreRecord) Closed() bool {
	return r.Case.Status == StatusClosed
}

// NormalizeGates resets downstream verdicts so that a gate is only PASSED
// when every earlier gate is PASSED.
func (r *ScoreRecord) NormalizeGates() {
	if r.Gate1 != GatePassed {
		r.Gate2 = GateNotEvaluated
		r.Gate3 = GateNotEvaluated
	}
	if r.Gate2 != GatePassed {
		r.Gate3 = GateNotEvaluated
	}
}

// GatesMonotonic reports whether the record satisfies the gate ordering.
func (r *ScoreRecord) GatesMonotonic() bool {
	if r.Gate2 == GatePassed && r.Gate1 != GatePassed {
		return false
	}
	if r.Gate3 == GatePassed && r.Gate2 != GatePassed {
		return false
	}
	return true
}

// DeriveState computes the state machine position from the verdicts.
func (r *ScoreRecord) DeriveState() State {
	switch {
	case r.Closed():
		return StateClosed
	case r.Failure != nil:
		return StateEvaluationFailed
	case r.Watermark == 0:
		return StateUnseen
	case r.Gate1 == GateNotEvaluated:
		return StateGate1Pending
	case r.Gate1 == GateFailed:
		return StateGate1Failed
	case r.Gate2 == GateNotEvaluated:
		return StateGate1Passed
	case r.Gate2 == GateFailed:
		return StateGate2Failed
	case r.Gate3 == GateNotEvaluated:
		return StateGate2Passed
	default:
		return StateGate3Done
	}
}

// EligibleFor reports whether gate is due: the prior gate passed and the
// target gate has not run against the current watermark.
func (r *ScoreRecord) EligibleFor(gate int) bool {
	if r.Closed() {
		return false
	}
	switch gate {
	case 1:
		return r.Gate1 == GateNotEvaluated
	case 2:
		return r.Gate1 == GatePassed && r.Gate2At < r.Watermark
	case 3:
		return r.Gate2 == GatePassed && r.Gate3At < r.Watermark
	default:
		return false
	}
}
