package cases

// Delta is one atomic change to a case record.
//
// BaseWatermark is the watermark the caller built the delta against; the
// repository rejects the delta when it no longer matches. Messages must have
// sequences above BaseWatermark in ascending order. Verdicts carry the
// watermark they were computed against.
type Delta struct {
	Case          *Case
	BaseWatermark int
	Messages      []Message

	// Scores replaces stats, components and health. Required with Messages.
	Scores *Scores

	Gate1    *GateStatus
	Quick    *QuickVerdict
	Timeline *TimelineVerdict
	Failure  *EvalFailure
}

// Scores is the recomputed scoring state that accompanies a delta.
type Scores struct {
	Stats       Stats
	Components  Components
	Criticality float64
	Health      float64
	Bucket      string
	NeedsReview bool
	Trend       Trend
}

// QuickVerdict is the gate 2 outcome.
type QuickVerdict struct {
	Status      GateStatus
	Result      QuickResult
	EvaluatedAt int
}

// TimelineVerdict is the gate 3 outcome. Entries must start after the
// record's TimelineThrough.
type TimelineVerdict struct {
	Entries     []TimelineEntry
	Summary     *Summary
	EvaluatedAt int
}

// Watermark returns the watermark the record will hold after the delta.
func (d Delta) Watermark() int {
	if n := len(d.Messages); n > 0 {
		return d.Messages[n-1].Sequence
	}
	return d.BaseWatermark
}

// HasVerdicts reports whether the delta carries any gate outcome or failure.
func (d Delta) HasVerdicts() bool {
	return d.Gate1 != nil || d.Quick != nil || d.Timeline != nil || d.Failure != nil
}

// Upload is the raw material for one case in a batch.
type Upload struct {
	Case     Case
	Messages []RawMessage
}
