package cases

// Status is the external lifecycle of a case.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Owner is the inferred author side of a message.
type Owner string

const (
	OwnerCustomer Owner = "CUSTOMER"
	OwnerSupport  Owner = "SUPPORT"
	OwnerUnknown  Owner = "UNKNOWN"
)

// Opposite returns the other party, or OwnerUnknown for OwnerUnknown.
func (o Owner) Opposite() Owner {
	switch o {
	case OwnerCustomer:
		return OwnerSupport
	case OwnerSupport:
		return OwnerCustomer
	default:
		return OwnerUnknown
	}
}

// GateStatus is the verdict for one gate.
type GateStatus string

const (
	GateNotEvaluated GateStatus = "NOT_EVALUATED"
	GateFailed       GateStatus = "FAILED"
	GatePassed       GateStatus = "PASSED"
)

// State is the derived position of a case in the gate state machine.
type State string

const (
	StateUnseen           State = "UNSEEN"
	StateGate1Pending     State = "GATE1_PENDING"
	StateGate1Failed      State = "GATE1_FAILED"
	StateGate1Passed      State = "GATE1_PASSED"
	StateGate2Failed      State = "GATE2_FAILED"
	StateGate2Passed      State = "GATE2_PASSED"
	StateGate3Done        State = "GATE3_DONE"
	StateEvaluationFailed State = "EVALUATION_FAILED"
	StateClosed           State = "CLOSED"
)

// Case is the metadata of a support case. Empty tier strings fall back to
// the lowest severity during scoring.
type Case struct {
	ID                string `json:"id"`
	Customer          string `json:"customer,omitempty"`
	Severity          string `json:"severity,omitempty"`
	SupportTier       string `json:"support_tier,omitempty"`
	IssueClass        string `json:"issue_class,omitempty"`
	ResolutionOutlook string `json:"resolution_outlook,omitempty"`
	CreatedAt         int64  `json:"created_at,omitempty"`
	Status            Status `json:"status"`
}

// Merge returns c with the non-empty metadata of upd applied. Identity and
// status never change; CreatedAt is only filled when unset.
func (c Case) Merge(upd Case) Case {
	if upd.Customer != "" {
		c.Customer = upd.Customer
	}
	if upd.Severity != "" {
		c.Severity = upd.Severity
	}
	if upd.SupportTier != "" {
		c.SupportTier = upd.SupportTier
	}
	if upd.IssueClass != "" {
		c.IssueClass = upd.IssueClass
	}
	if upd.ResolutionOutlook != "" {
		c.ResolutionOutlook = upd.ResolutionOutlook
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = upd.CreatedAt
	}
	return c
}

// RawMessage is a message as delivered by an upload, before enrichment.
type RawMessage struct {
	Sequence  int    `json:"sequence"`
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Message is an enriched, append-only message of a case.
type Message struct {
	Sequence  int    `json:"sequence"`
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Owner     Owner  `json:"owner"`

	// DelayDays is whole days since the nearest prior message from the
	// opposite party, or -1 when there is none or the owner is unknown.
	DelayDays int    `json:"delay_days"`
	DelayNote string `json:"delay_note,omitempty"`

	// Frustration is set once by the bulk classifier (0-10) and never changed.
	Frustration *int `json:"frustration,omitempty"`
}

// Scored reports whether the bulk classifier has scored the message.
func (m Message) Scored() bool {
	return m.Frustration != nil
}

// Score returns the frustration score or 0 if unscored.
func (m Message) Score() int {
	if m.Frustration == nil {
		return 0
	}
	return *m.Frustration
}

// Range is an inclusive span of message sequence positions.
type Range struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// Empty reports whether the range covers nothing.
func (r Range) Empty() bool {
	return r.Last < r.First
}

// Contains reports whether seq lies within the range.
func (r Range) Contains(seq int) bool {
	return seq >= r.First && seq <= r.Last
}

// TimelineEntry is one narrative segment of a case timeline.
type TimelineEntry struct {
	ID                  string `json:"id"`
	Index               int    `json:"index"`
	Range               Range  `json:"range"`
	Label               string `json:"label"`
	Summary             string `json:"summary"`
	Sentiment           string `json:"sentiment"`
	CustomerTone        string `json:"customer_tone,omitempty"`
	FrustrationDetected bool   `json:"frustration_detected"`
	CreatedAt           int64  `json:"created_at"`
}

// Sentiment labels accepted on timeline entries.
const (
	SentimentPositive   = "positive"
	SentimentNeutral    = "neutral"
	SentimentNegative   = "negative"
	SentimentFrustrated = "frustrated"
)
