package analysis

import (
	"github.com/invopop/jsonschema"
)

// Structured outputs requested from the models. Field names are the wire
// contract; every field is required.

type classifyOutput struct {
	Score  int    `json:"score" jsonschema:"minimum=0,maximum=10,description=Frustration level of the message from 0 (neutral or positive) to 10 (trust broken; threats to leave)"`
	Reason string `json:"reason" jsonschema:"description=One short sentence explaining the score"`
}

type quickOutput struct {
	FrustrationFrequency float64 `json:"frustration_frequency" jsonschema:"minimum=0,maximum=100,description=Percentage of messages showing customer frustration"`
	DamageFrequency      float64 `json:"relationship_damage_frequency" jsonschema:"minimum=0,maximum=100,description=Percentage of interactions that damaged customer confidence"`
	Priority             string  `json:"customer_priority" jsonschema:"enum=Critical,enum=High,enum=Medium,enum=Low"`
	IssueClass           string  `json:"issue_class" jsonschema:"description=Systemic or Environmental or Component or Procedural; empty when unclear"`
	ResolutionOutlook    string  `json:"resolution_outlook" jsonschema:"description=Challenging or Manageable or Straightforward; empty when unclear"`
	Justification        string  `json:"justification" jsonschema:"description=Two or three sentences explaining the priority"`
}

type timelineEntryOutput struct {
	FirstMessage        int    `json:"first_message" jsonschema:"description=Sequence number of the first message covered"`
	LastMessage         int    `json:"last_message" jsonschema:"description=Sequence number of the last message covered"`
	Label               string `json:"label"`
	Summary             string `json:"summary"`
	Sentiment           string `json:"sentiment" jsonschema:"enum=positive,enum=neutral,enum=negative,enum=frustrated"`
	CustomerTone        string `json:"customer_tone"`
	FrustrationDetected bool   `json:"frustration_detected"`
}

type timelineOutput struct {
	Entries           []timelineEntryOutput `json:"entries"`
	ExecutiveSummary  string                `json:"executive_summary" jsonschema:"description=Two or three sentences for an executive with no context"`
	PainPoints        []string              `json:"pain_points"`
	RecommendedAction string                `json:"recommended_action"`
}

// generateSchema reflects T into an inline schema that forbids extra
// properties, as strict structured output requires.
func generateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

var (
	classifySchema = generateSchema[classifyOutput]()
	quickSchema    = generateSchema[quickOutput]()
	timelineSchema = generateSchema[timelineOutput]()
)
