package schema

// SessionStatus represents the lifecycle state of a proposal session.
type SessionStatus string

const (
	SessionStatusPending       SessionStatus = "PENDING"
	SessionStatusProcessing    SessionStatus = "PROCESSING"
	SessionStatusCompleted     SessionStatus = "COMPLETED"
	SessionStatusError         SessionStatus = "ERROR"
	SessionStatusAwaitingInput SessionStatus = "AWAITING_INPUT"
	SessionStatusConfigError   SessionStatus = "CONFIGURATION_ERROR"
)

// ValidSessionTransitions defines the allowed state transitions for sessions.
// Terminal states have no outgoing transitions.
var ValidSessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending:       {SessionStatusProcessing, SessionStatusError, SessionStatusConfigError},
	SessionStatusProcessing:    {SessionStatusCompleted, SessionStatusError, SessionStatusAwaitingInput},
	SessionStatusCompleted:     {},
	SessionStatusError:         {},
	SessionStatusAwaitingInput: {},
	SessionStatusConfigError:   {},
}

// IsTerminal reports whether the status admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	return len(ValidSessionTransitions[s]) == 0
}

// Step names form a closed set; the invoker rejects anything else.
const (
	StepAnalyzeRequirements = "analyze_requirements"
	StepCalculateCost       = "calculate_cost"
	StepRetrieveTemplates   = "retrieve_templates"
	StepGenerateSlides      = "generate_slides"
	StepGenerateDocument    = "generate_document"
)

// Stage labels shown to polling clients while a session is processing.
const (
	StageAnalysis  = "analysis"
	StageCosting   = "costing"
	StageRetrieval = "retrieval"
	StageSlides    = "slides"
	StageDocument  = "document"
)

// StageProgress maps a workflow stage to the progress percentage reported
// when that stage begins. Unknown stages fall back to an incremental
// estimate via EstimateProgress.
var StageProgress = map[string]int{
	StageAnalysis:  30,
	StageCosting:   50,
	StageRetrieval: 60,
	StageSlides:    80,
	StageDocument:  95,
}

// StepStage maps a step name to its stage label.
var StepStage = map[string]string{
	StepAnalyzeRequirements: StageAnalysis,
	StepCalculateCost:       StageCosting,
	StepRetrieveTemplates:   StageRetrieval,
	StepGenerateSlides:      StageSlides,
	StepGenerateDocument:    StageDocument,
}

// EstimateProgress returns the progress value for a stage, falling back to
// current+10 (capped at 90) for stages not in the table. The result is
// never below current, keeping progress monotonic.
func EstimateProgress(stage string, current int) int {
	p, ok := StageProgress[stage]
	if !ok {
		p = current + 10
		if p > 90 {
			p = 90
		}
	}
	if p < current {
		return current
	}
	return p
}
