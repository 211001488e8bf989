package model

import "time"

// Mode selects which session machine drives a research request.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeDeep  Mode = "deep"
)

// Stage is the position of a deep research session in its lifecycle.
type Stage string

const (
	StageInterview       Stage = "interview"
	StageSchemaProposed  Stage = "schema_proposed"
	StageSchemaAgreement Stage = "schema_agreement"
	StageParsing         Stage = "parsing"
	StageAnalysis        Stage = "analysis"
	StageCompleted       Stage = "completed"
)

// stageOrder ranks stages so callers can tell whether a session is past a point.
var stageOrder = map[Stage]int{
	StageInterview:       0,
	StageSchemaProposed:  1,
	StageSchemaAgreement: 1,
	StageParsing:         2,
	StageAnalysis:        3,
	StageCompleted:       4,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Before reports whether s comes strictly before other.
func (s Stage) Before(other Stage) bool {
	return stageOrder[s] < stageOrder[other]
}

// AwaitingSchema reports whether the session is negotiating its schema.
func (s Stage) AwaitingSchema() bool {
	return s == StageSchemaProposed || s == StageSchemaAgreement
}

// Status is the coarse processing state shared by quick and deep sessions.
type Status string

const (
	StatusCreated    Status = "created"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further work will happen for the status.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// InterviewTurn is one question/answer exchange of the interview stage.
type InterviewTurn struct {
	Question      string `json:"question"`
	Answer        string `json:"answer"`
	NeedsMoreInfo bool   `json:"needs_more_info"`
}

// ResearchSession is a single shopping research request.
type ResearchSession struct {
	ID             string            `json:"id"`
	QueryText      string            `json:"query_text"`
	Mode           Mode              `json:"mode"`
	Stage          Stage             `json:"stage"`
	Status         Status            `json:"status"`
	InterviewData  []InterviewTurn   `json:"interview_data,omitempty"`
	Criteria       string            `json:"criteria,omitempty"`
	ProposedSchema *ExtractionSchema `json:"proposed_schema,omitempty"`
	SchemaID       *string           `json:"schema_id,omitempty"`
	Limit          int               `json:"limit"`
	Summary        string            `json:"summary,omitempty"`
	Reasoning      string            `json:"reasoning,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// SessionPatch lists the session fields a state transition may change.
// Nil fields are left untouched. A non-empty FromStatus further restricts
// the transition to sessions currently in one of those statuses.
type SessionPatch struct {
	FromStatus     []Status

	Stage          *Stage
	Status         *Status
	InterviewData  []InterviewTurn
	Criteria       *string
	ProposedSchema *ExtractionSchema
	ClearProposed  bool
	SchemaID       *string
	Summary        *string
	Reasoning      *string
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// SessionReport is a session read together with its admitted lots, best
// first, and its analysis phases.
type SessionReport struct {
	Session ResearchSession `json:"session"`
	Lots    []AnalyzedLot   `json:"lots"`
	Phases  []PhaseRecord   `json:"phases,omitempty"`
}
