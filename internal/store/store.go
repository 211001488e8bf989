// Package store persists research sessions, schemas, lots and their
// analysis.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deep-research/internal/model"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrStageConflict is returned when a guarded write finds the session in
	// a stage other than the ones the writer expected.
	ErrStageConflict = eris.New("store: session stage conflict")
)

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Mode   model.Mode   `json:"mode,omitempty"`
	Stage  model.Stage  `json:"stage,omitempty"`
	Status model.Status `json:"status,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}

// LotFilter narrows ListAnalyzedLots.
type LotFilter struct {
	// AdmittedOnly restricts results to lots linked to the session.
	AdmittedOnly bool
	Limit        int
}

// Store defines the persistence interface for the research engine.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *model.ResearchSession) error
	GetSession(ctx context.Context, id string) (*model.ResearchSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.ResearchSession, error)
	// TransitionSession applies patch only while the session is in one of
	// the from stages and, when patch.FromStatus is set, one of those
	// statuses. Empty guards apply unconditionally.
	TransitionSession(ctx context.Context, id string, from []model.Stage, patch model.SessionPatch) (*model.ResearchSession, error)
	// ClaimNextSession marks the oldest confirmed session in parsing as
	// processing and returns it. It returns nil when nothing is waiting.
	ClaimNextSession(ctx context.Context) (*model.ResearchSession, error)
	GetSessionReport(ctx context.Context, id string) (*model.SessionReport, error)

	// Schemas
	SaveSchema(ctx context.Context, schema *model.ExtractionSchema) error
	GetSchema(ctx context.Context, id string) (*model.ExtractionSchema, error)

	// Lots
	UpsertLotByURL(ctx context.Context, lot *model.Lot) (*model.Lot, error)
	GetLotByURL(ctx context.Context, url string) (*model.Lot, error)
	// LinkLot links a lot to a session, reporting whether a new link was made.
	LinkLot(ctx context.Context, sessionID, lotID string) (bool, error)

	// Analysis
	SaveAnalyzedLot(ctx context.Context, lot *model.AnalyzedLot) error
	GetAnalyzedLot(ctx context.Context, sessionID, lotID string) (*model.AnalyzedLot, error)
	ListAnalyzedLots(ctx context.Context, sessionID string, filter LotFilter) ([]model.AnalyzedLot, error)
	// UpdateTournamentScores writes scores only while the session is in
	// the analysis stage.
	UpdateTournamentScores(ctx context.Context, sessionID string, updates []model.ScoreUpdate) error

	// Phases
	CreatePhase(ctx context.Context, sessionID, name string) (*model.PhaseRecord, error)
	CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error
	ListPhases(ctx context.Context, sessionID string) ([]model.PhaseRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func stageStrings(stages []model.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

func statusStrings(statuses []model.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
