package model

import "time"

// PhaseStatus represents the current state of an analysis phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// Phase names recorded for a session's analysis.
const (
	PhaseExtract   = "extract"
	PhaseRank      = "rank"
	PhaseSummarize = "summarize"
)

// PhaseRecord tracks one analysis phase of a session.
type PhaseRecord struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Name       string      `json:"name"`
	Status     PhaseStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
}

// PhaseResult is the outcome reported when a phase completes.
type PhaseResult struct {
	Status   PhaseStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
