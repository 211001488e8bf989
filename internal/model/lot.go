package model

import (
	"cmp"
	"encoding/json"
	"slices"
	"time"
)

// Lot is a single marketplace listing, shared across sessions by URL.
type Lot struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	Price       string          `json:"price,omitempty"`
	Description string          `json:"description,omitempty"`
	ImagePath   string          `json:"image_path,omitempty"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RawItem is a listing as delivered by the item collector.
type RawItem struct {
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	Price       string          `json:"price,omitempty"`
	Description string          `json:"description,omitempty"`
	Image       []byte          `json:"image,omitempty"`
	ImageRef    string          `json:"image_ref,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// AnalyzedLot holds the judge's view of a lot within one session.
type AnalyzedLot struct {
	ID              string         `json:"id"`
	LotID           string         `json:"lot_id"`
	SessionID       string         `json:"session_id"`
	SchemaID        *string        `json:"schema_id,omitempty"`
	Position        int            `json:"position"`
	StructuredData  map[string]any `json:"structured_data"`
	RelevanceScore  int            `json:"relevance_score"`
	RelevanceNote   string         `json:"relevance_note,omitempty"`
	VisualNote      string         `json:"visual_note,omitempty"`
	TournamentScore float64        `json:"tournament_score"`
	Ranked          bool           `json:"ranked"`
	CreatedAt       time.Time      `json:"created_at"`

	// Lot is populated by reads that join the listing.
	Lot *Lot `json:"lot,omitempty"`
}

// CompareRank orders analyzed lots best first. Ranked lots precede unranked
// ones; within each group higher tournament scores win and admission order
// breaks ties.
func CompareRank(a, b AnalyzedLot) int {
	if a.Ranked != b.Ranked {
		if a.Ranked {
			return -1
		}
		return 1
	}
	if a.Ranked && a.TournamentScore != b.TournamentScore {
		return cmp.Compare(b.TournamentScore, a.TournamentScore)
	}
	return cmp.Compare(a.Position, b.Position)
}

// SortByRank sorts lots in place using CompareRank.
func SortByRank(lots []AnalyzedLot) {
	slices.SortStableFunc(lots, CompareRank)
}

// ScoreUpdate sets the tournament score of one analyzed lot.
type ScoreUpdate struct {
	AnalyzedLotID string
	Score         float64
	Ranked        bool
}
