package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deep-research/internal/judge"
	"github.com/sells-group/deep-research/internal/model"
	"github.com/sells-group/deep-research/internal/store"
)

// --- Judge Mock ---

type mockJudge struct {
	mock.Mock
}

func (m *mockJudge) Call(ctx context.Context, req judge.Request) (judge.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(judge.Result), args.Error(1)
}

func phase(name string) any {
	return mock.MatchedBy(func(r judge.Request) bool { return r.Phase == name })
}

func phaseWith(name, substr string) any {
	return mock.MatchedBy(func(r judge.Request) bool {
		return r.Phase == name && len(r.Messages) > 0 && strings.Contains(r.Messages[0].Text, substr)
	})
}

func text(s string) judge.Result {
	return judge.Result{Kind: judge.KindText, Text: s}
}

// --- Scripted Judge ---

// scriptedJudge answers by phase and is safe for concurrent use.
type scriptedJudge struct {
	mu       sync.Mutex
	calls    map[string]int
	relevant func(prompt string) string
	rank     func(prompt string) (string, error)
	summary  string
}

func newScriptedJudge() *scriptedJudge {
	return &scriptedJudge{
		calls:    make(map[string]int),
		relevant: func(string) string { return `{"score": 80, "relevance_note": "matches"}` },
		rank:     func(string) (string, error) { return "ORDER: 1", nil },
		summary:  `{"summary": "Buy the first one.", "reasoning": "Cheapest good match."}`,
	}
}

func (s *scriptedJudge) Call(_ context.Context, req judge.Request) (judge.Result, error) {
	s.mu.Lock()
	s.calls[req.Phase]++
	s.mu.Unlock()

	prompt := req.Messages[0].Text
	switch req.Phase {
	case "extract":
		return text(`{"cpu": "M1", "ram_gb": "8"}`), nil
	case "relevance":
		return text(s.relevant(prompt)), nil
	case "rank":
		answer, err := s.rank(prompt)
		return text(answer), err
	default:
		return text(s.summary), nil
	}
}

func (s *scriptedJudge) count(phase string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[phase]
}

// --- Fixtures ---

func laptopSchema() *model.ExtractionSchema {
	return &model.ExtractionSchema{
		Name: "laptop",
		Fields: []model.FieldDef{
			{Name: "cpu", Type: model.FieldString, Description: "processor model"},
			{Name: "ram_gb", Type: model.FieldInt, Description: "memory in GB"},
		},
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// analysisSession creates a session already moved into the analysis stage.
func analysisSession(t *testing.T, st store.Store, mode model.Mode, sch *model.ExtractionSchema) *model.ResearchSession {
	t.Helper()
	ctx := context.Background()
	sess := &model.ResearchSession{QueryText: "used macbook under 800", Mode: mode, Limit: 20}
	require.NoError(t, st.CreateSession(ctx, sess))

	patch := model.SessionPatch{
		Stage:  model.Ptr(model.StageAnalysis),
		Status: model.Ptr(model.StatusProcessing),
	}
	if sch != nil {
		require.NoError(t, st.SaveSchema(ctx, sch))
		patch.SchemaID = model.Ptr(sch.ID)
	}
	updated, err := st.TransitionSession(ctx, sess.ID, nil, patch)
	require.NoError(t, err)
	return updated
}

func analyzedLots(titles ...string) []model.AnalyzedLot {
	out := make([]model.AnalyzedLot, len(titles))
	for i, title := range titles {
		out[i] = model.AnalyzedLot{
			ID:       "a-" + title,
			LotID:    "l-" + title,
			Position: i,
			Lot:      &model.Lot{ID: "l-" + title, Title: title, URL: "https://example.com/" + title},
		}
	}
	return out
}

func ids(lots []model.AnalyzedLot) []string {
	out := make([]string, len(lots))
	for i, l := range lots {
		out[i] = l.ID
	}
	return out
}
