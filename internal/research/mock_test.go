package research

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/deep-research/internal/config"
	"github.com/sells-group/deep-research/internal/judge"
	"github.com/sells-group/deep-research/internal/model"
	"github.com/sells-group/deep-research/internal/pipeline"
	"github.com/sells-group/deep-research/internal/schema"
	"github.com/sells-group/deep-research/internal/store"
)

const laptopSchemaAnswer = `{"name": "laptops", "fields": {
	"cpu": {"type": "str", "description": "processor"},
	"ram_gb": {"type": "int", "description": "memory in GB"},
	"battery_cycles": {"type": "int", "description": "battery cycle count"}
}}`

// scriptedJudge answers each phase from a settable function and counts
// calls. It is safe for concurrent use.
type scriptedJudge struct {
	mu     sync.Mutex
	calls  map[string]int
	phases map[string]func(req judge.Request) (judge.Result, error)
}

func newScriptedJudge() *scriptedJudge {
	j := &scriptedJudge{calls: make(map[string]int)}
	j.phases = map[string]func(judge.Request) (judge.Result, error){
		"interview": func(judge.Request) (judge.Result, error) {
			return text("What is your budget?"), nil
		},
		"schema": func(judge.Request) (judge.Result, error) {
			return text(laptopSchemaAnswer), nil
		},
		"revise": func(judge.Request) (judge.Result, error) {
			return text(laptopSchemaAnswer), nil
		},
		"extract": func(judge.Request) (judge.Result, error) {
			return text(`{"cpu": "M1", "ram_gb": 8}`), nil
		},
		"relevance": func(judge.Request) (judge.Result, error) {
			return text(`{"score": 70, "relevance_note": "fits the budget"}`), nil
		},
		"rank": func(judge.Request) (judge.Result, error) {
			return text("ORDER: 2, 1"), nil
		},
		"summarize": func(judge.Request) (judge.Result, error) {
			return text(`{"summary": "Take the second listing.", "reasoning": "More memory."}`), nil
		},
	}
	return j
}

func (j *scriptedJudge) on(phase string, fn func(req judge.Request) (judge.Result, error)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.phases[phase] = fn
}

func (j *scriptedJudge) Call(_ context.Context, req judge.Request) (judge.Result, error) {
	j.mu.Lock()
	j.calls[req.Phase]++
	fn := j.phases[req.Phase]
	j.mu.Unlock()
	if fn == nil {
		return text(""), nil
	}
	return fn(req)
}

func (j *scriptedJudge) count(phase string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls[phase]
}

func text(s string) judge.Result {
	return judge.Result{Kind: judge.KindText, Text: s}
}

func toolCall(name string, args map[string]any) judge.Result {
	return judge.Result{Kind: judge.KindToolCall, ToolName: name, Arguments: args}
}

func proposeCall(criteria string) func(judge.Request) (judge.Result, error) {
	return func(judge.Request) (judge.Result, error) {
		return toolCall(ToolProposeSchema, map[string]any{"criteria_summary": criteria}), nil
	}
}

// --- Fixtures ---

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "research.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestEngine(t *testing.T, j judge.Judge, lib *schema.Library) (*Engine, store.Store) {
	t.Helper()
	st := newTestStore(t)
	p := pipeline.New(st, j, nil, config.PipelineConfig{
		Concurrency:        2,
		AdmissionThreshold: 1,
		WindowSize:         5,
		WindowOverlap:      1,
		SummaryPreview:     10,
		NeutralScore:       50,
	})
	return New(st, j, p, lib, config.ResearchConfig{DefaultLimit: 20}), st
}

// proposedSession drives a deep session to schema_proposed.
func proposedSession(t *testing.T, e *Engine, j *scriptedJudge) *model.ResearchSession {
	t.Helper()
	ctx := context.Background()
	sess, err := e.Start(ctx, StartRequest{Query: "used macbook", Mode: model.ModeDeep})
	require.NoError(t, err)

	j.on("interview", proposeCall("used macbook under 800 with 16GB"))
	reply, err := e.HandleMessage(ctx, sess.ID, "under 800, 16GB")
	require.NoError(t, err)
	require.Equal(t, model.StageSchemaProposed, reply.Session.Stage)
	return reply.Session
}

func rawItems(urls ...string) []model.RawItem {
	out := make([]model.RawItem, len(urls))
	for i, u := range urls {
		out[i] = model.RawItem{URL: "https://example.com/" + u, Title: "MacBook " + u, Price: "750"}
	}
	return out
}
