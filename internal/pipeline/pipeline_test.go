package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deep-research/internal/config"
	"github.com/sells-group/deep-research/internal/imagestore"
	"github.com/sells-group/deep-research/internal/model"
	"github.com/sells-group/deep-research/internal/store"
)

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Concurrency:        4,
		AdmissionThreshold: 1,
		WindowSize:         5,
		WindowOverlap:      1,
		SummaryPreview:     10,
		NeutralScore:       50,
	}
}

func items(urls ...string) []model.RawItem {
	out := make([]model.RawItem, len(urls))
	for i, u := range urls {
		out[i] = model.RawItem{URL: "https://example.com/" + u, Title: "Listing " + u, Price: "700"}
	}
	return out
}

// scoreByURL makes the relevance call return the score keyed by URL suffix.
func scoreByURL(scores map[string]string) func(string) string {
	return func(prompt string) string {
		for suffix, score := range scores {
			if strings.Contains(prompt, "https://example.com/"+suffix+"\n") {
				return `{"score": ` + score + `}`
			}
		}
		return `{"score": 50}`
	}
}

func TestIngest_AdmitsAboveThreshold(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sch := laptopSchema()
	sess := analysisSession(t, st, model.ModeDeep, sch)

	j := newScriptedJudge()
	j.relevant = scoreByURL(map[string]string{"a": "80", "b": "0", "c": "50"})
	p := New(st, j, nil, testConfig())

	res, err := p.Ingest(ctx, sess, sch, items("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, &IngestResult{Received: 3, Analyzed: 3, Admitted: 2}, res)

	admitted, err := st.ListAnalyzedLots(ctx, sess.ID, store.LotFilter{AdmittedOnly: true})
	require.NoError(t, err)
	require.Len(t, admitted, 2)
	for _, a := range admitted {
		assert.NotEqual(t, "https://example.com/b", a.Lot.URL)
		assert.Equal(t, "M1", a.StructuredData["cpu"])
		require.NotNil(t, a.SchemaID)
		assert.Equal(t, sch.ID, *a.SchemaID)
	}

	// The rejected lot stays persisted.
	lot, err := st.GetLotByURL(ctx, "https://example.com/b")
	require.NoError(t, err)
	assert.Equal(t, "Listing b", lot.Title)

	all, err := st.ListAnalyzedLots(ctx, sess.ID, store.LotFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestIngest_ReusesAnalysisOnResubmit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := analysisSession(t, st, model.ModeDeep, nil)

	j := newScriptedJudge()
	p := New(st, j, nil, testConfig())

	_, err := p.Ingest(ctx, sess, nil, items("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 2, j.count("relevance"))

	res, err := p.Ingest(ctx, sess, nil, items("b", "c"))
	require.NoError(t, err)
	assert.Equal(t, &IngestResult{Received: 2, Analyzed: 1, Admitted: 1, Reused: 1}, res)
	assert.Equal(t, 3, j.count("relevance"))
	assert.Zero(t, j.count("extract"), "no schema means no extraction calls")

	all, err := st.ListAnalyzedLots(ctx, sess.ID, store.LotFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	positions := map[string]int{}
	for _, a := range all {
		positions[a.Lot.URL] = a.Position
	}
	assert.Equal(t, 0, positions["https://example.com/a"])
	assert.Equal(t, 1, positions["https://example.com/b"])
	assert.Equal(t, 3, positions["https://example.com/c"], "second batch continues after existing lots")
}

func TestIngest_DuplicateURLInBatchAnalyzedOnce(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := analysisSession(t, st, model.ModeDeep, nil)

	j := newScriptedJudge()
	p := New(st, j, nil, testConfig())

	res, err := p.Ingest(ctx, sess, nil, items("same", "same", "same"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Analyzed)
	assert.Equal(t, 2, res.Reused)
	assert.Equal(t, 1, j.count("relevance"))
	assert.Zero(t, p.urlLocks.size())

	admitted, err := st.ListAnalyzedLots(ctx, sess.ID, store.LotFilter{AdmittedOnly: true})
	require.NoError(t, err)
	assert.Len(t, admitted, 1)
}

func TestIngest_SkipsItemsWithoutURL(t *testing.T) {
	st := newTestStore(t)
	sess := analysisSession(t, st, model.ModeDeep, nil)
	p := New(st, newScriptedJudge(), nil, testConfig())

	res, err := p.Ingest(context.Background(), sess, nil, []model.RawItem{{Title: "no url"}, {URL: "  "}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Analyzed)
}

func TestIngest_StoresImages(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := analysisSession(t, st, model.ModeDeep, nil)
	images, err := imagestore.NewFS(t.TempDir())
	require.NoError(t, err)

	p := New(st, newScriptedJudge(), images, testConfig())
	batch := items("pic")
	batch[0].Image = []byte("\xff\xd8\xff\xe0 jpeg bytes")

	_, err = p.Ingest(ctx, sess, nil, batch)
	require.NoError(t, err)

	lot, err := st.GetLotByURL(ctx, "https://example.com/pic")
	require.NoError(t, err)
	require.NotEmpty(t, lot.ImagePath)
	assert.True(t, strings.HasSuffix(lot.ImagePath, ".jpg"))

	data, mediaType, err := images.Load(ctx, lot.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, batch[0].Image, data)
	assert.Equal(t, "image/jpeg", mediaType)
}

func TestRun_DeepRanksAndSummarizes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sch := laptopSchema()
	sess := analysisSession(t, st, model.ModeDeep, sch)

	j := newScriptedJudge()
	j.rank = func(string) (string, error) { return "Listing c looks best.\nORDER: 3, 1, 2", nil }
	p := New(st, j, nil, testConfig())

	out, err := p.Run(ctx, sess, sch, items("a", "b", "c"))
	require.NoError(t, err)

	assert.True(t, out.Ranked)
	require.Len(t, out.Lots, 3)
	assert.Equal(t, "https://example.com/c", out.Lots[0].Lot.URL)
	assert.InDelta(t, 3.0, out.Lots[0].TournamentScore, 1e-9)
	assert.Equal(t, "Buy the first one.", out.Summary.Summary)
	assert.Equal(t, 3, out.Ingest.Admitted)

	stored, err := st.ListAnalyzedLots(ctx, sess.ID, store.LotFilter{AdmittedOnly: true})
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, "https://example.com/c", stored[0].Lot.URL)
	assert.True(t, stored[0].Ranked)

	phases, err := st.ListPhases(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, phases, 3)
	assert.Equal(t, model.PhaseExtract, phases[0].Name)
	assert.Equal(t, model.PhaseRank, phases[1].Name)
	assert.Equal(t, model.PhaseSummarize, phases[2].Name)
	for _, ph := range phases {
		assert.Equal(t, model.PhaseStatusComplete, ph.Status)
	}
}

func TestRun_QuickKeepsArrivalOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := analysisSession(t, st, model.ModeQuick, nil)

	j := newScriptedJudge()
	p := New(st, j, nil, testConfig())

	out, err := p.Run(ctx, sess, nil, items("a", "b", "c"))
	require.NoError(t, err)

	assert.False(t, out.Ranked)
	assert.Zero(t, j.count("rank"))
	require.Len(t, out.Lots, 3)
	for i, suffix := range []string{"a", "b", "c"} {
		assert.Equal(t, "https://example.com/"+suffix, out.Lots[i].Lot.URL)
		assert.False(t, out.Lots[i].Ranked)
	}
}

func TestRun_EmptyResultSkipsSummaryCall(t *testing.T) {
	st := newTestStore(t)
	sess := analysisSession(t, st, model.ModeDeep, nil)

	j := newScriptedJudge()
	j.relevant = func(string) string { return `{"score": 0}` }
	p := New(st, j, nil, testConfig())

	out, err := p.Run(context.Background(), sess, nil, items("a", "b"))
	require.NoError(t, err)
	assert.Empty(t, out.Lots)
	assert.Equal(t, EmptySummary, out.Summary.Summary)
	assert.Zero(t, j.count("summarize"))
}

func TestRun_ReanalysisSkipsExtractPhase(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := analysisSession(t, st, model.ModeDeep, nil)

	j := newScriptedJudge()
	p := New(st, j, nil, testConfig())
	_, err := p.Ingest(ctx, sess, nil, items("a", "b"))
	require.NoError(t, err)

	out, err := p.Run(ctx, sess, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out.Ingest)
	assert.Len(t, out.Lots, 2)

	phases, err := st.ListPhases(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, phases, 3)
	assert.Equal(t, model.PhaseStatusSkipped, phases[0].Status)
}

func TestRank_RefusedAfterSessionCompleted(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := analysisSession(t, st, model.ModeDeep, nil)

	p := New(st, newScriptedJudge(), nil, testConfig())
	_, err := p.Ingest(ctx, sess, nil, items("a", "b"))
	require.NoError(t, err)

	_, err = st.TransitionSession(ctx, sess.ID, []model.Stage{model.StageAnalysis}, model.SessionPatch{
		Stage:   model.Ptr(model.StageCompleted),
		Status:  model.Ptr(model.StatusDone),
		Summary: model.Ptr("final"),
	})
	require.NoError(t, err)

	_, _, err = p.Rank(ctx, sess, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrStageConflict))

	lots, err := st.ListAnalyzedLots(ctx, sess.ID, store.LotFilter{})
	require.NoError(t, err)
	for _, l := range lots {
		assert.False(t, l.Ranked)
		assert.Zero(t, l.TournamentScore)
	}
}

func TestQuery(t *testing.T) {
	assert.Equal(t, "laptop", Query(&model.ResearchSession{QueryText: "laptop"}))
	assert.Equal(t, "laptop", Query(&model.ResearchSession{QueryText: "laptop", Criteria: "laptop"}))
	assert.Equal(t, "laptop\nCriteria: 16GB RAM", Query(&model.ResearchSession{QueryText: "laptop", Criteria: "16GB RAM"}))
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())
	unlockA()
	unlockB()
	assert.Zero(t, k.size())
}
