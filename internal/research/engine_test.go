package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deep-research/internal/judge"
	"github.com/sells-group/deep-research/internal/model"
	"github.com/sells-group/deep-research/internal/schema"
)

func TestStart_Deep(t *testing.T) {
	e, _ := newTestEngine(t, newScriptedJudge(), nil)

	sess, err := e.Start(context.Background(), StartRequest{Query: "  used macbook  "})
	require.NoError(t, err)
	assert.Equal(t, "used macbook", sess.QueryText)
	assert.Equal(t, model.ModeDeep, sess.Mode)
	assert.Equal(t, model.StageInterview, sess.Stage)
	assert.Equal(t, model.StatusCreated, sess.Status)
	assert.Equal(t, 20, sess.Limit)
}

func TestStart_QuickWithLibrarySchema(t *testing.T) {
	ctx := context.Background()
	lib := schema.NewLibrary()
	lib.Add(model.ExtractionSchema{Name: "laptop", Fields: []model.FieldDef{{Name: "cpu", Type: model.FieldString}}})
	e, st := newTestEngine(t, newScriptedJudge(), lib)

	sess, err := e.Start(ctx, StartRequest{Query: "macbook", Mode: model.ModeQuick, Limit: 5, SchemaName: "laptop"})
	require.NoError(t, err)
	assert.Equal(t, model.StageParsing, sess.Stage)
	assert.Equal(t, model.StatusConfirmed, sess.Status)
	assert.Equal(t, 5, sess.Limit)
	require.NotNil(t, sess.SchemaID)

	sch, err := st.GetSchema(ctx, *sess.SchemaID)
	require.NoError(t, err)
	assert.Equal(t, "laptop", sch.Name)
}

func TestStart_QuickGeneratesAdHocSchema(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	lib := schema.NewLibrary()
	e, st := newTestEngine(t, j, lib)

	sess, err := e.Start(ctx, StartRequest{Query: "macbook", Mode: model.ModeQuick, SchemaName: "used_laptops"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, sess.Status)
	require.NotNil(t, sess.SchemaID)
	assert.Equal(t, 1, j.count("schema"))

	sch, err := st.GetSchema(ctx, *sess.SchemaID)
	require.NoError(t, err)
	assert.Equal(t, "used_laptops", sch.Name)
	assert.Equal(t, []string{"cpu", "ram_gb", "battery_cycles"}, sch.FieldNames())
	assert.Contains(t, lib.Names(), "used_laptops")

	// The registered name is reused without another judge call.
	again, err := e.Start(ctx, StartRequest{Query: "thinkpad", Mode: model.ModeQuick, SchemaName: "used_laptops"})
	require.NoError(t, err)
	assert.Equal(t, 1, j.count("schema"))
	require.NotNil(t, again.SchemaID)
	assert.NotEqual(t, *sess.SchemaID, *again.SchemaID)
}

func TestStart_QuickWithoutNameUsesSessionSchema(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	j.on("schema", func(judge.Request) (judge.Result, error) { return judge.Result{}, errors.New("overloaded") })
	e, st := newTestEngine(t, j, nil)

	sess, err := e.Start(ctx, StartRequest{Query: "macbook", Mode: model.ModeQuick})
	require.NoError(t, err)
	require.NotNil(t, sess.SchemaID)

	sch, err := st.GetSchema(ctx, *sess.SchemaID)
	require.NoError(t, err)
	assert.Equal(t, "quick_research_"+sess.ID, sch.Name)
	assert.Equal(t, defaultSchema().FieldNames(), sch.FieldNames())
}

func TestStart_Errors(t *testing.T) {
	e, _ := newTestEngine(t, newScriptedJudge(), nil)
	ctx := context.Background()

	_, err := e.Start(ctx, StartRequest{Query: "   "})
	assert.True(t, errors.Is(err, ErrEmptyInput))

	_, err = e.Start(ctx, StartRequest{Query: "macbook", Mode: "slow"})
	assert.Error(t, err)
}

func TestHandleMessage_InterviewAsksFollowUp(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	e, _ := newTestEngine(t, j, nil)
	sess, err := e.Start(ctx, StartRequest{Query: "used macbook"})
	require.NoError(t, err)

	reply, err := e.HandleMessage(ctx, sess.ID, "used macbook")
	require.NoError(t, err)
	assert.Equal(t, "What is your budget?", reply.Text)
	assert.Equal(t, model.StageInterview, reply.Session.Stage)
	require.Len(t, reply.Session.InterviewData, 1)
	assert.Equal(t, model.InterviewTurn{Question: "What is your budget?", Answer: "used macbook", NeedsMoreInfo: true},
		reply.Session.InterviewData[0])

	// The next call replays the recorded turn.
	var seen []judge.Message
	j.on("interview", func(req judge.Request) (judge.Result, error) {
		seen = req.Messages
		assert.Contains(t, req.System, "used macbook")
		return text("Which screen size?"), nil
	})
	_, err = e.HandleMessage(ctx, sess.ID, "under 800")
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Equal(t, "What is your budget?", seen[1].Text)
	assert.Equal(t, "under 800", seen[2].Text)
}

func TestHandleMessage_InterviewProposesSchema(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	e, _ := newTestEngine(t, j, nil)

	sess := proposedSession(t, e, j)
	assert.Equal(t, "used macbook under 800 with 16GB", sess.Criteria)
	require.NotNil(t, sess.ProposedSchema)
	assert.Equal(t, []string{"cpu", "ram_gb", "battery_cycles"}, sess.ProposedSchema.FieldNames())
	assert.Equal(t, 1, j.count("schema"))

	reply, err := e.HandleMessage(ctx, sess.ID, "what next?")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "battery_cycles")
}

func TestHandleMessage_SchemaFallbackOnJudgeFailure(t *testing.T) {
	j := newScriptedJudge()
	j.on("schema", func(judge.Request) (judge.Result, error) { return judge.Result{}, errors.New("overloaded") })
	e, _ := newTestEngine(t, j, nil)

	sess := proposedSession(t, e, j)
	assert.Equal(t, defaultSchema().FieldNames(), sess.ProposedSchema.FieldNames())
}

func TestHandleMessage_InterviewJudgeDown(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	j.on("interview", func(judge.Request) (judge.Result, error) { return judge.Result{}, errors.New("timeout") })
	e, st := newTestEngine(t, j, nil)
	sess, err := e.Start(ctx, StartRequest{Query: "macbook"})
	require.NoError(t, err)

	reply, err := e.HandleMessage(ctx, sess.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, unavailableReply, reply.Text)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageInterview, got.Stage)
	assert.Empty(t, got.InterviewData)
}

func TestHandleMessage_RevisesOnFeedback(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	e, _ := newTestEngine(t, j, nil)
	sess := proposedSession(t, e, j)

	j.on("revise", func(req judge.Request) (judge.Result, error) {
		assert.Contains(t, req.Messages[0].Text, "add screen size")
		return text(`{"fields": {"cpu": "str", "screen_in": "float"}}`), nil
	})
	reply, err := e.HandleMessage(ctx, sess.ID, "add screen size")
	require.NoError(t, err)
	assert.Equal(t, model.StageSchemaProposed, reply.Session.Stage)
	require.NotNil(t, reply.SchemaProposal)
	assert.Equal(t, []string{"cpu", "screen_in"}, reply.SchemaProposal.FieldNames())
	assert.Equal(t, []string{"cpu", "screen_in"}, reply.Session.ProposedSchema.FieldNames())
	assert.Contains(t, reply.Session.Criteria, "Requested changes: add screen size")
}

func TestHandleMessage_ConfirmByKeyword(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	e, st := newTestEngine(t, j, nil)
	sess := proposedSession(t, e, j)

	reply, err := e.HandleMessage(ctx, sess.ID, "Yes, looks good")
	require.NoError(t, err)
	assert.Zero(t, j.count("revise"))
	assert.Equal(t, model.StageParsing, reply.Session.Stage)
	assert.Equal(t, model.StatusConfirmed, reply.Session.Status)
	require.NotNil(t, reply.Session.SchemaID)

	sch, err := st.GetSchema(ctx, *reply.Session.SchemaID)
	require.NoError(t, err)
	assert.Equal(t, "laptops", sch.Name)
	assert.Equal(t, []string{"cpu", "ram_gb", "battery_cycles"}, sch.FieldNames())
}

func TestHandleMessage_ConfirmByJudgeTool(t *testing.T) {
	j := newScriptedJudge()
	e, _ := newTestEngine(t, j, nil)
	sess := proposedSession(t, e, j)

	j.on("revise", func(judge.Request) (judge.Result, error) {
		return toolCall(ToolConfirmSchema, nil), nil
	})
	reply, err := e.HandleMessage(context.Background(), sess.ID, "that works for me")
	require.NoError(t, err)
	assert.Equal(t, model.StageParsing, reply.Session.Stage)
}

func TestHandleMessage_InProgress(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	e, _ := newTestEngine(t, j, nil)
	sess := proposedSession(t, e, j)
	_, err := e.ConfirmSchema(ctx, sess.ID, nil)
	require.NoError(t, err)

	reply, err := e.HandleMessage(ctx, sess.ID, "any news?")
	require.NoError(t, err)
	assert.Equal(t, inProgressReply, reply.Text)
	assert.Equal(t, model.StageParsing, reply.Session.Stage)
}

func TestHandleMessage_CompletedStartsNewSession(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	e, _ := newTestEngine(t, j, nil)
	sess := proposedSession(t, e, j)
	_, err := e.ConfirmSchema(ctx, sess.ID, nil)
	require.NoError(t, err)
	_, err = e.SubmitResults(ctx, sess.ID, rawItems("a"))
	require.NoError(t, err)

	j.on("interview", func(judge.Request) (judge.Result, error) { return text("New budget?"), nil })
	reply, err := e.HandleMessage(ctx, sess.ID, "now a gaming laptop")
	require.NoError(t, err)
	assert.True(t, reply.NewSession)
	assert.NotEqual(t, sess.ID, reply.Session.ID)
	assert.Equal(t, "now a gaming laptop", reply.Session.QueryText)
	assert.Equal(t, "New budget?", reply.Text)
}

func TestHandleMessage_EmptyText(t *testing.T) {
	e, _ := newTestEngine(t, newScriptedJudge(), nil)
	_, err := e.HandleMessage(context.Background(), "whatever", " ")
	assert.True(t, errors.Is(err, ErrEmptyInput))
}

func TestConfirmSchema_Override(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	e, st := newTestEngine(t, j, nil)
	sess := proposedSession(t, e, j)

	override := &model.ExtractionSchema{Fields: []model.FieldDef{
		{Name: "gpu", Type: model.FieldString},
		{Name: "gpu", Type: model.FieldInt},
	}}
	got, err := e.ConfirmSchema(ctx, sess.ID, override)
	require.NoError(t, err)

	sch, err := st.GetSchema(ctx, *got.SchemaID)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu"}, sch.FieldNames())
	assert.True(t, strings.HasPrefix(sch.Name, "deep_research_"))
}

func TestConfirmSchema_WrongStage(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, newScriptedJudge(), nil)
	sess, err := e.Start(ctx, StartRequest{Query: "macbook"})
	require.NoError(t, err)

	_, err = e.ConfirmSchema(ctx, sess.ID, nil)
	assert.True(t, errors.Is(err, ErrInvalidStage))
}

func TestNextTask(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	e, _ := newTestEngine(t, j, nil)

	none, err := e.NextTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	sess := proposedSession(t, e, j)
	_, err = e.ConfirmSchema(ctx, sess.ID, nil)
	require.NoError(t, err)

	claimed, err := e.NextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, sess.ID, claimed.ID)
	assert.Equal(t, model.StatusProcessing, claimed.Status)

	again, err := e.NextTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestSubmitResults_DeepCompletes(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	e, _ := newTestEngine(t, j, nil)
	sess := proposedSession(t, e, j)
	_, err := e.ConfirmSchema(ctx, sess.ID, nil)
	require.NoError(t, err)
	_, err = e.NextTask(ctx)
	require.NoError(t, err)

	rep, err := e.SubmitResults(ctx, sess.ID, rawItems("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, rep.Session.Stage)
	assert.Equal(t, model.StatusDone, rep.Session.Status)
	assert.Equal(t, "Take the second listing.", rep.Session.Summary)
	assert.Equal(t, "More memory.", rep.Session.Reasoning)

	require.Len(t, rep.Lots, 2)
	assert.Equal(t, "https://example.com/b", rep.Lots[0].Lot.URL)
	assert.True(t, rep.Lots[0].Ranked)
	assert.Equal(t, "M1", rep.Lots[0].StructuredData["cpu"])
	assert.Len(t, rep.Phases, 3)
}

func TestSubmitResults_Quick(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	e, _ := newTestEngine(t, j, nil)
	sess, err := e.Start(ctx, StartRequest{Query: "macbook", Mode: model.ModeQuick})
	require.NoError(t, err)

	rep, err := e.SubmitResults(ctx, sess.ID, rawItems("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, rep.Session.Status)
	assert.Zero(t, j.count("rank"))
	assert.Equal(t, 2, j.count("extract"))
	require.Len(t, rep.Lots, 2)
	assert.Equal(t, "https://example.com/a", rep.Lots[0].Lot.URL)
}

func TestSubmitResults_WrongStage(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t, newScriptedJudge(), nil)
	sess, err := e.Start(ctx, StartRequest{Query: "macbook"})
	require.NoError(t, err)

	_, err = e.SubmitResults(ctx, sess.ID, rawItems("a"))
	assert.True(t, errors.Is(err, ErrInvalidStage))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageInterview, got.Stage)
}

func TestSubmitResults_CompletedSessionRefused(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, newScriptedJudge(), nil)
	sess, err := e.Start(ctx, StartRequest{Query: "macbook", Mode: model.ModeQuick})
	require.NoError(t, err)
	_, err = e.SubmitResults(ctx, sess.ID, rawItems("a"))
	require.NoError(t, err)

	_, err = e.SubmitResults(ctx, sess.ID, rawItems("b"))
	assert.True(t, errors.Is(err, ErrInvalidStage))
}

func TestSubmitResults_ConcurrentSubmissionsRunOnce(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	started := make(chan struct{})
	release := make(chan struct{})
	var first sync.Once
	j.on("relevance", func(judge.Request) (judge.Result, error) {
		hold := false
		first.Do(func() {
			hold = true
			close(started)
		})
		if hold {
			<-release
		}
		return text(`{"score": 70}`), nil
	})
	e, _ := newTestEngine(t, j, nil)
	sess, err := e.Start(ctx, StartRequest{Query: "macbook", Mode: model.ModeQuick})
	require.NoError(t, err)

	const submitters = 4
	type outcome struct {
		rep *model.SessionReport
		err error
	}
	results := make(chan outcome, submitters)
	for i := range submitters {
		go func() {
			rep, err := e.SubmitResults(ctx, sess.ID, rawItems(fmt.Sprintf("%d-a", i), fmt.Sprintf("%d-b", i)))
			results <- outcome{rep, err}
		}()
	}

	// One run holds the session; every other submission is refused while it
	// is still analyzing.
	<-started
	for range submitters - 1 {
		res := <-results
		assert.True(t, errors.Is(res.err, ErrInvalidStage), "got %v", res.err)
	}
	_, err = e.RunAnalysis(ctx, sess.ID)
	assert.True(t, errors.Is(err, ErrInvalidStage))

	close(release)
	winner := <-results
	require.NoError(t, winner.err)
	assert.Equal(t, model.StageCompleted, winner.rep.Session.Stage)
	assert.Equal(t, model.StatusDone, winner.rep.Session.Status)
	assert.Len(t, winner.rep.Lots, 2)
	assert.Equal(t, 2, j.count("relevance"))
	assert.Equal(t, 1, j.count("summarize"))
}

func TestRunAnalysis_RefusedWhileAnalyzing(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t, newScriptedJudge(), nil)
	sess, err := e.Start(ctx, StartRequest{Query: "macbook", Mode: model.ModeQuick})
	require.NoError(t, err)
	_, err = st.TransitionSession(ctx, sess.ID, nil, model.SessionPatch{
		Stage:  model.Ptr(model.StageAnalysis),
		Status: model.Ptr(model.StatusProcessing),
	})
	require.NoError(t, err)

	_, err = e.RunAnalysis(ctx, sess.ID)
	assert.True(t, errors.Is(err, ErrInvalidStage))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageAnalysis, got.Stage)
	assert.Empty(t, got.Summary)
}

func TestSubmitResults_FailureClosesSession(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t, newScriptedJudge(), nil)
	sess, err := e.Start(ctx, StartRequest{Query: "macbook", Mode: model.ModeQuick})
	require.NoError(t, err)
	_, err = st.TransitionSession(ctx, sess.ID, nil, model.SessionPatch{SchemaID: model.Ptr("no-such-schema")})
	require.NoError(t, err)

	rep, err := e.SubmitResults(ctx, sess.ID, rawItems("a"))
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, rep.Session.Stage)
	assert.Equal(t, model.StatusFailed, rep.Session.Status)
	assert.Equal(t, FailedReport, rep.Session.Summary)
}

func TestRunAnalysis_Reranks(t *testing.T) {
	ctx := context.Background()
	j := newScriptedJudge()
	e, _ := newTestEngine(t, j, nil)
	sess, err := e.Start(ctx, StartRequest{Query: "macbook", Mode: model.ModeQuick})
	require.NoError(t, err)
	_, err = e.pipeline.Ingest(ctx, sess, nil, rawItems("a", "b"))
	require.NoError(t, err)

	rep, err := e.RunAnalysis(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, rep.Lots, 2)
	assert.Equal(t, 2, j.count("relevance"))
}
