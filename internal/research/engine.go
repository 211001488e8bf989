// Package research drives research sessions through their lifecycle: the
// buyer interview, schema negotiation, collector hand-off and analysis.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deep-research/internal/config"
	"github.com/sells-group/deep-research/internal/judge"
	"github.com/sells-group/deep-research/internal/model"
	"github.com/sells-group/deep-research/internal/pipeline"
	"github.com/sells-group/deep-research/internal/schema"
	"github.com/sells-group/deep-research/internal/store"
)

var (
	// ErrInvalidStage is returned when an operation does not apply to the
	// session's current stage.
	ErrInvalidStage = eris.New("research: operation not allowed in current stage")

	// ErrEmptyInput is returned for blank queries and messages.
	ErrEmptyInput = eris.New("research: empty input")
)

// FailedReport is the summary of a session whose analysis broke down.
const FailedReport = "Analysis failed: the report could not be generated."

const (
	inProgressReply  = "The search is in progress. I will have a report once the listings are analyzed."
	unavailableReply = "I could not reach the assistant just now. Please send your message again."
	confirmedReply   = "Schema confirmed. Listings will be collected and analyzed next."
	followUpReply    = "Could you tell me more about what you are looking for?"
)

// StartRequest opens a session.
type StartRequest struct {
	Query string     `json:"query"`
	Mode  model.Mode `json:"mode"`
	Limit int        `json:"limit"`
	// SchemaName picks a library schema for quick sessions. Unknown names
	// are generated and registered under that name.
	SchemaName string `json:"schema_name,omitempty"`
}

// Reply is the engine's answer to a buyer message.
type Reply struct {
	Text           string                  `json:"text"`
	Session        *model.ResearchSession  `json:"session"`
	SchemaProposal *model.ExtractionSchema `json:"schema_proposal,omitempty"`
	// NewSession is set when the message opened a fresh session.
	NewSession bool `json:"new_session,omitempty"`
}

// Engine is the research session state machine.
type Engine struct {
	store    store.Store
	judge    judge.Judge
	pipeline *pipeline.Pipeline
	library  *schema.Library
	cfg      config.ResearchConfig
}

// New creates an engine. lib may be nil when no schema library is configured.
func New(st store.Store, j judge.Judge, p *pipeline.Pipeline, lib *schema.Library, cfg config.ResearchConfig) *Engine {
	if lib == nil {
		lib = schema.NewLibrary()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	return &Engine{store: st, judge: j, pipeline: p, library: lib, cfg: cfg}
}

// Start opens a session. Deep sessions begin in the interview; quick
// sessions are confirmed right away with the named library schema or one
// generated from the query.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*model.ResearchSession, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, eris.Wrap(ErrEmptyInput, "research: query is required")
	}
	if req.Limit <= 0 {
		req.Limit = e.cfg.DefaultLimit
	}
	if req.Mode == "" {
		req.Mode = model.ModeDeep
	}

	switch req.Mode {
	case model.ModeDeep:
		sess := &model.ResearchSession{
			QueryText: query,
			Mode:      model.ModeDeep,
			Stage:     model.StageInterview,
			Status:    model.StatusCreated,
			Limit:     req.Limit,
		}
		if err := e.store.CreateSession(ctx, sess); err != nil {
			return nil, eris.Wrap(err, "research: create session")
		}
		zap.L().Info("research: session started", zap.String("session_id", sess.ID), zap.String("mode", "deep"))
		return sess, nil
	case model.ModeQuick:
		return e.startQuick(ctx, query, req)
	default:
		return nil, eris.Errorf("research: unknown mode %q", req.Mode)
	}
}

func (e *Engine) startQuick(ctx context.Context, query string, req StartRequest) (*model.ResearchSession, error) {
	sess := &model.ResearchSession{
		QueryText: query,
		Mode:      model.ModeQuick,
		Stage:     model.StageParsing,
		Status:    model.StatusCreated,
		Criteria:  query,
		Limit:     req.Limit,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, eris.Wrap(err, "research: create session")
	}

	sch, err := e.quickSchema(ctx, sess, req.SchemaName)
	if err != nil {
		return nil, err
	}

	confirmed, err := e.store.TransitionSession(ctx, sess.ID, []model.Stage{model.StageParsing}, model.SessionPatch{
		FromStatus: []model.Status{model.StatusCreated},
		Status:     model.Ptr(model.StatusConfirmed),
		SchemaID:   model.Ptr(sch.ID),
	})
	if err != nil {
		return nil, e.stageError(err, "confirm quick session")
	}
	zap.L().Info("research: session started",
		zap.String("session_id", sess.ID),
		zap.String("mode", "quick"),
		zap.String("schema", sch.Name),
	)
	return confirmed, nil
}

// quickSchema persists the named library schema for sess. Unknown or empty
// names get a schema generated from the query; a named one is added to the
// library so later sessions reuse it.
func (e *Engine) quickSchema(ctx context.Context, sess *model.ResearchSession, name string) (*model.ExtractionSchema, error) {
	var sch model.ExtractionSchema
	if lib, ok := e.library.Get(name); ok {
		sch = *lib
	} else {
		sch = *e.generateSchema(ctx, sess.ID, sess.QueryText)
		sch.Fields = schema.Build(sch.Fields).Fields()
		sch.Name = name
		if name == "" {
			sch.Name = "quick_research_" + sess.ID
		} else {
			e.library.Add(sch)
		}
		zap.L().Info("research: generated ad hoc schema",
			zap.String("session_id", sess.ID),
			zap.String("schema", sch.Name),
			zap.Int("fields", len(sch.Fields)),
		)
	}

	sch.ID = ""
	if err := e.store.SaveSchema(ctx, &sch); err != nil {
		return nil, eris.Wrap(err, "research: save quick schema")
	}
	return &sch, nil
}

// HandleMessage advances a session with a buyer message.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, eris.Wrap(ErrEmptyInput, "research: message is required")
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "research: load session")
	}

	switch {
	case sess.Stage == model.StageInterview:
		return e.interview(ctx, sess, text)
	case sess.Stage.AwaitingSchema():
		return e.negotiate(ctx, sess, text)
	case sess.Stage == model.StageCompleted:
		return e.restart(ctx, sess, text)
	default:
		return &Reply{Text: inProgressReply, Session: sess}, nil
	}
}

func (e *Engine) interview(ctx context.Context, sess *model.ResearchSession, text string) (*Reply, error) {
	log := zap.L().With(zap.String("session_id", sess.ID), zap.String("stage", string(sess.Stage)))

	res, err := e.judge.Call(ctx, judge.Request{
		Phase:    "interview",
		System:   fmt.Sprintf(interviewSystemText, sess.QueryText),
		Messages: interviewMessages(sess, text),
		Tools:    []judge.Tool{proposeSchemaTool},
	})
	if err != nil {
		log.Warn("research: interview call failed", zap.Error(err))
		return &Reply{Text: unavailableReply, Session: sess}, nil
	}

	if !res.IsToolCall(ToolProposeSchema) {
		question := strings.TrimSpace(res.Text)
		if question == "" {
			question = followUpReply
		}
		turns := append(sess.InterviewData, model.InterviewTurn{Question: question, Answer: text, NeedsMoreInfo: true})
		updated, err := e.store.TransitionSession(ctx, sess.ID, []model.Stage{model.StageInterview},
			model.SessionPatch{InterviewData: turns})
		if err != nil {
			return nil, e.stageError(err, "record interview turn")
		}
		return &Reply{Text: question, Session: updated}, nil
	}

	criteria := res.StringArg("criteria_summary")
	if criteria == "" {
		criteria = criteriaFrom(sess, text)
	}
	proposal := e.generateSchema(ctx, sess.ID, criteria)
	turns := append(sess.InterviewData, model.InterviewTurn{Answer: text, NeedsMoreInfo: false})

	updated, err := e.store.TransitionSession(ctx, sess.ID, []model.Stage{model.StageInterview}, model.SessionPatch{
		Stage:          model.Ptr(model.StageSchemaProposed),
		InterviewData:  turns,
		Criteria:       model.Ptr(criteria),
		ProposedSchema: proposal,
	})
	if err != nil {
		return nil, e.stageError(err, "propose schema")
	}
	log.Info("research: schema proposed", zap.Int("fields", len(proposal.Fields)))

	text = renderProposal(proposal)
	if lead := strings.TrimSpace(res.Text); lead != "" {
		text = lead + "\n\n" + text
	}
	return &Reply{Text: text, Session: updated, SchemaProposal: proposal}, nil
}

func (e *Engine) negotiate(ctx context.Context, sess *model.ResearchSession, text string) (*Reply, error) {
	log := zap.L().With(zap.String("session_id", sess.ID), zap.String("stage", string(sess.Stage)))

	if Classify(text) == IntentConfirm {
		log.Info("research: schema confirmed by reply")
		return e.confirmReply(ctx, sess, nil)
	}

	revised, confirmed := e.reviseSchema(ctx, sess, text)
	if confirmed {
		log.Info("research: schema confirmed by judge")
		return e.confirmReply(ctx, sess, nil)
	}

	criteria := sess.Criteria + "\nRequested changes: " + text
	updated, err := e.store.TransitionSession(ctx, sess.ID,
		[]model.Stage{model.StageSchemaProposed, model.StageSchemaAgreement},
		model.SessionPatch{
			Stage:          model.Ptr(model.StageSchemaProposed),
			Criteria:       model.Ptr(criteria),
			ProposedSchema: revised,
		})
	if err != nil {
		return nil, e.stageError(err, "revise schema")
	}
	log.Info("research: schema revised", zap.Int("fields", len(revised.Fields)))
	return &Reply{Text: renderProposal(revised), Session: updated, SchemaProposal: revised}, nil
}

func (e *Engine) confirmReply(ctx context.Context, sess *model.ResearchSession, override *model.ExtractionSchema) (*Reply, error) {
	updated, err := e.confirm(ctx, sess, override)
	if err != nil {
		return nil, err
	}
	return &Reply{Text: confirmedReply, Session: updated}, nil
}

func (e *Engine) restart(ctx context.Context, prev *model.ResearchSession, text string) (*Reply, error) {
	sess, err := e.Start(ctx, StartRequest{Query: text, Mode: prev.Mode, Limit: prev.Limit})
	if err != nil {
		return nil, err
	}
	if sess.Mode == model.ModeQuick {
		return &Reply{Text: "Started a new search for: " + text, Session: sess, NewSession: true}, nil
	}
	reply, err := e.interview(ctx, sess, text)
	if err != nil {
		return nil, err
	}
	reply.NewSession = true
	return reply, nil
}

// ConfirmSchema accepts the proposed schema, or override when it has fields,
// and hands the session to the collector.
func (e *Engine) ConfirmSchema(ctx context.Context, sessionID string, override *model.ExtractionSchema) (*model.ResearchSession, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "research: load session")
	}
	if !sess.Stage.AwaitingSchema() {
		return nil, eris.Wrapf(ErrInvalidStage, "research: session %s is in stage %s", sess.ID, sess.Stage)
	}
	return e.confirm(ctx, sess, override)
}

func (e *Engine) confirm(ctx context.Context, sess *model.ResearchSession, override *model.ExtractionSchema) (*model.ResearchSession, error) {
	source := sess.ProposedSchema
	if override != nil && len(override.Fields) > 0 {
		source = override
	}
	if source == nil || len(source.Fields) == 0 {
		return nil, eris.Wrapf(ErrInvalidStage, "research: session %s has no schema to confirm", sess.ID)
	}

	sch := *source
	sch.ID = ""
	sch.Fields = schema.Build(source.Fields).Fields()
	if sch.Name == "" || sch.Name == "proposal" {
		sch.Name = "deep_research_" + sess.ID
	}
	if err := e.store.SaveSchema(ctx, &sch); err != nil {
		return nil, eris.Wrap(err, "research: save schema")
	}

	updated, err := e.store.TransitionSession(ctx, sess.ID,
		[]model.Stage{model.StageSchemaProposed, model.StageSchemaAgreement},
		model.SessionPatch{
			Stage:          model.Ptr(model.StageParsing),
			Status:         model.Ptr(model.StatusConfirmed),
			SchemaID:       model.Ptr(sch.ID),
			ProposedSchema: &sch,
		})
	if err != nil {
		return nil, e.stageError(err, "confirm schema")
	}
	zap.L().Info("research: session ready for collection",
		zap.String("session_id", sess.ID),
		zap.String("schema_id", sch.ID),
	)
	return updated, nil
}

// NextTask claims the oldest confirmed session waiting for the collector.
// It returns nil when none is waiting.
func (e *Engine) NextTask(ctx context.Context) (*model.ResearchSession, error) {
	sess, err := e.store.ClaimNextSession(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "research: claim session")
	}
	if sess != nil {
		zap.L().Info("research: session claimed by collector", zap.String("session_id", sess.ID))
	}
	return sess, nil
}

// SubmitResults accepts collected items and runs the analysis to completion.
func (e *Engine) SubmitResults(ctx context.Context, sessionID string, items []model.RawItem) (*model.SessionReport, error) {
	if items == nil {
		items = []model.RawItem{}
	}
	return e.runAnalysis(ctx, sessionID, items)
}

// RunAnalysis re-runs ranking and summarization over the session's
// admitted lots without new items.
func (e *Engine) RunAnalysis(ctx context.Context, sessionID string) (*model.SessionReport, error) {
	return e.runAnalysis(ctx, sessionID, nil)
}

func (e *Engine) runAnalysis(ctx context.Context, sessionID string, items []model.RawItem) (*model.SessionReport, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "research: load session")
	}
	if err := analysisAllowed(sess); err != nil {
		return nil, err
	}

	// Entering analysis is the per-session lock: only one run can move the
	// session out of parsing.
	sess, err = e.store.TransitionSession(ctx, sess.ID, []model.Stage{model.StageParsing},
		model.SessionPatch{
			FromStatus: []model.Status{model.StatusConfirmed, model.StatusProcessing},
			Stage:      model.Ptr(model.StageAnalysis),
			Status:     model.Ptr(model.StatusProcessing),
		})
	if err != nil {
		return nil, e.stageError(err, "enter analysis")
	}

	var sch *model.ExtractionSchema
	if sess.SchemaID != nil {
		sch, err = e.store.GetSchema(ctx, *sess.SchemaID)
		if err != nil {
			return e.fail(ctx, sess, eris.Wrap(err, "research: load schema"))
		}
	}

	out, err := e.pipeline.Run(ctx, sess, sch, items)
	if err != nil {
		if errors.Is(err, store.ErrStageConflict) {
			return nil, e.stageError(err, "write analysis")
		}
		return e.fail(ctx, sess, err)
	}

	_, err = e.store.TransitionSession(ctx, sess.ID, []model.Stage{model.StageAnalysis}, model.SessionPatch{
		Stage:     model.Ptr(model.StageCompleted),
		Status:    model.Ptr(model.StatusDone),
		Summary:   model.Ptr(out.Summary.Summary),
		Reasoning: model.Ptr(out.Summary.Reasoning),
	})
	if err != nil {
		return nil, e.stageError(err, "complete session")
	}
	zap.L().Info("research: session completed", zap.String("session_id", sess.ID), zap.Int("lots", len(out.Lots)))
	return e.report(ctx, sess.ID)
}

// analysisAllowed guards collector pushes and re-analysis: the session must
// be confirmed and in parsing. A session in analysis already has a run.
func analysisAllowed(sess *model.ResearchSession) error {
	if sess.Stage != model.StageParsing {
		return eris.Wrapf(ErrInvalidStage, "research: session %s is in stage %s", sess.ID, sess.Stage)
	}
	if sess.Status == model.StatusCreated || sess.Status.Terminal() {
		return eris.Wrapf(ErrInvalidStage, "research: session %s has status %s", sess.ID, sess.Status)
	}
	return nil
}

// fail closes a session whose analysis could not finish. The session still
// reaches a stable stage with a placeholder report.
func (e *Engine) fail(ctx context.Context, sess *model.ResearchSession, cause error) (*model.SessionReport, error) {
	zap.L().Error("research: analysis failed", zap.String("session_id", sess.ID), zap.Error(cause))

	_, err := e.store.TransitionSession(ctx, sess.ID, []model.Stage{model.StageAnalysis}, model.SessionPatch{
		Stage:     model.Ptr(model.StageCompleted),
		Status:    model.Ptr(model.StatusFailed),
		Summary:   model.Ptr(FailedReport),
		Reasoning: model.Ptr(""),
	})
	if err != nil {
		return nil, e.stageError(err, "mark session failed")
	}
	return e.report(ctx, sess.ID)
}

func (e *Engine) report(ctx context.Context, sessionID string) (*model.SessionReport, error) {
	rep, err := e.store.GetSessionReport(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "research: load report")
	}
	return rep, nil
}

// Report returns a session with its admitted lots and phases.
func (e *Engine) Report(ctx context.Context, sessionID string) (*model.SessionReport, error) {
	return e.report(ctx, sessionID)
}

// stageError maps a lost compare-and-set to ErrInvalidStage.
func (e *Engine) stageError(err error, op string) error {
	if errors.Is(err, store.ErrStageConflict) {
		return eris.Wrapf(ErrInvalidStage, "research: %s: %v", op, err)
	}
	return eris.Wrapf(err, "research: %s", op)
}
