// Package pipeline turns collected listings into analyzed, ranked and
// summarized results for a research session.
package pipeline

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/deep-research/internal/config"
	"github.com/sells-group/deep-research/internal/imagestore"
	"github.com/sells-group/deep-research/internal/judge"
	"github.com/sells-group/deep-research/internal/model"
	"github.com/sells-group/deep-research/internal/store"
)

// DefaultAdmissionThreshold is the lowest relevance score linked to a session.
const DefaultAdmissionThreshold = 1

// Pipeline runs extraction, ranking and summarization for sessions.
type Pipeline struct {
	store      store.Store
	images     imagestore.Store
	extractor  *Extractor
	ranker     *Ranker
	summarizer *Summarizer
	cfg        config.PipelineConfig
	urlLocks   *keyedMutex
}

// New creates a pipeline. Zero config values fall back to defaults.
func New(st store.Store, j judge.Judge, images imagestore.Store, cfg config.PipelineConfig) *Pipeline {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.AdmissionThreshold < 1 {
		cfg.AdmissionThreshold = DefaultAdmissionThreshold
	}
	if cfg.NeutralScore == 0 {
		cfg.NeutralScore = DefaultNeutralScore
	}
	return &Pipeline{
		store:      st,
		images:     images,
		extractor:  NewExtractor(j, images, cfg.NeutralScore),
		ranker:     NewRanker(j, cfg.WindowSize, cfg.WindowOverlap, cfg.Concurrency),
		summarizer: NewSummarizer(j, cfg.SummaryPreview),
		cfg:        cfg,
		urlLocks:   newKeyedMutex(),
	}
}

// IngestResult counts what happened to a batch of collected items.
type IngestResult struct {
	Received int `json:"received"`
	Analyzed int `json:"analyzed"`
	Admitted int `json:"admitted"`
	Reused   int `json:"reused"`
	Skipped  int `json:"skipped"`
}

// Outcome is the result of a full analysis run.
type Outcome struct {
	Ingest  *IngestResult       `json:"ingest,omitempty"`
	Lots    []model.AnalyzedLot `json:"lots"`
	Ranked  bool                `json:"ranked"`
	Summary Summary             `json:"summary"`
}

// Query returns the text the judge evaluates lots against.
func Query(sess *model.ResearchSession) string {
	if sess.Criteria == "" || sess.Criteria == sess.QueryText {
		return sess.QueryText
	}
	return sess.QueryText + "\nCriteria: " + sess.Criteria
}

// Ingest persists and analyzes collected items. Each lot is upserted by URL
// under a per-URL lock, analyzed once per session, and linked to the session
// when its relevance reaches the admission threshold. Judge failures never
// fail the batch; persistence errors do.
func (p *Pipeline) Ingest(ctx context.Context, sess *model.ResearchSession, sch *model.ExtractionSchema, items []model.RawItem) (*IngestResult, error) {
	log := zap.L().With(zap.String("session_id", sess.ID))
	result := &IngestResult{Received: len(items)}

	existing, err := p.store.ListAnalyzedLots(ctx, sess.ID, store.LotFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list analyzed lots")
	}
	base := len(existing)

	var mu sync.Mutex
	count := func(fn func(r *IngestResult)) {
		mu.Lock()
		fn(result)
		mu.Unlock()
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			return p.ingestItem(gCtx, log, sess, sch, base+i, item, count)
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	log.Info("pipeline: ingest complete",
		zap.Int("received", result.Received),
		zap.Int("analyzed", result.Analyzed),
		zap.Int("admitted", result.Admitted),
		zap.Int("reused", result.Reused),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (p *Pipeline) ingestItem(ctx context.Context, log *zap.Logger, sess *model.ResearchSession, sch *model.ExtractionSchema, position int, item model.RawItem, count func(func(*IngestResult))) error {
	url := strings.TrimSpace(item.URL)
	if url == "" {
		log.Warn("pipeline: skipping item without url", zap.String("title", item.Title))
		count(func(r *IngestResult) { r.Skipped++ })
		return nil
	}
	log = log.With(zap.String("lot_url", url))

	unlock := p.urlLocks.Lock(url)
	defer unlock()

	lot, err := p.store.UpsertLotByURL(ctx, &model.Lot{
		URL:         url,
		Title:       strings.TrimSpace(item.Title),
		Price:       strings.TrimSpace(item.Price),
		Description: strings.TrimSpace(item.Description),
		ImagePath:   p.saveImage(ctx, log, item),
		RawPayload:  item.Payload,
	})
	if err != nil {
		return eris.Wrapf(err, "pipeline: upsert lot %s", url)
	}

	prior, err := p.store.GetAnalyzedLot(ctx, sess.ID, lot.ID)
	switch {
	case err == nil:
		count(func(r *IngestResult) { r.Reused++ })
		if prior.RelevanceScore >= p.cfg.AdmissionThreshold {
			return p.link(ctx, sess.ID, lot.ID)
		}
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return eris.Wrapf(err, "pipeline: load analysis for %s", url)
	}

	ext := p.extractor.Extract(ctx, *lot, Query(sess), sch)

	analyzed := &model.AnalyzedLot{
		LotID:          lot.ID,
		SessionID:      sess.ID,
		Position:       position,
		StructuredData: ext.StructuredData,
		RelevanceScore: ext.RelevanceScore,
		RelevanceNote:  ext.RelevanceNote,
		VisualNote:     ext.VisualNote,
	}
	if sch != nil && sch.ID != "" {
		analyzed.SchemaID = model.Ptr(sch.ID)
	}
	if err := p.store.SaveAnalyzedLot(ctx, analyzed); err != nil {
		return eris.Wrapf(err, "pipeline: save analysis for %s", url)
	}
	count(func(r *IngestResult) { r.Analyzed++ })

	if ext.RelevanceScore < p.cfg.AdmissionThreshold {
		log.Debug("pipeline: lot below admission threshold", zap.Int("score", ext.RelevanceScore))
		return nil
	}
	count(func(r *IngestResult) { r.Admitted++ })
	return p.link(ctx, sess.ID, lot.ID)
}

func (p *Pipeline) link(ctx context.Context, sessionID, lotID string) error {
	if _, err := p.store.LinkLot(ctx, sessionID, lotID); err != nil {
		return eris.Wrapf(err, "pipeline: link lot %s", lotID)
	}
	return nil
}

func (p *Pipeline) saveImage(ctx context.Context, log *zap.Logger, item model.RawItem) string {
	if len(item.Image) == 0 || p.images == nil {
		return item.ImageRef
	}
	ref, err := p.images.Save(ctx, item.Image)
	if err != nil {
		log.Warn("pipeline: failed to store image", zap.Error(err))
		return item.ImageRef
	}
	return ref
}

// Rank orders the session's admitted lots. Deep sessions with more than one
// lot go through the tournament and have their scores written back; the
// write is refused once the session has left analysis. Other sessions keep
// arrival order.
func (p *Pipeline) Rank(ctx context.Context, sess *model.ResearchSession, sch *model.ExtractionSchema) ([]model.AnalyzedLot, bool, error) {
	lots, err := p.store.ListAnalyzedLots(ctx, sess.ID, store.LotFilter{AdmittedOnly: true})
	if err != nil {
		return nil, false, eris.Wrap(err, "pipeline: list admitted lots")
	}
	slices.SortStableFunc(lots, func(a, b model.AnalyzedLot) int { return a.Position - b.Position })

	if sess.Mode != model.ModeDeep || len(lots) < 2 {
		return lots, false, nil
	}

	ranked := p.ranker.Rank(ctx, Query(sess), sch, lots)
	updates := make([]model.ScoreUpdate, len(ranked))
	for i, l := range ranked {
		updates[i] = model.ScoreUpdate{AnalyzedLotID: l.ID, Score: l.TournamentScore, Ranked: l.Ranked}
	}
	if err := p.store.UpdateTournamentScores(ctx, sess.ID, updates); err != nil {
		return nil, false, eris.Wrap(err, "pipeline: write tournament scores")
	}
	return ranked, true, nil
}

// Summarize writes the closing report over ranked lots.
func (p *Pipeline) Summarize(ctx context.Context, sess *model.ResearchSession, ranked []model.AnalyzedLot) Summary {
	return p.summarizer.Summarize(ctx, Query(sess), ranked)
}

// Run ingests items (if any), ranks and summarizes, recording one phase per
// step. A nil items slice skips ingestion and re-analyzes admitted lots.
func (p *Pipeline) Run(ctx context.Context, sess *model.ResearchSession, sch *model.ExtractionSchema, items []model.RawItem) (*Outcome, error) {
	log := zap.L().With(zap.String("session_id", sess.ID), zap.String("mode", string(sess.Mode)))
	log.Info("pipeline: starting analysis", zap.Int("items", len(items)))

	out := &Outcome{}

	if items == nil {
		p.skipPhase(ctx, log, sess.ID, model.PhaseExtract)
	} else {
		err := p.trackPhase(ctx, log, sess.ID, model.PhaseExtract, func() (map[string]any, error) {
			res, err := p.Ingest(ctx, sess, sch, items)
			out.Ingest = res
			if res == nil {
				return nil, err
			}
			return map[string]any{"received": res.Received, "admitted": res.Admitted, "reused": res.Reused}, err
		})
		if err != nil {
			return out, err
		}
	}

	err := p.trackPhase(ctx, log, sess.ID, model.PhaseRank, func() (map[string]any, error) {
		lots, ranked, err := p.Rank(ctx, sess, sch)
		out.Lots, out.Ranked = lots, ranked
		return map[string]any{"lots": len(lots), "ranked": ranked}, err
	})
	if err != nil {
		return out, err
	}

	_ = p.trackPhase(ctx, log, sess.ID, model.PhaseSummarize, func() (map[string]any, error) {
		out.Summary = p.Summarize(ctx, sess, out.Lots)
		return map[string]any{"lots": len(out.Lots)}, nil
	})

	log.Info("pipeline: analysis complete", zap.Int("lots", len(out.Lots)), zap.Bool("ranked", out.Ranked))
	return out, nil
}

func (p *Pipeline) trackPhase(ctx context.Context, log *zap.Logger, sessionID, name string, fn func() (map[string]any, error)) error {
	phase, phaseErr := p.store.CreatePhase(ctx, sessionID, name)
	if phaseErr != nil {
		log.Warn("pipeline: failed to create phase", zap.String("phase", name), zap.Error(phaseErr))
	}

	start := time.Now()
	metadata, fnErr := fn()
	result := &model.PhaseResult{
		Status:   model.PhaseStatusComplete,
		Duration: time.Since(start).Milliseconds(),
		Metadata: metadata,
	}

	if fnErr != nil {
		result.Status = model.PhaseStatusFailed
		result.Error = fnErr.Error()
		log.Error("pipeline: phase failed",
			zap.String("phase", name),
			zap.Int64("duration_ms", result.Duration),
			zap.Error(fnErr),
		)
	} else {
		log.Info("pipeline: phase complete",
			zap.String("phase", name),
			zap.Int64("duration_ms", result.Duration),
		)
	}

	if phase != nil {
		if err := p.store.CompletePhase(ctx, phase.ID, result); err != nil {
			log.Warn("pipeline: failed to complete phase", zap.String("phase", name), zap.Error(err))
		}
	}
	return fnErr
}

func (p *Pipeline) skipPhase(ctx context.Context, log *zap.Logger, sessionID, name string) {
	phase, err := p.store.CreatePhase(ctx, sessionID, name)
	if err != nil {
		log.Warn("pipeline: failed to create phase", zap.String("phase", name), zap.Error(err))
		return
	}
	if err := p.store.CompletePhase(ctx, phase.ID, &model.PhaseResult{Status: model.PhaseStatusSkipped}); err != nil {
		log.Warn("pipeline: failed to complete phase", zap.String("phase", name), zap.Error(err))
	}
}
