package pipeline

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/deep-research/internal/imagestore"
	"github.com/sells-group/deep-research/internal/judge"
	"github.com/sells-group/deep-research/internal/model"
	"github.com/sells-group/deep-research/internal/schema"
)

// DefaultNeutralScore is the relevance assigned when the judge cannot score a lot.
const DefaultNeutralScore = 50

const (
	minRelevance = 0
	maxRelevance = 100
)

const noImageInstruction = "No image was provided for this listing. Do not describe or infer any visual details."

const extractSystemText = "You extract structured product attributes from marketplace listings. Return a single JSON object and nothing else."

const extractPrompt = `Buyer request: %s

Listing:
%s

%s

Fill in these fields:
%s

Only include fields you can support from the listing text or image. Omit any field you cannot determine; never guess or use placeholders. Return a JSON object keyed by field name.`

const relevanceSystemText = "You judge how well marketplace listings match a buyer's request. Return a single JSON object and nothing else."

const relevancePrompt = `Buyer request: %s

Listing:
%s

%s

Rate how well this listing matches the request on a 0-100 scale, where 0 means unrelated and 100 means a perfect match.
If the listing bundles several different models or options under one price, say so in the relevance note, since the price may not apply to the item the buyer wants.

Return JSON: {"score": <0-100>, "relevance_note": "<one or two sentences>", "visual_note": "<what the image shows, or empty>"}`

// Extraction is the judge's reading of one lot.
type Extraction struct {
	RelevanceScore int
	RelevanceNote  string
	VisualNote     string
	StructuredData map[string]any
}

// Extractor runs the extraction and relevance calls for single lots.
type Extractor struct {
	judge        judge.Judge
	images       imagestore.Store
	neutralScore int
}

// NewExtractor creates an extractor. images may be nil when lots carry no
// image references.
func NewExtractor(j judge.Judge, images imagestore.Store, neutralScore int) *Extractor {
	if neutralScore < minRelevance || neutralScore > maxRelevance {
		neutralScore = DefaultNeutralScore
	}
	return &Extractor{judge: j, images: images, neutralScore: neutralScore}
}

// Extract asks the judge for structured fields (when a schema is given) and
// for a relevance judgment. It never fails: judge and parse errors degrade to
// empty structured data and the neutral score.
func (e *Extractor) Extract(ctx context.Context, lot model.Lot, query string, sch *model.ExtractionSchema) Extraction {
	log := zap.L().With(zap.String("lot_url", lot.URL))

	images, imageNote := e.loadImage(ctx, lot, log)
	listing := describeLot(lot)

	out := Extraction{StructuredData: map[string]any{}}

	if v := schema.Build(sch); !v.Empty() {
		req := judge.Prompt("extract", extractSystemText,
			fmt.Sprintf(extractPrompt, query, listing, imageNote, v.FieldList()), images...)
		req.Temperature = model.Ptr(0.0)

		res, err := e.judge.Call(ctx, req)
		switch {
		case err != nil:
			log.Warn("pipeline: extraction call failed", zap.Error(err))
		default:
			raw, parseErr := judge.ParseObject(res.Text)
			if parseErr != nil {
				log.Warn("pipeline: extraction output unparseable", zap.Error(parseErr))
			} else {
				out.StructuredData = v.Coerce(raw)
			}
		}
	}

	req := judge.Prompt("relevance", relevanceSystemText,
		fmt.Sprintf(relevancePrompt, query, listing, imageNote), images...)
	req.Temperature = model.Ptr(0.0)

	res, err := e.judge.Call(ctx, req)
	if err != nil {
		log.Warn("pipeline: relevance call failed", zap.Error(err))
		out.RelevanceScore = e.neutralScore
		out.RelevanceNote = fmt.Sprintf("Relevance could not be assessed (%v); a neutral score was assigned.", err)
		return out
	}

	raw, err := judge.ParseObject(res.Text)
	if err != nil {
		log.Warn("pipeline: relevance output unparseable", zap.Error(err))
		out.RelevanceScore = e.neutralScore
		out.RelevanceNote = "Relevance could not be assessed (unreadable judge response); a neutral score was assigned."
		return out
	}

	score, ok := parseScore(raw["score"])
	if !ok {
		log.Warn("pipeline: relevance score missing", zap.Any("score", raw["score"]))
		out.RelevanceScore = e.neutralScore
		out.RelevanceNote = "Relevance could not be assessed (no score returned); a neutral score was assigned."
		return out
	}
	out.RelevanceScore = score
	out.RelevanceNote = stringValue(raw["relevance_note"])
	out.VisualNote = stringValue(raw["visual_note"])
	if len(images) == 0 {
		out.VisualNote = ""
	}
	return out
}

func (e *Extractor) loadImage(ctx context.Context, lot model.Lot, log *zap.Logger) ([]judge.Image, string) {
	if lot.ImagePath == "" || e.images == nil {
		return nil, noImageInstruction
	}
	data, mediaType, err := e.images.Load(ctx, lot.ImagePath)
	if err != nil {
		log.Warn("pipeline: image unavailable", zap.String("image", lot.ImagePath), zap.Error(err))
		return nil, noImageInstruction
	}
	return []judge.Image{{MediaType: mediaType, Data: data}}, "The listing image is attached."
}

func describeLot(lot model.Lot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", lot.Title)
	if lot.Price != "" {
		fmt.Fprintf(&b, "Price: %s\n", lot.Price)
	}
	fmt.Fprintf(&b, "URL: %s\n", lot.URL)
	if lot.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", lot.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseScore accepts numeric or numeric-string scores and clamps them into
// the 0-100 scale.
func parseScore(v any) (int, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case int:
		f = float64(val)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	f = math.Min(math.Max(f, minRelevance), maxRelevance)
	return int(math.Round(f)), true
}

func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
