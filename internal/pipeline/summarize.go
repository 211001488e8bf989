package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/deep-research/internal/judge"
	"github.com/sells-group/deep-research/internal/model"
)

// DefaultSummaryPreview bounds how many ranked lots the summary prompt sees.
const DefaultSummaryPreview = 10

// EmptySummary is the report for a session with no admitted lots.
const EmptySummary = "No matching items were found."

const summarySystemText = "You write short, practical buying reports for marketplace searches."

const summaryPrompt = `Buyer request: %s

Top listings, best first (%d of %d shown):
%s

Write a short report for the buyer: the price range, the best buy and why, and any risks worth checking before purchase.
Return JSON: {"summary": "<the report>", "reasoning": "<how you compared the listings>"}`

// Summary is the final report text of a session.
type Summary struct {
	Summary   string `json:"summary"`
	Reasoning string `json:"reasoning"`
}

// FailedSummary is the degraded report used when the judge cannot summarize.
func FailedSummary(n int) Summary {
	return Summary{Summary: fmt.Sprintf("Found %d items, but the report could not be generated.", n)}
}

// Summarizer produces the closing report over ranked lots.
type Summarizer struct {
	judge   judge.Judge
	preview int
}

// NewSummarizer creates a summarizer showing at most preview lots to the judge.
func NewSummarizer(j judge.Judge, preview int) *Summarizer {
	if preview <= 0 {
		preview = DefaultSummaryPreview
	}
	return &Summarizer{judge: j, preview: preview}
}

// Summarize never fails. An empty list gets EmptySummary without a judge
// call; judge errors get FailedSummary. Non-JSON answers are taken as the
// summary text.
func (s *Summarizer) Summarize(ctx context.Context, query string, ranked []model.AnalyzedLot) Summary {
	if len(ranked) == 0 {
		return Summary{Summary: EmptySummary}
	}

	shown := ranked[:min(len(ranked), s.preview)]
	req := judge.Prompt("summarize", summarySystemText,
		fmt.Sprintf(summaryPrompt, query, len(shown), len(ranked), describePreview(shown)))

	res, err := s.judge.Call(ctx, req)
	if err != nil {
		zap.L().Warn("pipeline: summary call failed", zap.Int("lots", len(ranked)), zap.Error(err))
		return FailedSummary(len(ranked))
	}

	var out Summary
	if err := judge.DecodeObject(res.Text, &out); err != nil || strings.TrimSpace(out.Summary) == "" {
		text := strings.TrimSpace(res.Text)
		if text == "" {
			return FailedSummary(len(ranked))
		}
		return Summary{Summary: text}
	}
	out.Summary = strings.TrimSpace(out.Summary)
	out.Reasoning = strings.TrimSpace(out.Reasoning)
	return out
}

func describePreview(lots []model.AnalyzedLot) string {
	var b strings.Builder
	for i, l := range lots {
		title, price, url := l.LotID, "price not stated", ""
		if l.Lot != nil {
			title, url = l.Lot.Title, l.Lot.URL
			if l.Lot.Price != "" {
				price = l.Lot.Price
			}
		}
		fmt.Fprintf(&b, "%d. %s (%s) relevance %d", i+1, title, price, l.RelevanceScore)
		if url != "" {
			fmt.Fprintf(&b, " %s", url)
		}
		b.WriteByte('\n')
		if len(l.StructuredData) > 0 {
			fmt.Fprintf(&b, "   Attributes: %s\n", formatAttributes(l.StructuredData))
		}
		if l.RelevanceNote != "" {
			fmt.Fprintf(&b, "   Note: %s\n", l.RelevanceNote)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
