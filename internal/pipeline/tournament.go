package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/deep-research/internal/judge"
	"github.com/sells-group/deep-research/internal/model"
)

// Default tournament window geometry.
const (
	DefaultWindowSize    = 5
	DefaultWindowOverlap = 1
)

// minWindow is the smallest window worth ranking.
const minWindow = 2

// orderMarker introduces the judge's final ranking line.
const orderMarker = "ORDER:"

const rankSystemText = "You compare marketplace listings for a buyer and rank them from best to worst."

const rankPrompt = `Buyer request: %s

Judge the listings on: %s. Weigh price against value for money.

Listings:
%s

Think through the comparison first. Then finish with a single line of the form
ORDER: <numbers of all %d listings from best to worst, comma separated>`

var (
	digitsRe    = regexp.MustCompile(`\d+`)
	orderLineRe = regexp.MustCompile(`^[\d\s,;>\-]+$`)
)

// Window is a half-open range [Start, End) of admitted lots.
type Window struct {
	Start int
	End   int
}

// Len returns the number of lots in the window.
func (w Window) Len() int { return w.End - w.Start }

// Windows partitions n items into overlapping windows with stride
// size-overlap. A trailing window shorter than two items is dropped.
func Windows(n, size, overlap int) []Window {
	if size < minWindow {
		size = DefaultWindowSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultWindowOverlap
	}
	stride := size - overlap

	var out []Window
	for start := 0; start < n; start += stride {
		end := min(start+size, n)
		if end-start < minWindow {
			break
		}
		out = append(out, Window{Start: start, End: end})
		if end == n {
			break
		}
	}
	return out
}

// ParseOrder reads 1-based listing numbers from the judge's answer and
// returns 0-based indices covering all n items. Numbers are taken from the
// last ORDER: marker, or the first non-empty line after it when the marker
// ends its line. Without a marker the last line holding only numbers and
// separators is used. Out-of-range and repeated numbers are ignored;
// unmentioned items follow in window order. ok is false when no usable
// number was found.
func ParseOrder(text string, n int) (order []int, ok bool) {
	section := orderSection(text)

	seen := make([]bool, n)
	for _, tok := range digitsRe.FindAllString(section, -1) {
		idx, err := strconv.Atoi(tok)
		if err != nil || idx < 1 || idx > n || seen[idx-1] {
			continue
		}
		seen[idx-1] = true
		order = append(order, idx-1)
	}
	ok = len(order) > 0
	for i := range n {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order, ok
}

func orderSection(text string) string {
	if i := lastIndexFold(text, orderMarker); i >= 0 {
		for _, line := range strings.Split(text[i+len(orderMarker):], "\n") {
			if strings.TrimSpace(line) != "" {
				return line
			}
		}
		return ""
	}
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" && orderLineRe.MatchString(line) {
			return line
		}
	}
	return ""
}

func lastIndexFold(s, substr string) int {
	for i := len(s) - len(substr); i >= 0; i-- {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

// Ranker runs the windowed tournament over admitted lots.
type Ranker struct {
	judge       judge.Judge
	size        int
	overlap     int
	concurrency int
}

// NewRanker creates a ranker. Non-positive settings fall back to defaults.
func NewRanker(j judge.Judge, size, overlap, concurrency int) *Ranker {
	if size < minWindow {
		size = DefaultWindowSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultWindowOverlap
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Ranker{judge: j, size: size, overlap: overlap, concurrency: concurrency}
}

type tally struct {
	sum   float64
	count int
}

// Rank returns lots best first with TournamentScore set to the mean Borda
// points earned across windows. Lots that never entered a window keep
// Ranked=false and follow in admission order. The input slice is not modified.
func (r *Ranker) Rank(ctx context.Context, query string, sch *model.ExtractionSchema, lots []model.AnalyzedLot) []model.AnalyzedLot {
	windows := Windows(len(lots), r.size, r.overlap)
	criteria := rankCriteria(sch)

	var mu sync.Mutex
	tallies := make(map[int]*tally, len(lots))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for wi, w := range windows {
		g.Go(func() error {
			order := r.rankWindow(ctx, wi, query, criteria, lots[w.Start:w.End])

			mu.Lock()
			defer mu.Unlock()
			for pos, local := range order {
				item := w.Start + local
				t, ok := tallies[item]
				if !ok {
					t = &tally{}
					tallies[item] = t
				}
				t.sum += float64(len(order) - pos)
				t.count++
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // window goroutines always return nil

	ranked := make([]model.AnalyzedLot, 0, len(lots))
	var unranked []model.AnalyzedLot
	for i, l := range lots {
		t, ok := tallies[i]
		if !ok {
			l.TournamentScore = 0
			l.Ranked = false
			unranked = append(unranked, l)
			continue
		}
		l.TournamentScore = t.sum / float64(t.count)
		l.Ranked = true
		ranked = append(ranked, l)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].TournamentScore > ranked[j].TournamentScore
	})
	return append(ranked, unranked...)
}

// rankWindow returns the judge's order for one window, falling back to the
// window's own order when the call fails.
func (r *Ranker) rankWindow(ctx context.Context, wi int, query, criteria string, window []model.AnalyzedLot) []int {
	log := zap.L().With(zap.Int("window", wi), zap.Int("size", len(window)))

	fallback := make([]int, len(window))
	for i := range fallback {
		fallback[i] = i
	}

	req := judge.Prompt("rank", rankSystemText,
		fmt.Sprintf(rankPrompt, query, criteria, describeWindow(window), len(window)))
	req.Temperature = model.Ptr(0.0)

	res, err := r.judge.Call(ctx, req)
	if err != nil {
		log.Warn("pipeline: window ranking failed, keeping original order", zap.Error(err))
		return fallback
	}
	order, ok := ParseOrder(res.Text, len(window))
	if !ok {
		log.Warn("pipeline: window ranking unparseable, keeping original order",
			zap.String("response", truncate(res.Text, 200)))
		return fallback
	}
	return order
}

func rankCriteria(sch *model.ExtractionSchema) string {
	names := sch.FieldNames()
	if len(names) == 0 {
		return "overall fit to the request, condition and price"
	}
	return "fit to the request, condition and these attributes: " + strings.Join(names, ", ")
}

func describeWindow(window []model.AnalyzedLot) string {
	var b strings.Builder
	for i, l := range window {
		title, price := l.LotID, ""
		if l.Lot != nil {
			title, price = l.Lot.Title, l.Lot.Price
		}
		if price == "" {
			price = "price not stated"
		}
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, title, price)
		if len(l.StructuredData) > 0 {
			fmt.Fprintf(&b, "   Attributes: %s\n", formatAttributes(l.StructuredData))
		}
		if l.RelevanceNote != "" {
			fmt.Fprintf(&b, "   Note: %s\n", l.RelevanceNote)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatAttributes(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, data[k])
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
