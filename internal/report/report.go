// Package report renders a finished research session as Markdown, HTML or an
// XLSX workbook.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/sells-group/deep-research/internal/model"
)

// Format is an export format.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
	FormatXLSX     Format = "xlsx"
)

// ParseFormat accepts a format name or a file extension.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "md", "markdown":
		return FormatMarkdown, nil
	case "html", "htm":
		return FormatHTML, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("report: unknown format %q", name)
	}
}

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// Table is the ranked lot list flattened to strings.
type Table struct {
	Header []string
	Rows   [][]string
}

var baseColumns = []string{"Rank", "Title", "Price", "URL", "Relevance", "Score", "Notes"}

// BuildTable flattens the report's lots. Attribute columns follow the schema;
// without one they are the union of extracted keys, sorted.
func BuildTable(rep *model.SessionReport, sch *model.ExtractionSchema) Table {
	fields := attributeColumns(rep.Lots, sch)
	t := Table{Header: append(append([]string{}, baseColumns...), fields...)}

	for i, a := range rep.Lots {
		var title, price, url string
		if a.Lot != nil {
			title, price, url = a.Lot.Title, a.Lot.Price, a.Lot.URL
		}
		score := ""
		if a.Ranked {
			score = strconv.FormatFloat(a.TournamentScore, 'f', 2, 64)
		}
		row := []string{
			strconv.Itoa(i + 1),
			title,
			price,
			url,
			strconv.Itoa(a.RelevanceScore),
			score,
			a.RelevanceNote,
		}
		for _, f := range fields {
			row = append(row, cellValue(a.StructuredData[f]))
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func attributeColumns(lots []model.AnalyzedLot, sch *model.ExtractionSchema) []string {
	if sch != nil && len(sch.Fields) > 0 {
		return sch.FieldNames()
	}
	seen := map[string]bool{}
	var names []string
	for _, a := range lots {
		for k := range a.StructuredData {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)
	return names
}

func cellValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "yes"
		}
		return "no"
	default:
		return fmt.Sprint(x)
	}
}

// Markdown renders the report as a Markdown document.
func Markdown(rep *model.SessionReport, sch *model.ExtractionSchema) string {
	var b strings.Builder
	sess := rep.Session

	fmt.Fprintf(&b, "# Research report: %s\n\n", inline(sess.QueryText))
	fmt.Fprintf(&b, "Mode: %s · Status: %s · Listings: %d\n\n", sess.Mode, sess.Status, len(rep.Lots))

	b.WriteString("## Summary\n\n")
	if sess.Summary != "" {
		b.WriteString(sess.Summary)
	} else {
		b.WriteString("_No summary yet._")
	}
	b.WriteString("\n\n")
	if sess.Reasoning != "" {
		b.WriteString("## Reasoning\n\n")
		b.WriteString(sess.Reasoning)
		b.WriteString("\n\n")
	}

	if len(rep.Lots) == 0 {
		return b.String()
	}

	t := BuildTable(rep, sch)
	b.WriteString("## Listings\n\n")
	writeRow(&b, t.Header)
	sep := make([]string, len(t.Header))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(&b, sep)
	for _, row := range t.Rows {
		writeRow(&b, row)
	}
	return b.String()
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("|")
	for _, c := range cells {
		b.WriteString(" ")
		b.WriteString(strings.ReplaceAll(inline(c), "|", `\|`))
		b.WriteString(" |")
	}
	b.WriteString("\n")
}

// inline collapses whitespace so a value fits on one Markdown line.
func inline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

const htmlHead = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Research report</title>
</head>
<body>
`

const htmlTail = `</body>
</html>
`

// HTML renders the Markdown report to a standalone HTML page. Raw HTML in
// listing text is not passed through.
func HTML(rep *model.SessionReport, sch *model.ExtractionSchema) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(htmlHead)
	if err := md.Convert([]byte(Markdown(rep, sch)), &buf); err != nil {
		return nil, eris.Wrap(err, "report: render html")
	}
	buf.WriteString(htmlTail)
	return buf.Bytes(), nil
}
