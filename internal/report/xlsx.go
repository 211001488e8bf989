package report

import (
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/deep-research/internal/model"
)

// numericColumns are written as numbers rather than strings.
var numericColumns = map[string]bool{"Rank": true, "Relevance": true, "Score": true}

// Workbook builds a workbook with a "Listings" sheet and a "Summary" sheet.
func Workbook(rep *model.SessionReport, sch *model.ExtractionSchema) (*xlsx.File, error) {
	f := xlsx.NewFile()

	listings, err := f.AddSheet("Listings")
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add listings sheet")
	}
	t := BuildTable(rep, sch)
	header := listings.AddRow()
	for _, h := range t.Header {
		header.AddCell().SetString(h)
	}
	for _, row := range t.Rows {
		r := listings.AddRow()
		for i, v := range row {
			cell := r.AddCell()
			if numericColumns[t.Header[i]] && v != "" {
				if n, err := strconv.ParseFloat(v, 64); err == nil {
					cell.SetFloat(n)
					continue
				}
			}
			cell.SetString(v)
		}
	}

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add summary sheet")
	}
	sess := rep.Session
	for _, kv := range [][2]string{
		{"Query", sess.QueryText},
		{"Mode", string(sess.Mode)},
		{"Status", string(sess.Status)},
		{"Summary", sess.Summary},
		{"Reasoning", sess.Reasoning},
	} {
		r := summary.AddRow()
		r.AddCell().SetString(kv[0])
		r.AddCell().SetString(kv[1])
	}
	return f, nil
}

// WriteXLSX writes the workbook to w.
func WriteXLSX(w io.Writer, rep *model.SessionReport, sch *model.ExtractionSchema) error {
	f, err := Workbook(rep, sch)
	if err != nil {
		return err
	}
	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "xlsx: write workbook")
	}
	return nil
}

// Write renders rep in the given format to w.
func Write(w io.Writer, format Format, rep *model.SessionReport, sch *model.ExtractionSchema) error {
	switch format {
	case FormatMarkdown:
		_, err := io.WriteString(w, Markdown(rep, sch))
		return eris.Wrap(err, "report: write markdown")
	case FormatHTML:
		page, err := HTML(rep, sch)
		if err != nil {
			return err
		}
		_, err = w.Write(page)
		return eris.Wrap(err, "report: write html")
	case FormatXLSX:
		return WriteXLSX(w, rep, sch)
	default:
		return eris.Errorf("report: unknown format %q", format)
	}
}

// ContentType returns the MIME type of format.
func ContentType(format Format) string {
	switch format {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/markdown; charset=utf-8"
	}
}
