package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/deep-research/internal/model"
)

// Format is the encoding of an item file.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
)

// FormatFor picks a format from the location's extension.
func FormatFor(location string) (Format, error) {
	p := location
	if u, err := url.Parse(location); err == nil && u.Scheme != "" {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("fetcher: cannot infer item format of %q", location)
	}
}

// LoadItems opens location and decodes its items. An empty format is
// inferred from the extension.
func (o *Opener) LoadItems(ctx context.Context, location string, format Format) ([]model.RawItem, error) {
	if format == "" {
		f, err := FormatFor(location)
		if err != nil {
			return nil, err
		}
		format = f
	}
	rc, err := o.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	return DecodeItems(rc, format)
}

// DecodeItems decodes collector items. JSON input is an array of items or an
// object with an "items" array. CSV and XLSX input carry a header row; known
// columns map to item fields and the rest go into the payload.
func DecodeItems(r io.Reader, format Format) ([]model.RawItem, error) {
	switch format {
	case FormatJSON:
		return decodeJSON(r)
	case FormatJSONL:
		return decodeJSONL(r)
	case FormatCSV:
		rows, err := csv.NewReader(r).ReadAll()
		if err != nil {
			return nil, eris.Wrap(err, "csv: read rows")
		}
		return itemsFromRows(rows)
	case FormatXLSX:
		rows, err := readXLSX(r)
		if err != nil {
			return nil, err
		}
		return itemsFromRows(rows)
	default:
		return nil, eris.Errorf("fetcher: unknown item format %q", format)
	}
}

func decodeJSON(r io.Reader) ([]model.RawItem, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "json: read")
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Items []model.RawItem `json:"items"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, eris.Wrap(err, "json: decode items object")
		}
		return wrapped.Items, nil
	}
	var items []model.RawItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, eris.Wrap(err, "json: decode items array")
	}
	return items, nil
}

func decodeJSONL(r io.Reader) ([]model.RawItem, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var items []model.RawItem
	for line := 1; sc.Scan(); line++ {
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var item model.RawItem
		if err := json.Unmarshal(text, &item); err != nil {
			return nil, eris.Wrapf(err, "jsonl: decode line %d", line)
		}
		items = append(items, item)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "jsonl: scan")
	}
	return items, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: read")
	}
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}

	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// columnAliases maps normalized header names to item fields.
var columnAliases = map[string]string{
	"url":         "url",
	"link":        "url",
	"title":       "title",
	"name":        "title",
	"price":       "price",
	"description": "description",
	"desc":        "description",
	"image":       "image_ref",
	"image_ref":   "image_ref",
	"image_url":   "image_ref",
}

func itemsFromRows(rows [][]string) ([]model.RawItem, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
	}

	items := make([]model.RawItem, 0, len(rows)-1)
	for _, row := range rows[1:] {
		var item model.RawItem
		extra := map[string]string{}
		blank := true
		for i, v := range row {
			if i >= len(header) || header[i] == "" {
				continue
			}
			v = strings.TrimSpace(v)
			if v != "" {
				blank = false
			}
			switch columnAliases[header[i]] {
			case "url":
				item.URL = v
			case "title":
				item.Title = v
			case "price":
				item.Price = v
			case "description":
				item.Description = v
			case "image_ref":
				item.ImageRef = v
			default:
				if v != "" {
					extra[header[i]] = v
				}
			}
		}
		if blank {
			continue
		}
		if len(extra) > 0 {
			payload, err := json.Marshal(extra)
			if err != nil {
				return nil, eris.Wrap(err, "fetcher: encode payload")
			}
			item.Payload = payload
		}
		items = append(items, item)
	}
	return items, nil
}
