package fetcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func TestFormatFor(t *testing.T) {
	tests := []struct {
		location string
		want     Format
		wantErr  bool
	}{
		{"items.json", FormatJSON, false},
		{"/tmp/drop/ITEMS.JSONL", FormatJSONL, false},
		{"export.ndjson", FormatJSONL, false},
		{"https://example.com/items.csv?token=abc", FormatCSV, false},
		{"ftp://drop.example.com/batch.xlsx", FormatXLSX, false},
		{"items.txt", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			got, err := FormatFor(tt.location)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeItems_JSONArray(t *testing.T) {
	items, err := DecodeItems(strings.NewReader(`[{"url": "https://example.com/a", "title": "A", "price": "700"}]`), FormatJSON)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "https://example.com/a", items[0].URL)
	assert.Equal(t, "700", items[0].Price)
}

func TestDecodeItems_JSONObject(t *testing.T) {
	// Image bytes travel base64-encoded.
	items, err := DecodeItems(strings.NewReader(`{"items": [{"url": "u1", "image": "aGVsbG8="}, {"url": "u2"}]}`), FormatJSON)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, []byte("hello"), items[0].Image)
}

func TestDecodeItems_JSONL(t *testing.T) {
	input := "{\"url\": \"u1\"}\n\n{\"url\": \"u2\", \"title\": \"two\"}\n"
	items, err := DecodeItems(strings.NewReader(input), FormatJSONL)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "two", items[1].Title)

	_, err = DecodeItems(strings.NewReader("{\"url\": \"u1\"}\nnot json\n"), FormatJSONL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestDecodeItems_CSV(t *testing.T) {
	input := "URL,Name,Price,Image URL,Seller\n" +
		"https://example.com/a,MacBook Air,750,https://img.example.com/a.jpg,bob\n" +
		",,,,\n" +
		"https://example.com/b,MacBook Pro,900,,\n"

	items, err := DecodeItems(strings.NewReader(input), FormatCSV)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "MacBook Air", items[0].Title)
	assert.Equal(t, "https://img.example.com/a.jpg", items[0].ImageRef)
	assert.JSONEq(t, `{"seller": "bob"}`, string(items[0].Payload))
	assert.Nil(t, items[1].Payload)
}

func TestDecodeItems_XLSX(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Items")
	require.NoError(t, err)
	for _, rowData := range [][]string{
		{"url", "title", "price"},
		{"https://example.com/a", "ThinkPad X1", "650"},
	} {
		row := sheet.AddRow()
		for _, v := range rowData {
			row.AddCell().SetString(v)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	items, err := DecodeItems(&buf, FormatXLSX)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ThinkPad X1", items[0].Title)
	assert.Equal(t, "650", items[0].Price)
}

func TestDecodeItems_UnknownFormat(t *testing.T) {
	_, err := DecodeItems(strings.NewReader(""), Format("xml"))
	assert.Error(t, err)
}

func TestLoadItems_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"url": "u1"}, {"url": "u2"}]`), 0o644))

	items, err := NewOpener().LoadItems(context.Background(), path, "")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = NewOpener().LoadItems(context.Background(), filepath.Join(t.TempDir(), "missing.json"), "")
	assert.Error(t, err)
}
