// Package schema turns declarative field maps into validators that coerce
// judge output to the declared primitive types.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deep-research/internal/model"
)

// coercer converts a raw extracted value to a field's declared type. The
// boolean result is false when the value cannot be represented.
type coercer func(v any) (any, bool)

var coercers = map[model.FieldType]coercer{
	model.FieldString: toString,
	model.FieldInt:    toInt,
	model.FieldFloat:  toFloat,
	model.FieldBool:   toBool,
}

// nullSentinels are string values treated the same as an absent field.
var nullSentinels = map[string]bool{
	"":        true,
	"null":    true,
	"nil":     true,
	"none":    true,
	"n/a":     true,
	"na":      true,
	"unknown": true,
	"-":       true,
}

// Validator coerces raw extraction maps against an ordered field list.
type Validator struct {
	fields []model.FieldDef
	index  map[string]int
}

// Build creates a validator from a schema definition. Accepted inputs are a
// *model.ExtractionSchema, a []model.FieldDef, a parsed field map, or the JSON
// encoding of a field map (string, []byte or json.RawMessage). Malformed input
// yields an empty validator.
func Build(def any) *Validator {
	switch d := def.(type) {
	case nil:
		return newValidator(nil)
	case *model.ExtractionSchema:
		if d == nil {
			return newValidator(nil)
		}
		return newValidator(d.Fields)
	case model.ExtractionSchema:
		return newValidator(d.Fields)
	case []model.FieldDef:
		return newValidator(d)
	case map[string]any:
		return newValidator(fieldsFromMap(d))
	case string:
		return fromJSON([]byte(d))
	case []byte:
		return fromJSON(d)
	case json.RawMessage:
		return fromJSON(d)
	default:
		zap.L().Warn("schema: unsupported definition type", zap.String("type", fmt.Sprintf("%T", def)))
		return newValidator(nil)
	}
}

// Parse decodes a JSON field map into an ordered field list. Key order of the
// JSON object is preserved. Both the object form {"name": {"type", "description"}}
// and the array form [{"name", "type", "description"}] are accepted.
func Parse(data []byte) ([]model.FieldDef, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, eris.New("schema: empty definition")
	}
	if data[0] == '[' {
		var raw []map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, eris.Wrap(err, "schema: decode field array")
		}
		fields := make([]model.FieldDef, 0, len(raw))
		for _, m := range raw {
			name, _ := m["name"].(string)
			if f, ok := fieldFromMeta(name, m); ok {
				fields = append(fields, f)
			}
		}
		return fields, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, eris.Wrap(err, "schema: decode")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, eris.New("schema: definition must be a JSON object or array")
	}

	var fields []model.FieldDef
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, eris.Wrap(err, "schema: decode key")
		}
		name, _ := keyTok.(string)
		var meta any
		if err := dec.Decode(&meta); err != nil {
			return nil, eris.Wrapf(err, "schema: decode field %q", name)
		}
		if f, ok := fieldFromMeta(name, meta); ok {
			fields = append(fields, f)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, eris.Wrap(err, "schema: decode")
	}
	return fields, nil
}

func fromJSON(data []byte) *Validator {
	fields, err := Parse(data)
	if err != nil {
		zap.L().Warn("schema: malformed definition, using empty validator", zap.Error(err))
		return newValidator(nil)
	}
	return newValidator(fields)
}

// fieldsFromMap converts an already parsed map. Map iteration order is not
// stable, so fields are sorted by name.
func fieldsFromMap(m map[string]any) []model.FieldDef {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	fields := make([]model.FieldDef, 0, len(names))
	for _, name := range names {
		if f, ok := fieldFromMeta(name, m[name]); ok {
			fields = append(fields, f)
		}
	}
	return fields
}

func fieldFromMeta(name string, meta any) (model.FieldDef, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.FieldDef{}, false
	}
	switch m := meta.(type) {
	case string:
		return model.FieldDef{Name: name, Type: model.ParseFieldType(m)}, true
	case map[string]any:
		typeName, _ := m["type"].(string)
		desc, _ := m["description"].(string)
		if desc == "" {
			desc, _ = m["desc"].(string)
		}
		return model.FieldDef{Name: name, Type: model.ParseFieldType(typeName), Description: desc}, true
	default:
		return model.FieldDef{}, false
	}
}

func newValidator(fields []model.FieldDef) *Validator {
	v := &Validator{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		f.Type = model.ParseFieldType(string(f.Type))
		if _, dup := v.index[f.Name]; dup || f.Name == "" {
			continue
		}
		v.index[f.Name] = len(v.fields)
		v.fields = append(v.fields, f)
	}
	return v
}

// Fields returns a copy of the validator's ordered field list.
func (v *Validator) Fields() []model.FieldDef {
	out := make([]model.FieldDef, len(v.fields))
	copy(out, v.fields)
	return out
}

// Len returns the number of declared fields.
func (v *Validator) Len() int { return len(v.fields) }

// Empty reports whether the validator declares no fields.
func (v *Validator) Empty() bool { return len(v.fields) == 0 }

// Coerce returns the subset of raw that matches declared fields, with each
// value converted to its declared type. Absent, null and uncoercible values
// are omitted; keys outside the schema are dropped.
func (v *Validator) Coerce(raw map[string]any) map[string]any {
	out := make(map[string]any, len(v.fields))
	for _, f := range v.fields {
		val, ok := raw[f.Name]
		if !ok || isNull(val) {
			continue
		}
		coerced, ok := coercers[f.Type](val)
		if !ok {
			zap.L().Debug("schema: dropping uncoercible field",
				zap.String("field", f.Name),
				zap.String("type", string(f.Type)),
				zap.Any("value", val),
			)
			continue
		}
		out[f.Name] = coerced
	}
	return out
}

// FieldList renders one "name: type — description" line per field.
func (v *Validator) FieldList() string {
	var b strings.Builder
	for i, f := range v.fields {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(string(f.Type))
		if f.Description != "" {
			b.WriteString(" — ")
			b.WriteString(f.Description)
		}
	}
	return b.String()
}

func isNull(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return nullSentinels[strings.ToLower(strings.TrimSpace(val))]
	}
	return false
}

func toString(v any) (any, bool) {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case json.Number:
		return val.String(), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	}
	return nil, false
}

func toInt(v any) (any, bool) {
	f, ok := number(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
		return nil, false
	}
	return int64(f), true
}

func toFloat(v any) (any, bool) {
	f, ok := number(v)
	if !ok {
		return nil, false
	}
	return f, true
}

func toBool(v any) (any, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		switch val {
		case 0:
			return false, true
		case 1:
			return true, true
		}
	case int:
		switch val {
		case 0:
			return false, true
		case 1:
			return true, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes", "y", "1", "да":
			return true, true
		case "false", "no", "n", "0", "нет":
			return false, true
		}
	}
	return nil, false
}

func number(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, !math.IsNaN(val) && !math.IsInf(val, 0)
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
