package model

import "time"

// FieldType is the primitive a schema field is coerced to.
type FieldType string

const (
	FieldString FieldType = "str"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
)

// ParseFieldType maps a declared type name to a FieldType. Unknown names,
// including the empty string, fall back to FieldString.
func ParseFieldType(name string) FieldType {
	switch FieldType(name) {
	case FieldInt, FieldFloat, FieldBool:
		return FieldType(name)
	}
	switch name {
	case "integer":
		return FieldInt
	case "number", "double":
		return FieldFloat
	case "boolean":
		return FieldBool
	}
	return FieldString
}

// FieldDef declares one field of an extraction schema.
type FieldDef struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// ExtractionSchema is an ordered set of fields the judge extracts per lot.
type ExtractionSchema struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Fields      []FieldDef `json:"fields"`
	CreatedAt   time.Time  `json:"created_at"`
}

// FieldNames returns the schema's field names in declaration order.
func (s *ExtractionSchema) FieldNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}
