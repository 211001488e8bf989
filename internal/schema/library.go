package schema

import (
	"os"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/deep-research/internal/model"
)

// Library holds predefined extraction schemas keyed by name. Quick research
// sessions pick their schema from here instead of negotiating one. It is
// safe for concurrent use.
type Library struct {
	mu      sync.RWMutex
	schemas map[string]model.ExtractionSchema
}

type libraryFile struct {
	Schemas []struct {
		Name        string           `yaml:"name"`
		Description string           `yaml:"description"`
		Fields      []model.FieldDef `yaml:"fields"`
	} `yaml:"schemas"`
}

// LoadLibrary reads a YAML schema library from path. A missing file yields an
// empty library.
func LoadLibrary(path string) (*Library, error) {
	if path == "" {
		return NewLibrary(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewLibrary(), nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "schema: read library %s", path)
	}
	return ParseLibrary(data)
}

// ParseLibrary decodes a YAML schema library.
func ParseLibrary(data []byte) (*Library, error) {
	var f libraryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "schema: decode library")
	}

	lib := NewLibrary()
	for _, s := range f.Schemas {
		if s.Name == "" {
			return nil, eris.New("schema: library entry without name")
		}
		if _, dup := lib.Get(s.Name); dup {
			return nil, eris.Errorf("schema: duplicate library entry %q", s.Name)
		}
		lib.Add(model.ExtractionSchema{
			Name:        s.Name,
			Description: s.Description,
			Fields:      Build(s.Fields).Fields(),
		})
	}
	return lib, nil
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{schemas: make(map[string]model.ExtractionSchema)}
}

// Add registers or replaces a schema.
func (l *Library) Add(s model.ExtractionSchema) {
	s.ID = ""
	s.Fields = append([]model.FieldDef(nil), s.Fields...)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.schemas[s.Name] = s
}

// Get returns a copy of the named schema.
func (l *Library) Get(name string) (*model.ExtractionSchema, bool) {
	l.mu.RLock()
	s, ok := l.schemas[name]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.Fields = append([]model.FieldDef(nil), s.Fields...)
	return &s, true
}

// Names lists registered schema names in sorted order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.schemas))
	for n := range l.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
