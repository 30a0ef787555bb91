package toolindex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Index is an immutable collection of tool entries keyed by name.
type Index struct {
	entries    []Entry
	byName     map[string]int
	categories map[string][]int
}

// Build walks root and indexes every *.json file beneath it. Files are
// visited in lexical order, so two builds over the same tree are equal.
func Build(root string) (*Index, error) {
	validator, err := compiledFileSchema()
	if err != nil {
		return nil, err
	}

	b := newBuilder()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		schemas, err := readFile(path, validator)
		if err != nil {
			return fmt.Errorf("toolindex: %s: %w", rel, err)
		}
		for i, s := range schemas {
			if err := b.add(s, fmt.Sprintf("%s#%d", filepath.ToSlash(rel), i)); err != nil {
				return fmt.Errorf("toolindex: %s: %w", rel, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.index(), nil
}

// FromSchemas builds an index from in-memory schemas, e.g. tools listed
// by an MCP server. source is recorded on every entry.
func FromSchemas(source string, schemas []ToolSchema) (*Index, error) {
	b := newBuilder()
	for _, s := range schemas {
		if err := b.add(s, source); err != nil {
			return nil, fmt.Errorf("toolindex: %w", err)
		}
	}
	return b.index(), nil
}

// Merge returns a new index holding the entries of all given indexes, in
// order. Duplicate names across indexes are rejected.
func Merge(indexes ...*Index) (*Index, error) {
	b := newBuilder()
	for _, idx := range indexes {
		if idx == nil {
			continue
		}
		for _, e := range idx.entries {
			if err := b.addEntry(e); err != nil {
				return nil, fmt.Errorf("toolindex: %w", err)
			}
		}
	}
	return b.index(), nil
}

// Size returns the number of indexed tools.
func (x *Index) Size() int {
	return len(x.entries)
}

// All returns every entry in build order.
func (x *Index) All() []Entry {
	return slices.Clone(x.entries)
}

// Get returns the entry with the given name.
func (x *Index) Get(name string) (Entry, bool) {
	i, ok := x.byName[name]
	if !ok {
		return Entry{}, false
	}
	return x.entries[i], true
}

// ByCategory groups entries by inferred category. Each entry appears
// under exactly one category.
func (x *Index) ByCategory() map[string][]Entry {
	out := make(map[string][]Entry, len(x.categories))
	for cat, idxs := range x.categories {
		list := make([]Entry, 0, len(idxs))
		for _, i := range idxs {
			list = append(list, x.entries[i])
		}
		out[cat] = list
	}
	return out
}

// Category returns the entries of a single category.
func (x *Index) Category(name string) []Entry {
	idxs := x.categories[name]
	out := make([]Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, x.entries[i])
	}
	return out
}

// Categories returns the sorted category names present in the index.
func (x *Index) Categories() []string {
	out := make([]string, 0, len(x.categories))
	for c := range x.categories {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

type builder struct {
	entries    []Entry
	byName     map[string]int
	categories map[string][]int
}

func newBuilder() *builder {
	return &builder{
		byName:     make(map[string]int),
		categories: make(map[string][]int),
	}
}

func (b *builder) add(s ToolSchema, source string) error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return ErrEmptyName
	}
	return b.addEntry(Entry{
		ToolSchema: s,
		Keywords:   extractKeywords(s),
		Category:   inferCategory(s),
		Source:     source,
	})
}

func (b *builder) addEntry(e Entry) error {
	if prev, exists := b.byName[e.Name]; exists {
		return fmt.Errorf("%w: %s (already defined in %s)", ErrDuplicateName, e.Name, b.entries[prev].Source)
	}
	i := len(b.entries)
	b.entries = append(b.entries, e)
	b.byName[e.Name] = i
	b.categories[e.Category] = append(b.categories[e.Category], i)
	return nil
}

func (b *builder) index() *Index {
	return &Index{
		entries:    b.entries,
		byName:     b.byName,
		categories: b.categories,
	}
}

var (
	fileSchemaOnce     sync.Once
	fileSchemaCompiled *jsonschema.Schema
	fileSchemaErr      error
)

func compiledFileSchema() (*jsonschema.Schema, error) {
	fileSchemaOnce.Do(func() {
		const url = "https://mcpexec.local/schemas/toolfile.schema.json"
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(url, strings.NewReader(fileSchema)); err != nil {
			fileSchemaErr = fmt.Errorf("toolindex: load file schema: %w", err)
			return
		}
		fileSchemaCompiled, fileSchemaErr = c.Compile(url)
		if fileSchemaErr != nil {
			fileSchemaErr = fmt.Errorf("toolindex: compile file schema: %w", fileSchemaErr)
		}
	})
	return fileSchemaCompiled, fileSchemaErr
}

// readFile decodes one tool file. An empty file yields no schemas.
func readFile(path string, validator *jsonschema.Schema) ([]ToolSchema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	if err := validator.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}

	if raw[0] == '[' {
		var list []ToolSchema
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
		}
		return list, nil
	}
	var single ToolSchema
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	return []ToolSchema{single}, nil
}
