package chunking

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
)

// LanguageSpec binds a tree-sitter grammar to the query that captures
// its definition-level chunks. Queries use @chunk for the outer node and
// @name for its identifier.
type LanguageSpec struct {
	Language   *sitter.Language
	Query      string
	Extensions []string
}

// Registry maps file extensions to language specs.
type Registry struct {
	byExtension map[string]*LanguageSpec
	names       map[*LanguageSpec]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byExtension: make(map[string]*LanguageSpec),
		names:       make(map[*LanguageSpec]string),
	}
}

// Register adds a language spec.
func (r *Registry) Register(name string, spec *LanguageSpec) {
	r.names[spec] = name
	for _, ext := range spec.Extensions {
		r.byExtension[ext] = spec
	}
}

// Lookup resolves a file path to its language spec, or nil for unknown
// extensions.
func (r *Registry) Lookup(path string) (*LanguageSpec, string) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	spec, ok := r.byExtension[ext]
	if !ok {
		return nil, ""
	}
	return spec, r.names[spec]
}

// DefaultRegistry returns the built-in grammars.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register("go", &LanguageSpec{
		Language: golang.GetLanguage(),
		Query: `
			(function_declaration name: (identifier) @name) @chunk
			(method_declaration name: (field_identifier) @name) @chunk
			(type_declaration (type_spec name: (type_identifier) @name)) @chunk
		`,
		Extensions: []string{"go"},
	})

	r.Register("python", &LanguageSpec{
		Language: python.GetLanguage(),
		Query: `
			(function_definition name: (identifier) @name) @chunk
			(class_definition name: (identifier) @name) @chunk
			(decorated_definition definition: (function_definition name: (identifier) @name)) @chunk
			(decorated_definition definition: (class_definition name: (identifier) @name)) @chunk
		`,
		Extensions: []string{"py", "pyi"},
	})

	r.Register("javascript", &LanguageSpec{
		Language: javascript.GetLanguage(),
		Query: `
			(function_declaration name: (identifier) @name) @chunk
			(class_declaration name: (identifier) @name) @chunk
			(method_definition name: (property_identifier) @name) @chunk
		`,
		Extensions: []string{"js", "mjs", "cjs", "jsx"},
	})

	r.Register("rust", &LanguageSpec{
		Language: rust.GetLanguage(),
		Query: `
			(function_item name: (identifier) @name) @chunk
			(struct_item name: (type_identifier) @name) @chunk
			(enum_item name: (type_identifier) @name) @chunk
			(trait_item name: (type_identifier) @name) @chunk
			(impl_item) @chunk
		`,
		Extensions: []string{"rs"},
	})

	return r
}
