package parser

import (
	"fmt"
	"sort"
)

// Registry maps file formats (lowercase extensions without the dot) to
// their parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with all built-in parsers registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{
		&TextParser{},
		&PDFParser{},
		&DOCXParser{},
		&XLSXParser{},
		&PPTXParser{},
	} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

// Get returns the parser for a format.
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("no parser for format: %s", format)
	}
	return p, nil
}

// Register adds or replaces the parser for a format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}

// Formats lists all registered formats, sorted.
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.parsers))
	for f := range r.parsers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
