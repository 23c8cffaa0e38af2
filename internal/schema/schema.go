// Package schema loads per-xmlns case property schemas written in CUE and
// coerces submitted case updates to the declared property kinds.
//
// A schema file declares forms under the top-level "form" struct:
//
//	form: register: {
//		xmlns: "http://example.org/register"
//		properties: {
//			age:    int
//			weight: number
//			dob:    string @kind(date)
//			active: bool
//		}
//	}
//
// Properties not named in a schema are accepted unchanged.
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// Kind is the declared type of a case property.
type Kind string

const (
	KindString  Kind = "string"
	KindInt     Kind = "int"
	KindBool    Kind = "bool"
	KindDecimal Kind = "decimal"
	KindDate    Kind = "date"
)

// FormSchema describes the case properties one xmlns may write.
type FormSchema struct {
	Name       string
	XMLNS      string
	Properties map[string]Kind
}

// Registry maps xmlns to its schema.
type Registry struct {
	forms map[string]*FormSchema
}

// NewRegistry returns a registry with no schemas; every property is accepted.
func NewRegistry() *Registry {
	return &Registry{forms: make(map[string]*FormSchema)}
}

// Lookup returns the schema declared for xmlns.
func (r *Registry) Lookup(xmlns string) (*FormSchema, bool) {
	if r == nil {
		return nil, false
	}
	s, ok := r.forms[xmlns]
	return s, ok
}

// XMLNS lists the registered namespaces, sorted.
func (r *Registry) XMLNS() []string {
	out := make([]string, 0, len(r.forms))
	for ns := range r.forms {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	return len(r.forms)
}

// SchemaError is a schema definition error with source position.
type SchemaError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *SchemaError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load builds a registry from every CUE file in dir.
func Load(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	if err := instances[0].Err; err != nil {
		return nil, formatCUEError(err)
	}
	v := cuecontext.New().BuildInstance(instances[0])
	return compile(v)
}

// Compile builds a registry from CUE source text.
func Compile(filename, src string) (*Registry, error) {
	v := cuecontext.New().CompileString(src, cue.Filename(filename))
	return compile(v)
}

func compile(v cue.Value) (*Registry, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	r := NewRegistry()
	formsVal := v.LookupPath(cue.ParsePath("form"))
	if !formsVal.Exists() {
		return r, nil
	}
	iter, err := formsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		fs, err := compileForm(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		if prev, dup := r.forms[fs.XMLNS]; dup {
			return nil, &SchemaError{
				Field:   "form." + fs.Name + ".xmlns",
				Message: fmt.Sprintf("xmlns %q already declared by form %s", fs.XMLNS, prev.Name),
				Pos:     iter.Value().Pos(),
			}
		}
		r.forms[fs.XMLNS] = fs
	}
	return r, nil
}

func compileForm(name string, v cue.Value) (*FormSchema, error) {
	xmlnsVal := v.LookupPath(cue.ParsePath("xmlns"))
	if !xmlnsVal.Exists() {
		return nil, &SchemaError{Field: "form." + name + ".xmlns", Message: "xmlns is required", Pos: v.Pos()}
	}
	xmlns, err := xmlnsVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	if strings.TrimSpace(xmlns) == "" {
		return nil, &SchemaError{Field: "form." + name + ".xmlns", Message: "xmlns must be non-empty", Pos: xmlnsVal.Pos()}
	}

	fs := &FormSchema{Name: name, XMLNS: xmlns, Properties: make(map[string]Kind)}
	propsVal := v.LookupPath(cue.ParsePath("properties"))
	if !propsVal.Exists() {
		return fs, nil
	}
	iter, err := propsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		kind, err := extractKind(iter.Value())
		if err != nil {
			var se *SchemaError
			if errors.As(err, &se) {
				se.Field = "form." + name + ".properties." + iter.Label()
			}
			return nil, err
		}
		fs.Properties[iter.Label()] = kind
	}
	return fs, nil
}

// extractKind maps a CUE type to a property kind. An @kind(date) or
// @kind(decimal) attribute overrides the CUE kind.
func extractKind(v cue.Value) (Kind, error) {
	attr := v.Attribute("kind")
	if attr.Err() == nil {
		name, err := attr.String(0)
		if err != nil {
			return "", &SchemaError{Field: "kind", Message: err.Error(), Pos: v.Pos()}
		}
		switch Kind(name) {
		case KindDate, KindDecimal, KindString, KindInt, KindBool:
			return Kind(name), nil
		}
		return "", &SchemaError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", name), Pos: v.Pos()}
	}

	switch v.IncompleteKind() {
	case cue.StringKind:
		return KindString, nil
	case cue.IntKind:
		return KindInt, nil
	case cue.BoolKind:
		return KindBool, nil
	case cue.FloatKind, cue.NumberKind:
		// Binary floats never reach the ledger; numbers are exact decimals.
		return KindDecimal, nil
	default:
		return "", &SchemaError{
			Field:   "kind",
			Message: fmt.Sprintf("unsupported property kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &SchemaError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
