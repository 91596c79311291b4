package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Format identifies a definition source format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath maps a file extension to its format.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	case ".cue":
		return FormatCUE, true
	default:
		return "", false
	}
}

// DefinitionLoader parses workflow definitions from YAML, JSON or CUE.
// A cue.Context is not safe for concurrent use, so calls are serialized.
type DefinitionLoader struct {
	mu        sync.Mutex
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewDefinitionLoader creates a loader with the built-in workflow schema.
func NewDefinitionLoader() (*DefinitionLoader, error) {
	ctx := cuecontext.New()
	schemas, err := NewSchemaRegistry(ctx)
	if err != nil {
		return nil, err
	}

	return &DefinitionLoader{
		ctx:       ctx,
		schemas:   schemas,
		validator: validator.New(),
	}, nil
}

// LoadFile reads and parses one definition file.
func (l *DefinitionLoader) LoadFile(path string) (*engine.WorkflowDefinition, error) {
	format, ok := FormatFromPath(path)
	if !ok {
		return nil, fmt.Errorf("unsupported definition file extension: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}

	return l.Parse(path, data, format)
}

// LoadDir parses every definition file in dir, sorted by file name. Files
// with other extensions are ignored.
func (l *DefinitionLoader) LoadDir(dir string) (map[string]*engine.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := FormatFromPath(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make(map[string]*engine.WorkflowDefinition, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		defs[path] = def
	}

	return defs, nil
}

// Parse decodes data of the given format. name is used in error positions.
func (l *DefinitionLoader) Parse(name string, data []byte, format Format) (*engine.WorkflowDefinition, error) {
	file, err := l.decode(name, data, format)
	if err != nil {
		return nil, err
	}

	if err := l.validator.Struct(file); err != nil {
		return nil, &LoadError{Source: name, Errors: []ValidationError{{
			File:    name,
			Message: err.Error(),
		}}}
	}

	def, err := file.ToDefinition()
	if err != nil {
		return nil, &LoadError{Source: name, Errors: []ValidationError{{
			File:    name,
			Message: err.Error(),
		}}}
	}

	return def, nil
}

func (l *DefinitionLoader) decode(name string, data []byte, format Format) (*DefinitionFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var val cue.Value
	switch format {
	case FormatCUE, FormatJSON:
		// JSON is valid CUE and keeps integer literals typed as int.
		val = l.ctx.CompileBytes(data, cue.Filename(name))
	case FormatYAML:
		f, err := cueyaml.Extract(name, data)
		if err != nil {
			return nil, &LoadError{Source: name, Errors: convertCUEErrors(err)}
		}
		val = l.ctx.BuildFile(f)
	default:
		return nil, fmt.Errorf("unsupported definition format: %s", format)
	}
	if err := val.Err(); err != nil {
		return nil, &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}

	// CUE packages may wrap the definition in a top-level "workflow" field.
	if wrapped := val.LookupPath(cue.ParsePath("workflow")); wrapped.Exists() {
		val = wrapped
	}

	unified, err := l.schemas.Unify(val)
	if err != nil {
		return nil, &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}

	var file DefinitionFile
	if err := unified.Decode(&file); err != nil {
		return nil, &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}

	return &file, nil
}

// convertCUEErrors flattens a CUE error list with positions.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		v := ValidationError{Message: cueerrors.Details(e, nil)}
		if path := e.Path(); len(path) > 0 {
			v.Path = strings.Join(path, ".")
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			v.File = pos[0].Filename()
			v.Line = pos[0].Line()
			v.Column = pos[0].Column()
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
