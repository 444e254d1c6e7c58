package options

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ValidationError describes a single options validation failure with its
// source position when known.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// LoadError aggregates the validation failures of one load attempt.
type LoadError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.Error())
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Loader parses and validates static options files.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader creates a loader with the built-in schema compiled and the
// custom validators registered.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(builtinOptionsSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile options schema: %w", err)
	}

	v, err := newValidator()
	if err != nil {
		return nil, err
	}

	return &Loader{ctx: ctx, schema: schema, validator: v}, nil
}

// Load reads options from a path. Files ending in .yaml/.yml are decoded
// as YAML and encoded into CUE; anything else is treated as CUE source.
// Directories are loaded as a CUE package.
func (l *Loader) Load(path string) (*StaticOptions, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat options source %s: %w", path, err)
	}

	var val cue.Value
	if info.IsDir() {
		val, err = l.loadDirectory(path)
	} else if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		val, err = l.loadYAML(path)
	} else {
		val, err = l.loadCUEFile(path)
	}
	if err != nil {
		return nil, err
	}

	return l.decode(val)
}

// LoadInline parses inline CUE content. Used by tests and by the validate
// command for stdin input.
func (l *Loader) LoadInline(content string) (*StaticOptions, error) {
	val := l.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}
	return l.decode(val)
}

// loadDirectory loads a directory as a CUE package.
func (l *Loader) loadDirectory(dir string) (cue.Value, error) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, &LoadError{Errors: []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, &LoadError{Errors: convertCUEErrors(inst.Err)}
	}

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, &LoadError{Errors: convertCUEErrors(err)}
	}
	return val, nil
}

// loadCUEFile loads a single CUE file.
func (l *Loader) loadCUEFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read options file: %w", err)
	}

	val := l.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, &LoadError{Errors: convertCUEErrors(err)}
	}
	return val, nil
}

// loadYAML decodes a YAML file and encodes it as a CUE value so it unifies
// with the schema the same way CUE sources do. A YAML file carries the
// options flat, without the options: wrapper.
func (l *Loader) loadYAML(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read options file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return cue.Value{}, &LoadError{Errors: []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to decode YAML: %v", err),
			Severity: "error",
		}}}
	}

	val := l.ctx.Encode(map[string]interface{}{"options": raw})
	if err := val.Err(); err != nil {
		return cue.Value{}, &LoadError{Errors: convertCUEErrors(err)}
	}
	return val, nil
}

// decode unifies the user value with the schema, decodes the options block
// and runs the struct validator pass.
func (l *Loader) decode(val cue.Value) (*StaticOptions, error) {
	unified := l.schema.Unify(val)
	if err := unified.Err(); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}

	optsVal := unified.LookupPath(cue.ParsePath("options"))
	if !optsVal.Exists() {
		return nil, &LoadError{Errors: []ValidationError{{
			Path:     "options",
			Message:  "missing options block",
			Severity: "error",
		}}}
	}

	var opts StaticOptions
	if err := optsVal.Decode(&opts); err != nil {
		return nil, &LoadError{Errors: []ValidationError{{
			Path:     "options",
			Message:  fmt.Sprintf("failed to decode options: %v", err),
			Severity: "error",
		}}}
	}

	if err := l.validator.Struct(opts); err != nil {
		return nil, &LoadError{Errors: convertValidatorErrors(err)}
	}

	return &opts, nil
}

// convertCUEErrors converts CUE errors to a ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// convertValidatorErrors converts struct-tag validation failures.
func convertValidatorErrors(err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:     fe.Namespace(),
			Message:  fmt.Sprintf("field %s violates rule %s", fe.Field(), fe.Tag()),
			Severity: "error",
		})
	}
	return out
}
