package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// ValidationError is a schema violation with its source position.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every violation found in one file.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

// CUEParser checks configuration documents against the embedded schema.
// A CUE context is not safe for concurrent use, so calls are serialized.
type CUEParser struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewCUEParser compiles the embedded schema.
func NewCUEParser() (*CUEParser, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	schema := val.LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("schema has no #Config definition: %w", err)
	}
	return &CUEParser{ctx: ctx, schema: schema}, nil
}

// CompileJSON compiles CUE (or JSON) source, checks it against the schema
// and returns the concrete document as JSON.
func (cp *CUEParser) CompileJSON(content []byte, filename string) ([]byte, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	val := cp.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	unified := cp.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, cp.convertCUEErrors(err)
	}
	return data, nil
}

// ValidateData checks an already decoded document, such as one read from
// YAML, against the schema.
func (cp *CUEParser) ValidateData(data map[string]interface{}, filename string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	val := cp.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return cp.convertCUEErrors(err)
	}
	if err := cp.schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		errs := cp.convertCUEErrors(err)
		// encoded values carry no file positions
		for i := range errs {
			if errs[i].File == "" {
				errs[i].File = filename
			}
		}
		return errs
	}
	return nil
}

// decodeCUE layers a CUE document over base.
func (cp *CUEParser) decodeCUE(content []byte, filename string, base Config) (Config, error) {
	data, err := cp.CompileJSON(content, filename)
	if err != nil {
		return Config{}, err
	}
	cfg := base
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return cfg, nil
}

// convertCUEErrors converts CUE errors to a ValidationErrors slice.
func (cp *CUEParser) convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		// the first position outside the embedded schema points at the user's file
		for _, p := range pos {
			if p.Filename() != "schema.cue" {
				file, line, column = p.Filename(), p.Line(), p.Column()
				break
			}
		}

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}
