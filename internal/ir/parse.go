package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseDocument decodes an authored schema document from its canonical
// JSON encoding. Unknown keys are rejected so authoring typos surface at
// the document boundary instead of silently compiling to nothing.
func ParseDocument(data []byte) (*Schema, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var schema Schema
	if err := dec.Decode(&schema); err != nil {
		return nil, fmt.Errorf("parse schema document: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse schema document: trailing content after document")
	}
	if schema.Name == "" {
		return nil, fmt.Errorf("parse schema document: missing schema name")
	}
	return &schema, nil
}

// Type returns the declared type with the given name.
func (s *Schema) Type(name string) (*Type, bool) {
	for _, t := range s.Types {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Operation returns the declared operation with the given name.
func (s *Schema) Operation(name string) (*Operation, bool) {
	for _, op := range s.Operations {
		if op.Name == name {
			return op, true
		}
	}
	return nil, false
}

// Argument returns the declared argument with the given name.
func (op *Operation) Argument(name string) (*Argument, bool) {
	for _, a := range op.Arguments {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// Field returns the declared field with the given name.
func (t *Type) Field(name string) (*Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// HasContextAttribute reports whether the schema declares the named
// request-context attribute.
func (s *Schema) HasContextAttribute(name string) bool {
	for _, attr := range s.ContextAttributes {
		if attr == name {
			return true
		}
	}
	return false
}

// SplitSubject breaks a rule subject into its operation-or-type part and
// optional field part.
func SplitSubject(subject string) (head, field string) {
	if i := strings.IndexByte(subject, '.'); i >= 0 {
		return subject[:i], subject[i+1:]
	}
	return subject, ""
}
