package gqlrequest

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
)

// Analysis is everything derivable from the payload alone: the parsed
// document, which operation runs, and its measured shape. Failures
// land in the error fields instead of aborting, so a handler can
// still log what it knows about a rejected payload.
type Analysis struct {
	Envelope               Envelope
	RequestedOperationName string

	Document  *ast.Document
	Fragments map[string]*ast.FragmentDefinition
	Operation *ast.OperationDefinition

	OperationName string
	OperationType string

	FieldCount     int
	SelectionDepth int
	VariableCount  int

	CanonicalOperation string
	OperationHash      string

	// DecodeError is a transport-level failure; AnalyzeError covers
	// everything after (parse, operation selection, canonicalization).
	DecodeError  error
	AnalyzeError error
}

// AnalyzeRequest decodes and analyzes a GraphQL request payload.
func AnalyzeRequest(r *http.Request) *Analysis {
	env, err := DecodeEnvelope(r)
	a := AnalyzeEnvelope(env)
	a.DecodeError = err
	return a
}

// AnalyzeEnvelope parses the envelope's query and measures the
// selected operation. An empty query yields an empty analysis with no
// error: the handler decides whether that is acceptable.
func AnalyzeEnvelope(env Envelope) *Analysis {
	a := &Analysis{
		Envelope:               env,
		RequestedOperationName: env.OperationName,
		Fragments:              map[string]*ast.FragmentDefinition{},
	}
	if strings.TrimSpace(env.Query) == "" {
		return a
	}

	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: []byte(env.Query), Name: "graphql"}),
	})
	if err != nil {
		a.AnalyzeError = err
		return a
	}
	a.Document = doc
	a.indexDefinitions()

	op, err := a.chooseOperation(env.OperationName)
	if err != nil {
		a.AnalyzeError = err
		return a
	}
	a.Operation = op
	a.OperationName = operationLabel(op)
	a.OperationType = string(op.Operation)
	a.VariableCount = len(op.VariableDefinitions)

	w := &selectionWalker{fragments: a.Fragments, expanded: map[string]bool{}, inFlight: map[string]bool{}}
	a.FieldCount, a.SelectionDepth = w.walk(op.SelectionSet, 1)

	canonical, hash, err := canonicalize(op, a.Fragments)
	if err != nil {
		a.AnalyzeError = err
		return a
	}
	a.CanonicalOperation = canonical
	a.OperationHash = hash
	return a
}

func (a *Analysis) indexDefinitions() {
	for _, def := range a.Document.Definitions {
		if frag, ok := def.(*ast.FragmentDefinition); ok && frag != nil && frag.Name != nil && frag.Name.Value != "" {
			a.Fragments[frag.Name.Value] = frag
		}
	}
}

// chooseOperation resolves which operation the request executes. A
// name is required as soon as the document defines more than one.
func (a *Analysis) chooseOperation(name string) (*ast.OperationDefinition, error) {
	var ops []*ast.OperationDefinition
	for _, def := range a.Document.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok && op != nil {
			ops = append(ops, op)
		}
	}

	if name != "" {
		for _, op := range ops {
			if op.Name != nil && op.Name.Value == name {
				return op, nil
			}
		}
		return nil, fmt.Errorf("unknown operation named %q", name)
	}
	switch len(ops) {
	case 0:
		return nil, fmt.Errorf("request does not include an operation")
	case 1:
		return ops[0], nil
	}
	return nil, fmt.Errorf("operationName is required when request has multiple operations")
}

// selectionWalker measures field count and maximum depth. A fragment
// expands once no matter how many spreads reference it, and a spread
// already on the walk path is skipped, so cycles terminate.
type selectionWalker struct {
	fragments map[string]*ast.FragmentDefinition
	expanded  map[string]bool
	inFlight  map[string]bool
}

func (w *selectionWalker) walk(set *ast.SelectionSet, depth int) (fields, maxDepth int) {
	if set == nil {
		return 0, depth - 1
	}
	maxDepth = depth
	for _, selection := range set.Selections {
		var nf, nd int
		switch sel := selection.(type) {
		case *ast.Field:
			fields++
			if sel.SelectionSet == nil {
				continue
			}
			nf, nd = w.walk(sel.SelectionSet, depth+1)
		case *ast.InlineFragment:
			nf, nd = w.walk(sel.SelectionSet, depth)
		case *ast.FragmentSpread:
			nf, nd = w.spread(sel, depth)
		}
		fields += nf
		if nd > maxDepth {
			maxDepth = nd
		}
	}
	return fields, maxDepth
}

func (w *selectionWalker) spread(sel *ast.FragmentSpread, depth int) (int, int) {
	if sel.Name == nil {
		return 0, 0
	}
	name := sel.Name.Value
	if name == "" || w.inFlight[name] || w.expanded[name] {
		return 0, 0
	}
	frag := w.fragments[name]
	if frag == nil {
		return 0, 0
	}
	w.inFlight[name] = true
	w.expanded[name] = true
	fields, maxDepth := w.walk(frag.SelectionSet, depth)
	delete(w.inFlight, name)
	return fields, maxDepth
}
