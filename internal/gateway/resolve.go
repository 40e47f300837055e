package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/executor"
	"sqlstencil/internal/middleware"
	"sqlstencil/internal/operr"
)

// Result object names stamped into failure payloads. The union
// ResolveType dispatches on them.
const (
	typenameValidation = "InputValidationError"
	typenameConflict   = "ConflictError"
	typenamePermission = "PermissionError"
	typenameNotFound   = "NotFoundError"
	typenameInternal   = "InternalError"
)

func (b *schemaBuilder) resolveQuery(op *artifact.OperationDef) graphql.FieldResolveFn {
	runner := b.runner
	name := op.Name
	paged := op.ReturnsList
	return func(p graphql.ResolveParams) (interface{}, error) {
		sel, err := requestSelection(p, paged)
		if err != nil {
			return nil, classify(operr.Validation("%s", err.Error()))
		}
		res, execErr := runner.Execute(p.Context, &executor.Request{
			Operation: name,
			Arguments: p.Args,
			Selection: sel,
			Context:   middleware.RuleContextFromContext(p.Context),
		})
		if execErr != nil {
			return nil, classify(execErr)
		}
		collectFieldErrors(p.Context, res.Errors)
		if !paged {
			return res.Data, nil
		}
		page := map[string]interface{}{"items": res.Data}
		if res.EndCursor != "" {
			page["endCursor"] = res.EndCursor
		}
		return page, nil
	}
}

// resolveMutation returns typed failure payloads instead of resolver
// errors, so a denied or conflicting write is data the client branches
// on rather than a null field with a top-level error.
func (b *schemaBuilder) resolveMutation(op *artifact.OperationDef) graphql.FieldResolveFn {
	runner := b.runner
	name := op.Name
	successName := successTypeName(op)
	entityField := entityFieldName(op)
	return func(p graphql.ResolveParams) (interface{}, error) {
		sel, err := mutationSelection(p, successName, entityField)
		if err != nil {
			return failurePayload(operr.Validation("%s", err.Error())), nil
		}
		res, execErr := runner.Execute(p.Context, &executor.Request{
			Operation: name,
			Arguments: p.Args,
			Selection: sel,
			Context:   middleware.RuleContextFromContext(p.Context),
		})
		if execErr != nil {
			var oe *operr.Error
			if !errors.As(execErr, &oe) {
				oe = operr.Internal(execErr)
			}
			return failurePayload(oe), nil
		}
		collectFieldErrors(p.Context, res.Errors)
		return map[string]interface{}{entityField: res.Data}, nil
	}
}

// failurePayload shapes a classified error as the matching result
// object. The classifier already strips backend detail from messages;
// anything outside the four caller-addressable classes collapses to
// InternalError with its retry hint.
func failurePayload(err *operr.Error) map[string]interface{} {
	switch err.Code {
	case operr.CodeValidation:
		payload := map[string]interface{}{
			"__typename": typenameValidation,
			"message":    err.Message,
		}
		if len(err.Path) > 0 {
			payload["field"] = strings.Join(err.Path, ".")
		}
		return payload
	case operr.CodeConflict:
		return map[string]interface{}{"__typename": typenameConflict, "message": err.Message}
	case operr.CodeAuthorization:
		return map[string]interface{}{"__typename": typenamePermission, "message": err.Message}
	case operr.CodeNotFound:
		return map[string]interface{}{"__typename": typenameNotFound, "message": err.Message}
	default:
		return map[string]interface{}{
			"__typename": typenameInternal,
			"message":    err.Message,
			"retryable":  err.Retryable(),
		}
	}
}

// classifiedError carries the error class and retry hint into the
// response's error extensions.
type classifiedError struct {
	op *operr.Error
}

func (e classifiedError) Error() string { return e.op.Error() }

func (e classifiedError) Unwrap() error { return e.op.Unwrap() }

func (e classifiedError) Extensions() map[string]interface{} {
	return map[string]interface{}{
		"code":      string(e.op.Code),
		"retryable": e.op.Retryable(),
	}
}

func classify(err error) error {
	var oe *operr.Error
	if errors.As(err, &oe) {
		return classifiedError{oe}
	}
	return classifiedError{operr.Internal(err)}
}

// requestSelection lowers the resolved field's AST selection into the
// executor's tree. List operations read through the page wrapper, so
// the executor sees the selection under items; a page selected without
// items runs the operation's default plan.
func requestSelection(p graphql.ResolveParams, paged bool) (*executor.Selection, error) {
	field := firstFieldAST(p.Info.FieldASTs)
	if field == nil || field.SelectionSet == nil {
		return nil, nil
	}
	if !paged {
		return translateSelectionSet(field.SelectionSet, p.Info.Fragments)
	}
	set, err := mergedFieldSelection(field.SelectionSet, p.Info.Fragments, "items")
	if err != nil || set == nil {
		return nil, err
	}
	return translateSelectionSet(set, p.Info.Fragments)
}

// mutationSelection digs the refetch selection out of the result
// union: fragments on the success type, then the entity field inside
// them. A mutation that selects no entity fields refetches the default
// plan and the response renders only the outcome branches.
func mutationSelection(p graphql.ResolveParams, successName, entityField string) (*executor.Selection, error) {
	field := firstFieldAST(p.Info.FieldASTs)
	if field == nil || field.SelectionSet == nil {
		return nil, nil
	}
	entity := &executor.Selection{}
	if err := spliceEntity(entity, field.SelectionSet, p.Info.Fragments, successName, entityField, map[string]bool{}); err != nil {
		return nil, err
	}
	if len(entity.Fields) == 0 {
		return nil, nil
	}
	return entity, nil
}

func firstFieldAST(fields []*ast.Field) *ast.Field {
	if len(fields) == 0 {
		return nil
	}
	return fields[0]
}

// translateSelectionSet flattens fragment spreads and inline fragments
// and merges fields selected more than once, since the executor treats
// a duplicate field as a malformed request. Meta fields stay behind;
// the formatter answers them from the projection.
func translateSelectionSet(set *ast.SelectionSet, fragments map[string]ast.Definition) (*executor.Selection, error) {
	sel := &executor.Selection{}
	if err := spliceSelections(sel, set, fragments, map[string]bool{}); err != nil {
		return nil, err
	}
	if len(sel.Fields) == 0 {
		return nil, nil
	}
	return sel, nil
}

func spliceSelections(sel *executor.Selection, set *ast.SelectionSet, fragments map[string]ast.Definition, active map[string]bool) error {
	for _, s := range set.Selections {
		switch node := s.(type) {
		case *ast.Field:
			name := node.Name.Value
			if strings.HasPrefix(name, "__") {
				continue
			}
			var child *executor.Selection
			if node.SelectionSet != nil {
				child = &executor.Selection{}
				if err := spliceSelections(child, node.SelectionSet, fragments, active); err != nil {
					return err
				}
			}
			addField(sel, name, child)
		case *ast.InlineFragment:
			if node.SelectionSet == nil {
				continue
			}
			if err := spliceSelections(sel, node.SelectionSet, fragments, active); err != nil {
				return err
			}
		case *ast.FragmentSpread:
			frag, err := namedFragment(fragments, node.Name.Value, active)
			if err != nil {
				return err
			}
			active[node.Name.Value] = true
			err = spliceSelections(sel, frag.SelectionSet, fragments, active)
			delete(active, node.Name.Value)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// spliceEntity collects the entity field's children from a mutation
// result selection. Fragments conditioned on a failure type are
// skipped; fragments on the success type or on the union itself are
// walked for the entity field.
func spliceEntity(entity *executor.Selection, set *ast.SelectionSet, fragments map[string]ast.Definition, successName, entityField string, active map[string]bool) error {
	for _, s := range set.Selections {
		switch node := s.(type) {
		case *ast.Field:
			if node.Name.Value != entityField || node.SelectionSet == nil {
				continue
			}
			child := &executor.Selection{}
			if err := spliceSelections(child, node.SelectionSet, fragments, active); err != nil {
				return err
			}
			for _, f := range child.Fields {
				addField(entity, f.Name, f.Children)
			}
		case *ast.InlineFragment:
			if node.SelectionSet == nil || skipsSuccess(node.TypeCondition, successName) {
				continue
			}
			if err := spliceEntity(entity, node.SelectionSet, fragments, successName, entityField, active); err != nil {
				return err
			}
		case *ast.FragmentSpread:
			frag, err := namedFragment(fragments, node.Name.Value, active)
			if err != nil {
				return err
			}
			if skipsSuccess(frag.TypeCondition, successName) {
				continue
			}
			active[node.Name.Value] = true
			err = spliceEntity(entity, frag.SelectionSet, fragments, successName, entityField, active)
			delete(active, node.Name.Value)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// skipsSuccess reports whether a fragment's type condition rules the
// success object out. Conditions on the union itself keep walking;
// fragments on a failure object or on the shared error interface can
// never select the entity field.
func skipsSuccess(cond *ast.Named, successName string) bool {
	if cond == nil || cond.Name == nil {
		return false
	}
	name := cond.Name.Value
	if name == successName {
		return false
	}
	switch name {
	case typenameValidation, typenameConflict, typenamePermission, typenameNotFound, typenameInternal, "MutationError":
		return true
	}
	return false
}

// mergedFieldSelection finds one field across the set and its spliced
// fragments and returns the union of its selection sets. Nil when the
// field was never selected with children.
func mergedFieldSelection(set *ast.SelectionSet, fragments map[string]ast.Definition, name string) (*ast.SelectionSet, error) {
	merged := &ast.SelectionSet{}
	if err := collectFieldSets(merged, set, fragments, name, map[string]bool{}); err != nil {
		return nil, err
	}
	if len(merged.Selections) == 0 {
		return nil, nil
	}
	return merged, nil
}

func collectFieldSets(merged *ast.SelectionSet, set *ast.SelectionSet, fragments map[string]ast.Definition, name string, active map[string]bool) error {
	for _, s := range set.Selections {
		switch node := s.(type) {
		case *ast.Field:
			if node.Name.Value != name || node.SelectionSet == nil {
				continue
			}
			merged.Selections = append(merged.Selections, node.SelectionSet.Selections...)
		case *ast.InlineFragment:
			if node.SelectionSet == nil {
				continue
			}
			if err := collectFieldSets(merged, node.SelectionSet, fragments, name, active); err != nil {
				return err
			}
		case *ast.FragmentSpread:
			frag, err := namedFragment(fragments, node.Name.Value, active)
			if err != nil {
				return err
			}
			active[node.Name.Value] = true
			err = collectFieldSets(merged, frag.SelectionSet, fragments, name, active)
			delete(active, node.Name.Value)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func namedFragment(fragments map[string]ast.Definition, name string, active map[string]bool) (*ast.FragmentDefinition, error) {
	if active[name] {
		return nil, fmt.Errorf("fragment cycle through %q", name)
	}
	frag, ok := fragments[name].(*ast.FragmentDefinition)
	if !ok || frag.SelectionSet == nil {
		return nil, fmt.Errorf("undefined fragment %q", name)
	}
	return frag, nil
}

// addField appends a field, merging children when the name already
// appeared. First occurrence fixes the position.
func addField(sel *executor.Selection, name string, child *executor.Selection) {
	for i := range sel.Fields {
		if sel.Fields[i].Name != name {
			continue
		}
		if child == nil {
			return
		}
		if sel.Fields[i].Children == nil {
			sel.Fields[i].Children = child
			return
		}
		for _, f := range child.Fields {
			addField(sel.Fields[i].Children, f.Name, f.Children)
		}
		return
	}
	sel.Fields = append(sel.Fields, executor.SelectionField{Name: name, Children: child})
}
