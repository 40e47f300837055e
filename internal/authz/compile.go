package authz

import (
	"sqlstencil/internal/ir"
	"sqlstencil/internal/operr"
)

// Compile resolves and compiles every permission rule in the schema.
// Subjects bind to operations or type fields, references are checked
// against the declared context attributes and the subject's row scope,
// and omitted phases and actions are inferred. Findings aggregate
// across all rules; when any rule is invalid no rules are returned.
func Compile(schema *ir.Schema) ([]*CompiledRule, error) {
	errs := &operr.CompileError{}
	compiled := make([]*CompiledRule, 0, len(schema.Rules))
	for _, rule := range schema.Rules {
		if cr := compileRule(schema, rule, errs); cr != nil {
			compiled = append(compiled, cr)
		}
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}
	return compiled, nil
}

func compileRule(schema *ir.Schema, rule *ir.Rule, errs *operr.CompileError) *CompiledRule {
	if rule.Subject == "" {
		errs.Add("rules", "rule without a subject")
		return nil
	}
	path := "rules." + rule.Subject
	if rule.Expression == "" {
		errs.Add(path, "rule without an expression")
		return nil
	}
	node, err := Parse(rule.Expression)
	if err != nil {
		errs.Addf(path, "invalid expression: %v", err)
		return nil
	}

	scope, subjectField, ok := resolveScope(schema, rule.Subject, errs)
	if !ok {
		return nil
	}

	var r refs
	collectRefs(node, &r)
	valid := true
	for _, name := range r.ctx {
		if !schema.HasContextAttribute(name) {
			errs.Addf(path, "references undeclared context attribute %q", name)
			valid = false
		}
	}
	for _, name := range r.row {
		if scope == nil {
			errs.Add(path, "row references need an object return type, the operation returns a scalar")
			valid = false
			break
		}
		f, found := scope.Field(name)
		if !found {
			errs.Addf(path, "references unknown row field %q on %s", name, scope.Name)
			valid = false
			continue
		}
		if f.IsRelationship() {
			errs.Addf(path, "row reference %q resolves through a relationship, only scalar fields compare", name)
			valid = false
		}
	}

	phase, action := normalize(rule, subjectField, len(r.row) > 0, path, errs)
	if !valid || phase == "" {
		return nil
	}
	return &CompiledRule{Subject: rule.Subject, Phase: phase, Action: action, Predicate: node}
}

// resolveScope binds a rule subject to the type its row references see.
// Operation subjects scope to the operation's return type, which is nil
// for scalar returns; Type.field subjects scope to the type itself and
// return the subject field.
func resolveScope(schema *ir.Schema, subject string, errs *operr.CompileError) (scope *ir.Type, subjectField *ir.Field, ok bool) {
	head, field := ir.SplitSubject(subject)
	path := "rules." + subject
	if field == "" {
		op, found := schema.Operation(head)
		if !found {
			errs.Add(path, "subject does not name a declared operation")
			return nil, nil, false
		}
		t, _ := schema.Type(op.ReturnType)
		return t, nil, true
	}
	t, found := schema.Type(head)
	if !found {
		errs.Add(path, "subject does not name a declared type")
		return nil, nil, false
	}
	f, found := t.Field(field)
	if !found {
		errs.Addf(path, "type %s has no field %q", head, field)
		return nil, nil, false
	}
	return t, f, true
}

// normalize fixes the rule's phase and action. Field subjects always
// evaluate post-fetch since their actions shape the fetched rows;
// operation subjects run pre when the expression needs no row values.
func normalize(rule *ir.Rule, subjectField *ir.Field, hasRow bool, path string, errs *operr.CompileError) (ir.RulePhase, ir.RuleAction) {
	fieldSubject := subjectField != nil
	phase := rule.Phase
	switch phase {
	case "":
		if fieldSubject || hasRow {
			phase = ir.PhasePost
		} else {
			phase = ir.PhasePre
		}
	case ir.PhasePre:
		if fieldSubject {
			errs.Add(path, "field rules apply after fetch and cannot run in the pre phase")
			return "", ""
		}
		if hasRow {
			errs.Add(path, "pre-phase rules evaluate before any fetch and cannot reference row fields")
			return "", ""
		}
	case ir.PhasePost:
	default:
		errs.Addf(path, "unknown rule phase %q", phase)
		return "", ""
	}

	action := rule.Action
	if phase == ir.PhasePre {
		switch action {
		case "", ir.ActionDeny:
			return phase, ir.ActionDeny
		}
		errs.Addf(path, "pre-phase rules can only deny, not %s", action)
		return "", ""
	}
	switch action {
	case "", ir.ActionMask:
		if !fieldSubject {
			if action == ir.ActionMask {
				errs.Add(path, "mask needs a Type.field subject naming the field to null")
				return "", ""
			}
			return phase, ir.ActionFilter
		}
		if subjectField.IsRelationship() {
			if action == ir.ActionMask {
				errs.Add(path, "mask applies to scalar fields")
				return "", ""
			}
			return phase, ir.ActionFilter
		}
		return phase, ir.ActionMask
	case ir.ActionFilter:
		return phase, action
	case ir.ActionDeny:
		errs.Add(path, "post-phase rules filter rows or mask fields, they cannot deny the operation")
		return "", ""
	}
	errs.Addf(path, "unknown rule action %q", action)
	return "", ""
}
