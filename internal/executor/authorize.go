package executor

import (
	"sqlstencil/internal/artifact"
	"sqlstencil/internal/authz"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/operr"
)

// postAuthorize applies post-fetch rules to the assembled tree. Row
// filters remove rows, masks null fields, and relationship rules clear
// the related value. A rule that fails to evaluate counts as denied.
// Removal and masking never fail the invocation, with one exception:
// masking a non-nullable field is a hard authorization failure.
func (inv *invocation) postAuthorize() *operr.Error {
	if len(inv.records) == 0 || len(inv.art.Rules) == 0 {
		inv.to(StatePostAuthorized)
		return nil
	}

	rs := buildRuleSet(inv.art)
	var rootRules []*authz.CompiledRule
	for _, r := range inv.art.RulesFor(inv.op.Name) {
		if r.Phase == ir.PhasePost {
			rootRules = append(rootRules, r)
		}
	}
	kept, err := inv.filterRecords(rs, inv.typ, inv.records, rootRules)
	if err != nil {
		if err.Code == operr.CodeAuthorization {
			inv.deniedPhase = string(ir.PhasePost)
		}
		return err
	}
	inv.records = kept
	inv.to(StatePostAuthorized)
	return nil
}

// ruleSet splits the artifact's post-fetch rules by the type they
// scope to, so tree application is a map lookup per level.
type ruleSet struct {
	byType map[string]*typeRules
}

type typeRules struct {
	// rowFilters remove the whole row when denied.
	rowFilters []*authz.CompiledRule
	// masks null one scalar field when denied.
	masks []maskRule
	// relFilters clear a relationship value when denied, keyed by the
	// relationship field.
	relFilters map[string][]*authz.CompiledRule
}

type maskRule struct {
	field string
	rule  *authz.CompiledRule
}

var noTypeRules typeRules

func buildRuleSet(art *artifact.Artifact) *ruleSet {
	rs := &ruleSet{byType: make(map[string]*typeRules)}
	for _, r := range art.Rules {
		if r.Phase != ir.PhasePost {
			continue
		}
		head, field := ir.SplitSubject(r.Subject)
		if field == "" {
			// Operation subjects apply to the root rows only.
			continue
		}
		typ, ok := art.Type(head)
		if !ok {
			continue
		}
		tr := rs.byType[head]
		if tr == nil {
			tr = &typeRules{}
			rs.byType[head] = tr
		}
		if _, isScalar := typ.Field(field); isScalar {
			if r.Action == ir.ActionMask {
				tr.masks = append(tr.masks, maskRule{field: field, rule: r})
			} else {
				tr.rowFilters = append(tr.rowFilters, r)
			}
			continue
		}
		if tr.relFilters == nil {
			tr.relFilters = make(map[string][]*authz.CompiledRule)
		}
		tr.relFilters[field] = append(tr.relFilters[field], r)
	}
	return rs
}

func (rs *ruleSet) forType(name string) *typeRules {
	if tr := rs.byType[name]; tr != nil {
		return tr
	}
	return &noTypeRules
}

func (inv *invocation) filterRecords(rs *ruleSet, typ *artifact.TypeDef, records []*record, rootRules []*authz.CompiledRule) ([]*record, *operr.Error) {
	kept := make([]*record, 0, len(records))
	for _, rec := range records {
		keep, err := inv.applyRecord(rs, typ, rec, rootRules)
		if err != nil {
			return nil, err
		}
		if keep {
			kept = append(kept, rec)
		}
	}
	inv.filtered += len(records) - len(kept)
	return kept, nil
}

// applyRecord applies one type's rules to one row and recurses into
// its resolved children. A false return removes the row; a removed
// child under a non-nullable to-one relationship removes its parent
// the same way, since the parent cannot be represented without it.
func (inv *invocation) applyRecord(rs *ruleSet, typ *artifact.TypeDef, rec *record, rootRules []*authz.CompiledRule) (bool, *operr.Error) {
	ctxAttrs := inv.req.Context
	tr := rs.forType(typ.Name)

	for _, rule := range rootRules {
		if !allowed(rule, ctxAttrs, rec.fields) {
			return false, nil
		}
	}
	for _, rule := range tr.rowFilters {
		if !allowed(rule, ctxAttrs, rec.fields) {
			return false, nil
		}
	}

	for _, m := range tr.masks {
		if allowed(m.rule, ctxAttrs, rec.fields) {
			continue
		}
		if fd, ok := typ.Field(m.field); ok && fd.NonNull {
			return false, operr.Authorization("not authorized to read %s.%s", typ.Name, m.field)
		}
		rec.fields[m.field] = nil
		inv.masked++
	}

	for _, rel := range typ.Relationships {
		denied := false
		for _, rule := range tr.relFilters[rel.Field] {
			if !allowed(rule, ctxAttrs, rec.fields) {
				denied = true
				break
			}
		}
		if denied {
			if rel.NonNull && !rel.List {
				return false, nil
			}
			if rec.joined != nil {
				rec.joined[rel.Field] = nil
			}
			if _, resolved := rec.related[rel.Field]; resolved {
				rec.related[rel.Field] = []*record{}
			}
			continue
		}

		target, ok := inv.art.Type(rel.Target)
		if !ok {
			continue
		}
		if child := rec.joined[rel.Field]; child != nil {
			keep, err := inv.applyRecord(rs, target, child, nil)
			if err != nil {
				return false, err
			}
			if !keep {
				if rel.NonNull && !rel.List {
					return false, nil
				}
				rec.joined[rel.Field] = nil
			}
		}
		if children, resolved := rec.related[rel.Field]; resolved && len(children) > 0 {
			keptChildren, err := inv.filterRecords(rs, target, children, nil)
			if err != nil {
				return false, err
			}
			rec.related[rel.Field] = keptChildren
			if len(keptChildren) == 0 && rel.NonNull && !rel.List {
				return false, nil
			}
		}
	}
	return true, nil
}

func allowed(rule *authz.CompiledRule, ctxAttrs, row map[string]interface{}) bool {
	ok, err := authz.Evaluate(rule.Predicate, ctxAttrs, row)
	return err == nil && ok
}
