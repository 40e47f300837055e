package validate

import (
	"fmt"

	"sqlstencil/internal/ir"
)

// Rule subjects must resolve to a declared operation or type field.
// Expression contents are the authorization compiler's concern; only
// the structural parts of a rule are checked here.
func (c *checker) checkRules() {
	for i, r := range c.schema.Rules {
		c.checkRule(i, r)
	}
}

func (c *checker) checkRule(i int, r *ir.Rule) {
	if r.Subject == "" {
		c.errs.Add(fmt.Sprintf("rules[%d]", i), "rule declares no subject")
		return
	}
	subject := "rules." + r.Subject

	if r.Expression == "" {
		c.errs.Add(subject, "rule declares no expression")
	}

	switch r.Phase {
	case "", ir.PhasePre, ir.PhasePost:
	default:
		c.errs.Addf(subject, "unknown phase %q", r.Phase)
	}
	switch r.Action {
	case "", ir.ActionDeny, ir.ActionFilter, ir.ActionMask:
	default:
		c.errs.Addf(subject, "unknown action %q", r.Action)
	}
	if r.Phase == ir.PhasePre && r.Action != "" && r.Action != ir.ActionDeny {
		c.errs.Addf(subject, "pre rules can only deny, not %s", r.Action)
	}

	head, field := ir.SplitSubject(r.Subject)
	if field == "" {
		if _, ok := c.schema.Operation(head); !ok {
			c.errs.AddHint(subject,
				fmt.Sprintf("unknown rule subject %q", r.Subject),
				"subjects are operation names or Type.field paths")
		}
		if r.Action == ir.ActionMask {
			c.errs.Add(subject, "mask applies to type fields")
		}
		return
	}

	t, ok := c.schema.Type(head)
	if !ok {
		c.errs.Addf(subject, "unknown type %q in rule subject", head)
		return
	}
	f, ok := t.Field(field)
	if !ok {
		c.errs.Addf(subject, "type %q has no field %q", head, field)
		return
	}
	if r.Action == ir.ActionMask && f.IsRelationship() {
		c.errs.Add(subject, "mask applies to scalar fields")
	}
}
