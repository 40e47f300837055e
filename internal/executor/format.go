package executor

import (
	"sqlstencil/internal/authz"
	"sqlstencil/internal/cursor"
	"sqlstencil/internal/operr"
)

// format shapes the authorized tree into the response value: selected
// fields only, hidden key columns dropped, sensitivity redaction
// applied under the configured profile. A non-nullable single
// operation with no surviving row is a not-found failure.
func (inv *invocation) format() (interface{}, string, *operr.Error) {
	if !inv.op.ReturnsList {
		if len(inv.records) == 0 {
			if !inv.op.Nullable {
				return nil, "", operr.NotFound("no row matched %s", inv.op.Name)
			}
			inv.to(StateFormatted)
			return nil, "", nil
		}
		data := inv.formatRecord(inv.records[0], inv.plan)
		inv.to(StateFormatted)
		return data, "", nil
	}

	list := make([]map[string]interface{}, 0, len(inv.records))
	for _, rec := range inv.records {
		list = append(list, inv.formatRecord(rec, inv.plan))
	}
	inv.to(StateFormatted)
	return list, inv.endCursor(), nil
}

func (inv *invocation) formatRecord(rec *record, plan *selectionPlan) map[string]interface{} {
	out := make(map[string]interface{}, len(plan.scalars)+len(plan.joins)+len(plan.batches))
	for _, name := range plan.scalars {
		v := rec.fields[name]
		if fd, ok := plan.typ.Field(name); ok && authz.ShouldRedact(fd.Sensitivity, inv.exec.profile) {
			v = authz.Redact(v, fd.Sensitivity)
		}
		out[name] = v
	}
	for _, jp := range plan.joins {
		child := rec.joined[jp.rel.Field]
		if child == nil {
			out[jp.rel.Field] = nil
			continue
		}
		out[jp.rel.Field] = inv.formatRecord(child, jp.plan)
	}
	for _, bp := range plan.batches {
		children, resolved := rec.related[bp.rel.Field]
		if !resolved {
			// The batch errored under the partial results policy; the
			// error list carries the field path.
			out[bp.rel.Field] = nil
			continue
		}
		if bp.rel.List {
			formatted := make([]map[string]interface{}, 0, len(children))
			for _, child := range children {
				formatted = append(formatted, inv.formatRecord(child, bp.plan))
			}
			out[bp.rel.Field] = formatted
			continue
		}
		if len(children) == 0 {
			out[bp.rel.Field] = nil
			continue
		}
		out[bp.rel.Field] = inv.formatRecord(children[0], bp.plan)
	}
	return out
}

// endCursor encodes the continuation cursor from the last scanned row
// of a paged list. Rows removed by post-fetch filtering still advance
// the cursor, otherwise a fully filtered page could never be crossed.
func (inv *invocation) endCursor() string {
	if inv.op.Paging == nil || inv.lastRoot == nil {
		return ""
	}
	order := inv.op.Paging.OrderBy
	values := make([]interface{}, len(order))
	for i, oc := range order {
		v, ok := inv.lastRoot.keys[oc.Column]
		if !ok || v == nil {
			return ""
		}
		values[i] = v
	}
	return cursor.Encode(inv.op.ReturnType, order, values...)
}
