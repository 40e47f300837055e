package executor

import (
	"sqlstencil/internal/dbexec"
	"sqlstencil/internal/operr"
	"sqlstencil/internal/sqlgen"
)

// record is one scanned row. Declared fields index by field name for
// formatting, raw columns by column name for key lookups, and the two
// kinds of children hang underneath as they resolve.
type record struct {
	fields map[string]interface{}
	keys   map[string]interface{}
	// joined holds inline-join children by relationship field. A child
	// whose columns all scanned NULL is nil: the LEFT JOIN matched no
	// row.
	joined map[string]*record
	// related holds batched children by relationship field, in fetch
	// order.
	related map[string][]*record
	// parentKey is the echoed parent tuple of a batch row.
	parentKey []interface{}
}

// scanRecords drains a result set against its template. The column
// count is checked against the compiled projection before any row
// scans; a mismatch means the artifact and the database disagree.
func scanRecords(rows dbexec.Rows, tmpl *sqlgen.Template) ([]*record, *operr.Error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, operr.FromBackend(err)
	}
	want := len(tmpl.Columns) + len(tmpl.ParentAliases)
	if len(cols) != want {
		return nil, operr.Newf(operr.CodeInternal,
			"template %s projects %d columns, backend returned %d", tmpl.Name, want, len(cols))
	}

	var records []*record
	for rows.Next() {
		values := make([]interface{}, want)
		ptrs := make([]interface{}, want)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, operr.FromBackend(err)
		}
		records = append(records, buildRecord(tmpl, values))
	}
	if err := rows.Err(); err != nil {
		return nil, operr.FromBackend(err)
	}
	return records, nil
}

func buildRecord(tmpl *sqlgen.Template, values []interface{}) *record {
	rec := &record{
		fields: make(map[string]interface{}, len(tmpl.Columns)),
		keys:   make(map[string]interface{}, len(tmpl.Columns)),
	}
	joinPresent := make(map[string]bool)
	for i, rc := range tmpl.Columns {
		v := convertValue(values[i])
		if rc.Rel == "" {
			rec.keys[rc.Column] = v
			if rc.Field != "" {
				rec.fields[rc.Field] = v
			}
			continue
		}
		if rec.joined == nil {
			rec.joined = make(map[string]*record)
		}
		child := rec.joined[rc.Rel]
		if child == nil {
			child = &record{
				fields: make(map[string]interface{}),
				keys:   make(map[string]interface{}),
			}
			rec.joined[rc.Rel] = child
		}
		child.keys[rc.Column] = v
		if rc.Field != "" {
			child.fields[rc.Field] = v
		}
		if v != nil {
			joinPresent[rc.Rel] = true
		}
	}
	for name := range rec.joined {
		if !joinPresent[name] {
			rec.joined[name] = nil
		}
	}
	if n := len(tmpl.ParentAliases); n > 0 {
		rec.parentKey = make([]interface{}, n)
		for i := range tmpl.ParentAliases {
			rec.parentKey[i] = convertValue(values[len(tmpl.Columns)+i])
		}
	}
	return rec
}

// convertValue normalizes driver values for formatting and grouping.
// Text and blob columns arrive as byte slices and become strings;
// everything else passes through.
func convertValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
