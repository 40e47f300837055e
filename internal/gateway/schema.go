package gateway

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/graphql-go/graphql"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/scalars"
)

// schemaBuilder projects one artifact into an executable schema. Object
// and custom scalar instances are cached per build so each type name
// appears exactly once.
type schemaBuilder struct {
	art    *artifact.Artifact
	runner Runner

	objects  map[string]*graphql.Object
	customs  map[ir.Scalar]*graphql.Scalar
	failures *failureTypes
}

func buildSchema(art *artifact.Artifact, runner Runner) (graphql.Schema, error) {
	b := &schemaBuilder{
		art:     art,
		runner:  runner,
		objects: map[string]*graphql.Object{},
		customs: map[ir.Scalar]*graphql.Scalar{},
	}

	queryFields := graphql.Fields{}
	mutationFields := graphql.Fields{}
	for _, op := range art.Operations {
		if _, ok := art.Type(op.ReturnType); !ok {
			return graphql.Schema{}, fmt.Errorf("operation %q returns unknown type %q", op.Name, op.ReturnType)
		}
		if op.Kind == ir.OpMutation {
			mutationFields[op.Name] = b.mutationField(op)
		} else {
			queryFields[op.Name] = b.queryField(op)
		}
	}

	// GraphQL requires a query root even when the schema compiled only
	// mutations.
	if len(queryFields) == 0 {
		checksum := art.Checksum
		queryFields["_schema"] = &graphql.Field{
			Type:        graphql.String,
			Description: "Checksum of the loaded schema artifact.",
			Resolve: func(graphql.ResolveParams) (interface{}, error) {
				return checksum, nil
			},
		}
	}

	config := graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: queryFields,
		}),
	}
	if len(mutationFields) > 0 {
		config.Mutation = graphql.NewObject(graphql.ObjectConfig{
			Name:   "Mutation",
			Fields: mutationFields,
		})
	}
	return graphql.NewSchema(config)
}

// objectFor returns the GraphQL object for a compiled type, creating it
// on first use. The object registers in the cache before its fields
// materialize so relationship cycles terminate.
func (b *schemaBuilder) objectFor(td *artifact.TypeDef) *graphql.Object {
	if cached, ok := b.objects[td.Name]; ok {
		return cached
	}
	obj := graphql.NewObject(graphql.ObjectConfig{
		Name:   td.Name,
		Fields: graphql.FieldsThunk(func() graphql.Fields { return b.fieldsFor(td) }),
	})
	b.objects[td.Name] = obj
	return obj
}

func (b *schemaBuilder) fieldsFor(td *artifact.TypeDef) graphql.Fields {
	fields := graphql.Fields{}
	for _, fd := range td.Fields {
		var out graphql.Output = b.scalarType(fd.Scalar)
		if fd.NonNull {
			out = graphql.NewNonNull(out)
		}
		fields[fd.Name] = &graphql.Field{Type: out}
	}
	// Relationship fields stay nullable regardless of the declared
	// constraint: under the partial results policy a failed branch
	// resolves to null instead of discarding its siblings.
	for _, rel := range td.Relationships {
		target, ok := b.art.Type(rel.Target)
		if !ok {
			continue
		}
		obj := b.objectFor(target)
		if rel.List {
			fields[rel.Field] = &graphql.Field{
				Type: graphql.NewList(graphql.NewNonNull(obj)),
			}
		} else {
			fields[rel.Field] = &graphql.Field{Type: obj}
		}
	}
	return fields
}

// scalarType maps a compiled scalar kind onto its GraphQL type.
// Builtins return the shared graphql instances; custom scalars are
// cached so the schema holds one instance per name.
func (b *schemaBuilder) scalarType(s ir.Scalar) *graphql.Scalar {
	switch s {
	case ir.ScalarInt:
		return graphql.Int
	case ir.ScalarFloat:
		return graphql.Float
	case ir.ScalarBoolean:
		return graphql.Boolean
	case ir.ScalarID:
		return graphql.ID
	case ir.ScalarString:
		return graphql.String
	}
	if cached, ok := b.customs[s]; ok {
		return cached
	}
	var custom *graphql.Scalar
	switch s {
	case ir.ScalarDateTime:
		custom = scalars.DateTime()
	case ir.ScalarDate:
		custom = scalars.Date()
	case ir.ScalarTime:
		custom = scalars.TimeOfDay()
	case ir.ScalarUUID:
		custom = scalars.UUID()
	case ir.ScalarDecimal:
		custom = scalars.Decimal()
	case ir.ScalarJSON:
		custom = scalars.JSON()
	default:
		return graphql.String
	}
	b.customs[s] = custom
	return custom
}

func (b *schemaBuilder) nonNegativeInt() *graphql.Scalar {
	const key = ir.Scalar("NonNegativeInt")
	if cached, ok := b.customs[key]; ok {
		return cached
	}
	custom := scalars.NonNegativeInt()
	b.customs[key] = custom
	return custom
}

func (b *schemaBuilder) queryField(op *artifact.OperationDef) *graphql.Field {
	target, _ := b.art.Type(op.ReturnType)
	obj := b.objectFor(target)

	var out graphql.Output
	switch {
	case op.ReturnsList:
		out = graphql.NewNonNull(b.pageType(op, obj))
	case op.Nullable:
		out = obj
	default:
		out = graphql.NewNonNull(obj)
	}
	return &graphql.Field{
		Type:    out,
		Args:    b.argumentsFor(op),
		Resolve: b.resolveQuery(op),
	}
}

// pageType wraps a list operation's rows together with the cursor that
// continues the page.
func (b *schemaBuilder) pageType(op *artifact.OperationDef, obj *graphql.Object) *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: upperFirst(op.Name) + "Page",
		Fields: graphql.Fields{
			"items": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(obj))),
			},
			"endCursor": &graphql.Field{
				Type:        graphql.String,
				Description: "Opaque cursor continuing the page, null when the page is empty.",
			},
		},
	})
}

func (b *schemaBuilder) mutationField(op *artifact.OperationDef) *graphql.Field {
	target, _ := b.art.Type(op.ReturnType)
	obj := b.objectFor(target)
	success := b.successType(op, obj)
	return &graphql.Field{
		Type:    graphql.NewNonNull(b.resultUnion(op, success)),
		Args:    b.argumentsFor(op),
		Resolve: b.resolveMutation(op),
	}
}

// successType carries the row refetched after the write. The field name
// is the return type decapitalized, so createUser yields
// { user { ... } }.
func (b *schemaBuilder) successType(op *artifact.OperationDef, obj *graphql.Object) *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: successTypeName(op),
		Fields: graphql.Fields{
			entityFieldName(op): &graphql.Field{
				Type: graphql.NewNonNull(obj),
			},
		},
	})
}

func (b *schemaBuilder) resultUnion(op *artifact.OperationDef, success *graphql.Object) *graphql.Union {
	f := b.failureTypes()
	return graphql.NewUnion(graphql.UnionConfig{
		Name:        upperFirst(op.Name) + "Result",
		Types:       []*graphql.Object{success, f.validation, f.conflict, f.permission, f.notFound, f.internal},
		ResolveType: f.resolveType(success),
	})
}

func (b *schemaBuilder) argumentsFor(op *artifact.OperationDef) graphql.FieldConfigArgument {
	args := graphql.FieldConfigArgument{}
	for _, a := range op.Arguments {
		var in graphql.Input = b.scalarType(a.Scalar)
		if a.List {
			in = graphql.NewList(graphql.NewNonNull(in))
		}
		if a.Required && a.Default == nil {
			in = graphql.NewNonNull(in)
		}
		cfg := &graphql.ArgumentConfig{Type: in}
		if a.Default != nil {
			cfg.DefaultValue = a.Default
		}
		args[a.Name] = cfg
	}
	if op.Paging != nil {
		args[ir.PagingArgLimit] = &graphql.ArgumentConfig{
			Type:        b.nonNegativeInt(),
			Description: fmt.Sprintf("Page size, at most %d.", op.Paging.MaxLimit),
		}
		args[ir.PagingArgOffset] = &graphql.ArgumentConfig{
			Type:        b.nonNegativeInt(),
			Description: "Rows to skip before the page starts. Exclusive with after.",
		}
		args[ir.PagingArgAfter] = &graphql.ArgumentConfig{
			Type:        graphql.String,
			Description: "Cursor from a previous page's endCursor. Exclusive with offset.",
		}
	}
	return args
}

// failureTypes holds the result objects shared by every mutation union.
// All of them expose message through the MutationError interface, so
// clients can select one fragment across outcomes.
type failureTypes struct {
	iface      *graphql.Interface
	validation *graphql.Object
	conflict   *graphql.Object
	permission *graphql.Object
	notFound   *graphql.Object
	internal   *graphql.Object
}

func (b *schemaBuilder) failureTypes() *failureTypes {
	if b.failures != nil {
		return b.failures
	}
	iface := graphql.NewInterface(graphql.InterfaceConfig{
		Name: "MutationError",
		Fields: graphql.Fields{
			"message": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		},
	})
	build := func(name, description string, extra graphql.Fields) *graphql.Object {
		fields := graphql.Fields{
			"message": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		}
		for n, f := range extra {
			fields[n] = f
		}
		return graphql.NewObject(graphql.ObjectConfig{
			Name:        name,
			Description: description,
			Fields:      fields,
			Interfaces:  []*graphql.Interface{iface},
		})
	}
	b.failures = &failureTypes{
		iface: iface,
		validation: build(typenameValidation, "An argument failed validation before any statement ran.", graphql.Fields{
			"field": &graphql.Field{
				Type:        graphql.String,
				Description: "Dotted path of the offending argument, when known.",
			},
		}),
		conflict:   build(typenameConflict, "The write violated a uniqueness or referential constraint.", nil),
		permission: build(typenamePermission, "A permission rule denied the operation.", nil),
		notFound:   build(typenameNotFound, "No row matched the targeted key.", nil),
		internal: build(typenameInternal, "The operation failed for a reason the caller cannot fix.", graphql.Fields{
			"retryable": &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		}),
	}
	return b.failures
}

// resolveType discriminates union members on the __typename the
// resolver stamps into failure payloads. Anything unstamped is the
// success shape.
func (f *failureTypes) resolveType(success *graphql.Object) graphql.ResolveTypeFn {
	return func(p graphql.ResolveTypeParams) *graphql.Object {
		payload, ok := p.Value.(map[string]interface{})
		if !ok {
			return success
		}
		switch payload["__typename"] {
		case typenameValidation:
			return f.validation
		case typenameConflict:
			return f.conflict
		case typenamePermission:
			return f.permission
		case typenameNotFound:
			return f.notFound
		case typenameInternal:
			return f.internal
		default:
			return success
		}
	}
}

func successTypeName(op *artifact.OperationDef) string {
	return upperFirst(op.Name) + "Success"
}

func entityFieldName(op *artifact.OperationDef) string {
	return lowerFirst(op.ReturnType)
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}
