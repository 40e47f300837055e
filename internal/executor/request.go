package executor

import (
	"sqlstencil/internal/artifact"
	"sqlstencil/internal/operr"
)

// State is one step of the invocation lifecycle. Transitions are
// logged at debug level; every state can move to StateErrored.
type State string

const (
	StateReceived       State = "received"
	StateResolved       State = "resolved"
	StateBound          State = "bound"
	StatePreAuthorized  State = "pre-authorized"
	StateExecuting      State = "executing"
	StateBatchResolving State = "batch-resolving"
	StatePostAuthorized State = "post-authorized"
	StateFormatted      State = "formatted"
	StateCompleted      State = "completed"
	StateErrored        State = "errored"
)

// SchemaSource supplies the artifact an invocation resolves against.
// The registry satisfies it; each invocation reads the source once so
// a reload mid-flight never mixes template versions.
type SchemaSource interface {
	Artifact() *artifact.Artifact
}

// Request is one operation invocation.
type Request struct {
	// Operation names a compiled operation.
	Operation string
	// Arguments carries the caller's argument values by name. A key
	// present with a nil value is an explicit null, which counts as
	// supplied for write columns.
	Arguments map[string]interface{}
	// Selection narrows the returned fields. Nil selects every scalar
	// field and every inline-joined relationship; batched relationships
	// resolve only when selected.
	Selection *Selection
	// Context holds the authenticated context attributes permission
	// rules evaluate against.
	Context map[string]interface{}
}

// Selection is an ordered field selection over the operation's return
// type, nesting through relationship fields.
type Selection struct {
	Fields []SelectionField
}

// SelectionField selects one field. Children is set for relationship
// fields and nil for scalars.
type SelectionField struct {
	Name     string
	Children *Selection
}

// Result is a completed invocation. Data is a field-name map for
// single results and a slice of maps for lists; a nullable single
// result with no matching row has nil Data.
type Result struct {
	Data interface{}
	// Errors holds field-scoped errors collected under the partial
	// results policy. Empty unless that policy is enabled.
	Errors []*operr.Error
	// EndCursor continues a paged list from its last returned row.
	EndCursor string
	State     State
}
