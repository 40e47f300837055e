package gqlrequest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeEnvelopeMeasuresSelection(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		opName     string
		wantName   string
		wantType   string
		wantFields int
		wantDepth  int
		wantVars   int
	}{
		{
			name:       "anonymous query",
			query:      `{ customer { id email } }`,
			wantName:   anonymousOperationName,
			wantType:   "query",
			wantFields: 3,
			wantDepth:  2,
		},
		{
			name:       "named query with variables",
			query:      `query Customer($id: ID!, $full: Boolean) { customer(id: $id) { id email } }`,
			opName:     "Customer",
			wantName:   "Customer",
			wantType:   "query",
			wantFields: 3,
			wantDepth:  2,
			wantVars:   2,
		},
		{
			name:       "mutation",
			query:      `mutation Create($email: String!) { createCustomer(email: $email) { id } }`,
			wantName:   "Create",
			wantType:   "mutation",
			wantFields: 2,
			wantDepth:  2,
			wantVars:   1,
		},
		{
			name:       "nested relationship selection",
			query:      `{ customer { email orders { total lines { sku } } } }`,
			wantName:   anonymousOperationName,
			wantType:   "query",
			wantFields: 6,
			wantDepth:  4,
		},
		{
			name:       "fragment counts once",
			query:      `query Q { a { ...cols } b { ...cols } } fragment cols on T { x y }`,
			wantName:   "Q",
			wantType:   "query",
			wantFields: 4,
			wantDepth:  2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AnalyzeEnvelope(Envelope{Query: tt.query, OperationName: tt.opName})
			require.NoError(t, a.AnalyzeError)
			require.NotNil(t, a.Operation)
			assert.Equal(t, tt.wantName, a.OperationName)
			assert.Equal(t, tt.wantType, a.OperationType)
			assert.Equal(t, tt.wantFields, a.FieldCount)
			assert.Equal(t, tt.wantDepth, a.SelectionDepth)
			assert.Equal(t, tt.wantVars, a.VariableCount)
			assert.NotEmpty(t, a.OperationHash)
		})
	}
}

func TestAnalyzeEnvelopeEmptyQuery(t *testing.T) {
	a := AnalyzeEnvelope(Envelope{Query: "   "})
	require.NoError(t, a.AnalyzeError)
	assert.Nil(t, a.Operation)
	assert.Empty(t, a.OperationHash)
}

func TestAnalyzeEnvelopeParseFailure(t *testing.T) {
	a := AnalyzeEnvelope(Envelope{Query: "query {"})
	require.Error(t, a.AnalyzeError)
	assert.Nil(t, a.Operation)
}

func TestAnalyzeEnvelopeOperationSelection(t *testing.T) {
	doc := `query A { a { id } } query B { b { id } }`

	t.Run("name required with multiple operations", func(t *testing.T) {
		a := AnalyzeEnvelope(Envelope{Query: doc})
		require.Error(t, a.AnalyzeError)
	})
	t.Run("unknown name", func(t *testing.T) {
		a := AnalyzeEnvelope(Envelope{Query: doc, OperationName: "C"})
		require.Error(t, a.AnalyzeError)
	})
	t.Run("named selection", func(t *testing.T) {
		a := AnalyzeEnvelope(Envelope{Query: doc, OperationName: "B"})
		require.NoError(t, a.AnalyzeError)
		assert.Equal(t, "B", a.OperationName)
	})
}

func TestAnalyzeEnvelopeFragmentCycleTerminates(t *testing.T) {
	a := AnalyzeEnvelope(Envelope{Query: `
		query Q { root { ...a } }
		fragment a on T { x ...b }
		fragment b on T { y ...a }
	`})
	require.NoError(t, a.AnalyzeError)
	// Each fragment expands once: root, x, y.
	assert.Equal(t, 3, a.FieldCount)
}

func TestOperationHashIgnoresFormatting(t *testing.T) {
	compact := AnalyzeEnvelope(Envelope{Query: `query Q{customer{id email}}`})
	spaced := AnalyzeEnvelope(Envelope{Query: "query Q {\n  customer {\n    id\n    email\n  }\n}\n# trailing comment\n"})
	require.NoError(t, compact.AnalyzeError)
	require.NoError(t, spaced.AnalyzeError)
	assert.Equal(t, compact.OperationHash, spaced.OperationHash)
}

func TestOperationHashExcludesUnreferencedFragments(t *testing.T) {
	plain := AnalyzeEnvelope(Envelope{Query: `query Q { customer { id } }`})
	extra := AnalyzeEnvelope(Envelope{Query: `query Q { customer { id } } fragment unused on T { x }`})
	require.NoError(t, plain.AnalyzeError)
	require.NoError(t, extra.AnalyzeError)
	assert.Equal(t, plain.OperationHash, extra.OperationHash)
}

func TestOperationHashDistinguishesSelections(t *testing.T) {
	a := AnalyzeEnvelope(Envelope{Query: `query Q { customer { id } }`})
	b := AnalyzeEnvelope(Envelope{Query: `query Q { customer { email } }`})
	require.NotEqual(t, a.OperationHash, b.OperationHash)
}

func TestFramedHashBoundaries(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must frame differently.
	assert.NotEqual(t, framedHash("ab", "c"), framedHash("a", "bc"))
	assert.NotEqual(t, framedHash("ab"), framedHash("ab", ""))
}
