package operr

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeRetryable(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
	}{
		{CodeValidation, false},
		{CodeAuthorization, false},
		{CodeNotFound, false},
		{CodeConflict, false},
		{CodeTimeout, true},
		{CodeCancelled, true},
		{CodeConnection, true},
		{CodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.code.Retryable())
		})
	}
}

func TestErrorMessageIncludesPath(t *testing.T) {
	err := Validation("limit above ceiling").WithPath("user", "orders")
	assert.Equal(t, "validation: limit above ceiling (at user.orders)", err.Error())
}

func TestWithPathDoesNotMutateOriginal(t *testing.T) {
	base := Authorization("denied")
	branch := base.WithPath("user", "email")

	assert.Empty(t, base.Path)
	assert.Equal(t, []string{"user", "email"}, branch.Path)
}

func TestErrorJSONShape(t *testing.T) {
	err := Conflict("duplicate entry").WithPath("createUser")
	raw, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "CONFLICT", decoded["code"])
	assert.Equal(t, "duplicate entry", decoded["message"])
	assert.Equal(t, []interface{}{"createUser"}, decoded["path"])
	assert.Equal(t, false, decoded["retryable"])
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(CodeConnection, "backend unavailable", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, err.Retryable())
}

func TestCompileErrorAggregates(t *testing.T) {
	var ce CompileError
	assert.NoError(t, ce.OrNil())

	ce.Add("types.User", "duplicate type name")
	ce.Addf("types.Order.fields.total", "unknown column %q", "grand_total")
	ce.AddHint("operations.user", "return type not declared", "declare type User or fix the operation")

	err := ce.OrNil()
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Len(t, compileErr.Violations, 3)
	assert.Contains(t, err.Error(), "3 violations")
	assert.Contains(t, err.Error(), `unknown column "grand_total"`)
	assert.Contains(t, err.Error(), "declare type User or fix the operation")
}

func TestCompileErrorMerge(t *testing.T) {
	var a, b CompileError
	a.Add("types.User", "first")
	b.Add("types.Order", "second")

	a.Merge(&b)
	assert.Len(t, a.Violations, 2)
}
