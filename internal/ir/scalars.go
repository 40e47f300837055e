package ir

// Scalar names the builtin scalar kinds an operation or field may use.
type Scalar string

const (
	ScalarString   Scalar = "String"
	ScalarInt      Scalar = "Int"
	ScalarFloat    Scalar = "Float"
	ScalarBoolean  Scalar = "Boolean"
	ScalarID       Scalar = "ID"
	ScalarDateTime Scalar = "DateTime"
	ScalarDate     Scalar = "Date"
	ScalarTime     Scalar = "Time"
	ScalarJSON     Scalar = "JSON"
	ScalarUUID     Scalar = "UUID"
	ScalarDecimal  Scalar = "Decimal"
)

var builtinScalars = map[string]Scalar{
	string(ScalarString):   ScalarString,
	string(ScalarInt):      ScalarInt,
	string(ScalarFloat):    ScalarFloat,
	string(ScalarBoolean):  ScalarBoolean,
	string(ScalarID):       ScalarID,
	string(ScalarDateTime): ScalarDateTime,
	string(ScalarDate):     ScalarDate,
	string(ScalarTime):     ScalarTime,
	string(ScalarJSON):     ScalarJSON,
	string(ScalarUUID):     ScalarUUID,
	string(ScalarDecimal):  ScalarDecimal,
}

// IsBuiltinScalar reports whether name is one of the builtin scalars.
func IsBuiltinScalar(name string) bool {
	_, ok := builtinScalars[name]
	return ok
}

// ScalarKind returns the scalar for name, or false when name is not a
// builtin scalar.
func ScalarKind(name string) (Scalar, bool) {
	s, ok := builtinScalars[name]
	return s, ok
}

// Orderable reports whether values of the scalar have a total order
// usable in comparisons and ORDER BY keys.
func (s Scalar) Orderable() bool {
	switch s {
	case ScalarJSON, ScalarBoolean:
		return false
	default:
		return true
	}
}
