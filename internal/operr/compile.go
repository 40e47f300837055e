package operr

import (
	"fmt"
	"strings"
)

// Violation is a single compile-time finding. Subject is a dotted path
// into the authored schema ("types.User.fields.orders",
// "operations.createUser.arguments.email").
type Violation struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (v *Violation) String() string {
	s := v.Subject + ": " + v.Message
	if v.Hint != "" {
		s += " (" + v.Hint + ")"
	}
	return s
}

// CompileError aggregates every violation found during a compilation run.
// The pipeline collects exhaustively and reports once; no artifact is
// emitted when a CompileError is returned.
type CompileError struct {
	Violations []*Violation
}

func (e *CompileError) Error() string {
	if len(e.Violations) == 1 {
		return "schema compilation failed: " + e.Violations[0].String()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "schema compilation failed with %d violations:", len(e.Violations))
	for _, v := range e.Violations {
		b.WriteString("\n- ")
		b.WriteString(v.String())
	}
	return b.String()
}

// Add records a violation.
func (e *CompileError) Add(subject, message string) {
	e.Violations = append(e.Violations, &Violation{Subject: subject, Message: message})
}

// Addf records a violation with a formatted message.
func (e *CompileError) Addf(subject, format string, args ...interface{}) {
	e.Violations = append(e.Violations, &Violation{Subject: subject, Message: fmt.Sprintf(format, args...)})
}

// AddHint records a violation with a remediation hint.
func (e *CompileError) AddHint(subject, message, hint string) {
	e.Violations = append(e.Violations, &Violation{Subject: subject, Message: message, Hint: hint})
}

// Merge appends another aggregate's violations.
func (e *CompileError) Merge(other *CompileError) {
	if other != nil {
		e.Violations = append(e.Violations, other.Violations...)
	}
}

// HasViolations reports whether anything has been recorded.
func (e *CompileError) HasViolations() bool {
	return len(e.Violations) > 0
}

// OrNil returns the aggregate as an error, or nil when empty. Callers
// collect into a CompileError value and return OrNil at phase end.
func (e *CompileError) OrNil() error {
	if e.HasViolations() {
		return e
	}
	return nil
}
