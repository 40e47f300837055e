package authz

import "sqlstencil/internal/ir"

// SecurityProfile selects how formatted output treats fields that carry
// a sensitivity classification.
type SecurityProfile string

const (
	// ProfileStandard returns classified fields unchanged.
	ProfileStandard SecurityProfile = "standard"
	// ProfileRegulated redacts every field classified above public.
	ProfileRegulated SecurityProfile = "regulated"
)

// ProfileByName resolves a configured profile name. The empty name
// selects the standard profile.
func ProfileByName(name string) (SecurityProfile, bool) {
	switch name {
	case "", string(ProfileStandard):
		return ProfileStandard, true
	case string(ProfileRegulated):
		return ProfileRegulated, true
	}
	return "", false
}

// ShouldRedact reports whether values of the given sensitivity are
// redacted under the profile.
func ShouldRedact(s ir.Sensitivity, p SecurityProfile) bool {
	if s == ir.SensitivityPublic {
		return false
	}
	return p == ProfileRegulated
}

// Redact replaces a value with its sensitivity placeholder. Sensitive
// strings keep their first character as a recognition aid; PII and
// secret values are replaced whole. Null stays null.
func Redact(value interface{}, s ir.Sensitivity) interface{} {
	if value == nil {
		return nil
	}
	switch s {
	case ir.SensitivitySensitive:
		str, ok := value.(string)
		if !ok || str == "" {
			return "***"
		}
		return string([]rune(str)[:1]) + "***"
	case ir.SensitivityPII:
		return "[PII]"
	case ir.SensitivitySecret:
		return "****"
	}
	return value
}
