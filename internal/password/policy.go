package password

import (
	"fmt"
	"strings"
	"unicode"
)

const minLength = 12

// Violation is a single failed policy rule. Validation is fail-fast: the
// first rule that fails is reported and later rules are not evaluated.
type Violation struct {
	Rule    string
	Message string
}

func (v Violation) Error() string {
	return fmt.Sprintf("password policy: %s", v.Message)
}

// Validate checks a candidate password against the account policy. The
// account email is rejected as a substring so users cannot derive the
// password from their own identifier.
func Validate(password, email string) error {
	if len(password) < minLength {
		return Violation{Rule: "min_length", Message: fmt.Sprintf("must be at least %d characters", minLength)}
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}

	if !hasUpper {
		return Violation{Rule: "uppercase", Message: "must contain an uppercase letter"}
	}
	if !hasLower {
		return Violation{Rule: "lowercase", Message: "must contain a lowercase letter"}
	}
	if !hasDigit {
		return Violation{Rule: "digit", Message: "must contain a digit"}
	}
	if !hasSymbol {
		return Violation{Rule: "symbol", Message: "must contain a non-alphanumeric character"}
	}

	lowered := strings.ToLower(password)
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if normalizedEmail != "" {
		if strings.Contains(lowered, normalizedEmail) {
			return Violation{Rule: "contains_email", Message: "must not contain the account email"}
		}
		if local, _, found := strings.Cut(normalizedEmail, "@"); found && len(local) >= 3 {
			if strings.Contains(lowered, local) {
				return Violation{Rule: "contains_email", Message: "must not contain the account email"}
			}
		}
	}

	return nil
}
