package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAccepts(t *testing.T) {
	cases := []string{
		"Correct-Horse-7battery",
		"aVeryL0ng!password",
		"x9T#aaaaaaaa",
	}
	for _, password := range cases {
		assert.NoError(t, Validate(password, "user@example.com"), password)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name     string
		password string
		email    string
		rule     string
	}{
		{"too short", "Sh0rt!pass", "user@example.com", "min_length"},
		{"no uppercase", "lowercase-only-7!", "user@example.com", "uppercase"},
		{"no lowercase", "UPPERCASE-ONLY-7!", "user@example.com", "lowercase"},
		{"no digit", "No-Digits-Here!!", "user@example.com", "digit"},
		{"no symbol", "NoSymbolsHere777", "user@example.com", "symbol"},
		{"contains full email", "X1!user@example.com", "user@example.com", "contains_email"},
		{"contains local part", "X1!someuserpass9", "someuser@example.com", "contains_email"},
		{"email case insensitive", "X1!USER@EXAMPLE.COMzz", "user@example.com", "contains_email"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.password, tc.email)
			require.Error(t, err)

			var violation Violation
			require.ErrorAs(t, err, &violation)
			assert.Equal(t, tc.rule, violation.Rule)
		})
	}
}

func TestValidateShortLocalPartNotMatched(t *testing.T) {
	// Two-character local parts appear in too many passwords by accident
	// to be worth rejecting.
	assert.NoError(t, Validate("Absolutely-F1ne", "ab@example.com"))
}
