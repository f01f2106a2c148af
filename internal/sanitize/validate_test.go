package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"empty is optional", "", false},
		{"simple", "u1", false},
		{"hyphenated", "u-123", false},
		{"email", "sam@example.com", false},
		{"oidc subject", "auth0:abc_DEF.9", false},
		{"max length", strings.Repeat("a", MaxIDLength), false},
		{"too long", strings.Repeat("a", MaxIDLength+1), true},
		{"traversal", "a..b", true},
		{"slash", "a/b", true},
		{"leading separator", "-abc", true},
		{"whitespace", "a b", true},
		{"newline", "abc\n", true},
		{"invalid utf8", "a\xffb", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id, "user_id")
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidID)
				assert.Contains(t, err.Error(), "user_id")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateRequiredID(t *testing.T) {
	err := ValidateRequiredID("", "user_id")
	require.ErrorIs(t, err, ErrInvalidID)
	assert.Contains(t, err.Error(), "user_id is required")

	assert.NoError(t, ValidateRequiredID("u1", "user_id"))
	assert.ErrorIs(t, ValidateRequiredID("u 1", "user_id"), ErrInvalidID)
}
