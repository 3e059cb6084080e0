package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSlug(t *testing.T) {
	tests := []struct {
		name    string
		slug    string
		wantErr bool
	}{
		{"accepts alphanumeric and hyphen", "summer-26", false},
		{"accepts underscore", "my_notes", false},
		{"accepts minimum length", "abc", false},
		{"accepts maximum length", strings.Repeat("a", 20), false},
		{"rejects too short", "ab", true},
		{"rejects too long", strings.Repeat("a", 21), true},
		{"rejects leading hyphen", "-notes", true},
		{"rejects leading underscore", "_notes", true},
		{"rejects spaces", "my notes", true},
		{"rejects non ascii", "café-note", true},
		{"rejects reserved word", "admin", true},
		{"rejects reserved word in any case", "API", true},
		{"rejects profanity", "oh-shit", true},
		{"rejects profanity in any case", "FuCkIt", true},
		{"rejects leetspeak profanity", "sh1t-list", true},
		{"rejects leetspeak with separators", "b1-7ch", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSlug(tt.slug)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
