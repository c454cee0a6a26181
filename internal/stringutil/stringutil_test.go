package stringutil

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"My Daily Report", "my-daily-report"},
		{"  spaces   everywhere  ", "spaces-everywhere"},
		{"Data (v2) Löader!", "data-v2-lader"},
		{"---already--hyphenated---", "already-hyphenated"},
		{"ALL CAPS_AND_UNDERSCORES", "all-capsandunderscores"},
		{"日本語のみ", "script"},
		{"", "script"},
		{"42 things", "42-things"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.name), "Slugify(%q)", tt.name)
	}
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "short", TruncateBytes("short", 100, "..."))
	assert.Equal(t, "abc...", TruncateBytes("abcdef", 3, "..."))

	// The cut never splits a multi-byte rune.
	s := "héllo wörld"
	for limit := 1; limit < len(s); limit++ {
		got := TruncateBytes(s, limit, "|")
		assert.True(t, utf8.ValidString(got), "limit %d produced invalid UTF-8", limit)
		assert.True(t, strings.HasSuffix(got, "|"))
	}

	// Non-positive limit disables truncation.
	assert.Equal(t, "anything", TruncateBytes("anything", 0, "..."))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", FormatDuration(250))
	assert.Equal(t, "1.5s", FormatDuration(1500))
	assert.Equal(t, "2.5m", FormatDuration(150_000))
	assert.Equal(t, "1.0h", FormatDuration(3_600_000))
}
