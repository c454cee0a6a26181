// Package stringutil provides string helpers shared by the catalog and the
// environment manager.
package stringutil

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	reWhitespace = regexp.MustCompile(`\s+`)
	reUnsafe     = regexp.MustCompile(`[^a-z0-9-]`)
	reHyphens    = regexp.MustCompile(`-+`)
)

// Slugify converts a display name to a filesystem-safe slug: lowercase,
// whitespace runs become hyphens, everything outside [a-z0-9-] is stripped,
// repeated hyphens collapse, and leading/trailing hyphens are trimmed.
// An empty result falls back to "script".
func Slugify(displayName string) string {
	slug := strings.ToLower(displayName)
	slug = reWhitespace.ReplaceAllString(slug, "-")
	slug = reUnsafe.ReplaceAllString(slug, "")
	slug = reHyphens.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "script"
	}
	return slug
}

// TruncateBytes caps s at limit bytes, appending marker when truncation
// occurred. The cut falls back to the previous rune boundary so the result
// stays valid UTF-8.
func TruncateBytes(s string, limit int, marker string) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + marker
}

// FormatDuration formats a millisecond duration for human consumption.
func FormatDuration(durationMS int64) string {
	switch {
	case durationMS < 1000:
		return fmt.Sprintf("%dms", durationMS)
	case durationMS < 60_000:
		return fmt.Sprintf("%.1fs", float64(durationMS)/1000)
	case durationMS < 3_600_000:
		return fmt.Sprintf("%.1fm", float64(durationMS)/60_000)
	default:
		return fmt.Sprintf("%.1fh", float64(durationMS)/3_600_000)
	}
}
