package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lazypower/engram/internal/store"
)

// maxTextChars caps stored memory text in runes (~3K tokens).
const maxTextChars = 12000

// validEntityChar returns true if the character is allowed in an entity name.
// Allowed: lowercase alphanumeric, hyphens, underscores.
func validEntityChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

// normalizeEntity folds an entity name to [a-z0-9_-] so "Postgres DB" and
// "postgres-db" share one shares_entity link. Spaces, dots and slashes become
// hyphens; other characters are dropped.
func normalizeEntity(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(name) {
		if validEntityChar(r) {
			b.WriteRune(r)
			prevHyphen = (r == '-')
		} else if r == ' ' || r == '.' || r == '/' {
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-_")
}

// normalizeExtraction trims and bounds the extraction text and canonicalizes
// shares_entity tags. The returned bool reports whether the text was cut.
func normalizeExtraction(ex Extraction) (Extraction, bool, error) {
	ex.Text = strings.TrimSpace(ex.Text)
	if ex.Text == "" {
		return ex, false, ErrEmptyText
	}

	truncated := false
	if utf8.RuneCountInString(ex.Text) > maxTextChars {
		ex.Text = truncateClean(ex.Text, maxTextChars)
		truncated = true
	}

	links := make([]LinkProposal, len(ex.Links))
	for i, p := range ex.Links {
		if t, err := store.ParseLinkType(p.Type); err == nil && t.Kind == store.KindSharesEntity {
			p.Type = canonicalType(t).String()
		}
		links[i] = p
	}
	ex.Links = links
	return ex, truncated, nil
}

// truncateClean truncates a string to maxLen runes, cutting at the last word
// boundary in the final 200 bytes to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}

	cut := 0
	for i := 0; i < maxLen; i++ {
		_, size := utf8.DecodeRuneInString(s[cut:])
		cut += size
	}
	truncated := s[:cut]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > cut-200 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
