package engine

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEntity(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"postgres", "postgres"},
		{"Postgres", "postgres"},
		{"postgres db", "postgres-db"},
		{"k8s.io", "k8s-io"},
		{"team/platform", "team-platform"},
		{"snake_case", "snake_case"},
		{"  spaces  ", "spaces"},
		{"---leading", "leading"},
		{"trailing---", "trailing"},
		{"café", "caf"},
		{"hello world!", "hello-world"},
		{"", ""},
		{"!!!!", ""},
		{"../../../etc/passwd", "etc-passwd"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeEntity(tt.input), "normalizeEntity(%q)", tt.input)
	}
}

func TestNormalizeExtraction(t *testing.T) {
	ex, truncated, err := normalizeExtraction(Extraction{
		Text: "  uses Postgres 16 in prod  ",
		Links: []LinkProposal{
			{TargetID: "a", Type: "shares_entity:Postgres DB"},
			{TargetID: "b", Type: "causes", Confidence: 0.9},
			{TargetID: "c", Type: "not_a_type"},
		},
	})
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "uses Postgres 16 in prod", ex.Text)
	assert.Equal(t, "shares_entity:postgres-db", ex.Links[0].Type)
	assert.Equal(t, "causes", ex.Links[1].Type)
	assert.Equal(t, "not_a_type", ex.Links[2].Type, "invalid tags are left for the caller to reject")
}

func TestNormalizeExtractionEmpty(t *testing.T) {
	_, _, err := normalizeExtraction(Extraction{Text: " \n\t "})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestNormalizeExtractionTruncates(t *testing.T) {
	long := strings.Repeat("word ", maxTextChars)
	ex, truncated, err := normalizeExtraction(Extraction{Text: long})
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.LessOrEqual(t, len(ex.Text), maxTextChars)
	assert.True(t, strings.HasSuffix(ex.Text, "word"), "cut at a word boundary")
}

func TestTruncateClean(t *testing.T) {
	assert.Equal(t, "short", truncateClean("short", 100))
	assert.Equal(t, "hello", truncateClean("hello world", 8))
	assert.Equal(t, "日本", truncateClean("日本語", 2))
}

func TestNormalizeExtractionTruncatesMultibyte(t *testing.T) {
	ex, truncated, err := normalizeExtraction(Extraction{Text: "a" + strings.Repeat("é", maxTextChars)})
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.True(t, utf8.ValidString(ex.Text))
	assert.Equal(t, maxTextChars, utf8.RuneCountInString(ex.Text))

	// Under the cap in runes even though it is over in bytes.
	short := strings.Repeat("é", maxTextChars-1)
	ex, truncated, err = normalizeExtraction(Extraction{Text: short})
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, short, ex.Text)
}
