package util

import (
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple title", "Stale cache entry", "stale-cache-entry"},
		{"punctuation collapses", "Race: reader vs. writer!", "race-reader-vs-writer"},
		{"leading and trailing junk", "  --Weird title--  ", "weird-title"},
		{"uppercase lowered", "NULL Pointer In Handler", "null-pointer-in-handler"},
		{"digits kept", "Off by 1 in page 42", "off-by-1-in-page-42"},
		{"empty falls back", "", "hypothesis"},
		{"only punctuation falls back", "!!!", "hypothesis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.input); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSlugifyLengthCap(t *testing.T) {
	long := strings.Repeat("verylongword ", 20)
	got := Slugify(long)
	if len(got) > maxSlugLen {
		t.Errorf("Slug length %d exceeds cap %d", len(got), maxSlugLen)
	}
	if strings.HasSuffix(got, "-") {
		t.Errorf("Truncated slug has trailing hyphen: %q", got)
	}
}

func TestHypothesisSlugUnique(t *testing.T) {
	// Identical titles must still yield distinct slugs thanks to the id prefix.
	a := HypothesisSlug("H001", "Stale cache entry")
	b := HypothesisSlug("H002", "Stale cache entry")
	if a == b {
		t.Errorf("Expected distinct slugs, both %q", a)
	}
	if a != "h001-stale-cache-entry" {
		t.Errorf("HypothesisSlug = %q", a)
	}
}
