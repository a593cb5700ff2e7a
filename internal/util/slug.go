package util

import (
	"strings"
	"unicode"
)

const maxSlugLen = 48

// Slugify converts a hypothesis title into a kebab-case identifier usable in
// worktree and branch names. Runs of non-alphanumeric characters collapse to
// a single hyphen; the result is lowercased and length-capped.
func Slugify(title string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen

	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "hypothesis"
	}
	return slug
}

// HypothesisSlug builds the canonical slug for a hypothesis by prefixing the
// lowercased id. Titles are not guaranteed collision-free, ids are, so the
// combined slug is unique within a run.
func HypothesisSlug(id, title string) string {
	return strings.ToLower(id) + "-" + Slugify(title)
}
