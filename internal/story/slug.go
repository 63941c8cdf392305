package story

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxSlugBase bounds the headline part of a slug.
const MaxSlugBase = 80

// Slugify folds s to lowercase ASCII words joined by hyphens. Characters
// without an ASCII base form are dropped.
func Slugify(s string) string {
	s = removeAccents(s)

	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// Slug builds a story slug from a headline and the source URL. The URL hash
// suffix keeps slugs of identical headlines from different sources apart.
func Slug(headline, sourceURL string) string {
	base := truncateSlug(Slugify(headline), MaxSlugBase)
	suffix := urlHash(sourceURL)
	if base == "" {
		return "story-" + suffix
	}
	return base + "-" + suffix
}

func truncateSlug(slug string, limit int) string {
	if len(slug) <= limit {
		return slug
	}
	cut := slug[:limit]
	if slug[limit] == '-' {
		return cut
	}
	if idx := strings.LastIndexByte(cut, '-'); idx > 0 {
		return cut[:idx]
	}
	return cut
}

func urlHash(u string) string {
	sum := sha256.Sum256([]byte(u))
	return hex.EncodeToString(sum[:4])
}

func removeAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}
