package extract

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MinRepeatLength is the shortest line that is dropped when it repeats.
// Shorter lines (numbers, single words) may legitimately occur more than once.
const MinRepeatLength = 30

var (
	horizontalSpace = regexp.MustCompile(`[\t\f\v \x{00A0}\x{2000}-\x{200A}\x{202F}\x{205F}\x{3000}]+`)
	blankRuns       = regexp.MustCompile(`\n{3,}`)
)

// NormalizeText unifies newlines, collapses horizontal whitespace, trims
// every line, drops repeated long lines and collapses runs of blank lines
// into a single blank line.
func NormalizeText(content string) string {
	if content == "" {
		return ""
	}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	lines := strings.Split(content, "\n")
	seen := make(map[string]struct{}, len(lines))
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = cleanLine(line)
		if line == "" {
			// Blank lines mark paragraph breaks; runs are collapsed below.
			cleaned = append(cleaned, "")
			continue
		}
		if utf8.RuneCountInString(line) >= MinRepeatLength {
			if _, dup := seen[line]; dup {
				continue
			}
			seen[line] = struct{}{}
		}
		cleaned = append(cleaned, line)
	}

	result := strings.Join(cleaned, "\n")
	result = blankRuns.ReplaceAllString(result, "\n\n")
	return strings.TrimSpace(result)
}

func cleanLine(line string) string {
	line = horizontalSpace.ReplaceAllString(line, " ")
	return strings.TrimSpace(line)
}

// NormalizeInline trims s and collapses every whitespace run to one space.
func NormalizeInline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateAtWord returns s cut to at most limit characters, ending at the last
// whitespace at or before the limit. A single word longer than limit is cut
// at the limit.
func TruncateAtWord(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}

	// A boundary exactly at the limit keeps the full prefix.
	if unicode.IsSpace(runes[limit]) {
		return strings.TrimRightFunc(string(runes[:limit]), unicode.IsSpace)
	}
	for i := limit - 1; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return strings.TrimRightFunc(string(runes[:i]), unicode.IsSpace)
		}
	}
	return string(runes[:limit])
}

// truncateRunes cuts s to at most limit characters.
func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
