package cases

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// whitespaceRegex matches one or more whitespace characters
var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeID canonicalizes a case identifier so re-uploads with cosmetic
// differences map to the same case:
// 1. Trim and collapse whitespace
// 2. Lowercase
// 3. Strip leading zeros from all-digit identifiers ("00123" -> "123")
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.ToLower(id)
	id = whitespaceRegex.ReplaceAllString(id, " ")

	if id != "" && allDigits(id) {
		id = strings.TrimLeft(id, "0")
		if id == "" {
			id = "0"
		}
	}
	return id
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CountChars returns the character count as runes (not bytes).
func CountChars(text string) int {
	return utf8.RuneCountInString(text)
}

// EstimateTokens estimates token count using a word-based heuristic.
func EstimateTokens(text string) int {
	words := strings.Fields(strings.TrimSpace(text))
	return int(math.Ceil(float64(len(words)) * 1.3))
}
