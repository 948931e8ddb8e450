package insight

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// DefaultKeywordCount is the number of keywords kept per reflection
const DefaultKeywordCount = 5

// minKeywordLength excludes short function words ("the", "and", "was")
const minKeywordLength = 4

// ExtractKeywords returns up to k of the most frequent words in text.
//
// Words are lower-cased and split on whitespace; punctuation is kept as part of
// the word. Words shorter than four characters are ignored. Ties are broken by
// first occurrence in the text, so the result is deterministic.
func ExtractKeywords(text string, k int) []string {
	if k <= 0 {
		return []string{}
	}

	counts := make(map[string]int)
	order := make([]string, 0)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		if utf8.RuneCountInString(tok) < minKeywordLength {
			continue
		}
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}

	slices.SortStableFunc(order, func(a, b string) int {
		return counts[b] - counts[a]
	})

	if len(order) > k {
		order = order[:k]
	}
	return order
}
