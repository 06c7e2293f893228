package recommend

import (
	"strings"
	"unicode"
)

// tokenize splits text into lowercase alphanumeric tokens longer than two
// characters, dropping stop words. Order is kept and duplicates removed.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	result := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) <= 2 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		result = append(result, w)
	}
	return result
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "has": true,
	"was": true, "one": true, "our": true, "out": true, "with": true,
	"that": true, "this": true, "from": true, "have": true, "been": true,
	"will": true, "they": true, "when": true, "what": true, "your": true,
	"which": true, "their": true, "about": true, "would": true,
	"there": true, "should": true, "each": true, "make": true, "like": true,
	"want": true, "need": true, "help": true, "more": true, "get": true,
	"business": true, "company": true,
}
