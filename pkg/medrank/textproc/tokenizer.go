package textproc

import (
	"strings"
	"unicode"
)

// Small English stopword set. BM25 field weighting does most of the heavy
// lifting; this only strips glue words from queries and profile text.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "have": {}, "has": {},
	"been": {}, "was": {}, "are": {}, "not": {}, "but": {}, "had": {},
	"you": {}, "your": {}, "our": {}, "his": {}, "her": {}, "she": {},
	"him": {}, "they": {}, "them": {}, "this": {}, "that": {}, "need": {},
	"who": {}, "can": {}, "will": {}, "from": {}, "into": {}, "about": {},
	"also": {}, "such": {}, "which": {}, "when": {}, "where": {}, "some": {},
	"been.": {}, "i've": {}, "having": {}, "looking": {},
}

// Tokenize lowercases, replaces non-word runes with spaces, splits on
// whitespace and drops stopwords and tokens shorter than three characters.
// This is the BM25 tokenization.
func Tokenize(text string) []string {
	return tokenize(text, 3)
}

// TokenizeShort keeps tokens of length two and up. Used by intent-term and
// taxonomy matching where two-letter medical abbreviations matter.
func TokenizeShort(text string) []string {
	return tokenize(text, 2)
}

func tokenize(text string, minLen int) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		word := current.String()
		current.Reset()
		if len(word) < minLen {
			return
		}
		if _, stop := stopwords[word]; stop {
			return
		}
		tokens = append(tokens, word)
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// IsStopword reports whether a lowercased token is in the stopword set.
func IsStopword(word string) bool {
	_, ok := stopwords[strings.ToLower(word)]
	return ok
}
