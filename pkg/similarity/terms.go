package similarity

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"this": true, "that": true, "these": true, "those": true,
	"and": true, "or": true, "but": true, "if": true, "then": true,
	"for": true, "from": true, "with": true, "about": true, "into": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"it": true, "its": true, "which": true, "who": true, "what": true,
	"when": true, "where": true, "how": true, "why": true,
}

// IsStopWord reports whether word (any case) carries no topical meaning.
func IsStopWord(word string) bool {
	return stopWords[strings.ToLower(word)]
}

// Tokenize splits text on anything that is not a letter or digit, keeping case.
func Tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ExtractTerms returns lowercased non-stopword tokens of at least three runes
// with their occurrence counts.
func ExtractTerms(text string) map[string]int {
	terms := make(map[string]int)
	for _, word := range Tokenize(strings.ToLower(text)) {
		if utf8.RuneCountInString(word) >= 3 && !stopWords[word] {
			terms[word]++
		}
	}
	return terms
}

// DistinguishingWords returns, in order of appearance across texts, the
// distinct non-stopword tokens longer than three runes, capitalized.
func DistinguishingWords(texts ...string) []string {
	seen := make(map[string]bool)
	var words []string
	for _, text := range texts {
		for _, word := range Tokenize(text) {
			lower := strings.ToLower(word)
			if utf8.RuneCountInString(word) <= 3 || stopWords[lower] || seen[lower] {
				continue
			}
			seen[lower] = true
			words = append(words, Capitalize(lower))
		}
	}
	return words
}

// Capitalize upper-cases the first rune of s.
func Capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// TitleCase capitalizes every whitespace-separated word of s.
func TitleCase(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		fields[i] = Capitalize(strings.ToLower(f))
	}
	return strings.Join(fields, " ")
}
