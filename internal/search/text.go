package search

import (
	"strings"
	"unicode"
)

var synonyms = map[string][]string{
	"frío":    {"invierno", "helado", "nevado"},
	"ropa":    {"vestimenta", "prenda"},
	"montaña": {"senderismo", "trekking", "escalada"},
}

// Normalize lowercases text and splits it into words without surrounding
// punctuation.
func Normalize(text string) []string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if w = strings.TrimFunc(w, unicode.IsPunct); w != "" {
			words = append(words, w)
		}
	}
	return words
}

func ExpandWithSynonyms(words []string) []string {
	seen := make(map[string]struct{}, len(words))
	expanded := make([]string, 0, len(words))
	add := func(w string) {
		if _, ok := seen[w]; ok {
			return
		}
		seen[w] = struct{}{}
		expanded = append(expanded, w)
	}

	for _, w := range words {
		add(w)
		for _, s := range synonyms[w] {
			add(s)
		}
	}
	return expanded
}

// KeywordScore adds one point per (term, field) pair where any value of the
// field contains the term.
func KeywordScore(terms []string, fields ...[]string) int {
	score := 0
	for _, term := range terms {
		for _, field := range fields {
			for _, value := range field {
				if strings.Contains(strings.ToLower(value), term) {
					score++
					break
				}
			}
		}
	}
	return score
}
