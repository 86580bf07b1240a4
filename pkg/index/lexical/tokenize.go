package lexical

import (
	"strings"
	"unicode"
)

// stopwords excluded from keyword matching.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "shall": true, "can": true, "this": true,
	"that": true, "these": true, "those": true, "it": true, "its": true,
	"not": true, "no": true, "what": true, "how": true, "why": true,
	"when": true, "where": true, "which": true, "who": true, "whom": true,
	"there": true, "here": true, "about": true, "between": true,
	"through": true, "during": true, "into": true, "over": true,
	"after": true, "before": true, "up": true, "down": true, "out": true,
	"if": true, "then": true, "so": true, "than": true, "too": true,
	"very": true, "just": true, "also": true, "more": true, "most": true,
	"some": true, "any": true, "each": true, "every": true, "such": true,
	"much": true, "many": true, "own": true, "other": true, "all": true,
	"both": true, "only": true,
}

// Tokenize splits text into lowercase keyword terms, dropping stopwords
// and single characters. Hyphenated and underscored compounds stay whole,
// so "zk-snark" is one term.
func Tokenize(text string) []string {
	var terms []string
	var b strings.Builder
	flush := func() {
		term := strings.Trim(b.String(), "-_")
		b.Reset()
		if len(term) > 1 && !stopwords[term] {
			terms = append(terms, term)
		}
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return terms
}

// Bigrams returns the adjacent term pairs of the text after tokenization.
func Bigrams(text string) []string {
	terms := Tokenize(text)
	if len(terms) < 2 {
		return nil
	}
	out := make([]string, 0, len(terms)-1)
	for i := 0; i < len(terms)-1; i++ {
		out = append(out, terms[i]+" "+terms[i+1])
	}
	return out
}
