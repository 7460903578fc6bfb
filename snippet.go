package nur

import (
	"strings"
	"unicode"
)

// snippetMaxLen bounds the snippet attached to a recall result.
const snippetMaxLen = 300

// extractSnippet returns the sentence of content that best overlaps the
// query words, grown to adjacent scoring sentences while the length
// budget holds. Empty when nothing overlaps.
func extractSnippet(content string, queryWords map[string]bool) string {
	if content == "" || len(queryWords) == 0 {
		return ""
	}
	sents := splitSentences(content)
	if len(sents) == 0 {
		return ""
	}

	scores := make([]int, len(sents))
	best := 0
	for i, s := range sents {
		for w := range significantWords(s) {
			if queryWords[w] {
				scores[i]++
			}
		}
		if scores[i] > scores[best] {
			best = i
		}
	}
	if scores[best] == 0 {
		return ""
	}

	// Widen the window around the best sentence, preferring whichever
	// neighbour still scores, until nothing fits or nothing scores.
	lo, hi := best, best
	length := len(sents[best])
	for {
		grew := false
		if hi+1 < len(sents) && scores[hi+1] > 0 && length+1+len(sents[hi+1]) <= snippetMaxLen {
			hi++
			length += 1 + len(sents[hi])
			grew = true
		}
		if lo > 0 && scores[lo-1] > 0 && length+1+len(sents[lo-1]) <= snippetMaxLen {
			lo--
			length += 1 + len(sents[lo])
			grew = true
		}
		if !grew {
			break
		}
	}
	return strings.Join(sents[lo:hi+1], " ")
}

// significantWords returns the lowercased words of text worth matching
// on: four letters or more and not a stop word.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 4 && !stopWords[w] {
			words[w] = true
		}
	}
	return words
}

// splitSentences cuts text at ./?/! followed by whitespace or the end.
// A period glued to the next character (v1.2, file.txt) never splits.
func splitSentences(text string) []string {
	var out []string
	start := 0
	flush := func(end int) {
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '?', '!':
			if i+1 == len(text) || isSpaceByte(text[i+1]) {
				flush(i + 1)
			}
		}
	}
	flush(len(text))
	return out
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

// stopWords are common English words excluded from overlap scoring.
var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true,
	"have": true, "been": true, "were": true, "they": true,
	"their": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "which": true, "there": true,
	"these": true, "those": true, "then": true, "than": true,
	"them": true, "what": true, "when": true, "where": true,
	"your": true, "more": true, "some": true, "such": true,
	"only": true, "also": true, "very": true, "just": true,
	"into": true, "over": true, "each": true, "does": true,
	"most": true, "after": true, "before": true, "other": true,
	"being": true, "same": true, "both": true, "between": true,
}
