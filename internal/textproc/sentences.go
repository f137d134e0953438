package textproc

import (
	"strings"
	"unicode"
)

// SplitSentences segments text on '.', '!' and '?', keeping the terminal
// punctuation. Decimal points, common abbreviations and single-letter
// initials do not end a sentence.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		end := i
		for end+1 < len(runes) && isTerminal(runes[end+1]) {
			end++
		}
		for end+1 < len(runes) && isClosingQuote(runes[end+1]) {
			end++
		}
		if end+1 < len(runes) && !unicode.IsSpace(runes[end+1]) {
			i = end
			continue
		}
		if r == '.' && end == i && !endsSentenceAt(runes, start, i) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : end+1])); s != "" {
			out = append(out, s)
		}
		start = end + 1
		i = end
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// endsSentenceAt decides whether the period at runes[dot] closes a sentence.
func endsSentenceAt(runes []rune, start, dot int) bool {
	wordStart := dot
	for wordStart > start && !unicode.IsSpace(runes[wordStart-1]) {
		wordStart--
	}
	word := string(runes[wordStart:dot])
	if word == "" {
		return true
	}
	lower := strings.ToLower(strings.TrimLeft(word, "(\"'"))
	if inSet(abbreviations, lower) {
		return false
	}
	// single-letter initials such as "J. Smith", but not the pronoun
	letters := []rune(word)
	if len(letters) == 1 && unicode.IsUpper(letters[0]) && letters[0] != 'I' {
		return false
	}
	return true
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isClosingQuote(r rune) bool {
	return r == '"' || r == '\'' || r == ')' || r == '”' || r == '’'
}
