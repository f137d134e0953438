// Package textproc turns raw recognizer output into readable prose and
// condenses it into extractive summaries. Everything here is pure and
// deterministic.
package textproc

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Options are the tuning values of the punctuation heuristics.
type Options struct {
	Locale           string
	TerminalEvery    int
	CommaMinWords    int
	CommaMaxWords    int
	MinSentenceWords int
}

func OptionsFromConfig(cfg config.TextConfig) Options {
	return Options{
		Locale:           cfg.Locale,
		TerminalEvery:    cfg.TerminalEvery,
		CommaMinWords:    cfg.CommaMinWords,
		CommaMaxWords:    cfg.CommaMaxWords,
		MinSentenceWords: cfg.MinSentenceWords,
	}
}

// Normalizer cleans unpunctuated transcripts: filler removal, duplicate
// collapse, punctuation, capitalization and contraction repair.
type Normalizer struct {
	opts Options
	tag  language.Tag
}

var (
	fillerPattern      = buildFillerPattern()
	wordPattern        = regexp.MustCompile(`\b[A-Za-z]+\b`)
	spaceBeforeComma   = regexp.MustCompile(`\s+,`)
	repeatedCommas     = regexp.MustCompile(`,(\s*,)+`)
	leadingPunctuation = regexp.MustCompile(`^[\s,;:]+`)
)

func buildFillerPattern() *regexp.Regexp {
	quoted := make([]string, len(fillers))
	for i, f := range fillers {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(f), " ", `\s+`)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b,?`)
}

func NewNormalizer(opts Options) *Normalizer {
	def := OptionsFromConfig(config.Default().Text)
	if opts.TerminalEvery <= 0 {
		opts.TerminalEvery = def.TerminalEvery
	}
	if opts.CommaMinWords <= 0 {
		opts.CommaMinWords = def.CommaMinWords
	}
	if opts.CommaMaxWords < opts.CommaMinWords {
		opts.CommaMaxWords = def.CommaMaxWords
	}
	if opts.MinSentenceWords <= 0 {
		opts.MinSentenceWords = def.MinSentenceWords
	}
	tag, err := language.Parse(opts.Locale)
	if err != nil {
		tag = language.English
	}
	return &Normalizer{opts: opts, tag: tag}
}

// Normalize returns the cleaned text. Empty input is returned unchanged;
// input made only of fillers yields "".
func (n *Normalizer) Normalize(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	words := removeFillers(text)
	words = collapseDuplicates(words)
	if len(words) == 0 {
		return ""
	}
	words = n.punctuate(words)
	out := n.capitalize(strings.Join(words, " "))
	out = repairContractions(out)
	return ensureTerminal(out)
}

func removeFillers(text string) []string {
	for {
		next := fillerPattern.ReplaceAllString(text, " ")
		next = spaceBeforeComma.ReplaceAllString(next, ",")
		next = repeatedCommas.ReplaceAllString(next, ",")
		next = leadingPunctuation.ReplaceAllString(next, "")
		if next == text {
			break
		}
		text = next
	}
	fields := strings.Fields(text)
	out := fields[:0]
	for _, f := range fields {
		if strings.Trim(f, ",;:") == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}

func collapseDuplicates(words []string) []string {
	out := make([]string, 0, len(words))
	prev := ""
	for _, w := range words {
		key := bare(w)
		if key != "" && key == prev {
			continue
		}
		out = append(out, w)
		prev = key
	}
	return out
}

func (n *Normalizer) punctuate(words []string) []string {
	long := len(words) >= n.opts.TerminalEvery
	question := inSet(questionOpeners, bare(words[0]))
	counter := 0
	out := make([]string, len(words))
	for i, w := range words {
		counter++
		if endsSentence(w) {
			out[i] = w
			counter = 0
			question = false
			continue
		}
		last := i == len(words)-1
		next := ""
		if !last {
			next = bare(words[i+1])
		}

		terminal := last || counter >= n.opts.TerminalEvery
		if !terminal && long && counter >= n.opts.MinSentenceWords {
			terminal = inSet(connectors, next) || inSet(interrogatives, next)
		}
		switch {
		case terminal:
			mark := "."
			if question {
				mark = "?"
			}
			w = strings.TrimRight(w, ",;:") + mark
			counter = 0
			question = inSet(interrogatives, next)
		case counter >= n.opts.CommaMinWords && counter <= n.opts.CommaMaxWords &&
			inSet(conjunctions, next) && !endsWithPunct(w):
			w += ","
		}
		out[i] = w
	}
	return out
}

func (n *Normalizer) capitalize(text string) string {
	caser := cases.Upper(n.tag)
	var b strings.Builder
	b.Grow(len(text))
	upperNext := true
	for _, r := range text {
		switch {
		case upperNext && unicode.IsLetter(r):
			b.WriteString(caser.String(string(r)))
			upperNext = false
		case r == '.' || r == '!' || r == '?':
			b.WriteRune(r)
			upperNext = true
		default:
			if upperNext && !unicode.IsSpace(r) && !unicode.IsPunct(r) {
				upperNext = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func repairContractions(text string) string {
	return wordPattern.ReplaceAllStringFunc(text, func(w string) string {
		repl, ok := contractions[strings.ToLower(w)]
		if !ok {
			return w
		}
		first, _ := utf8.DecodeRuneInString(w)
		if unicode.IsUpper(first) {
			r, size := utf8.DecodeRuneInString(repl)
			return string(unicode.ToUpper(r)) + repl[size:]
		}
		return repl
	})
}

func ensureTerminal(text string) string {
	text = strings.TrimRight(strings.TrimSpace(text), ",;:")
	if text == "" || endsSentence(text) {
		return text
	}
	return text + "."
}

func endsSentence(w string) bool {
	return strings.HasSuffix(w, ".") || strings.HasSuffix(w, "!") || strings.HasSuffix(w, "?")
}

func endsWithPunct(w string) bool {
	r, _ := utf8.DecodeLastRuneInString(w)
	return unicode.IsPunct(r)
}

// bare lower-cases w and strips surrounding punctuation.
func bare(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
}
