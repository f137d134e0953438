package textproc

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

type Mode int

const (
	ModeAdvanced Mode = iota
	ModeBasic
)

// ParseMode maps "basic" to ModeBasic; anything else is ModeAdvanced.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), "basic") {
		return ModeBasic
	}
	return ModeAdvanced
}

func (m Mode) String() string {
	if m == ModeBasic {
		return "basic"
	}
	return "advanced"
}

// ScoredSentence is a candidate sentence and its position in the input.
type ScoredSentence struct {
	Text  string
	Score float64
	Index int
}

const (
	lengthBonus   = 1.0
	shortPenalty  = 0.5
	firstBonus    = 1.5
	lastBonus     = 0.5
	keywordBonus  = 0.5
	entityBonus   = 0.3
	questionMalus = 0.5
)

// Summarizer picks the highest scoring sentences of a text and returns them
// in their original order.
type Summarizer struct {
	minK, maxK, basicK int
	minWords, maxWords int
	shortWords         int
}

func NewSummarizer(cfg config.TextConfig) *Summarizer {
	def := config.Default().Text
	s := &Summarizer{
		minK:       positive(cfg.SummaryMinK, def.SummaryMinK),
		maxK:       positive(cfg.SummaryMaxK, def.SummaryMaxK),
		basicK:     positive(cfg.SummaryBasicK, def.SummaryBasicK),
		minWords:   positive(cfg.SummaryMinWords, def.SummaryMinWords),
		maxWords:   positive(cfg.SummaryMaxWords, def.SummaryMaxWords),
		shortWords: positive(cfg.SummaryShortWords, def.SummaryShortWords),
	}
	if s.maxK < s.minK {
		s.maxK = s.minK
	}
	return s
}

func (s *Summarizer) Summarize(text string, mode Mode) string {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return text
	}
	k := s.budget(len(sentences), mode)
	if len(sentences) <= k {
		return strings.Join(sentences, " ")
	}

	scored := s.Score(sentences)
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Index < scored[j].Index
	})
	picked := scored[:k]
	sort.Slice(picked, func(i, j int) bool { return picked[i].Index < picked[j].Index })

	out := make([]string, len(picked))
	for i, p := range picked {
		out[i] = p.Text
	}
	return strings.Join(out, " ")
}

func (s *Summarizer) budget(n int, mode Mode) int {
	if mode == ModeBasic {
		return s.basicK
	}
	k := n / 3
	if k < s.minK {
		k = s.minK
	}
	if k > s.maxK {
		k = s.maxK
	}
	return k
}

// Score rates every sentence; the result is in input order.
func (s *Summarizer) Score(sentences []string) []ScoredSentence {
	out := make([]ScoredSentence, len(sentences))
	for i, text := range sentences {
		words := strings.Fields(text)
		score := 0.0
		switch {
		case len(words) >= s.minWords && len(words) <= s.maxWords:
			score += lengthBonus
		case len(words) < s.shortWords:
			score -= shortPenalty
		}
		if i == 0 {
			score += firstBonus
		}
		if i == len(sentences)-1 && i > 0 {
			score += lastBonus
		}
		for j, w := range words {
			if inSet(importanceKeywords, bare(w)) {
				score += keywordBonus
			}
			if j > 0 && looksLikeEntity(w) {
				score += entityBonus
			}
		}
		if strings.Contains(text, "?") {
			score -= questionMalus
		}
		out[i] = ScoredSentence{Text: text, Score: score, Index: i}
	}
	return out
}

// looksLikeEntity treats capitalized words inside a sentence as names.
func looksLikeEntity(w string) bool {
	w = strings.TrimLeft(w, "\"'(")
	r, _ := utf8.DecodeRuneInString(w)
	if !unicode.IsUpper(r) {
		return false
	}
	return w != "I" && !strings.HasPrefix(w, "I'")
}

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
