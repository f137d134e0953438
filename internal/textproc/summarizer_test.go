package textproc

import (
	"reflect"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newTestSummarizer() *Summarizer {
	return NewSummarizer(config.Default().Text)
}

func TestSummarizeSingleSentenceUnchanged(t *testing.T) {
	in := "Just one sentence here."
	for _, mode := range []Mode{ModeAdvanced, ModeBasic} {
		if got := newTestSummarizer().Summarize(in, mode); got != in {
			t.Fatalf("%s: got %q want %q", mode, got, in)
		}
	}
}

func TestSummarizeWithoutSentencesReturnsInput(t *testing.T) {
	if got := newTestSummarizer().Summarize("   ", ModeAdvanced); got != "   " {
		t.Fatalf("expected input unchanged, got %q", got)
	}
}

func TestSummarizeRestoresDocumentOrder(t *testing.T) {
	first := "The main goal is that we must ship the critical fix today."
	last := "We also need to remember the deadline on Friday."
	sentences := []string{
		first,
		"Coffee was fine.",
		"Lunch was at noon.",
		"Weather stayed cloudy all day long.",
		last,
	}
	s := newTestSummarizer()

	scores := s.Score(sentences)
	if !(scores[0].Score > scores[4].Score) {
		t.Fatalf("test premise: first sentence must outscore the last, got %+v", scores)
	}
	for _, mid := range scores[1:4] {
		if mid.Score >= scores[4].Score {
			t.Fatalf("test premise: last sentence must be second best, got %+v", scores)
		}
	}

	got := s.Summarize(strings.Join(sentences, " "), ModeAdvanced)
	if want := first + " " + last; got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}

func TestSummarizeBudgets(t *testing.T) {
	s := newTestSummarizer()
	var many []string
	for i := 0; i < 18; i++ {
		many = append(many, "This is a plain sentence with enough words in it.")
	}
	text := strings.Join(many, " ")

	if got := len(SplitSentences(s.Summarize(text, ModeAdvanced))); got != 5 {
		t.Fatalf("advanced mode: expected 5 sentences, got %d", got)
	}
	if got := len(SplitSentences(s.Summarize(text, ModeBasic))); got != 3 {
		t.Fatalf("basic mode: expected 3 sentences, got %d", got)
	}

	six := strings.Join(many[:6], " ")
	if got := len(SplitSentences(s.Summarize(six, ModeAdvanced))); got != 2 {
		t.Fatalf("advanced mode on six sentences: expected 2, got %d", got)
	}
}

func TestSummarizeTiesPreferEarlierSentences(t *testing.T) {
	in := "Alpha starts the day well. Then beta follows along nicely. Gamma comes third here today. Delta wraps things up now. Epsilon is the final word here."
	got := newTestSummarizer().Summarize(in, ModeBasic)
	want := "Alpha starts the day well. Then beta follows along nicely. Epsilon is the final word here."
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("Dr. Smith paid 3.50 dollars. Then he left!  Did J. Doe stay? I did.")
	want := []string{"Dr. Smith paid 3.50 dollars.", "Then he left!", "Did J. Doe stay?", "I did."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode("Basic") != ModeBasic || ParseMode("advanced") != ModeAdvanced || ParseMode("") != ModeAdvanced {
		t.Fatal("unexpected mode parsing")
	}
}
