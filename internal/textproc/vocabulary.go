package textproc

// Fillers are removed before anything else. Multi-word entries must come
// first so "you know" wins over a partial match.
var fillers = []string{
	"you know",
	"sort of",
	"kind of",
	"umm",
	"um",
	"uhm",
	"uh",
	"erm",
	"er",
	"hmm",
	"like",
	"basically",
	"actually",
	"literally",
}

// questionOpeners mark the first sentence of the input as a question.
var questionOpeners = wordSet(
	"who", "what", "where", "when", "why", "how", "which",
	"is", "are", "can", "could", "would", "should",
	"do", "does", "did", "will", "was", "were",
)

// interrogatives start a new sentence when they appear mid-stream.
var interrogatives = wordSet("who", "what", "where", "when", "why", "how", "which")

var connectors = wordSet(
	"then", "after", "next", "also", "however", "but", "so", "therefore", "meanwhile",
)

var conjunctions = wordSet("and", "but", "or", "because", "since", "while", "although")

// contractions repairs words recognizers emit without apostrophes. Words that
// are also valid on their own (its, well, ill, were, lets, hes, shes) are not
// listed.
var contractions = map[string]string{
	"dont":     "don't",
	"doesnt":   "doesn't",
	"didnt":    "didn't",
	"cant":     "can't",
	"couldnt":  "couldn't",
	"wouldnt":  "wouldn't",
	"shouldnt": "shouldn't",
	"wont":     "won't",
	"isnt":     "isn't",
	"arent":    "aren't",
	"wasnt":    "wasn't",
	"werent":   "weren't",
	"havent":   "haven't",
	"hasnt":    "hasn't",
	"hadnt":    "hadn't",
	"i":        "I",
	"im":       "I'm",
	"ive":      "I've",
	"youre":    "you're",
	"youve":    "you've",
	"youll":    "you'll",
	"youd":     "you'd",
	"theyre":   "they're",
	"theyve":   "they've",
	"theyll":   "they'll",
	"weve":     "we've",
	"thats":    "that's",
	"whats":    "what's",
}

var importanceKeywords = wordSet(
	"important", "key", "main", "should", "must", "need", "needs",
	"critical", "essential", "remember", "decided", "decision",
	"deadline", "goal", "priority", "action", "plan",
)

var abbreviations = wordSet(
	"mr", "mrs", "ms", "dr", "prof", "sr", "jr", "st", "vs", "etc",
	"e.g", "i.e", "inc", "ltd", "co", "approx", "dept", "fig",
)

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func inSet(set map[string]struct{}, word string) bool {
	_, ok := set[word]
	return ok
}
