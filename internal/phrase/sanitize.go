// Package phrase turns raw continuous-recognition output into short candidate
// phrases and scores candidate pairs for near-duplicate detection.
//
// Continuous speech recognition emits growing, overlapping strings: the same
// utterance arrives several times with slight variations, greetings and
// filler words prepended, and — after long stretches of speech — multiple
// utterances concatenated into one transcript. [Sanitizer.Sanitize] collapses
// that into a single short unit comparable to a stored question, and
// [Similarity] provides the cheap order-independent near-duplicate score the
// debounce gate uses to suppress re-processing.
package phrase

import "strings"

const (
	// minPhraseLen is the shortest raw input worth considering.
	minPhraseLen = 3

	// concatThreshold is the trimmed length above which input is treated as
	// several concatenated utterances rather than one clean phrase.
	concatThreshold = 100

	// maxExtractWords bounds the candidate extracted from a concatenated
	// transcript.
	maxExtractWords = 8

	// fallbackPrefixLen is used when a concatenated transcript contains no
	// question-starting token.
	fallbackPrefixLen = 50
)

// defaultDenyList contains literal fragments of synthesized answers that the
// microphone tends to pick back up. Any raw input containing one of these is
// discarded outright.
var defaultDenyList = []string{
	"your keys are safe",
	"i put them in the bowl",
	"dinner will be ready",
	"you are home",
	"this is your safe place",
}

// defaultGreetingTokens are leading name/greeting/filler tokens stripped from
// short utterances before matching.
var defaultGreetingTokens = []string{
	"mom", "dad", "honey", "dear", "hey", "hi", "oh",
	"um", "uh", "okay", "so", "well",
}

// defaultQuestionStarts are the tokens that mark the beginning of a question
// inside a concatenated transcript.
var defaultQuestionStarts = []string{
	"where", "what", "how", "when", "why", "can", "could", "i",
}

// SanitizerOption is a functional option for configuring a [Sanitizer].
type SanitizerOption func(*Sanitizer)

// WithDenyList replaces the default echo deny-list. Entries are matched as
// lower-cased literal substrings of the raw input.
func WithDenyList(entries []string) SanitizerOption {
	return func(s *Sanitizer) {
		s.denyList = lowerAll(entries)
	}
}

// WithGreetingTokens replaces the default set of leading tokens stripped from
// short utterances.
func WithGreetingTokens(tokens []string) SanitizerOption {
	return func(s *Sanitizer) {
		s.greetings = toSet(tokens)
	}
}

// WithQuestionStarts replaces the default set of question-starting tokens
// used to locate a question inside a concatenated transcript.
func WithQuestionStarts(tokens []string) SanitizerOption {
	return func(s *Sanitizer) {
		s.questionStarts = toSet(tokens)
	}
}

// Sanitizer converts raw transcripts into candidate phrases. It is read-only
// after construction and safe for concurrent use.
type Sanitizer struct {
	denyList       []string
	greetings      map[string]struct{}
	questionStarts map[string]struct{}
}

// NewSanitizer returns a [Sanitizer] configured with the supplied options.
func NewSanitizer(opts ...SanitizerOption) *Sanitizer {
	s := &Sanitizer{
		denyList:       lowerAll(defaultDenyList),
		greetings:      toSet(defaultGreetingTokens),
		questionStarts: toSet(defaultQuestionStarts),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sanitize turns raw recognition output into one short, lower-cased candidate
// phrase. It reports ok=false when the input is too short to be a question or
// contains a deny-listed echo of a synthesized answer.
//
// Inputs up to 100 characters are treated as a single utterance: leading
// greeting tokens are stripped and whitespace collapsed. Longer inputs are
// assumed to be several concatenated utterances; the candidate is the first
// question-shaped window found inside them.
func (s *Sanitizer) Sanitize(raw string) (candidate string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < minPhraseLen {
		return "", false
	}

	lower := strings.ToLower(trimmed)
	for _, echo := range s.denyList {
		if strings.Contains(lower, echo) {
			return "", false
		}
	}

	if len(trimmed) <= concatThreshold {
		return s.sanitizeShort(lower), true
	}
	return s.sanitizeConcatenated(lower), true
}

// sanitizeShort strips leading greeting tokens and collapses whitespace.
// If stripping leaves less than a usable phrase, the lightly-normalised
// original is returned instead.
func (s *Sanitizer) sanitizeShort(lower string) string {
	words := strings.Fields(lower)

	i := 0
	for i < len(words) {
		if _, isGreeting := s.greetings[strings.Trim(words[i], ",.!?")]; !isGreeting {
			break
		}
		i++
	}

	stripped := strings.Join(words[i:], " ")
	if len(stripped) < minPhraseLen {
		return strings.Join(words, " ")
	}
	return stripped
}

// sanitizeConcatenated scans word-by-word for the first question-starting
// token and takes up to maxExtractWords from that position. With no such
// token it falls back to the first fallbackPrefixLen characters.
func (s *Sanitizer) sanitizeConcatenated(lower string) string {
	words := strings.Fields(lower)
	for i, w := range words {
		if _, isStart := s.questionStarts[strings.Trim(w, ",.!?")]; !isStart {
			continue
		}
		end := i + maxExtractWords
		if end > len(words) {
			end = len(words)
		}
		return strings.Join(words[i:end], " ")
	}

	if len(lower) > fallbackPrefixLen {
		return strings.TrimSpace(lower[:fallbackPrefixLen])
	}
	return lower
}

// lowerAll returns a copy of entries with every element lower-cased.
func lowerAll(entries []string) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = strings.ToLower(e)
	}
	return out
}

// toSet builds a lookup set from the lower-cased tokens.
func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[strings.ToLower(t)] = struct{}{}
	}
	return set
}
