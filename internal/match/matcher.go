// Package match scores sanitized candidate phrases against the stored
// questions and selects at most one to trigger.
//
// Matching is keyword-based, not semantic: candidate tokens are compared to
// question tokens by bidirectional substring containment plus a small
// domain-specific synonym table, with two extra heuristics tuned for the most
// common repeated question ("where are my keys"):
//
//  1. Core structure: if at least two of a fixed core-word set appear inside
//     candidate tokens, weak keyword coverage is still accepted.
//  2. Short key phrase: a three-token-or-less candidate combining a
//     keys-related token with a possessive/location token is accepted even
//     when only one keyword matches.
//
// Questions are tried in list order and the first qualifying one wins; there
// is no ranking across simultaneously eligible questions. A per-question
// cooldown rejects anything that fired within the last eight seconds.
//
// An optional phonetic assist (Double Metaphone + Jaro-Winkler via matchr)
// can recover candidate tokens the recognizer misheard; it is off by default
// and never loosens the acceptance rule itself.
package match

import (
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/calm-recall/calmrecall/internal/phrase"
	"github.com/calm-recall/calmrecall/pkg/types"
)

const (
	// defaultCooldown is how long a question stays ineligible after firing.
	defaultCooldown = 8 * time.Second

	// maxCandidateTokens rejects runaway concatenations that slipped past
	// the sanitizer.
	maxCandidateTokens = 15

	// minCoverageRatio is the matching-token share of question tokens
	// required when neither heuristic applies.
	minCoverageRatio = 0.3

	// minCoreHits is how many core words must appear for the candidate to
	// count as having core question structure.
	minCoreHits = 2

	// shortPhraseMaxTokens bounds the short-key-phrase heuristic.
	shortPhraseMaxTokens = 3

	// phoneticThreshold is the Jaro-Winkler floor for the optional phonetic
	// assist.
	phoneticThreshold = 0.85
)

// defaultSynonyms maps a question token to extra candidate tokens that count
// as matching it. The "keys" entry reflects how people actually ask about
// lost keys — naming the thing the key belongs to.
var defaultSynonyms = map[string][]string{
	"keys": {"key", "car", "house", "door"},
}

// defaultCoreWords is the core question structure checked as substrings of
// candidate tokens.
var defaultCoreWords = []string{"where", "are", "my", "keys"}

// keyTokens are the keys-related tokens recognised by the short-phrase
// heuristic.
var keyTokens = []string{"key", "keys"}

// possessiveTokens are the possessive/location tokens recognised by the
// short-phrase heuristic. "my" survives tokenization here because the
// heuristic inspects raw fields, not length-filtered tokens.
var possessiveTokens = []string{"my", "car"}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithCooldown overrides the per-question cooldown window. Default: 8s.
func WithCooldown(d time.Duration) Option {
	return func(m *Matcher) {
		m.cooldown = d
	}
}

// WithSynonyms replaces the question-token synonym table. The default
// preserves the "keys" → key/car/house/door behaviour.
func WithSynonyms(table map[string][]string) Option {
	return func(m *Matcher) {
		m.synonyms = table
	}
}

// WithCoreWords replaces the core-word set used for the core-structure
// heuristic. Default: where/are/my/keys.
func WithCoreWords(words []string) Option {
	return func(m *Matcher) {
		m.coreWords = words
	}
}

// WithPhoneticAssist enables a second-chance phonetic comparison for
// candidate tokens that fail the substring checks. Misheard tokens that
// sound like a question token (Double Metaphone overlap, Jaro-Winkler ≥
// 0.85) then count as matching.
func WithPhoneticAssist() Option {
	return func(m *Matcher) {
		m.phonetic = true
	}
}

// Matcher selects the stored question a candidate phrase triggers, if any.
// It is read-only after construction and safe for concurrent use.
type Matcher struct {
	cooldown  time.Duration
	synonyms  map[string][]string
	coreWords []string
	phonetic  bool
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		cooldown:  defaultCooldown,
		synonyms:  defaultSynonyms,
		coreWords: defaultCoreWords,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Cooldown returns the per-question cooldown window.
func (m *Matcher) Cooldown() time.Duration { return m.cooldown }

// Match scores candidate against questions in list order and returns the
// first qualifying question, or nil when none qualifies. candidate must be
// sanitizer output (lower-cased, whitespace-collapsed).
//
// Match is pure selection: trigger bookkeeping and playback are the
// pipeline's responsibility.
func (m *Matcher) Match(candidate string, now time.Time, questions []*types.StoredQuestion) *types.StoredQuestion {
	candTokens := phrase.Tokens(candidate)
	candFields := strings.Fields(candidate)

	if len(candTokens) > maxCandidateTokens {
		return nil
	}

	for _, q := range questions {
		if m.onCooldown(q, now) {
			continue
		}
		if m.qualifies(candTokens, candFields, q) {
			return q
		}
	}
	return nil
}

// onCooldown reports whether q fired too recently to be eligible.
func (m *Matcher) onCooldown(q *types.StoredQuestion, now time.Time) bool {
	return q.LastTriggeredAt != nil && now.Sub(*q.LastTriggeredAt) < m.cooldown
}

// qualifies applies the acceptance rule for one question.
func (m *Matcher) qualifies(candTokens, candFields []string, q *types.StoredQuestion) bool {
	questionTokens := phrase.Tokens(strings.ToLower(q.QuestionText))
	if len(questionTokens) == 0 {
		return false
	}

	matching := m.matchingTokens(candTokens, questionTokens)
	shortKey := m.isShortKeyPhrase(candFields)
	hasCore := m.hasCoreStructure(candTokens)

	if len(matching) < 2 && !shortKey {
		return false
	}

	coverage := float64(len(matching)) / float64(len(questionTokens))
	return coverage >= minCoverageRatio || hasCore || shortKey
}

// matchingTokens returns the candidate tokens that match some question token
// by substring containment, the synonym table, or (when enabled) phonetic
// similarity.
func (m *Matcher) matchingTokens(candTokens, questionTokens []string) []string {
	var matched []string
	for _, ct := range candTokens {
		if m.tokenMatches(ct, questionTokens) {
			matched = append(matched, ct)
		}
	}
	return matched
}

// tokenMatches reports whether one candidate token matches any question token.
func (m *Matcher) tokenMatches(ct string, questionTokens []string) bool {
	for _, qt := range questionTokens {
		if strings.Contains(qt, ct) || strings.Contains(ct, qt) {
			return true
		}
		for _, syn := range m.synonyms[strings.Trim(qt, "?.,!")] {
			if ct == syn {
				return true
			}
		}
	}
	if m.phonetic {
		return m.phoneticMatches(ct, questionTokens)
	}
	return false
}

// phoneticMatches is the second-chance comparison for misheard tokens:
// Double Metaphone codes must overlap and the Jaro-Winkler score must clear
// phoneticThreshold. Grounded on the same two-stage scheme used for entity
// correction in the transcript pipeline this matcher grew out of.
func (m *Matcher) phoneticMatches(ct string, questionTokens []string) bool {
	cp, cs := matchr.DoubleMetaphone(ct)
	for _, qt := range questionTokens {
		qt = strings.Trim(qt, "?.,!")
		qp, qs := matchr.DoubleMetaphone(qt)
		if !codesOverlap(cp, cs, qp, qs) {
			continue
		}
		if matchr.JaroWinkler(ct, qt, false) >= phoneticThreshold {
			return true
		}
	}
	return false
}

// codesOverlap reports whether any non-empty metaphone code is shared.
func codesOverlap(ap, as, bp, bs string) bool {
	for _, a := range []string{ap, as} {
		if a == "" {
			continue
		}
		if a == bp || (bs != "" && a == bs) {
			return true
		}
	}
	return false
}

// hasCoreStructure counts how many core words appear as substrings of any
// candidate token.
func (m *Matcher) hasCoreStructure(candTokens []string) bool {
	hits := 0
	for _, core := range m.coreWords {
		for _, ct := range candTokens {
			if strings.Contains(ct, core) {
				hits++
				break
			}
		}
	}
	return hits >= minCoreHits
}

// isShortKeyPhrase recognises terse asks like "my keys?" or "car keys": at
// most three words, one keys-related, one possessive/location.
func (m *Matcher) isShortKeyPhrase(candFields []string) bool {
	if len(candFields) == 0 || len(candFields) > shortPhraseMaxTokens {
		return false
	}

	hasKey := false
	hasPossessive := false
	for _, f := range candFields {
		f = strings.Trim(f, "?.,!")
		for _, k := range keyTokens {
			if f == k {
				hasKey = true
			}
		}
		for _, p := range possessiveTokens {
			if f == p {
				hasPossessive = true
			}
		}
	}
	return hasKey && hasPossessive
}
