package match

import (
	"strings"
	"testing"
	"time"

	"github.com/calm-recall/calmrecall/pkg/types"
)

func question(id, text string) *types.StoredQuestion {
	return &types.StoredQuestion{ID: id, QuestionText: text}
}

func TestMatch_ExactQuestion(t *testing.T) {
	t.Parallel()

	m := New()
	qs := []*types.StoredQuestion{question("q1", "Where are my keys?")}

	got := m.Match("where are my keys", time.Now(), qs)
	if got == nil || got.ID != "q1" {
		t.Fatalf("Match = %v; want q1", got)
	}
}

func TestMatch_NoMatch(t *testing.T) {
	t.Parallel()

	m := New()
	qs := []*types.StoredQuestion{question("q1", "Where are my keys?")}

	if got := m.Match("what a lovely garden outside", time.Now(), qs); got != nil {
		t.Errorf("Match = %v; want nil", got)
	}
}

func TestMatch_CooldownRejectsRecentlyTriggered(t *testing.T) {
	t.Parallel()

	m := New()
	now := time.Now()
	fired := now.Add(-5 * time.Second)
	q := question("q1", "Where are my keys?")
	q.LastTriggeredAt = &fired

	if got := m.Match("where are my keys", now, []*types.StoredQuestion{q}); got != nil {
		t.Errorf("Match during cooldown = %v; want nil", got)
	}
}

func TestMatch_CooldownExpires(t *testing.T) {
	t.Parallel()

	m := New()
	now := time.Now()
	fired := now.Add(-9 * time.Second)
	q := question("q1", "Where are my keys?")
	q.LastTriggeredAt = &fired

	if got := m.Match("where are my keys", now, []*types.StoredQuestion{q}); got == nil {
		t.Error("Match after cooldown expiry = nil; want q1")
	}
}

func TestMatch_RejectsRunawayCandidate(t *testing.T) {
	t.Parallel()

	m := New()
	qs := []*types.StoredQuestion{question("q1", "Where are my keys?")}

	// 16 tokens of length ≥ 3, including plenty of keyword overlap.
	candidate := strings.TrimSpace(strings.Repeat("where keys ", 8))
	if got := m.Match(candidate, time.Now(), qs); got != nil {
		t.Errorf("Match on runaway candidate = %v; want nil", got)
	}
}

func TestMatch_SynonymTable(t *testing.T) {
	t.Parallel()

	m := New()
	qs := []*types.StoredQuestion{question("q1", "Where are my keys?")}

	// "car" and "door" match "keys" only through the synonym table;
	// "where" matches directly, giving enough matching tokens.
	got := m.Match("where did the car door", time.Now(), qs)
	if got == nil || got.ID != "q1" {
		t.Fatalf("Match via synonyms = %v; want q1", got)
	}
}

func TestMatch_ShortKeyPhrase(t *testing.T) {
	t.Parallel()

	m := New()
	qs := []*types.StoredQuestion{question("q1", "Where are my keys?")}

	tests := []struct {
		candidate string
		want      bool
	}{
		{"my keys", true},
		{"car keys", true},
		{"my keys?", true},
		{"keys", false},      // no possessive/location token
		{"my wallet", false}, // no keys token
		// Four tokens disables the short-phrase heuristic, and only "car"
		// matches the question, below the two-token floor.
		{"my car went missing yesterday", false},
	}
	for _, tt := range tests {
		got := m.Match(tt.candidate, time.Now(), qs)
		if (got != nil) != tt.want {
			t.Errorf("Match(%q) matched=%v; want %v", tt.candidate, got != nil, tt.want)
		}
	}
}

func TestMatch_CoreStructureRescuesLowCoverage(t *testing.T) {
	t.Parallel()

	// Long question text keeps coverage below 0.3 even with two matching
	// tokens; the where/my core structure must rescue the candidate.
	m := New()
	qs := []*types.StoredQuestion{
		question("q1", "Where did you put all seven keys that open the cabinets downstairs"),
	}

	got := m.Match("where are keys", time.Now(), qs)
	if got == nil || got.ID != "q1" {
		t.Fatalf("Match = %v; want q1 via core structure", got)
	}
}

func TestMatch_FirstQualifyingQuestionWins(t *testing.T) {
	t.Parallel()

	m := New()
	qs := []*types.StoredQuestion{
		question("q1", "Where are my keys?"),
		question("q2", "Where are my reading keys?"),
	}

	got := m.Match("where are my keys", time.Now(), qs)
	if got == nil || got.ID != "q1" {
		t.Fatalf("Match = %v; want first qualifying question q1", got)
	}
}

func TestMatch_PhoneticAssist(t *testing.T) {
	t.Parallel()

	plain := New()
	assisted := New(WithPhoneticAssist())
	qs := []*types.StoredQuestion{question("q1", "When is dinner tonight?")}

	// "dinnur" is a plausible mishearing of "dinner": same metaphone code,
	// high Jaro-Winkler. Only "tonight" matches by containment, so the
	// unassisted matcher stays below the two-token floor.
	candidate := "dinnur tonight"

	if got := plain.Match(candidate, time.Now(), qs); got != nil {
		t.Errorf("unassisted Match = %v; want nil", got)
	}
	if got := assisted.Match(candidate, time.Now(), qs); got == nil {
		t.Error("phonetic assist failed to recover misheard token")
	}
}

func TestMatch_ListOrderRespectsCooldownPerQuestion(t *testing.T) {
	t.Parallel()

	m := New()
	now := time.Now()
	fired := now.Add(-2 * time.Second)

	q1 := question("q1", "Where are my keys?")
	q1.LastTriggeredAt = &fired
	q2 := question("q2", "Where are the spare keys?")

	got := m.Match("where are my keys", now, []*types.StoredQuestion{q1, q2})
	if got == nil || got.ID != "q2" {
		t.Fatalf("Match = %v; want q2 (q1 on cooldown)", got)
	}
}
