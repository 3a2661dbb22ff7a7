package phrase

import "strings"

// minTokenLen is the shortest token that participates in similarity scoring
// and matching. Shorter tokens ("a", "to", "is") carry no signal.
const minTokenLen = 3

// Tokens splits s on whitespace and discards tokens shorter than three
// characters. The input is expected to be lower-cased already (sanitizer
// output); Tokens does not normalise case itself.
func Tokens(s string) []string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= minTokenLen {
			out = append(out, f)
		}
	}
	return out
}

// Similarity computes a cheap order-independent near-duplicate score between
// two phrases, in [0, 1].
//
// A token of a counts as common with b when it is a substring of, or
// contains, some token of b. The score is the number of common tokens of a
// divided by the larger token count. This is deliberately directional — it is
// a re-fire guard for near-identical recognition output, not a semantic
// similarity measure.
func Similarity(a, b string) float64 {
	ta := Tokens(a)
	tb := Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	common := 0
	for _, wa := range ta {
		for _, wb := range tb {
			if strings.Contains(wa, wb) || strings.Contains(wb, wa) {
				common++
				break
			}
		}
	}

	max := len(ta)
	if len(tb) > max {
		max = len(tb)
	}
	return float64(common) / float64(max)
}
