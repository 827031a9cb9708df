package matching

import (
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Scorer rates how alike two descriptions are, from 0 to 100.
type Scorer interface {
	Score(a, b string) float64
}

// LevenshteinScorer scores by edit distance relative to the longer string,
// ignoring case and surrounding whitespace.
type LevenshteinScorer struct{}

var unitCost = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

func (LevenshteinScorer) Score(a, b string) float64 {
	ra := []rune(strings.ToLower(strings.TrimSpace(a)))
	rb := []rune(strings.ToLower(strings.TrimSpace(b)))
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 0
	}
	distance := levenshtein.DistanceForStrings(ra, rb, unitCost)
	return 100 * (1 - float64(distance)/float64(longest))
}
