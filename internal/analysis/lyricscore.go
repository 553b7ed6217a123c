package analysis

import (
	"strings"
)

// LyricsAccuracy scores the user's transcribed lyrics against the reference
// text via word error rate, in [0, 100]. Returns the score and any warnings
// for the result bundle.
//
// Boundary behaviour: an empty reference scores the neutral 50 with a
// warning (we could not judge); an empty user transcription scores 0.
func LyricsAccuracy(userText, refText string) (float64, []string) {
	user := strings.TrimSpace(strings.ToLower(userText))
	ref := strings.TrimSpace(strings.ToLower(refText))

	if ref == "" {
		return neutralScore, []string{"paroles de référence introuvables, précision des paroles non évaluée"}
	}
	if user == "" {
		return 0, nil
	}

	userWords := strings.Fields(user)
	refWords := strings.Fields(ref)

	wer, ok := wordErrorRate(userWords, refWords)
	if !ok {
		// Degenerate input; fall back to bag-of-words overlap.
		return overlapScore(userWords, refWords), []string{"calcul du taux d'erreur impossible, score approximatif"}
	}
	return max0(100 * (1 - wer)), nil
}

// wordErrorRate computes the minimum edit distance between the hypothesis
// and reference word sequences divided by the reference length. ok is false
// when the reference is empty.
func wordErrorRate(hyp, ref []string) (float64, bool) {
	if len(ref) == 0 {
		return 0, false
	}
	// Standard Levenshtein DP over words, two rolling rows.
	prev := make([]int, len(ref)+1)
	curr := make([]int, len(ref)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(hyp); i++ {
		curr[0] = i
		for j := 1; j <= len(ref); j++ {
			sub := prev[j-1]
			if hyp[i-1] != ref[j-1] {
				sub++
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			curr[j] = minInt(sub, minInt(del, ins))
		}
		prev, curr = curr, prev
	}
	return float64(prev[len(ref)]) / float64(len(ref)), true
}

// overlapScore is the fallback metric: the share of distinct reference words
// the user sang, scaled to [0, 100].
func overlapScore(hyp, ref []string) float64 {
	refSet := make(map[string]struct{}, len(ref))
	for _, w := range ref {
		refSet[w] = struct{}{}
	}
	if len(refSet) == 0 {
		return neutralScore
	}
	hit := make(map[string]struct{})
	for _, w := range hyp {
		if _, ok := refSet[w]; ok {
			hit[w] = struct{}{}
		}
	}
	return 100 * float64(len(hit)) / float64(len(refSet))
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
