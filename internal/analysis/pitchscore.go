package analysis

import "math"

const (
	// minVoicedFrames is the minimum number of voiced frames required on
	// each side before a pitch comparison is meaningful.
	minVoicedFrames = 10

	// neutralScore is returned when a comparison has too little signal to
	// judge either way.
	neutralScore = 50.0

	// dtwBandSeconds bounds the DTW alignment to a Sakoe-Chiba band so the
	// cost stays linear in contour length. Larger drift than this scores as
	// mismatch, which is the right outcome for a sung performance.
	dtwBandSeconds = 5.0

	// contourFrameSeconds is the pitch contour grid step.
	contourFrameSeconds = 0.01
)

// PitchAccuracy scores how closely the user's pitch tracks the reference,
// in [0, 100]. offset is the temporal lead of the user recording in seconds,
// subtracted from the user contour before comparison. Voiced frames are
// converted to cents relative to A440 and aligned by dynamic time warping;
// the average per-step cents distance maps to the score as
// max(0, 100 − Δ/2).
func PitchAccuracy(user, ref *Contour, offset float64) float64 {
	userCents := voicedCents(user, offset)
	refCents := voicedCents(ref, 0)

	if len(userCents) < minVoicedFrames || len(refCents) < minVoicedFrames {
		return neutralScore
	}

	band := int(dtwBandSeconds / contourFrameSeconds)
	avgDist := dtwAverageDistance(userCents, refCents, band)
	if math.IsInf(avgDist, 1) {
		return neutralScore
	}
	return math.Max(0, 100-avgDist/2)
}

// voicedCents extracts the cents values of voiced frames (frequency > 0)
// whose shifted time falls inside the contour.
func voicedCents(c *Contour, offset float64) []float64 {
	if c == nil {
		return nil
	}
	out := make([]float64, 0, len(c.Frequencies))
	for i, f := range c.Frequencies {
		if f <= 0 {
			continue
		}
		t := c.Times[i] - offset
		if t < 0 || t > c.Duration() {
			continue
		}
		out = append(out, centsFromHz(f))
	}
	return out
}

// centsFromHz converts a frequency to cents relative to A440.
func centsFromHz(hz float64) float64 {
	return 1200 * math.Log2(hz/440.0)
}

// dtwAverageDistance computes the dynamic-time-warping distance between two
// sequences with Euclidean pointwise cost, constrained to a band of the
// given width, normalised by the warping path length. Returns +Inf when the
// band admits no path (sequences of wildly different length).
func dtwAverageDistance(a, b []float64, band int) float64 {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return math.Inf(1)
	}
	if band < 1 {
		band = 1
	}
	// The band must at least cover the diagonal slope difference.
	if d := abs(n - m); band < d+1 {
		band = d + 1
	}

	inf := math.Inf(1)
	prev := make([]float64, m+1)
	curr := make([]float64, m+1)
	prevSteps := make([]int32, m+1)
	currSteps := make([]int32, m+1)
	for j := range prev {
		prev[j] = inf
	}
	prev[0] = 0

	for i := 1; i <= n; i++ {
		for j := range curr {
			curr[j] = inf
			currSteps[j] = 0
		}
		// Band centred on the diagonal.
		centre := i * m / n
		lo, hi := centre-band, centre+band
		if lo < 1 {
			lo = 1
		}
		if hi > m {
			hi = m
		}
		for j := lo; j <= hi; j++ {
			cost := math.Abs(a[i-1] - b[j-1])
			best := prev[j-1] // diagonal
			step := prevSteps[j-1]
			if prev[j] < best {
				best = prev[j]
				step = prevSteps[j]
			}
			if curr[j-1] < best {
				best = curr[j-1]
				step = currSteps[j-1]
			}
			if math.IsInf(best, 1) {
				continue
			}
			curr[j] = best + cost
			currSteps[j] = step + 1
		}
		prev, curr = curr, prev
		prevSteps, currSteps = currSteps, prevSteps
	}

	total := prev[m]
	if math.IsInf(total, 1) {
		return total
	}
	pathLen := prevSteps[m]
	if pathLen == 0 {
		return math.Inf(1)
	}
	return total / float64(pathLen)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
