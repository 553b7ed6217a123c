package analysis

import "math"

const (
	// syncRate is the internal working rate for cross-correlation.
	syncRate = 8000

	// syncWindow is the rectified moving-average window (50 ms at syncRate).
	syncWindow = syncRate / 20

	// syncHop decimates the smoothed envelope to 40 Hz before correlating,
	// bounding the lag search to a few million multiplications. The
	// resulting offset resolution is 25 ms, finer than one envelope window.
	syncHop = syncRate / 40

	// syncMaxLagSeconds is the search range around zero lag.
	syncMaxLagSeconds = 30

	// ConfidenceThreshold is the minimum correlation confidence at which the
	// detected offset is applied to scoring. Below it, scoring uses zero
	// offset but the raw sync record is still reported.
	ConfidenceThreshold = 0.3
)

// SyncRecord is the result of envelope cross-correlation.
type SyncRecord struct {
	// OffsetSeconds is the estimated lead of the user recording relative to
	// the reference; subtract it from user timestamps to align.
	OffsetSeconds float64 `json:"offset_seconds"`

	// Confidence in [0, 1]; peak-to-mean ratio of the correlation,
	// renormalised so a 5x ratio maps to 1.0.
	Confidence float64 `json:"confidence"`

	// Method tags how the offset was obtained.
	Method string `json:"method"`
}

// EffectiveOffset returns the offset to apply to scoring: the detected one
// when confidence clears the threshold, zero otherwise.
func (r SyncRecord) EffectiveOffset() float64 {
	if r.Confidence > ConfidenceThreshold {
		return r.OffsetSeconds
	}
	return 0
}

// EstimateOffset cross-correlates the amplitude envelopes of the user and
// reference vocal tracks and returns the temporal offset between them.
// Both inputs are mono samples at the given rate.
func EstimateOffset(user, ref []float64, sampleRate int) SyncRecord {
	rec := SyncRecord{Method: "envelope_cross_correlation"}

	u := correlationEnvelope(user, sampleRate)
	r := correlationEnvelope(ref, sampleRate)
	if len(u) < 2 || len(r) < 2 {
		return rec
	}

	stepsPerSecond := syncRate / syncHop
	maxLag := syncMaxLagSeconds * stepsPerSecond

	bestLag, bestScore := 0, math.Inf(-1)
	var sumAbs float64
	var count int
	for lag := -maxLag; lag <= maxLag; lag++ {
		score := correlateAt(u, r, lag)
		sumAbs += math.Abs(score)
		count++
		if score > bestScore {
			bestScore = score
			bestLag = lag
		}
	}

	mean := sumAbs / float64(count)
	if mean > 0 && bestScore > 0 {
		ratio := bestScore / mean
		rec.Confidence = clamp((ratio-1)/4, 0, 1)
	}
	rec.OffsetSeconds = float64(bestLag) / float64(stepsPerSecond)
	return rec
}

// correlationEnvelope resamples to the working rate, takes a rectified 50 ms
// moving average, decimates, and z-normalises.
func correlationEnvelope(samples []float64, sampleRate int) []float64 {
	s := Resample(samples, sampleRate, syncRate)
	if len(s) == 0 {
		return nil
	}

	// Rectified moving average via a running sum.
	env := make([]float64, 0, len(s)/syncHop+1)
	var running float64
	for i := range s {
		running += math.Abs(s[i])
		if i >= syncWindow {
			running -= math.Abs(s[i-syncWindow])
		}
		if i%syncHop == 0 {
			width := math.Min(float64(i+1), float64(syncWindow))
			env = append(env, running/width)
		}
	}

	return zNormalise(env)
}

// zNormalise shifts to zero mean and scales to unit variance. A flat signal
// comes back as all zeros.
func zNormalise(v []float64) []float64 {
	if len(v) == 0 {
		return v
	}
	var mean float64
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))

	var variance float64
	for _, x := range v {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(v))
	std := math.Sqrt(variance)

	out := make([]float64, len(v))
	if std == 0 {
		return out
	}
	for i, x := range v {
		out[i] = (x - mean) / std
	}
	return out
}

// correlateAt computes the normalised dot product of u shifted by lag
// against r. Positive lag means the user signal starts later. Lags with less
// than a quarter of the shorter envelope overlapping are rejected, so a few
// coincidentally matching samples at an extreme lag cannot fake a peak.
func correlateAt(u, r []float64, lag int) float64 {
	var sum float64
	var n int
	for i := range r {
		j := i + lag
		if j < 0 || j >= len(u) {
			continue
		}
		sum += u[j] * r[i]
		n++
	}
	minOverlap := len(r)
	if len(u) < minOverlap {
		minOverlap = len(u)
	}
	minOverlap /= 4
	if minOverlap < 2 {
		minOverlap = 2
	}
	if n < minOverlap {
		return 0
	}
	return sum / float64(n)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
