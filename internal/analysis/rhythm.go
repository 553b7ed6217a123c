package analysis

import "math"

// RhythmAccuracy scores onset timing against the reference, in [0, 100].
// Onsets are detected from the audio when samples are provided, otherwise
// from voiced/unvoiced rising edges of the pitch contours. offset is the
// user's temporal lead in seconds and is subtracted from the user onsets.
// The average absolute nearest-onset error in milliseconds maps to the score
// as max(0, 100 − Δ/2). Either side lacking onsets scores the neutral 50.
func RhythmAccuracy(userAudio, refAudio []float64, sampleRate int, user, ref *Contour, offset float64) float64 {
	userOnsets := detectOnsets(userAudio, sampleRate)
	if len(userOnsets) == 0 {
		userOnsets = voicedRisingEdges(user)
	}
	refOnsets := detectOnsets(refAudio, sampleRate)
	if len(refOnsets) == 0 {
		refOnsets = voicedRisingEdges(ref)
	}

	if len(userOnsets) == 0 || len(refOnsets) == 0 {
		return neutralScore
	}

	var totalErrMS float64
	for _, u := range userOnsets {
		t := u - offset
		totalErrMS += nearestDistance(t, refOnsets) * 1000
	}
	avg := totalErrMS / float64(len(userOnsets))
	return math.Max(0, 100-avg/2)
}

// onsetWindow is the energy-flux analysis hop for onset detection (10 ms).
const onsetWindowSeconds = 0.01

// detectOnsets finds energy rises in the raw audio: positions where the
// short-window RMS jumps past an adaptive threshold after a quieter stretch.
func detectOnsets(samples []float64, sampleRate int) []float64 {
	if len(samples) == 0 || sampleRate <= 0 {
		return nil
	}
	window := int(float64(sampleRate) * onsetWindowSeconds)
	if window < 1 {
		window = 1
	}

	n := len(samples) / window
	if n < 3 {
		return nil
	}
	rms := make([]float64, n)
	var peak float64
	for i := 0; i < n; i++ {
		var sum float64
		for _, s := range samples[i*window : (i+1)*window] {
			sum += s * s
		}
		rms[i] = math.Sqrt(sum / float64(window))
		if rms[i] > peak {
			peak = rms[i]
		}
	}
	if peak == 0 {
		return nil
	}

	// A frame is an onset when it crosses 20% of peak energy after a frame
	// below half that, with a 100 ms refractory gap.
	high := 0.2 * peak
	low := high / 2
	minGap := 0.1
	var onsets []float64
	lastOnset := math.Inf(-1)
	for i := 1; i < n; i++ {
		t := float64(i) * onsetWindowSeconds
		if rms[i] >= high && rms[i-1] < low && t-lastOnset >= minGap {
			onsets = append(onsets, t)
			lastOnset = t
		}
	}
	return onsets
}

// voicedRisingEdges returns the times where the contour transitions from
// unvoiced to voiced, used as pseudo-onsets when raw audio is unavailable.
func voicedRisingEdges(c *Contour) []float64 {
	if c == nil {
		return nil
	}
	var edges []float64
	for i := 1; i < len(c.Frequencies); i++ {
		if c.Frequencies[i] > 0 && c.Frequencies[i-1] <= 0 {
			edges = append(edges, c.Times[i])
		}
	}
	return edges
}

// nearestDistance returns the absolute distance from t to the closest value
// in the sorted slice onsets, in the same unit.
func nearestDistance(t float64, onsets []float64) float64 {
	best := math.Inf(1)
	for _, o := range onsets {
		if d := math.Abs(t - o); d < best {
			best = d
		}
	}
	return best
}
