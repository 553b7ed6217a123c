package analysis

import (
	"encoding/json"
	"fmt"
	"math"
)

// envelopeRate is the output rate of the flow envelope in Hz (one 50 ms
// window per value).
const envelopeRate = 20

// FlowEnvelope is the low-rate amplitude series the client renders during
// playback. Values are normalised to [0, 1].
type FlowEnvelope struct {
	SampleRateHz    int       `json:"sample_rate_hz"`
	Values          []float64 `json:"values"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// ComputeFlowEnvelope reduces mono samples at the given rate to a 20 Hz RMS
// envelope normalised so the loudest window is 1.0.
func ComputeFlowEnvelope(samples []float64, sampleRate int) *FlowEnvelope {
	env := &FlowEnvelope{SampleRateHz: envelopeRate}
	if len(samples) == 0 || sampleRate <= 0 {
		env.Values = []float64{}
		return env
	}
	env.DurationSeconds = float64(len(samples)) / float64(sampleRate)

	window := sampleRate / envelopeRate
	if window < 1 {
		window = 1
	}

	n := (len(samples) + window - 1) / window
	values := make([]float64, n)
	peak := 0.0
	for i := 0; i < n; i++ {
		start := i * window
		end := start + window
		if end > len(samples) {
			end = len(samples)
		}
		var sum float64
		for _, s := range samples[start:end] {
			sum += s * s
		}
		values[i] = math.Sqrt(sum / float64(end-start))
		if values[i] > peak {
			peak = values[i]
		}
	}

	if peak > 0 {
		for i := range values {
			values[i] /= peak
		}
	}
	env.Values = values
	return env
}

// MarshalEnvelope serialises the envelope to its blob-store JSON form.
func MarshalEnvelope(env *FlowEnvelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("analysis: marshal envelope: %w", err)
	}
	return data, nil
}
