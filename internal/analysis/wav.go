// Package analysis implements the CPU-side scoring algorithms: WAV decoding,
// envelope extraction, cross-correlation sync, pitch and rhythm scoring, and
// word-error-rate lyrics scoring.
//
// All functions are pure and deterministic; GPU artifacts (stems, pitch
// contours) arrive as files or bytes produced elsewhere.
package analysis

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
)

// DecodeWAV parses a RIFF/WAV container holding 16-bit signed little-endian
// PCM and returns the samples downmixed to mono in [-1, 1] plus the sample
// rate. Chunks other than fmt and data are skipped.
func DecodeWAV(data []byte) ([]float64, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, errors.New("analysis: not a RIFF/WAVE file")
	}

	var (
		sampleRate int
		channels   int
		bits       int
		pcm        []byte
	)

	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, errors.New("analysis: short fmt chunk")
			}
			format := int(binary.LittleEndian.Uint16(data[body : body+2]))
			if format != 1 {
				return nil, 0, fmt.Errorf("analysis: unsupported WAV format %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if sampleRate <= 0 || channels <= 0 {
		return nil, 0, errors.New("analysis: missing fmt chunk")
	}
	if bits != 16 {
		return nil, 0, fmt.Errorf("analysis: unsupported bit depth %d (want 16)", bits)
	}
	if pcm == nil {
		return nil, 0, errors.New("analysis: missing data chunk")
	}

	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			p := i*frameBytes + ch*2
			sum += float64(int16(binary.LittleEndian.Uint16(pcm[p : p+2])))
		}
		samples[i] = sum / float64(channels) / 32768.0
	}
	return samples, sampleRate, nil
}

// DecodeWAVFile reads and decodes the WAV file at path.
func DecodeWAVFile(path string) ([]float64, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("analysis: read %q: %w", path, err)
	}
	return DecodeWAV(data)
}

// EncodeWAV wraps mono samples in [-1, 1] as 16-bit PCM in a RIFF/WAV
// container. Used by tests and staging code that hands audio to inference
// services.
func EncodeWAV(samples []float64, sampleRate int) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range samples {
		v := math.Max(-1, math.Min(1, s))
		binary.LittleEndian.PutUint16(buf[44+i*2:46+i*2], uint16(int16(v*32767)))
	}
	return buf
}

// Resample converts samples from one rate to another by linear
// interpolation. Identical rates return the input unchanged.
func Resample(samples []float64, from, to int) []float64 {
	if from == to || len(samples) == 0 {
		return samples
	}
	n := int(float64(len(samples)) * float64(to) / float64(from))
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}
