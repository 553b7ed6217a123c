package analysis

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/cantara/internal/fault"
)

// Contour is a pitch contour: fundamental-frequency estimates on a fixed
// 10 ms grid with per-frame confidence. Unvoiced frames carry frequency 0.
type Contour struct {
	Times       []float64
	Frequencies []float64
	Confidences []float64
}

// Duration returns the time of the last frame, in seconds.
func (c *Contour) Duration() float64 {
	if len(c.Times) == 0 {
		return 0
	}
	return c.Times[len(c.Times)-1]
}

// contourMembers are the arrays a pitch artifact must carry.
var contourMembers = []string{"time", "frequency", "confidence"}

// DecodeContourNPZ parses a pitch artifact (an NPZ archive holding the
// time/frequency/confidence arrays). A structurally broken or incomplete
// artifact yields an error wrapping fault.ErrIntegrity so callers recompute
// instead of failing the session.
func DecodeContourNPZ(data []byte) (*Contour, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("analysis: pitch artifact: open archive: %v: %w", err, fault.ErrIntegrity)
	}

	arrays := make(map[string][]float64, len(contourMembers))
	for _, f := range zr.File {
		name := strings.TrimSuffix(f.Name, ".npy")
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("analysis: pitch artifact: open %q: %v: %w", f.Name, err, fault.ErrIntegrity)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("analysis: pitch artifact: read %q: %v: %w", f.Name, err, fault.ErrIntegrity)
		}
		vals, err := decodeNPY(raw)
		if err != nil {
			return nil, fmt.Errorf("analysis: pitch artifact: member %q: %v: %w", f.Name, err, fault.ErrIntegrity)
		}
		arrays[name] = vals
	}

	for _, member := range contourMembers {
		if _, ok := arrays[member]; !ok {
			return nil, fmt.Errorf("analysis: pitch artifact: missing %q array: %w", member, fault.ErrIntegrity)
		}
	}

	c := &Contour{
		Times:       arrays["time"],
		Frequencies: arrays["frequency"],
		Confidences: arrays["confidence"],
	}
	if len(c.Times) == 0 || len(c.Times) != len(c.Frequencies) || len(c.Times) != len(c.Confidences) {
		return nil, fmt.Errorf("analysis: pitch artifact: inconsistent array lengths: %w", fault.ErrIntegrity)
	}
	return c, nil
}

// ValidateContourNPZ checks a cached pitch artifact without keeping the
// decoded result. Used by cache-hit paths before trusting the blob.
func ValidateContourNPZ(data []byte) error {
	_, err := DecodeContourNPZ(data)
	return err
}

// EncodeContourNPZ serialises a contour into the NPZ form the pitch service
// produces. Used to repair recomputed artifacts and by tests.
func EncodeContourNPZ(c *Contour) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	members := map[string][]float64{
		"time":       c.Times,
		"frequency":  c.Frequencies,
		"confidence": c.Confidences,
	}
	for _, name := range contourMembers {
		w, err := zw.Create(name + ".npy")
		if err != nil {
			return nil, fmt.Errorf("analysis: encode pitch artifact: %w", err)
		}
		if _, err := w.Write(encodeNPY(members[name])); err != nil {
			return nil, fmt.Errorf("analysis: encode pitch artifact: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("analysis: encode pitch artifact: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeNPY parses a 1-D little-endian float32 or float64 NPY array.
func decodeNPY(raw []byte) ([]float64, error) {
	if len(raw) < 10 || string(raw[0:6]) != "\x93NUMPY" {
		return nil, fmt.Errorf("bad NPY magic")
	}
	headerLen := int(binary.LittleEndian.Uint16(raw[8:10]))
	bodyOff := 10 + headerLen
	if bodyOff > len(raw) {
		return nil, fmt.Errorf("truncated NPY header")
	}
	header := string(raw[10:bodyOff])

	descr, err := headerField(header, "descr")
	if err != nil {
		return nil, err
	}
	shapeStr, err := headerField(header, "shape")
	if err != nil {
		return nil, err
	}
	n, err := parseShape1D(shapeStr)
	if err != nil {
		return nil, err
	}

	body := raw[bodyOff:]
	switch descr {
	case "<f8":
		if len(body) < n*8 {
			return nil, fmt.Errorf("truncated float64 data")
		}
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[i*8 : i*8+8]))
		}
		return vals, nil
	case "<f4":
		if len(body) < n*4 {
			return nil, fmt.Errorf("truncated float32 data")
		}
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(body[i*4 : i*4+4])))
		}
		return vals, nil
	}
	return nil, fmt.Errorf("unsupported dtype %q", descr)
}

// encodeNPY serialises values as a v1.0 little-endian float64 NPY array.
func encodeNPY(values []float64) []byte {
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d,), }", len(values))
	// Pad so the data section starts 64-byte aligned, ending with newline.
	total := 10 + len(header) + 1
	pad := (64 - total%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	buf := make([]byte, 10+len(header)+len(values)*8)
	copy(buf[0:6], "\x93NUMPY")
	buf[6], buf[7] = 1, 0
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(header)))
	copy(buf[10:], header)

	off := 10 + len(header)
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[off+i*8:off+i*8+8], math.Float64bits(v))
	}
	return buf
}

// headerField extracts the value of a key from an NPY header dict literal.
func headerField(header, key string) (string, error) {
	idx := strings.Index(header, "'"+key+"'")
	if idx < 0 {
		return "", fmt.Errorf("NPY header missing %q", key)
	}
	rest := header[idx+len(key)+2:]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return "", fmt.Errorf("malformed NPY header")
	}
	rest = strings.TrimSpace(rest[colon+1:])

	if strings.HasPrefix(rest, "'") {
		end := strings.Index(rest[1:], "'")
		if end < 0 {
			return "", fmt.Errorf("malformed NPY header")
		}
		return rest[1 : 1+end], nil
	}
	if strings.HasPrefix(rest, "(") {
		end := strings.Index(rest, ")")
		if end < 0 {
			return "", fmt.Errorf("malformed NPY header")
		}
		return rest[:end+1], nil
	}
	end := strings.IndexAny(rest, ",}")
	if end < 0 {
		end = len(rest)
	}
	return strings.TrimSpace(rest[:end]), nil
}

// parseShape1D parses a "(N,)" shape tuple.
func parseShape1D(shape string) (int, error) {
	s := strings.Trim(shape, "() ")
	s = strings.TrimSuffix(s, ",")
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") {
		return 0, fmt.Errorf("expected 1-D array, got shape %s", shape)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad shape %q: %w", shape, err)
	}
	return n, nil
}
