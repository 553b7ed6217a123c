// Package pipeline contains the two analysis coordinators: reference
// preparation (shared, cached per reference video) and performance analysis
// (per session).
//
// Both are probe-before-compute: every expensive step first checks whether
// its artifact already exists on the blob store, so a reference prepared for
// one session costs nothing for the next. Progress is published to the task
// record only between phases, never from inside a fan-out.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/cantara/internal/artifact"
	"github.com/MrWong99/cantara/internal/gpu"
	"github.com/MrWong99/cantara/internal/observe"
	"github.com/MrWong99/cantara/internal/session"
	"github.com/MrWong99/cantara/pkg/provider/judge"
	"github.com/MrWong99/cantara/pkg/provider/lyricsrc"
	"github.com/MrWong99/cantara/pkg/provider/pitch"
	"github.com/MrWong99/cantara/pkg/provider/separate"
	"github.com/MrWong99/cantara/pkg/provider/transcribe"
)

const (
	// criticalTimeout bounds the phases the result cannot exist without.
	criticalTimeout = 5 * time.Minute

	// auxTimeout bounds the best-effort phases; their failure degrades the
	// result instead of aborting it.
	auxTimeout = 2 * time.Minute
)

// BlobStore is the subset of the blob client the pipelines use.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	PutFile(ctx context.Context, path, key, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	GetToFile(ctx context.Context, key, dest string) error
	Exists(ctx context.Context, key string) bool
	Delete(ctx context.Context, key string)
	PublicURL(key string) string
}

// Extractor acquires a reference source recording into a local audio file.
type Extractor interface {
	Fetch(ctx context.Context, sourceURL, dest string) error
}

// Pipeline wires the providers and stores together. Construct one per
// process with New and share it between workers.
type Pipeline struct {
	store   *session.Store
	blobs   BlobStore
	cache   *artifact.Cache
	gpu     *gpu.Coordinator
	sep     separate.Provider
	pitch   pitch.Provider
	stt     transcribe.Provider
	lyrics  lyricsrc.Provider
	judge   *judge.Generator
	extract Extractor

	metrics     *observe.Metrics
	log         *slog.Logger
	stagingRoot string

	// sttLanguage seeds transcription; empty lets the model detect.
	sttLanguage string
}

// Config carries the pipeline dependencies. All fields except Extractor,
// STT, Metrics, and Logger are required; without STT the lyrics score is
// always degraded.
type Config struct {
	Store     *session.Store
	Blobs     BlobStore
	Cache     *artifact.Cache
	GPU       *gpu.Coordinator
	Separator separate.Provider
	Pitch     pitch.Provider
	STT       transcribe.Provider
	Lyrics    lyricsrc.Provider
	Judge     *judge.Generator
	Extractor Extractor

	Metrics     *observe.Metrics
	Logger      *slog.Logger
	StagingRoot string
	STTLanguage string
}

// New validates cfg and builds a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("pipeline: session store is required")
	case cfg.Blobs == nil:
		return nil, fmt.Errorf("pipeline: blob store is required")
	case cfg.Cache == nil:
		return nil, fmt.Errorf("pipeline: artifact cache is required")
	case cfg.Separator == nil:
		return nil, fmt.Errorf("pipeline: separation provider is required")
	case cfg.Pitch == nil:
		return nil, fmt.Errorf("pipeline: pitch provider is required")
	case cfg.Lyrics == nil:
		return nil, fmt.Errorf("pipeline: lyrics provider is required")
	case cfg.Judge == nil:
		return nil, fmt.Errorf("pipeline: judge generator is required")
	}

	p := &Pipeline{
		store:       cfg.Store,
		blobs:       cfg.Blobs,
		cache:       cfg.Cache,
		gpu:         cfg.GPU,
		sep:         cfg.Separator,
		pitch:       cfg.Pitch,
		stt:         cfg.STT,
		lyrics:      cfg.Lyrics,
		judge:       cfg.Judge,
		extract:     cfg.Extractor,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		stagingRoot: cfg.StagingRoot,
		sttLanguage: cfg.STTLanguage,
	}
	if p.gpu == nil {
		p.gpu = gpu.New("", "")
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.log == nil {
		p.log = slog.Default().With("component", "pipeline")
	}
	if p.stagingRoot == "" {
		p.stagingRoot = os.TempDir()
	}
	return p, nil
}

// tempDir creates a working directory under the staging root. The caller must
// remove it on every exit path.
func (p *Pipeline) tempDir(pattern string) (string, error) {
	dir, err := os.MkdirTemp(p.stagingRoot, pattern)
	if err != nil {
		return "", fmt.Errorf("pipeline: create temp dir: %w", err)
	}
	return dir, nil
}

// recordStage reports one timed stage to metrics and the log.
func (p *Pipeline) recordStage(ctx context.Context, stage string, start time.Time) {
	elapsed := time.Since(start)
	p.metrics.RecordStage(ctx, stage, elapsed.Seconds())
	p.log.Debug("stage finished", "stage", stage, "elapsed", elapsed)
}
