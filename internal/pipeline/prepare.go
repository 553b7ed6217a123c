package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/cantara/internal/analysis"
	"github.com/MrWong99/cantara/internal/blobstore"
	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/pkg/provider/pitch"
)

// PrepareReference makes every shared artifact of a reference video exist:
// original, stems, flow envelope, and fast pitch contour, all under
// cache/{ref}/ on the blob store, plus the session-scoped stem copies the
// client plays along to. Each step probes before it computes, so a reference
// already prepared by an earlier session reduces to a handful of HEAD
// requests.
//
// On success the session's tracks-ready key is set and the session merges to
// reference_status ready. On failure the session merges to status error and
// the error is returned for the worker's retry policy.
func (p *Pipeline) PrepareReference(ctx context.Context, sessionID, refID, sourceURL string) error {
	start := time.Now()
	log := p.log.With("session_id", sessionID, "ref_id", refID)

	if err := p.store.Merge(ctx, sessionID, map[string]any{
		"reference_status": "preparing",
	}); err != nil {
		log.Warn("reference status merge failed", "error", err)
	}

	err := p.prepareReference(ctx, sessionID, refID, sourceURL, log)
	if err != nil {
		if mergeErr := p.store.Merge(ctx, sessionID, map[string]any{
			"status":           "error",
			"reference_status": "error",
			"error":            "La préparation de la version originale a échoué.",
		}); mergeErr != nil {
			log.Warn("error merge failed", "error", mergeErr)
		}
		return err
	}

	if err := p.store.MarkTracksReady(ctx, sessionID); err != nil {
		return fmt.Errorf("pipeline: mark tracks ready: %w", err)
	}
	if err := p.store.Merge(ctx, sessionID, map[string]any{
		"status":           "reference_ready",
		"reference_status": "ready",
		"reference_path":   p.blobs.PublicURL(blobstore.ReferenceVocals(refID)),
	}); err != nil {
		return fmt.Errorf("pipeline: ready merge: %w", err)
	}

	p.recordStage(ctx, "prepare_reference", start)
	return nil
}

func (p *Pipeline) prepareReference(ctx context.Context, sessionID, refID, sourceURL string, log *slog.Logger) error {
	dir, err := p.tempDir("prep-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	vocalsKey := blobstore.ReferenceVocals(refID)
	instKey := blobstore.ReferenceInstrumentals(refID)

	// Step 1+2: stems, separating the original only when they are absent.
	var vocals, instrumentals []byte
	if p.blobs.Exists(ctx, vocalsKey) && p.blobs.Exists(ctx, instKey) {
		log.Info("reference stems cached")
		if vocals, err = p.blobs.Get(ctx, vocalsKey); err != nil {
			return fmt.Errorf("pipeline: fetch cached vocals: %w", err)
		}
		if instrumentals, err = p.blobs.Get(ctx, instKey); err != nil {
			return fmt.Errorf("pipeline: fetch cached instrumentals: %w", err)
		}
	} else {
		original, err := p.acquireOriginal(ctx, refID, sourceURL, dir, log)
		if err != nil {
			return err
		}
		sepStart := time.Now()
		p.gpu.RequestExclusive(ctx)
		stems, err := p.sep.Separate(ctx, original, "reference.flac")
		if err != nil {
			return fmt.Errorf("pipeline: separate reference: %w", err)
		}
		p.recordStage(ctx, "separate_reference", sepStart)
		vocals, instrumentals = stems.Vocals, stems.Instrumentals

		// Uploads are best-effort. The stems are already in hand and the
		// ready merge carries the precomputed public URL; a failed write
		// only costs the next session a cache hit.
		if _, err := p.blobs.Put(ctx, vocalsKey, vocals, "audio/wav"); err != nil {
			log.Warn("reference vocals upload failed", "error", err)
		}
		if _, err := p.blobs.Put(ctx, instKey, instrumentals, "audio/wav"); err != nil {
			log.Warn("reference instrumentals upload failed", "error", err)
		}
	}

	// Session-scoped stem copies: the client streams these during recording.
	if _, err := p.blobs.Put(ctx, blobstore.SessionRefVocals(sessionID), vocals, "audio/wav"); err != nil {
		log.Warn("session vocals copy failed", "error", err)
	}
	if _, err := p.blobs.Put(ctx, blobstore.SessionRefInstrumentals(sessionID), instrumentals, "audio/wav"); err != nil {
		log.Warn("session instrumentals copy failed", "error", err)
	}

	// Step 3: flow envelope for the client's level meter.
	envKey := blobstore.ReferenceEnvelope(refID)
	if !p.blobs.Exists(ctx, envKey) {
		samples, rate, err := analysis.DecodeWAV(vocals)
		if err != nil {
			return fmt.Errorf("pipeline: decode reference vocals: %w", err)
		}
		env, err := analysis.MarshalEnvelope(analysis.ComputeFlowEnvelope(samples, rate))
		if err != nil {
			return fmt.Errorf("pipeline: envelope: %w", err)
		}
		if _, err := p.blobs.Put(ctx, envKey, env, "application/json"); err != nil {
			log.Warn("envelope upload failed", "error", err)
		}
	}

	// Step 4: fast pitch contour. A cached artifact that fails integrity
	// validation is recomputed, not trusted.
	pitchKey := blobstore.ReferencePitch(refID)
	needPitch := true
	if p.blobs.Exists(ctx, pitchKey) {
		cached, err := p.blobs.Get(ctx, pitchKey)
		switch {
		case err != nil:
			log.Warn("cached reference pitch unreadable, recomputing", "error", err)
		case analysis.ValidateContourNPZ(cached) != nil:
			log.Warn("cached reference pitch failed validation, recomputing")
		default:
			needPitch = false
		}
	}
	if needPitch {
		pitchStart := time.Now()
		npz, err := p.pitch.Extract(ctx, vocals, pitch.ModeFast)
		if err != nil {
			return fmt.Errorf("pipeline: reference pitch: %w", err)
		}
		p.recordStage(ctx, "pitch_reference", pitchStart)
		if _, err := p.blobs.Put(ctx, pitchKey, npz, "application/octet-stream"); err != nil {
			log.Warn("reference pitch upload failed", "error", err)
		}
	}

	return nil
}

// acquireOriginal returns the reference original audio, downloading it from
// the blob cache or extracting it from the source URL.
func (p *Pipeline) acquireOriginal(ctx context.Context, refID, sourceURL, dir string, log *slog.Logger) ([]byte, error) {
	flacKey := blobstore.ReferenceOriginal(refID, "flac")
	if p.blobs.Exists(ctx, flacKey) {
		data, err := p.blobs.Get(ctx, flacKey)
		if err != nil {
			return nil, fmt.Errorf("pipeline: fetch cached original: %w", err)
		}
		return data, nil
	}

	if p.extract == nil {
		return nil, fmt.Errorf("pipeline: reference %q has no cached original and no extractor is configured: %w",
			refID, fault.ErrValidation)
	}
	if sourceURL == "" {
		return nil, fmt.Errorf("pipeline: reference %q needs a source url: %w", refID, fault.ErrValidation)
	}

	dest := filepath.Join(dir, "reference.flac")
	fetchStart := time.Now()
	if err := p.extract.Fetch(ctx, sourceURL, dest); err != nil {
		return nil, fmt.Errorf("pipeline: extract source: %w", err)
	}
	p.recordStage(ctx, "extract_source", fetchStart)

	if _, err := p.blobs.PutFile(ctx, dest, flacKey, "audio/flac"); err != nil {
		return nil, fmt.Errorf("pipeline: upload original: %w", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read extracted original: %w", err)
	}
	log.Info("reference original acquired", "bytes", len(data))
	return data, nil
}
