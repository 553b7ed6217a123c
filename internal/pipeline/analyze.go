package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cantara/internal/analysis"
	"github.com/MrWong99/cantara/internal/artifact"
	"github.com/MrWong99/cantara/internal/blobstore"
	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/internal/session"
	"github.com/MrWong99/cantara/pkg/provider/judge"
	"github.com/MrWong99/cantara/pkg/provider/lyricsrc"
	"github.com/MrWong99/cantara/pkg/provider/pitch"
	"github.com/MrWong99/cantara/pkg/provider/transcribe"
)

// Analyze runs the full performance analysis for a session and merges the
// result bundle into the session record. The task id receives progress
// markers throughout; the worker owns retries, so Analyze reports failures
// instead of swallowing them.
func (p *Pipeline) Analyze(ctx context.Context, sessionID, taskID string) error {
	start := time.Now()
	log := p.log.With("session_id", sessionID, "task_id", taskID)

	sess, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("pipeline: analyze: %w", err)
	}

	result, err := p.analyze(ctx, sess, taskID, log)
	if err != nil {
		p.publishError(ctx, taskID, "L'analyse a échoué.")
		if mergeErr := p.store.Merge(ctx, sessionID, map[string]any{
			"status": "error",
			"error":  "L'analyse de la performance a échoué.",
		}); mergeErr != nil {
			log.Warn("error merge failed", "error", mergeErr)
		}
		return err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("pipeline: marshal result: %w", err)
	}
	if err := p.store.Merge(ctx, sessionID, map[string]any{
		"status":  "completed",
		"results": json.RawMessage(raw),
	}); err != nil {
		return fmt.Errorf("pipeline: result merge: %w", err)
	}
	p.publish(ctx, taskID, StepCompleted)

	p.recordStage(ctx, "analyze", start)
	log.Info("analysis complete", "score", result.Score, "elapsed", time.Since(start))
	return nil
}

// analysisState carries intermediate artifacts between phases.
type analysisState struct {
	userVocals []byte
	refVocals  []byte
	userNPZ    []byte
	refNPZ     []byte

	transcript *transcribe.Transcription
	refText    string

	mu       sync.Mutex
	warnings []string
}

func (s *analysisState) warn(msg string) {
	s.mu.Lock()
	s.warnings = append(s.warnings, msg)
	s.mu.Unlock()
}

func (p *Pipeline) analyze(ctx context.Context, sess *session.Session, taskID string, log *slog.Logger) (*analysis.Result, error) {
	dir, err := p.tempDir("analyze-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	refID := sess.YoutubeID
	if refID == "" {
		return nil, fmt.Errorf("pipeline: session %q has no reference video: %w", sess.ID, fault.ErrValidation)
	}

	st := &analysisState{}

	// Phase 1: separate the user recording. Sequential; the GPU service
	// handles one separation at a time anyway.
	p.publish(ctx, taskID, StepLoadingModel)
	userAudio, filename, err := p.fetchUserRecording(ctx, sess)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, taskID, StepSeparatingUser)
	sepStart := time.Now()
	p.gpu.RequestExclusive(ctx)
	userStems, err := p.sep.Separate(ctx, userAudio, filename)
	if err != nil {
		return nil, fmt.Errorf("pipeline: separate user: %w", err)
	}
	p.recordStage(ctx, "separate_user", sepStart)
	st.userVocals = userStems.Vocals
	p.publish(ctx, taskID, StepSeparatingUserDone)

	// Phase 2 marker, chosen before the fan-out starts so no goroutine
	// publishes progress.
	refCached := p.blobs.Exists(ctx, blobstore.ReferenceVocals(refID)) &&
		p.blobs.Exists(ctx, blobstore.ReferenceInstrumentals(refID))
	if refCached {
		p.publish(ctx, taskID, StepSeparatingReferenceCached)
	} else {
		p.publish(ctx, taskID, StepSeparatingReference)
	}

	if err := p.runPhase2(ctx, sess, refID, userStems.Instrumentals, st, log); err != nil {
		return nil, err
	}
	if !refCached {
		p.publish(ctx, taskID, StepSeparatingReferenceDone)
	}

	// Phase 3: offset estimation and reference contour, in parallel.
	p.publish(ctx, taskID, StepComputingSync)
	syncRec, userSamples, refSamples, sampleRate, err := p.runPhase3(ctx, refID, st, log)
	if err != nil {
		return nil, err
	}

	// Phase 4: scoring, then the jury.
	p.publish(ctx, taskID, StepAnalyzingParallel)

	userContour, err := analysis.DecodeContourNPZ(st.userNPZ)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode user contour: %w", err)
	}
	refContour, err := analysis.DecodeContourNPZ(st.refNPZ)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode reference contour: %w", err)
	}

	offset := syncRec.EffectiveOffset()
	pitchScore := analysis.PitchAccuracy(userContour, refContour, offset)
	rhythmScore := analysis.RhythmAccuracy(userSamples, refSamples, sampleRate, userContour, refContour, offset)

	var userText string
	if st.transcript != nil {
		userText = st.transcript.Text
	}
	if strings.TrimSpace(userText) == "" {
		st.warn("aucune parole reconnue dans l'enregistrement")
	}
	lyricsScore, lyricsWarnings := analysis.LyricsAccuracy(userText, st.refText)
	st.warnings = append(st.warnings, lyricsWarnings...)

	p.publish(ctx, taskID, StepAnalysisDone)
	p.publish(ctx, taskID, StepCalculatingScores)
	total := analysis.Aggregate(pitchScore, rhythmScore, lyricsScore)

	p.publish(ctx, taskID, StepJuryDeliberation)
	comments := p.judge.Comments(ctx, judge.Scores{
		Overall:   total,
		Pitch:     pitchScore,
		Rhythm:    rhythmScore,
		Lyrics:    lyricsScore,
		Title:     sess.TrackName,
		Artist:    sess.ArtistName,
		SessionID: sess.ID,
	})
	p.publish(ctx, taskID, StepJuryVoting)

	result := &analysis.Result{
		SessionID:      sess.ID,
		Score:          total,
		PitchAccuracy:  pitchScore,
		RhythmAccuracy: rhythmScore,
		LyricsAccuracy: lyricsScore,
		JuryComments:   make([]analysis.JuryComment, 0, len(comments)),
		Warnings:       st.warnings,
		AutoSync:       syncRec,
	}
	for _, c := range comments {
		result.JuryComments = append(result.JuryComments, analysis.JuryComment{
			Persona:   c.Persona,
			Comment:   c.Text,
			Vote:      c.Vote,
			Model:     c.Model,
			LatencyMS: c.LatencyMS,
		})
	}
	return result, nil
}

// runPhase2 fans out the post-separation work: two critical branches the
// result cannot exist without (reference stems, user pitch) and two
// best-effort branches (stem uploads, transcription + lyrics) whose failures
// become warnings.
func (p *Pipeline) runPhase2(ctx context.Context, sess *session.Session, refID string, userInstrumentals []byte, st *analysisState, log *slog.Logger) error {
	critCtx, cancelCrit := context.WithTimeout(ctx, criticalTimeout)
	defer cancelCrit()
	gCrit, critCtx := errgroup.WithContext(critCtx)

	// B: reference stems, separating on a cache miss.
	gCrit.Go(func() error {
		vocals, err := p.ensureReferenceStems(critCtx, refID, sess.YoutubeURL, log)
		if err != nil {
			return err
		}
		st.refVocals = vocals
		return nil
	})

	// C: accurate pitch contour of the user's vocals. Pitch extraction runs
	// on its own device, so no GPU handover here.
	gCrit.Go(func() error {
		npz, err := p.pitch.Extract(critCtx, st.userVocals, pitch.ModeAccurate)
		if err != nil {
			return fmt.Errorf("pipeline: user pitch: %w", err)
		}
		st.userNPZ = npz
		return nil
	})

	auxCtx, cancelAux := context.WithTimeout(ctx, auxTimeout)
	defer cancelAux()
	var gAux errgroup.Group

	// A: publish user stems for playback. Failure costs the client a
	// feature, not the analysis.
	gAux.Go(func() error {
		if _, err := p.blobs.Put(auxCtx, blobstore.UserVocals(sess.ID), st.userVocals, "audio/wav"); err != nil {
			log.Warn("user vocals upload failed", "error", err)
			st.warn("vos pistes séparées ne sont pas disponibles à l'écoute")
			return nil
		}
		if _, err := p.blobs.Put(auxCtx, blobstore.UserInstrumentals(sess.ID), userInstrumentals, "audio/wav"); err != nil {
			log.Warn("user instrumentals upload failed", "error", err)
		}
		if err := p.store.MarkUserTracksReady(auxCtx, sess.ID); err != nil {
			log.Warn("user ready key failed", "error", err)
		}
		return nil
	})

	// D: transcribe the user's vocals and fetch the reference lyrics. An
	// empty transcript degrades the lyrics score instead of failing.
	gAux.Go(func() error {
		p.runTranscription(auxCtx, sess, refID, st, log)
		return nil
	})

	if err := gCrit.Wait(); err != nil {
		return err
	}
	gAux.Wait()
	return nil
}

// ensureReferenceStems returns the reference vocals, separating and caching
// the stems when absent.
func (p *Pipeline) ensureReferenceStems(ctx context.Context, refID, sourceURL string, log *slog.Logger) ([]byte, error) {
	vocalsKey := blobstore.ReferenceVocals(refID)
	instKey := blobstore.ReferenceInstrumentals(refID)

	if p.blobs.Exists(ctx, vocalsKey) {
		vocals, err := p.blobs.Get(ctx, vocalsKey)
		if err != nil {
			return nil, fmt.Errorf("pipeline: fetch reference vocals: %w", err)
		}
		return vocals, nil
	}

	dir, err := p.tempDir("refsep-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	original, err := p.acquireOriginal(ctx, refID, sourceURL, dir, log)
	if err != nil {
		return nil, err
	}
	p.gpu.RequestExclusive(ctx)
	stems, err := p.sep.Separate(ctx, original, "reference.flac")
	if err != nil {
		return nil, fmt.Errorf("pipeline: separate reference: %w", err)
	}
	// Best-effort cache writes; the vocals are already in hand.
	if _, err := p.blobs.Put(ctx, vocalsKey, stems.Vocals, "audio/wav"); err != nil {
		log.Warn("reference vocals upload failed", "error", err)
	}
	if _, err := p.blobs.Put(ctx, instKey, stems.Instrumentals, "audio/wav"); err != nil {
		log.Warn("reference instrumentals upload failed", "error", err)
	}
	return stems.Vocals, nil
}

// runTranscription fills st.transcript and st.refText best-effort, routing
// word timestamps and lyrics through the artifact cache.
func (p *Pipeline) runTranscription(ctx context.Context, sess *session.Session, refID string, st *analysisState, log *slog.Logger) {
	var tr *transcribe.Transcription
	err := fmt.Errorf("pipeline: no transcription provider configured: %w", fault.ErrUpstreamUnavailable)
	if p.stt != nil {
		tr, err = p.stt.Transcribe(ctx, transcribe.Request{
			WAV:      st.userVocals,
			Language: p.sttLanguage,
		})
	}
	if err != nil {
		log.Warn("transcription failed", "error", err)
		st.warn("transcription indisponible, précision des paroles non évaluée")
	} else {
		st.transcript = tr
		p.storeWordTimestamps(ctx, sess, refID, tr, log)
	}

	st.refText = p.referenceLyrics(ctx, sess, refID, log)
}

// storeWordTimestamps caches the word-level timing of a transcription.
func (p *Pipeline) storeWordTimestamps(ctx context.Context, sess *session.Session, refID string, tr *transcribe.Transcription, log *slog.Logger) {
	if sess.SpotifyTrackID == "" || len(tr.Words) == 0 {
		return
	}
	wt := &artifact.WordTimestamps{
		Words:      make([]artifact.Word, 0, len(tr.Words)),
		Provenance: tr.Provenance,
	}
	for _, w := range tr.Words {
		wt.Words = append(wt.Words, artifact.Word{
			Word:       w.Word,
			StartMS:    int(w.Start * 1000),
			EndMS:      int(w.End * 1000),
			Confidence: w.Confidence,
		})
	}
	fp := artifact.Fingerprint{Class: artifact.ClassWordTimestamps, TrackID: sess.SpotifyTrackID, RefID: refID}
	prov := artifact.ProvenanceGenerated
	if err := p.cache.SetWordTimestamps(ctx, fp, wt, prov, tr.Model); err != nil {
		log.Warn("word timestamp cache write failed", "error", err)
	}
}

// referenceLyrics returns the reference lyrics text, consulting the cache
// before the provider chain and remembering both hits and misses.
func (p *Pipeline) referenceLyrics(ctx context.Context, sess *session.Session, refID string, log *slog.Logger) string {
	trackID := sess.SpotifyTrackID
	if trackID != "" {
		entry, err := p.cache.Best(ctx, artifact.ClassLyrics, trackID, refID)
		if err != nil {
			log.Warn("lyrics cache read failed", "error", err)
		} else if entry != nil {
			p.metrics.RecordCacheHit(ctx, string(artifact.ClassLyrics), "cold")
			if entry.Negative {
				return ""
			}
			var rec artifact.LyricsRecord
			if uerr := json.Unmarshal(entry.Payload, &rec); uerr != nil {
				log.Warn("lyrics cache payload corrupt", "error", uerr)
			} else {
				return rec.Text
			}
		} else {
			p.metrics.RecordCacheMiss(ctx, string(artifact.ClassLyrics))
		}
	}

	rec, err := p.lyrics.Lookup(ctx, lyricsrc.Query{
		Artist:     sess.ArtistName,
		Title:      sess.TrackName,
		Album:      sess.AlbumName,
		DurationMS: int64(sess.DurationMS),
	})
	if err != nil {
		if errors.Is(err, lyricsrc.ErrNoLyrics) && trackID != "" {
			fp := artifact.Fingerprint{Class: artifact.ClassLyrics, TrackID: trackID}
			neg := &artifact.LyricsRecord{Sync: artifact.SyncNone}
			if cerr := p.cache.SetLyrics(ctx, fp, neg, artifact.ProvenanceGenerated); cerr != nil {
				log.Warn("negative lyrics cache write failed", "error", cerr)
			}
		} else {
			log.Warn("lyrics lookup failed", "error", err)
		}
		return ""
	}

	if trackID != "" {
		fp := artifact.Fingerprint{Class: artifact.ClassLyrics, TrackID: trackID, RefID: refID}
		cached := &artifact.LyricsRecord{
			Text:       rec.Text,
			Sync:       artifact.SyncQuality(rec.Sync),
			Provenance: rec.Provenance,
		}
		for _, line := range rec.Lines {
			cached.Lines = append(cached.Lines, artifact.LyricsLine{Text: line.Text, StartMS: int(line.TimeMS)})
		}
		prov := artifact.ProvenanceGenerated
		if rec.Provenance == "professional" {
			prov = artifact.ProvenanceProfessional
		}
		if err := p.cache.SetLyrics(ctx, fp, cached, prov); err != nil {
			log.Warn("lyrics cache write failed", "error", err)
		}
	}
	return rec.Text
}

// runPhase3 estimates the user/reference offset and loads the validated
// reference contour.
func (p *Pipeline) runPhase3(ctx context.Context, refID string, st *analysisState, log *slog.Logger) (analysis.SyncRecord, []float64, []float64, int, error) {
	userSamples, userRate, err := analysis.DecodeWAV(st.userVocals)
	if err != nil {
		return analysis.SyncRecord{}, nil, nil, 0, fmt.Errorf("pipeline: decode user vocals: %w", err)
	}
	refSamples, refRate, err := analysis.DecodeWAV(st.refVocals)
	if err != nil {
		return analysis.SyncRecord{}, nil, nil, 0, fmt.Errorf("pipeline: decode reference vocals: %w", err)
	}
	if refRate != userRate {
		refSamples = analysis.Resample(refSamples, refRate, userRate)
	}

	var syncRec analysis.SyncRecord
	g, gctx := errgroup.WithContext(ctx)

	// E: envelope cross-correlation.
	g.Go(func() error {
		syncRec = analysis.EstimateOffset(userSamples, refSamples, userRate)
		return nil
	})

	// F: reference pitch contour, recomputed when the cached artifact fails
	// validation.
	g.Go(func() error {
		pitchKey := blobstore.ReferencePitch(refID)
		if p.blobs.Exists(gctx, pitchKey) {
			npz, err := p.blobs.Get(gctx, pitchKey)
			if err == nil && analysis.ValidateContourNPZ(npz) == nil {
				st.refNPZ = npz
				return nil
			}
			log.Warn("cached reference pitch invalid, recomputing")
		}
		npz, err := p.pitch.Extract(gctx, st.refVocals, pitch.ModeFast)
		if err != nil {
			return fmt.Errorf("pipeline: reference pitch: %w", err)
		}
		if _, err := p.blobs.Put(gctx, pitchKey, npz, "application/octet-stream"); err != nil {
			log.Warn("reference pitch upload failed", "error", err)
		}
		st.refNPZ = npz
		return nil
	})

	if err := g.Wait(); err != nil {
		return analysis.SyncRecord{}, nil, nil, 0, err
	}
	return syncRec, userSamples, refSamples, userRate, nil
}

// fetchUserRecording downloads the user's uploaded performance. The upload
// handler records the chosen key on the session; older records are probed by
// extension.
func (p *Pipeline) fetchUserRecording(ctx context.Context, sess *session.Session) ([]byte, string, error) {
	keys := []string{
		sess.UserAudioPath,
		blobstore.UserRecording(sess.ID, "webm"),
		blobstore.UserRecording(sess.ID, "wav"),
	}
	for _, key := range keys {
		if key == "" || !p.blobs.Exists(ctx, key) {
			continue
		}
		data, err := p.blobs.Get(ctx, key)
		if err != nil {
			return nil, "", fmt.Errorf("pipeline: fetch user recording: %w", err)
		}
		name := "user_recording.webm"
		if strings.HasSuffix(key, ".wav") {
			name = "user_recording.wav"
		}
		return data, name, nil
	}
	return nil, "", fmt.Errorf("pipeline: session %q has no user recording: %w", sess.ID, fault.ErrValidation)
}
