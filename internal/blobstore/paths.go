package blobstore

import "fmt"

// Storage layout. Every key is deterministic from a reference-video id or a
// session id; no index of stored objects is kept anywhere.
//
//	cache/{ref}/reference.{wav|flac}     reference original
//	cache/{ref}/vocals.wav               reference vocals stem
//	cache/{ref}/instrumentals.wav        reference instrumentals stem
//	cache/{ref}/pitch_data.npz           reference pitch contour
//	cache/{ref}/flow_envelope.json       20 Hz RMS envelope
//	sessions/{sid}/user_recording.{webm|wav}
//	sessions/{sid}_user/vocals.wav       user stems
//	sessions/{sid}_user/instrumentals.wav
//	sessions/{sid}_ref/vocals.wav        reference stems, session-scoped copy
//	sessions/{sid}_ref/instrumentals.wav

// ReferenceOriginal returns the key of the reference original with the given
// extension ("wav" or "flac").
func ReferenceOriginal(refID, ext string) string {
	return fmt.Sprintf("cache/%s/reference.%s", refID, ext)
}

// ReferenceVocals returns the key of the cached reference vocals stem.
func ReferenceVocals(refID string) string {
	return fmt.Sprintf("cache/%s/vocals.wav", refID)
}

// ReferenceInstrumentals returns the key of the cached reference
// instrumentals stem.
func ReferenceInstrumentals(refID string) string {
	return fmt.Sprintf("cache/%s/instrumentals.wav", refID)
}

// ReferencePitch returns the key of the cached reference pitch artifact.
func ReferencePitch(refID string) string {
	return fmt.Sprintf("cache/%s/pitch_data.npz", refID)
}

// ReferenceEnvelope returns the key of the cached flow envelope.
func ReferenceEnvelope(refID string) string {
	return fmt.Sprintf("cache/%s/flow_envelope.json", refID)
}

// UserRecording returns the key of the user's uploaded recording with the
// given extension ("webm" or "wav").
func UserRecording(sessionID, ext string) string {
	return fmt.Sprintf("sessions/%s/user_recording.%s", sessionID, ext)
}

// UserVocals returns the key of the user's separated vocals stem.
func UserVocals(sessionID string) string {
	return fmt.Sprintf("sessions/%s_user/vocals.wav", sessionID)
}

// UserInstrumentals returns the key of the user's separated instrumentals stem.
func UserInstrumentals(sessionID string) string {
	return fmt.Sprintf("sessions/%s_user/instrumentals.wav", sessionID)
}

// SessionRefVocals returns the session-scoped copy of the reference vocals
// stem, advertised to the client alongside the user stems.
func SessionRefVocals(sessionID string) string {
	return fmt.Sprintf("sessions/%s_ref/vocals.wav", sessionID)
}

// SessionRefInstrumentals returns the session-scoped copy of the reference
// instrumentals stem.
func SessionRefInstrumentals(sessionID string) string {
	return fmt.Sprintf("sessions/%s_ref/instrumentals.wav", sessionID)
}

// SessionDerived lists every session-owned key the reaper removes when a
// session ages out. The per-reference cache/ keys are shared and never listed
// here.
func SessionDerived(sessionID string) []string {
	return []string{
		UserRecording(sessionID, "webm"),
		UserRecording(sessionID, "wav"),
		UserVocals(sessionID),
		UserInstrumentals(sessionID),
		SessionRefVocals(sessionID),
		SessionRefInstrumentals(sessionID),
	}
}
