package cache

import (
	"strings"

	"callguard-server/pkg/audio"
)

// Key construction rules per namespace. Keys are content fingerprints, not
// raw inputs, so arbitrarily large payloads produce fixed-size keys.

// TranscriptionKey keys STT results by audio fingerprint and language
func TranscriptionKey(audioFingerprint, language string) string {
	return audioFingerprint + ":" + language
}

// IntentKey keys intent classifications by normalized text and user
func IntentKey(text, userID string) string {
	return audio.TextFingerprint(normalizeText(text), userID)
}

// ResponseKey keys generated responses by intent, user and context
// fingerprints
func ResponseKey(intent, userID, contextFingerprint string) string {
	return audio.TextFingerprint(intent, userID, contextFingerprint)
}

// AudioKey keys synthesized audio by response text and voice profile
func AudioKey(text, voiceProfile string) string {
	return audio.TextFingerprint(normalizeText(text), voiceProfile)
}

// ProfileKey keys user profiles by user id
func ProfileKey(userID string) string {
	return userID
}

// ResultKey keys cached end-to-end pipeline results by audio content plus
// caller context
func ResultKey(payload []byte, userID, lastIntent string) string {
	return audio.FingerprintWithContext(payload, userID, lastIntent)
}

// normalizeText lower-cases and collapses whitespace so trivially different
// phrasings share cache entries
func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
