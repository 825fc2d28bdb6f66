package audio

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Fingerprint produces a stable content hash of an audio payload. Identical
// payloads always produce identical fingerprints, which is what keys the
// end-to-end result cache.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}

// FingerprintWithContext mixes caller context into the content hash so two
// callers saying the same thing do not share cached responses across users.
func FingerprintWithContext(payload []byte, parts ...string) string {
	h := sha256.New()
	h.Write(payload)

	var lenBuf [8]byte
	for _, part := range parts {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(part)))
		h.Write(lenBuf[:])
		h.Write([]byte(part))
	}

	return hex.EncodeToString(h.Sum(nil)[:16])
}

// TextFingerprint hashes normalized text, used for intent and response keys
func TextFingerprint(parts ...string) string {
	h := sha256.New()

	var lenBuf [8]byte
	for _, part := range parts {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(part)))
		h.Write(lenBuf[:])
		h.Write([]byte(part))
	}

	return hex.EncodeToString(h.Sum(nil)[:16])
}
