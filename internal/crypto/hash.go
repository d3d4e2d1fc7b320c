package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// DocumentDigest returns the hex encoded SHA-256 of a rendered invoice document. The digest is
// recorded in the audit log when the document is sent, so the frozen document can be matched
// against what the authority received.
func DocumentDigest(document []byte) string {
	sum := sha256.Sum256(document)
	return hex.EncodeToString(sum[:])
}

// VerifyDocumentDigest reports whether document matches a digest produced by DocumentDigest.
func VerifyDocumentDigest(document []byte, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(DocumentDigest(document)), []byte(digest)) == 1
}
