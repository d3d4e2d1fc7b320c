// Package crypto implements the KSeF session handshake primitives: building and encrypting the
// InitSessionTokenRequest, parsing the authority key material and signing the authorisation
// challenge with the holder credential.
//
// These are low level, side-effect free functions. The session package orchestrates them.
package crypto
