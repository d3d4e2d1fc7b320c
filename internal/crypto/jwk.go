package crypto

// JWK (JSON Web Key) export of the holder public key.
//
// keygen writes the public key as a JWK next to the PEM files. The key id is the truncated
// RFC 7638 thumbprint so the same key always gets the same id.
// Reference: https://datatracker.ietf.org/doc/html/rfc7517 (JSON Web Key standard)

import (
	"crypto"
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// RSAPublicKeyToJWK converts a RSA public key to JWK format
func RSAPublicKeyToJWK(publicKey *rsa.PublicKey, keyID string) (jwk.Key, error) {
	if publicKey == nil {
		return nil, NewValidationError("public key is nil")
	}
	if keyID == "" {
		return nil, NewValidationError("keyID is required")
	}

	key, err := jwk.Import(publicKey)
	if err != nil {
		return nil, WrapKeyManagementError(err, "failed to create JWK from RSA public key")
	}
	if err := key.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, WrapKeyManagementError(err, "failed to set key ID")
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
		return nil, WrapKeyManagementError(err, "failed to set algorithm")
	}
	if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, WrapKeyManagementError(err, "failed to set key usage")
	}
	return key, nil
}

// KeyIDFromRSAKey returns the first 16 hex characters of the SHA-256 JWK thumbprint.
func KeyIDFromRSAKey(publicKey *rsa.PublicKey) (string, error) {
	if publicKey == nil {
		return "", NewValidationError("public key is nil")
	}

	jwkKey, err := jwk.Import(publicKey)
	if err != nil {
		return "", WrapKeyManagementError(err, "failed to import key")
	}

	thumbprint, err := jwkKey.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", WrapKeyManagementError(err, "failed to generate thumbprint")
	}
	return fmt.Sprintf("%x", thumbprint)[:16], nil
}

// SaveRSAPublicKeyToJWKFile writes the public key as an indented JWK and returns its key id.
func SaveRSAPublicKeyToJWKFile(publicKey *rsa.PublicKey, baseDir, filename string) (string, error) {
	kid, err := KeyIDFromRSAKey(publicKey)
	if err != nil {
		return "", err
	}
	key, err := RSAPublicKeyToJWK(publicKey, kid)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return "", WrapKeyManagementError(err, "failed to marshal JWK")
	}
	if err := writeScopedFile(baseDir, filename, data, 0644); err != nil {
		return "", err
	}
	return kid, nil
}
