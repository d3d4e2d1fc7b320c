package crypto

// handshake.go implements the stateless half of the KSeF session handshake:
//
//  1. BuildSessionInitRequest produces the InitSessionTokenRequest XML for the holder NIP
//  2. EncryptWithAuthorityKey encrypts it with the public key returned by the authorisation challenge
//  3. SignChallenge optionally signs the challenge with the holder credential
//
// None of these functions perform I/O.

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"

	"github.com/beevik/etree"
)

// InitSessionNamespace is the XML namespace of the InitSessionTokenRequest document.
const InitSessionNamespace = "http://ksef.mf.gov.pl/schema/gtw/svc/upo/authorisation/2021/10/0000000001"

// NormalizeTaxID strips whitespace, hyphens and an optional PL country prefix from a NIP.
// The result must be exactly 10 digits.
func NormalizeTaxID(taxID string) (string, error) {
	var sb strings.Builder
	for _, r := range taxID {
		if unicode.IsSpace(r) || r == '-' {
			continue
		}
		sb.WriteRune(r)
	}
	nip := sb.String()
	if len(nip) > 2 && strings.EqualFold(nip[:2], "PL") {
		nip = nip[2:]
	}

	if len(nip) != 10 {
		return "", NewValidationError(fmt.Sprintf("tax identifier must have 10 digits, got %d characters", len(nip)))
	}
	for _, r := range nip {
		if r < '0' || r > '9' {
			return "", NewValidationError("tax identifier must contain digits only")
		}
	}
	return nip, nil
}

// BuildSessionInitRequest returns the InitSessionTokenRequest document for taxID.
// contextID is optional and omitted when blank.
func BuildSessionInitRequest(taxID, contextID string) ([]byte, error) {
	nip, err := NormalizeTaxID(taxID)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("InitSessionTokenRequest")
	root.CreateAttr("xmlns", InitSessionNamespace)
	root.CreateElement("NIP").SetText(nip)

	if ctx := strings.TrimSpace(contextID); ctx != "" {
		root.CreateElement("Context").SetText(ctx)
	}

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, WrapInternalError(err, "failed to serialize session init request")
	}
	return out, nil
}

// EncryptWithAuthorityKey encrypts document with RSA-OAEP (SHA-256) using the authority key
// and returns the base64 ciphertext. OAEP is randomized, so repeated calls differ.
func EncryptWithAuthorityKey(document []byte, publicKeyMaterial string) (string, error) {
	pub, err := ParseAuthorityPublicKey(publicKeyMaterial)
	if err != nil {
		return "", err
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, document, nil)
	if err != nil {
		return "", WrapEncryptionError(err, "failed to encrypt session init request")
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// SignChallenge signs the authorisation challenge with the holder credential.
//
// A PEM private key produces an asymmetric SHA-256 signature (PKCS#1 v1.5 for RSA, ASN.1 for
// ECDSA, plain Ed25519). Anything else is treated as a shared secret and produces an
// HMAC-SHA256. The result is base64 encoded.
func SignChallenge(challenge, credential string) (string, error) {
	if challenge == "" {
		return "", NewValidationError("challenge is empty")
	}
	if strings.TrimSpace(credential) == "" {
		return "", NewKeyManagementError("holder credential is empty")
	}

	if !IsPrivateKeyMaterial(credential) {
		mac := hmac.New(sha256.New, []byte(credential))
		mac.Write([]byte(challenge))
		return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
	}

	signer, err := ParseHolderPrivateKey(credential)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(challenge))

	var sig []byte
	switch k := signer.(type) {
	case *rsa.PrivateKey:
		sig, err = rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest[:])
	case *ecdsa.PrivateKey:
		sig, err = ecdsa.SignASN1(rand.Reader, k, digest[:])
	case ed25519.PrivateKey:
		sig = ed25519.Sign(k, []byte(challenge))
	default:
		return "", NewKeyManagementError(fmt.Sprintf("unsupported holder key type %T", signer))
	}
	if err != nil {
		return "", WrapSignatureError(err, "failed to sign challenge")
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
