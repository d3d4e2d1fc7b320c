// this file contains functions to parse the key material used during the KSeF handshake
// and to generate holder credentials.
//
// The authority publishes its public key with every authorisation challenge. Depending on the
// environment it arrives as a PEM block, a bare base64 DER blob or (from some proxies) a JWK.
// All three are accepted and converted to an *rsa.PublicKey.
//
// PEM files written by this package are PKCS#8 (private) and PKIX (public).

package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// pemLineLength is the line width used when wrapping bare base64 key material into PEM.
const pemLineLength = 64

// ParseAuthorityPublicKey converts authority key material (PEM, raw base64 DER or JWK JSON)
// into an RSA public key.
func ParseAuthorityPublicKey(material string) (*rsa.PublicKey, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, NewKeyManagementError("authority public key is empty")
	}

	if strings.HasPrefix(material, "{") {
		return parseJWKPublicKey(material)
	}

	pemData := material
	if !strings.Contains(material, "-----BEGIN") {
		wrapped, err := WrapBase64AsPEM(material, "PUBLIC KEY")
		if err != nil {
			return nil, err
		}
		pemData = wrapped
	}

	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, NewKeyManagementError("failed to decode PEM block containing the authority key")
	}

	var (
		pub any
		err error
	)
	switch block.Type {
	case "PUBLIC KEY":
		pub, err = x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			// some environments publish PKCS#1 DER without the PKIX wrapper
			if pkcs1, pkcs1Err := x509.ParsePKCS1PublicKey(block.Bytes); pkcs1Err == nil {
				return pkcs1, nil
			}
		}
	case "RSA PUBLIC KEY":
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		var cert *x509.Certificate
		cert, err = x509.ParseCertificate(block.Bytes)
		if err == nil {
			pub = cert.PublicKey
		}
	default:
		return nil, NewKeyManagementError(fmt.Sprintf("unsupported PEM block type %q for the authority key", block.Type))
	}
	if err != nil {
		return nil, WrapKeyManagementError(err, "failed to parse authority public key")
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, NewKeyManagementError(fmt.Sprintf("authority key is not an RSA public key (got %T)", pub))
	}
	return rsaPub, nil
}

// WrapBase64AsPEM reflows bare base64 key material into a PEM block with 64 character lines.
func WrapBase64AsPEM(b64, blockType string) (string, error) {
	compact := strings.Join(strings.Fields(b64), "")
	if _, err := base64.StdEncoding.DecodeString(compact); err != nil {
		return "", WrapKeyManagementError(err, "key material is neither PEM nor valid base64")
	}

	var sb strings.Builder
	sb.WriteString("-----BEGIN " + blockType + "-----\n")
	for i := 0; i < len(compact); i += pemLineLength {
		end := min(i+pemLineLength, len(compact))
		sb.WriteString(compact[i:end])
		sb.WriteString("\n")
	}
	sb.WriteString("-----END " + blockType + "-----\n")
	return sb.String(), nil
}

func parseJWKPublicKey(material string) (*rsa.PublicKey, error) {
	key, err := jwk.ParseKey([]byte(material))
	if err != nil {
		return nil, WrapKeyManagementError(err, "failed to parse authority JWK")
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, WrapKeyManagementError(err, "failed to export authority JWK")
	}

	switch k := raw.(type) {
	case *rsa.PublicKey:
		return k, nil
	case *rsa.PrivateKey:
		return &k.PublicKey, nil
	default:
		return nil, NewKeyManagementError(fmt.Sprintf("authority JWK is not an RSA key (got %T)", raw))
	}
}

// IsPrivateKeyMaterial reports whether a holder credential is a PEM encoded private key
// rather than a shared secret token.
func IsPrivateKeyMaterial(credential string) bool {
	c := strings.TrimSpace(credential)
	return strings.HasPrefix(c, "-----BEGIN") && strings.Contains(c, "PRIVATE KEY-----")
}

// ParseHolderPrivateKey parses a PEM private key (PKCS#8, PKCS#1 or SEC1) into a signer.
func ParseHolderPrivateKey(pemData string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemData)))
	if block == nil {
		return nil, NewKeyManagementError("failed to decode PEM block containing the holder key")
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, WrapKeyManagementError(err, "failed to parse PKCS#8 holder key")
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, NewKeyManagementError(fmt.Sprintf("unsupported holder key type %T", key))
		}
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, WrapKeyManagementError(err, "failed to parse PKCS#1 holder key")
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, WrapKeyManagementError(err, "failed to parse EC holder key")
		}
		return key, nil
	default:
		return nil, NewKeyManagementError(fmt.Sprintf("unsupported PEM block type %q for the holder key", block.Type))
	}
}

// GenerateRSAKeyPair generates a new RSA private key (2048, 3072 or 4096 bits).
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits != 2048 && bits != 3072 && bits != 4096 {
		return nil, NewValidationError(fmt.Sprintf("unsupported RSA key size %d (use 2048, 3072 or 4096)", bits))
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, WrapInternalError(err, "failed to generate key pair")
	}
	return privateKey, nil
}

// EncodeRSAPrivateKeyPEM returns the PKCS#8 PEM encoding of key.
func EncodeRSAPrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, WrapKeyManagementError(err, "failed to marshal private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodeRSAPublicKeyPEM returns the PKIX PEM encoding of key.
func EncodeRSAPublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, WrapKeyManagementError(err, "failed to marshal public key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// SaveRSAPrivateKeyToPEMFile saves an RSA private key to a PEM file in PKCS#8 format
// note the key is not encrypted
//
// Parameters:
//   - baseDir: The base directory to scope file access (e.g., "./keys")
//   - filename: The filename within the base directory (e.g., "holder.pem")
func SaveRSAPrivateKeyToPEMFile(privateKey *rsa.PrivateKey, baseDir, filename string) error {
	pemBytes, err := EncodeRSAPrivateKeyPEM(privateKey)
	if err != nil {
		return err
	}
	return writeScopedFile(baseDir, filename, pemBytes, 0600)
}

// SaveRSAPublicKeyToPEMFile saves an RSA public key to a PEM file in PKIX format
//
// Parameters:
//   - baseDir: The base directory to scope file access (e.g., "./keys")
//   - filename: The filename within the base directory (e.g., "holder.pub.pem")
func SaveRSAPublicKeyToPEMFile(publicKey *rsa.PublicKey, baseDir, filename string) error {
	pemBytes, err := EncodeRSAPublicKeyPEM(publicKey)
	if err != nil {
		return err
	}
	return writeScopedFile(baseDir, filename, pemBytes, 0644)
}

// ReadPEMFile reads a PEM file scoped to baseDir.
func ReadPEMFile(baseDir, filename string) (string, error) {
	root, err := os.OpenRoot(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to open root directory %s: %w", baseDir, err)
	}
	defer root.Close()

	data, err := root.ReadFile(filename)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

func writeScopedFile(baseDir, filename string, data []byte, perm os.FileMode) error {
	root, err := os.OpenRoot(baseDir)
	if err != nil {
		return fmt.Errorf("failed to open root directory %s: %w", baseDir, err)
	}
	defer root.Close()

	if err := root.WriteFile(filename, data, perm); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
