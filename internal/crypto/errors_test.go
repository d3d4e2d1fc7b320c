package crypto

import (
	"errors"
	"io"
	"testing"
)

// check to ensure error code handling has not been broken
func TestCryptoError_Code(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{"validation", NewValidationError("test"), ErrCodeValidation},
		{"key_management", NewKeyManagementError("test"), ErrCodeKeyManagement},
		{"encryption", WrapEncryptionError(io.ErrShortBuffer, "test"), ErrCodeEncryption},
		{"signature", WrapSignatureError(io.ErrShortBuffer, "test"), ErrCodeSignature},
		{"internal", NewInternalError("test"), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cryptoErr *CryptoError
			if !errors.As(tt.err, &cryptoErr) {
				t.Fatal("error is not a CryptoError")
			}
			if cryptoErr.Code() != tt.wantCode {
				t.Errorf("Code() = %q, want %q", cryptoErr.Code(), tt.wantCode)
			}
		})
	}
}

func TestCryptoError_Unwrap(t *testing.T) {
	err := WrapKeyManagementError(io.ErrUnexpectedEOF, "bad key")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("wrapped error not reachable with errors.Is")
	}
	if got := err.Error(); got != "bad key: unexpected EOF" {
		t.Errorf("Error() = %q", got)
	}
}
