// audit payloads are stored in canonical form per RFC 8785 so entries for the same operation
// compare and hash identically regardless of how the payload map was built.

package crypto

import (
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// CanonicalizeJSON converts JSON to canonical form per RFC 8785.
//
// If the input is not valid JSON, an error is returned (handled by jcs library).
func CanonicalizeJSON(jsonData []byte) ([]byte, error) {
	return jcs.Transform(jsonData)
}

// CanonicalJSON marshals v and returns its canonical form.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, WrapInternalError(err, "failed to marshal payload")
	}
	out, err := CanonicalizeJSON(data)
	if err != nil {
		return nil, WrapInternalError(err, "failed to canonicalize payload")
	}
	return out, nil
}
