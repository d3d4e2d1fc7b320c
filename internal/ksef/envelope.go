package ksef

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// maxErrorText caps the error text copied from response bodies.
const maxErrorText = 500

// Envelope is the normalized result of every authority call. Transport failures are reported
// with Status 0 instead of a Go error so retry and classification decisions work on values.
type Envelope struct {
	OK     bool
	Status int

	// Data holds the body when it parsed as JSON.
	Data json.RawMessage

	// Raw holds the body when it did not parse as JSON (XML receipts, plain text errors).
	Raw []byte

	// Error describes a failed call: the transport error or the truncated response body.
	Error string

	// Attempts is the number of HTTP attempts made, including retries.
	Attempts int
}

func newEnvelope(status int, body []byte) *Envelope {
	env := &Envelope{
		OK:     status >= 200 && status < 300,
		Status: status,
	}
	if len(body) > 0 && json.Valid(body) {
		env.Data = json.RawMessage(body)
	} else if len(body) > 0 {
		env.Raw = body
	}
	if !env.OK {
		env.Error = truncate(fmt.Sprintf("HTTP %d %s", status, env.Text()), maxErrorText)
	}
	return env
}

func transportFailure(err error) *Envelope {
	return &Envelope{Status: 0, Error: truncate(err.Error(), maxErrorText)}
}

// Text returns the body as text regardless of how it was parsed.
func (e *Envelope) Text() string {
	if e == nil {
		return ""
	}
	if len(e.Data) > 0 {
		return string(e.Data)
	}
	return string(e.Raw)
}

// Body returns the raw response bytes.
func (e *Envelope) Body() []byte {
	if len(e.Data) > 0 {
		return e.Data
	}
	return e.Raw
}

// Decode unmarshals a JSON body into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("response body is not JSON")
	}
	return json.Unmarshal(e.Data, v)
}

// Transient reports a failure worth retrying: no response at all or a server error.
func (e *Envelope) Transient() bool {
	return !e.OK && (e.Status == 0 || e.Status >= 500)
}

// AuthFailure reports a rejected or expired session token.
func (e *Envelope) AuthFailure() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Rejected reports a 4xx answer from the authority.
func (e *Envelope) Rejected() bool {
	return !e.OK && e.Status >= 400 && e.Status < 500
}

// Err converts a failed envelope into a classified error (nil when OK).
func (e *Envelope) Err() error {
	switch {
	case e.OK:
		return nil
	case e.Transient():
		return NewTransientGatewayError(e.Status, e.Error)
	case e.AuthFailure():
		return NewAuthExpiredError(e.Status, ParseRejection(e.Status, e.Body()))
	case e.Rejected():
		return NewTerminalRejectionError(e.Status, ParseRejection(e.Status, e.Body()))
	default:
		return NewTransientGatewayError(e.Status, e.Error)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// keep valid UTF-8 by cutting on a rune boundary
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
