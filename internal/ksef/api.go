package ksef

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// Authority endpoints (KSeF interactive session API).
const (
	PathAuthorisationChallenge = "/api/online/Session/AuthorisationChallenge"
	PathInitSession            = "/api/online/Session/InitSession"
	PathSessionStatus          = "/api/online/Session/Status"
	PathTerminateSession       = "/api/online/Session/Terminate"
	PathSendInvoice            = "/api/online/Invoice/Send"
	PathInvoiceStatus          = "/api/online/Invoice/Status/"
	PathInvoiceUpo             = "/api/online/Invoice/Upo/"
)

// AuthorisationChallenge is the answer of the challenge endpoint. The authority returns its
// public key material in either field depending on the environment.
type AuthorisationChallenge struct {
	Challenge string `json:"challenge"`
	PublicKey string `json:"publicKey"`
	Timestamp string `json:"timestamp"`
}

// KeyMaterial returns the public key to encrypt the init request with.
func (a AuthorisationChallenge) KeyMaterial() string {
	if a.PublicKey != "" {
		return a.PublicKey
	}
	return a.Challenge
}

// InitSessionRequest is the JSON body of the init call.
type InitSessionRequest struct {
	InitSessionTokenRequest string `json:"initSessionTokenRequest"`
	ChallengeSignature      string `json:"challengeSignature,omitempty"`
}

type InitSessionResponse struct {
	SessionToken      string
	ContextIdentifier string
}

type SessionStatusResponse struct {
	Active bool
}

type SendInvoiceResponse struct {
	ReferenceNumber       string
	ProcessingCode        int
	ProcessingDescription string
}

type InvoiceStatusResponse struct {
	// Status is the raw, possibly localized, status text.
	Status       string
	UUID         string
	ErrorMessage string
}

// Upo is a receipt reference: a download URL or the raw document.
type Upo struct {
	URL     string
	Content []byte
}

// GetAuthorisationChallenge fetches a new challenge and the authority public key.
func (c *Client) GetAuthorisationChallenge(ctx context.Context) (AuthorisationChallenge, *Envelope) {
	var out AuthorisationChallenge
	env := c.Get(ctx, PathAuthorisationChallenge, RequestOptions{})
	if env.OK {
		if err := env.Decode(&out); err != nil {
			return out, malformed(env, err)
		}
	}
	return out, env
}

// InitSession exchanges the encrypted init request for a session token.
func (c *Client) InitSession(ctx context.Context, req InitSessionRequest) (InitSessionResponse, *Envelope) {
	var out InitSessionResponse

	body, err := json.Marshal(req)
	if err != nil {
		return out, transportFailure(err)
	}
	env := c.Post(ctx, PathInitSession, RequestOptions{Body: body})
	if !env.OK {
		return out, env
	}

	fields, err := decodeFields(env)
	if err != nil {
		return out, malformed(env, err)
	}
	out.SessionToken = fields.str("sessionToken", "SessionToken")
	out.ContextIdentifier = fields.str("contextIdentifier", "ContextIdentifier")
	if out.SessionToken == "" {
		return out, malformed(env, fmt.Errorf("sessionToken missing from response"))
	}
	return out, env
}

// SessionStatus is the keep-alive call.
func (c *Client) SessionStatus(ctx context.Context, sessionToken string) (SessionStatusResponse, *Envelope) {
	out := SessionStatusResponse{}
	env := c.Get(ctx, PathSessionStatus, RequestOptions{SessionToken: sessionToken})
	if env.OK {
		out.Active = true
		if fields, err := decodeFields(env); err == nil {
			if v, ok := fields["active"].(bool); ok {
				out.Active = v
			}
		}
	}
	return out, env
}

func (c *Client) TerminateSession(ctx context.Context, sessionToken string) *Envelope {
	return c.Post(ctx, PathTerminateSession, RequestOptions{
		SessionToken: sessionToken,
		Body:         []byte("{}"),
	})
}

// SendInvoice submits a rendered invoice document.
func (c *Client) SendInvoice(ctx context.Context, sessionToken string, document []byte) (SendInvoiceResponse, *Envelope) {
	var out SendInvoiceResponse
	env := c.Put(ctx, PathSendInvoice, RequestOptions{
		SessionToken: sessionToken,
		Body:         document,
		ContentType:  "application/xml",
	})
	if !env.OK {
		return out, env
	}

	if fields, err := decodeFields(env); err == nil {
		out.ReferenceNumber = fields.str("referenceNumber", "elementReferenceNumber", "ReferenceNumber")
		out.ProcessingDescription = fields.str("processingDescription")
		if code, err := strconv.Atoi(fields.str("processingCode")); err == nil {
			out.ProcessingCode = code
		}
	}
	return out, env
}

// InvoiceStatus polls the verdict for a reference number.
func (c *Client) InvoiceStatus(ctx context.Context, sessionToken, referenceNumber string) (InvoiceStatusResponse, *Envelope) {
	var out InvoiceStatusResponse
	env := c.Get(ctx, PathInvoiceStatus+url.PathEscape(referenceNumber), RequestOptions{SessionToken: sessionToken})
	if !env.OK {
		return out, env
	}

	fields, err := decodeFields(env)
	if err != nil {
		// some gateways answer with plain text
		out.Status = env.Text()
		return out, env
	}
	out.Status = fields.str("status", "processingDescription", "Status")
	out.UUID = fields.str("uuid", "ksefUuid", "ksefReferenceNumber")
	out.ErrorMessage = fields.str("errorMessage", "message")
	return out, env
}

// InvoiceUpo downloads the receipt for a resolved invoice.
func (c *Client) InvoiceUpo(ctx context.Context, sessionToken, uid string) (Upo, *Envelope) {
	var out Upo
	env := c.Get(ctx, PathInvoiceUpo+url.PathEscape(uid), RequestOptions{SessionToken: sessionToken})
	if !env.OK {
		return out, env
	}

	if fields, err := decodeFields(env); err == nil {
		out.URL = fields.str("upoUrl", "url")
		if out.URL == "" {
			if content := fields.str("upo", "content"); content != "" {
				out.Content = []byte(content)
			}
		}
		return out, env
	}
	out.Content = env.Body()
	return out, env
}

// malformed reports a 2xx answer the client could not use. It is treated as a gateway failure.
func malformed(env *Envelope, err error) *Envelope {
	return &Envelope{
		OK:       false,
		Status:   0,
		Data:     env.Data,
		Raw:      env.Raw,
		Error:    truncate(fmt.Sprintf("unexpected response (HTTP %d): %v", env.Status, err), maxErrorText),
		Attempts: env.Attempts,
	}
}

type fieldMap map[string]any

func decodeFields(env *Envelope) (fieldMap, error) {
	var m fieldMap
	if err := env.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// str returns the first non-empty key as a string (numbers are formatted).
func (m fieldMap) str(keys ...string) string {
	for _, k := range keys {
		if s := stringValue(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
