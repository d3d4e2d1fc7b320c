package ksef

import (
	"errors"
	"strings"
	"testing"
)

func TestParseRejection(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{
			name:   "code and message",
			status: 400,
			body:   `{"code":"E1","message":"Invalid NIP"}`,
			want:   "KSeF E1: Invalid NIP",
		},
		{
			name:   "known code adds a description",
			status: 400,
			body:   `{"code":"21401","message":"element P_1 missing"}`,
			want:   "KSeF 21401: Document does not match the schema (XSD): element P_1 missing",
		},
		{
			name:   "numeric code",
			status: 400,
			body:   `{"errorCode":21176,"errorMessage":"duplicate"}`,
			want:   "KSeF 21176: Duplicate invoice in session context: duplicate",
		},
		{
			name:   "message without code",
			status: 422,
			body:   `{"message":"bad amount"}`,
			want:   "KSeF error (422): bad amount",
		},
		{
			name:   "fault object",
			status: 400,
			body:   `{"fault":{"serviceCode":"E7","message":"wrong schema"}}`,
			want:   "KSeF E7: wrong schema",
		},
		{
			name:   "exception detail list",
			status: 400,
			body:   `{"exception":{"exceptionDetailList":[{"exceptionCode":21111,"exceptionDescription":"Nieprawidłowe wyzwanie autoryzacyjne."}]}}`,
			want:   "KSeF 21111: Invalid authorisation challenge: Nieprawidłowe wyzwanie autoryzacyjne.",
		},
		{
			name:   "xml body",
			status: 400,
			body:   `<?xml version="1.0"?><error><code>E9</code><message>Broken XML</message></error>`,
			want:   "KSeF E9: Broken XML",
		},
		{
			name:   "plain text is passed through",
			status: 400,
			body:   "something went wrong",
			want:   "something went wrong",
		},
		{
			name:   "empty body",
			status: 400,
			body:   "   ",
			want:   "KSeF error (400): no details provided.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRejection(tt.status, []byte(tt.body)); got != tt.want {
				t.Errorf("ParseRejection() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseRejectionTruncates(t *testing.T) {
	long := strings.Repeat("x", 2000)
	got := ParseRejection(400, []byte(`{"code":"E1","message":"`+long+`"}`))
	if len(got) != maxErrorText {
		t.Errorf("len = %d, want %d", len(got), maxErrorText)
	}
}

func TestEnvelopeClassification(t *testing.T) {
	tests := []struct {
		name     string
		env      *Envelope
		wantCode ErrorCode
	}{
		{"transport failure", &Envelope{Status: 0, Error: "dial tcp: refused"}, ErrCodeTransientGateway},
		{"server error", newEnvelope(503, []byte("down")), ErrCodeTransientGateway},
		{"expired token", newEnvelope(401, []byte(`{"message":"expired"}`)), ErrCodeAuthExpired},
		{"bad request", newEnvelope(400, []byte(`{"code":"E1","message":"Invalid NIP"}`)), ErrCodeTerminalRejection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Err()
			var kerr *Error
			if !errors.As(err, &kerr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if kerr.Code() != tt.wantCode {
				t.Errorf("code = %s, want %s", kerr.Code(), tt.wantCode)
			}
		})
	}

	if err := newEnvelope(200, []byte(`{}`)).Err(); err != nil {
		t.Errorf("ok envelope should have no error, got %v", err)
	}
}

func TestEnvelopeBodyParsing(t *testing.T) {
	env := newEnvelope(200, []byte(`{"referenceNumber":"R-1"}`))
	if env.Data == nil || env.Raw != nil {
		t.Fatal("JSON body should be parsed")
	}

	var out struct {
		ReferenceNumber string `json:"referenceNumber"`
	}
	if err := env.Decode(&out); err != nil || out.ReferenceNumber != "R-1" {
		t.Errorf("Decode() = %v, %q", err, out.ReferenceNumber)
	}

	xml := newEnvelope(200, []byte("<Upo/>"))
	if xml.Data != nil || string(xml.Raw) != "<Upo/>" {
		t.Error("XML body should be kept raw")
	}
	if err := xml.Decode(&out); err == nil {
		t.Error("decoding a raw body should fail")
	}
}
