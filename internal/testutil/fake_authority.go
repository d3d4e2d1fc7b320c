// Package testutil provides in-process fakes of the external systems the gateway talks to.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
)

// Response is a scripted HTTP answer.
type Response struct {
	Status      int
	Body        string
	ContentType string
}

func (r Response) write(w http.ResponseWriter) {
	ct := r.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, r.Body)
}

var (
	authorityKeyOnce sync.Once
	authorityKey     *rsa.PrivateKey
	authorityKeyErr  error
)

// AuthorityKey returns a process wide 3072-bit key. 2048-bit OAEP cannot carry the init document.
func AuthorityKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	authorityKeyOnce.Do(func() {
		authorityKey, authorityKeyErr = rsa.GenerateKey(rand.Reader, 3072)
	})
	if authorityKeyErr != nil {
		t.Fatalf("failed to generate authority key: %v", authorityKeyErr)
	}
	return authorityKey
}

// FakeAuthority is an httptest server implementing the KSeF session and invoice endpoints.
//
// Init requests are decrypted with the authority key, so a badly encrypted request is answered
// with 400. Send, status and receipt answers can be scripted; unscripted sends succeed with a
// fresh reference number.
type FakeAuthority struct {
	Server *httptest.Server
	Key    *rsa.PrivateKey

	mu             sync.Mutex
	calls          map[string]int
	initScript     []Response
	sendScript     []Response
	sessionStatus  *Response
	invoiceStatus  map[string]Response
	upo            map[string]Response
	validTokens    map[string]bool
	lastInit       ksef.InitSessionRequest
	lastInitPlain  []byte
	lastDocument   []byte
	lastSendToken  string
	sequence       int
	publicKeyField string
}

func NewFakeAuthority(t testing.TB) *FakeAuthority {
	t.Helper()
	f := &FakeAuthority{
		Key:           AuthorityKey(t),
		calls:         map[string]int{},
		invoiceStatus: map[string]Response{},
		upo:           map[string]Response{},
		validTokens:   map[string]bool{},
	}

	der, err := x509.MarshalPKIXPublicKey(&f.Key.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal authority public key: %v", err)
	}
	f.publicKeyField = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ksef.PathAuthorisationChallenge, f.handleChallenge)
	mux.HandleFunc("POST "+ksef.PathInitSession, f.handleInit)
	mux.HandleFunc("GET "+ksef.PathSessionStatus, f.handleSessionStatus)
	mux.HandleFunc("POST "+ksef.PathTerminateSession, f.handleTerminate)
	mux.HandleFunc("PUT "+ksef.PathSendInvoice, f.handleSend)
	mux.HandleFunc("GET "+ksef.PathInvoiceStatus+"{ref}", f.handleInvoiceStatus)
	mux.HandleFunc("GET "+ksef.PathInvoiceUpo+"{uid}", f.handleUpo)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeAuthority) URL() string { return f.Server.URL }

// PublicKeyPEM is the key material returned by the challenge endpoint.
func (f *FakeAuthority) PublicKeyPEM() string { return f.publicKeyField }

// Calls returns how often path was called. Status and receipt calls are counted under their
// path prefix.
func (f *FakeAuthority) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

// ScriptInit queues answers for the next init calls.
func (f *FakeAuthority) ScriptInit(responses ...Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initScript = append(f.initScript, responses...)
}

// ScriptSend queues answers for the next send calls.
func (f *FakeAuthority) ScriptSend(responses ...Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendScript = append(f.sendScript, responses...)
}

// SetSessionStatus fixes the answer of the keep-alive endpoint.
func (f *FakeAuthority) SetSessionStatus(r Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionStatus = &r
}

func (f *FakeAuthority) SetInvoiceStatus(reference string, r Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoiceStatus[reference] = r
}

func (f *FakeAuthority) SetUpo(uid string, r Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upo[uid] = r
}

// RevokeTokens makes every issued session token answer 401.
func (f *FakeAuthority) RevokeTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validTokens = map[string]bool{}
}

// LastInit returns the last init body and its decrypted init document.
func (f *FakeAuthority) LastInit() (ksef.InitSessionRequest, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastInit, f.lastInitPlain
}

func (f *FakeAuthority) LastDocument() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastDocument
}

func (f *FakeAuthority) LastSendToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSendToken
}

func (f *FakeAuthority) count(path string) {
	f.calls[path]++
}

func (f *FakeAuthority) next() int {
	f.sequence++
	return f.sequence
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func unauthorized(w http.ResponseWriter) {
	Response{Status: http.StatusUnauthorized, Body: `{"exception":{"exceptionDetailList":[{"exceptionCode":21112,"exceptionDescription":"session expired"}]}}`}.write(w)
}

func (f *FakeAuthority) handleChallenge(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.count(ksef.PathAuthorisationChallenge)
	n := f.next()
	f.mu.Unlock()

	body, _ := json.Marshal(map[string]string{
		"challenge": fmt.Sprintf("20260101-CR-%06d", n),
		"publicKey": f.publicKeyField,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	Response{Body: string(body)}.write(w)
}

func (f *FakeAuthority) handleInit(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count(ksef.PathInitSession)

	var req ksef.InitSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Response{Status: http.StatusBadRequest, Body: `{"code":"21404","message":"bad json"}`}.write(w)
		return
	}
	f.lastInit = req

	ciphertext, err := base64.StdEncoding.DecodeString(req.InitSessionTokenRequest)
	if err != nil {
		Response{Status: http.StatusBadRequest, Body: `{"code":"21001","message":"not base64"}`}.write(w)
		return
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), nil, f.Key, ciphertext, nil)
	if err != nil {
		Response{Status: http.StatusBadRequest, Body: `{"code":"21001","message":"cannot decrypt"}`}.write(w)
		return
	}
	f.lastInitPlain = plain

	if len(f.initScript) > 0 {
		resp := f.initScript[0]
		f.initScript = f.initScript[1:]
		if resp.Status >= 300 {
			resp.write(w)
			return
		}
	}

	n := f.next()
	token := fmt.Sprintf("session-token-%d", n)
	f.validTokens[token] = true
	body, _ := json.Marshal(map[string]string{
		"sessionToken":      token,
		"contextIdentifier": fmt.Sprintf("ctx-%d", n),
	})
	Response{Body: string(body)}.write(w)
}

func (f *FakeAuthority) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count(ksef.PathSessionStatus)

	if f.sessionStatus != nil {
		f.sessionStatus.write(w)
		return
	}
	if !f.validTokens[bearer(r)] {
		unauthorized(w)
		return
	}
	Response{Body: `{"active":true}`}.write(w)
}

func (f *FakeAuthority) handleTerminate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count(ksef.PathTerminateSession)

	token := bearer(r)
	if !f.validTokens[token] {
		unauthorized(w)
		return
	}
	delete(f.validTokens, token)
	Response{Body: `{"terminated":true}`}.write(w)
}

func (f *FakeAuthority) handleSend(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count(ksef.PathSendInvoice)

	doc, _ := io.ReadAll(r.Body)
	f.lastDocument = doc
	f.lastSendToken = bearer(r)

	if len(f.sendScript) > 0 {
		resp := f.sendScript[0]
		f.sendScript = f.sendScript[1:]
		resp.write(w)
		return
	}
	if !f.validTokens[f.lastSendToken] {
		unauthorized(w)
		return
	}
	body, _ := json.Marshal(map[string]any{
		"referenceNumber":       fmt.Sprintf("20260101-EE-%06d", f.next()),
		"processingCode":        100,
		"processingDescription": "Przetwarzanie",
	})
	Response{Body: string(body)}.write(w)
}

func (f *FakeAuthority) handleInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count(ksef.PathInvoiceStatus)

	if resp, ok := f.invoiceStatus[r.PathValue("ref")]; ok {
		resp.write(w)
		return
	}
	Response{Status: http.StatusNotFound, Body: `{"code":"404","message":"unknown reference"}`}.write(w)
}

func (f *FakeAuthority) handleUpo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count(ksef.PathInvoiceUpo)

	if resp, ok := f.upo[r.PathValue("uid")]; ok {
		resp.write(w)
		return
	}
	Response{Status: http.StatusNotFound, Body: `{"code":"404","message":"unknown uid"}`}.write(w)
}
