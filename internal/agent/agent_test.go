package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"icagent/go-identity/internal/delegation"
	"icagent/go-identity/internal/identity"
	"icagent/go-identity/internal/platform/ratelimiter"
	"icagent/go-identity/internal/principal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ugorji/go/codec"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func canister(t *testing.T, n byte) principal.Principal {
	t.Helper()
	p, err := principal.FromBytes([]byte{0, 0, 0, 0, 0, 0, 0, n, 1, 1})
	if err != nil {
		t.Fatalf("canister id: %v", err)
	}
	return p
}

func newSecp(t *testing.T) *identity.Secp256k1Identity {
	t.Helper()
	id, err := identity.GenerateSecp256k1Identity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return id
}

func delegatedIdentity(t *testing.T, targets []principal.Principal, expiration time.Time) (*delegation.DelegatedIdentity, *identity.Secp256k1Identity) {
	t.Helper()
	root := newSecp(t)
	session := newSecp(t)
	chain, err := delegation.NewChain([]identity.SigningIdentity{root, session}, expiration, targets)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	v := delegation.Verifier{Now: fixedClock}
	id, err := v.Compose(root.PublicKey(), chain, session)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	return id, root
}

func verifier() EnvelopeVerifier {
	return EnvelopeVerifier{Now: fixedClock}
}

func TestSignedEnvelopeRoundTripAndVerify(t *testing.T) {
	id := newSecp(t)
	s := Signer{Identity: id, Now: fixedClock}
	env, reqID, err := s.Sign(Request{Type: RequestCall, CanisterID: canister(t, 1), MethodName: "greet", Arg: []byte("DIDL")})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !env.Content.Sender.Equal(id.Principal()) {
		t.Fatalf("sender = %s, want %s", env.Content.Sender, id.Principal())
	}
	if len(env.Content.Nonce) != 16 {
		t.Fatalf("call nonce length = %d", len(env.Content.Nonce))
	}
	if !env.Content.IngressExpiry.Equal(testNow.Add(DefaultIngressTTL)) {
		t.Fatalf("ingress expiry = %s", env.Content.IngressExpiry)
	}

	data, err := env.MarshalCBOR()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.HasPrefix(data, selfDescribeTag) {
		t.Fatal("envelope must start with the self describe tag")
	}
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := verifier().Verify(decoded)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != reqID {
		t.Fatal("request id changed across encoding")
	}
}

func TestTamperedEnvelopeFailsVerification(t *testing.T) {
	s := Signer{Identity: newSecp(t), Now: fixedClock}
	env, _, err := s.Sign(Request{Type: RequestQuery, CanisterID: canister(t, 1), MethodName: "get"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.Content.MethodName = "set"
	if _, err := verifier().Verify(env); !errors.Is(err, identity.ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	env.Content.Sender = newSecp(t).Principal()
	if _, err := verifier().Verify(env); !errors.Is(err, ErrSenderMismatch) {
		t.Fatalf("expected ErrSenderMismatch, got %v", err)
	}
}

func TestDelegatedEnvelope(t *testing.T) {
	target := canister(t, 1)
	id, root := delegatedIdentity(t, []principal.Principal{target}, testNow.Add(time.Hour))
	s := Signer{Identity: id, Now: fixedClock}

	env, _, err := s.Sign(Request{Type: RequestCall, CanisterID: target, MethodName: "greet"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !env.Content.Sender.Equal(root.Principal()) {
		t.Fatalf("sender = %s, want root %s", env.Content.Sender, root.Principal())
	}
	if len(env.SenderDelegation) != 1 {
		t.Fatalf("delegations = %d", len(env.SenderDelegation))
	}
	data, err := env.MarshalCBOR()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.SenderDelegation[0].Delegation.Targets) != 1 {
		t.Fatal("targets lost in encoding")
	}
	if _, err := verifier().Verify(decoded); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if _, _, err := s.Sign(Request{Type: RequestCall, CanisterID: canister(t, 2), MethodName: "greet"}); !errors.Is(err, delegation.ErrTargetNotPermitted) {
		t.Fatalf("expected ErrTargetNotPermitted, got %v", err)
	}

	decoded.Content.CanisterID = canister(t, 2)
	if _, err := verifier().Verify(decoded); !errors.Is(err, delegation.ErrTargetNotPermitted) {
		t.Fatalf("verifier must enforce targets, got %v", err)
	}
}

func TestExpiredDelegatedIdentityIsRefused(t *testing.T) {
	id, _ := delegatedIdentity(t, nil, testNow.Add(time.Minute))
	s := Signer{Identity: id, Now: func() time.Time { return testNow.Add(2 * time.Minute) }}
	if _, _, err := s.Sign(Request{Type: RequestQuery, CanisterID: canister(t, 1), MethodName: "get"}); !errors.Is(err, ErrIdentityExpired) {
		t.Fatalf("expected ErrIdentityExpired, got %v", err)
	}
}

func TestAnonymousEnvelopeIsUnsigned(t *testing.T) {
	s := Signer{Identity: identity.AnonymousIdentity{}, Now: fixedClock}
	env, _, err := s.Sign(Request{Type: RequestQuery, CanisterID: canister(t, 1), MethodName: "get"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !env.Anonymous() || !env.Content.Sender.IsAnonymous() {
		t.Fatal("anonymous envelope must be unsigned with the anonymous sender")
	}
	if len(env.Content.Nonce) != 0 {
		t.Fatal("queries carry no nonce")
	}
	if _, err := verifier().Verify(env); err != nil {
		t.Fatalf("verify: %v", err)
	}
	env.Content.Sender = newSecp(t).Principal()
	if _, err := verifier().Verify(env); !errors.Is(err, ErrUnsignedRequest) {
		t.Fatalf("expected ErrUnsignedRequest, got %v", err)
	}
}

func TestVerifyRejectsExpiredIngress(t *testing.T) {
	s := Signer{Identity: newSecp(t), Now: fixedClock, IngressTTL: time.Minute}
	env, _, err := s.Sign(Request{Type: RequestQuery, CanisterID: canister(t, 1), MethodName: "get"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	late := EnvelopeVerifier{Now: func() time.Time { return testNow.Add(time.Hour) }}
	if _, err := late.Verify(env); !errors.Is(err, ErrIngressExpired) {
		t.Fatalf("expected ErrIngressExpired, got %v", err)
	}
}

func TestReadStateEnvelope(t *testing.T) {
	s := Signer{Identity: newSecp(t), Now: fixedClock}
	paths := [][][]byte{{[]byte("request_status"), bytes.Repeat([]byte{1}, 32)}}
	env, _, err := s.Sign(Request{Type: RequestReadState, CanisterID: canister(t, 1), Paths: paths})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	data, err := env.MarshalCBOR()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Content.Paths) != 1 || !bytes.Equal(decoded.Content.Paths[0][0], []byte("request_status")) {
		t.Fatalf("paths = %v", decoded.Content.Paths)
	}
	if _, err := verifier().Verify(decoded); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	s := Signer{Identity: newSecp(t), Now: fixedClock}
	cases := map[string]Request{
		"no method":     {Type: RequestCall, CanisterID: canister(t, 1)},
		"unknown type":  {Type: "mystery", CanisterID: canister(t, 1), MethodName: "x"},
		"no read paths": {Type: RequestReadState, CanisterID: canister(t, 1)},
	}
	for name, req := range cases {
		if _, _, err := s.Sign(req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
	if _, err := DecodeEnvelope([]byte{0xd9, 0xd9, 0xf7, 0xff}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func encodeCBOR(t *testing.T, v interface{}) []byte {
	t.Helper()
	var out []byte
	if err := codec.NewEncoderBytes(&out, new(codec.CborHandle)).Encode(v); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return out
}

func TestClientQueryOverHTTP(t *testing.T) {
	target := canister(t, 1)
	var gotPath, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		if _, err := DecodeEnvelope(body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write(encodeCBOR(t, map[string]interface{}{
			"status": "replied",
			"reply":  map[string]interface{}{"arg": []byte("DIDL\x00\x00")},
		}))
	}))
	defer srv.Close()

	transport, err := NewHTTPTransport(srv.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	reg := prometheus.NewRegistry()
	c := &Client{
		Transport: transport,
		Signer:    Signer{Identity: newSecp(t)},
		Metrics:   NewMetrics(reg),
	}
	reply, err := c.Query(context.Background(), target, "get", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if string(reply) != "DIDL\x00\x00" {
		t.Fatalf("reply = %q", reply)
	}
	if gotPath != "/api/v2/canister/"+target.String()+"/query" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotType != cborContentType {
		t.Fatalf("content type = %s", gotType)
	}
	if got := testutil.ToFloat64(c.Metrics.requests.WithLabelValues("query", "ok")); got != 1 {
		t.Fatalf("ok requests = %v", got)
	}
	if got := testutil.ToFloat64(c.Metrics.signatures.WithLabelValues("secp256k1")); got != 1 {
		t.Fatalf("signatures = %v", got)
	}
}

func TestClientQueryReject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(encodeCBOR(t, map[string]interface{}{
			"status":         "rejected",
			"reject_code":    uint64(3),
			"reject_message": "no such method",
		}))
	}))
	defer srv.Close()

	c := &Client{Transport: &HTTPTransport{BaseURL: srv.URL}, Signer: Signer{Identity: identity.AnonymousIdentity{}}}
	_, err := c.Query(context.Background(), canister(t, 1), "missing", nil)
	var reject *RejectError
	if !errors.As(err, &reject) || reject.Code != 3 {
		t.Fatalf("expected reject code 3, got %v", err)
	}
}

func TestClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &Client{Transport: &HTTPTransport{BaseURL: srv.URL}, Signer: Signer{Identity: newSecp(t)}}
	_, err := c.Call(context.Background(), canister(t, 1), "set", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
	if !strings.Contains(httpErr.Body, "overloaded") {
		t.Fatalf("body = %q", httpErr.Body)
	}
}

type recordingTransport struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *recordingTransport) Send(context.Context, RequestType, principal.Principal, []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil, r.err
}

func TestCallAsyncFiresOnce(t *testing.T) {
	transport := &recordingTransport{}
	c := &Client{Transport: transport, Signer: Signer{Identity: newSecp(t)}}
	var fired int32
	done := make(chan Result, 2)
	c.CallAsync(context.Background(), canister(t, 1), "set", nil, func(r Result) {
		atomic.AddInt32(&fired, 1)
		done <- r
	})
	select {
	case r := <-done:
		if r.Err != nil {
			t.Fatalf("call: %v", r.Err)
		}
		if r.RequestID == ([32]byte{}) {
			t.Fatal("expected a request id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("callback fired %d times", atomic.LoadInt32(&fired))
	}
}

func TestCallAsyncReportsSigningError(t *testing.T) {
	id, _ := delegatedIdentity(t, []principal.Principal{canister(t, 1)}, testNow.Add(time.Hour))
	transport := &recordingTransport{}
	c := &Client{Transport: transport, Signer: Signer{Identity: id, Now: fixedClock}}
	done := make(chan Result, 1)
	c.CallAsync(context.Background(), canister(t, 2), "set", nil, func(r Result) { done <- r })
	r := <-done
	if !errors.Is(r.Err, delegation.ErrTargetNotPermitted) {
		t.Fatalf("expected ErrTargetNotPermitted, got %v", r.Err)
	}
	if transport.calls != 0 {
		t.Fatal("refused requests must not reach the transport")
	}
}

func TestClientRateLimitPerCanister(t *testing.T) {
	transport := &recordingTransport{}
	c := &Client{
		Transport: transport,
		Signer:    Signer{Identity: newSecp(t)},
		Limiter:   ratelimiter.New(0.001, 1, time.Minute),
	}
	if _, err := c.Call(context.Background(), canister(t, 1), "set", nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, canister(t, 1), "set", nil); err == nil {
		t.Fatal("second call to the same canister must be limited")
	}
	if _, err := c.Call(context.Background(), canister(t, 2), "set", nil); err != nil {
		t.Fatalf("other canister: %v", err)
	}
	if transport.calls != 2 {
		t.Fatalf("transport calls = %d", transport.calls)
	}
}

func TestCallAsyncSurvivesCancelAfterSend(t *testing.T) {
	entered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	transport, err := NewHTTPTransport(srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	c := &Client{Transport: transport, Signer: Signer{Identity: newSecp(t)}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan Result, 1)
	c.CallAsync(ctx, canister(t, 1), "set", nil, func(r Result) { done <- r })

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the server")
	}
	cancel()

	select {
	case r := <-done:
		if r.Err != nil {
			t.Fatalf("in-flight call must complete after cancel, got %v", r.Err)
		}
		if r.RequestID == ([32]byte{}) {
			t.Fatal("expected a request id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}
}
