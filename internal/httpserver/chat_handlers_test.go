package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tabrelay/tabrelay-gateway/internal/anthropic"
	"github.com/tabrelay/tabrelay-gateway/internal/broker"
	"github.com/tabrelay/tabrelay-gateway/internal/ingress"
	"github.com/tabrelay/tabrelay-gateway/internal/openai"
	"github.com/tabrelay/tabrelay-gateway/internal/session"
)

func newBareServer() (*Server, *session.Registry, *broker.Broker) {
	registry := session.NewRegistry(time.Minute, nil)
	br := broker.New(4, nil)
	hub := ingress.NewHub(registry, br, nil)
	return New(registry, br, hub), registry, br
}

func postCompletions(t *testing.T, srv *Server, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) openai.ErrorDetail {
	t.Helper()
	var body openai.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body not JSON: %v\nbody=%s", err, rec.Body.String())
	}
	return body.Error
}

func TestChatCompletionsRejectsBadBody(t *testing.T) {
	srv, _, _ := newBareServer()
	rec := postCompletions(t, srv, "/v1/chat/completions", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != "INVALID_REQUEST_BODY" {
		t.Errorf("error code = %q", detail.Code)
	}
}

func TestChatCompletionsRejectsEmptyMessages(t *testing.T) {
	srv, _, _ := newBareServer()
	rec := postCompletions(t, srv, "/v1/chat/completions", `{"model":"m","messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != "INVALID_REQUEST_BODY" {
		t.Errorf("error code = %q", detail.Code)
	}
}

func TestChatCompletionsNoWorker(t *testing.T) {
	srv, _, _ := newBareServer()
	rec := postCompletions(t, srv, "/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != "NO_WORKER_AVAILABLE" {
		t.Errorf("error code = %q", detail.Code)
	}
}

func TestChatCompletionsWorkerNotConnected(t *testing.T) {
	// A worker can be registered in the session registry while its socket is
	// already gone; dispatch must fail over to a 503, not hang.
	srv, registry, br := newBareServer()
	registry.Register("tab-ghost", "c1")

	rec := postCompletions(t, srv, "/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != "NO_WORKER_AVAILABLE" {
		t.Errorf("error code = %q", detail.Code)
	}
	if br.InFlight() != 0 {
		t.Errorf("in-flight = %d after failed dispatch, want 0", br.InFlight())
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, registry, _ := newBareServer()
	registry.Register("tab-1", "c1")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Workers int    `json:"workers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health body not JSON: %v", err)
	}
	if body.Status != "ok" || body.Workers != 1 {
		t.Errorf("health = %+v", body)
	}
}

func TestPrependJSONInstruction(t *testing.T) {
	messages := []openai.ChatMessage{{Role: "user", Content: "give me data"}}
	out := prependJSONInstruction(messages, json.RawMessage(`{"type":"object"}`))
	if len(out) != 2 {
		t.Fatalf("message count = %d, want 2", len(out))
	}
	if out[0].Role != "system" {
		t.Errorf("first role = %q, want system", out[0].Role)
	}
	if !strings.Contains(out[0].Content, "```json") {
		t.Errorf("instruction missing fenced block hint: %q", out[0].Content)
	}
	if !strings.HasSuffix(out[0].Content, `{"type":"object"}`) {
		t.Errorf("instruction missing schema: %q", out[0].Content)
	}
	if out[1].Content != "give me data" {
		t.Errorf("original message displaced: %+v", out[1])
	}

	// No schema: an empty object placeholder keeps the instruction coherent.
	out = prependJSONInstruction(messages, nil)
	if !strings.HasSuffix(out[0].Content, "{}") {
		t.Errorf("placeholder schema missing: %q", out[0].Content)
	}
}

func TestSynthesizePrompt(t *testing.T) {
	prompt := synthesizePrompt([]openai.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
		{Content: "no role"},
	})
	want := "system: be brief\n\nuser: hi\n\nuser: no role"
	if prompt != want {
		t.Errorf("prompt = %q, want %q", prompt, want)
	}
}

func TestClassifyTerminal(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{broker.ErrWorkerGone, http.StatusServiceUnavailable, "WORKER_DISCONNECTED"},
		{ingress.ErrWorkerNotConnected, http.StatusServiceUnavailable, "WORKER_DISCONNECTED"},
		{&anthropic.APIError{Type: "overloaded_error", Message: "busy"}, http.StatusInternalServerError, "VENDOR_STREAM_ERROR"},
		{errors.New("boom"), http.StatusInternalServerError, "ADAPTER_INTERNAL_EXCEPTION"},
	}
	for _, tc := range cases {
		status, _, code := classifyTerminal(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("classifyTerminal(%v) = %d/%s, want %d/%s", tc.err, status, code, tc.status, tc.code)
		}
	}
}
