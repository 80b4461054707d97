package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tabrelay/tabrelay-gateway/internal/broker"
	"github.com/tabrelay/tabrelay-gateway/internal/openai"
	"github.com/tabrelay/tabrelay-gateway/internal/translate"
)

const jsonModeInstruction = "You must answer with a single JSON object inside a fenced ```json code block, matching this JSON schema exactly. Do not write anything outside the fence.\n\nSchema:\n"

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_request_error", "INVALID_REQUEST_BODY", err)
		return
	}
	if len(req.Messages) == 0 {
		s.respondError(w, http.StatusBadRequest, "invalid_request_error", "INVALID_REQUEST_BODY",
			errors.New("messages must not be empty"))
		return
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		req.Messages = prependJSONInstruction(req.Messages, req.ResponseFormat.Schema)
	}

	// auth_id carries the caller's preferred conversation id for routing.
	preferredConv := r.URL.Query().Get("auth_id")

	tabID, ok := s.registry.Select(preferredConv)
	if !ok {
		s.respondError(w, http.StatusServiceUnavailable, "service_unavailable", "NO_WORKER_AVAILABLE",
			errors.New("no worker connected"))
		return
	}

	rc, err := s.broker.Open(tabID, preferredConv, req.Model)
	if err != nil {
		if errors.Is(err, broker.ErrWorkerBusy) {
			s.respondError(w, http.StatusServiceUnavailable, "service_unavailable", "WORKER_BUSY", err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, "internal_error", "ADAPTER_INTERNAL_EXCEPTION", err)
		return
	}

	prompt := synthesizePrompt(req.Messages)
	if err := s.hub.SendPrompt(tabID, prompt); err != nil {
		rc.Bridge.Fail(err)
		s.respondError(w, http.StatusServiceUnavailable, "service_unavailable", "NO_WORKER_AVAILABLE", err)
		return
	}
	s.debugf("chat.completions dispatched request=%s tab=%s model=%s stream=%t", rc.ID, tabID, req.Model, req.Stream)

	if req.Stream {
		s.streamCompletion(w, r, rc, reqStart, req.Model)
		return
	}
	s.aggregateCompletion(w, r, rc, reqStart, req.Model)
}

// streamCompletion relays bridge chunks onto a chunked SSE response,
// terminated by the literal [DONE] marker.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, rc *broker.RequestContext, reqStart time.Time, model string) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			// Caller disconnected mid-stream: deregister the listener set.
			rc.Bridge.Fail(r.Context().Err())
			return
		case chunk, ok := <-rc.Bridge.Chunks():
			if !ok {
				if err := rc.Bridge.Err(); err != nil {
					_, _ = io.WriteString(w, "data: {\"error\": \"stream error\"}\n\n")
					if flusher != nil {
						flusher.Flush()
					}
					return
				}
				_, _ = io.WriteString(w, "data: [DONE]\n\n")
				if flusher != nil {
					flusher.Flush()
				}
				if s.logger != nil {
					s.logger.Printf("chat.completions.stream total_ms=%d model=%s", time.Since(reqStart).Milliseconds(), model)
				}
				return
			}
			if _, err := io.WriteString(w, "data: "); err != nil {
				rc.Bridge.Fail(err)
				return
			}
			if err := enc.Encode(chunk); err != nil {
				rc.Bridge.Fail(err)
				return
			}
			if _, err := io.WriteString(w, "\n"); err != nil {
				rc.Bridge.Fail(err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// aggregateCompletion buffers bridge chunks and releases exactly one JSON
// completion object on the request's terminal signal.
func (s *Server) aggregateCompletion(w http.ResponseWriter, r *http.Request, rc *broker.RequestContext, reqStart time.Time, model string) {
	acc := translate.NewAccumulator()
	for {
		select {
		case <-r.Context().Done():
			rc.Bridge.Fail(r.Context().Err())
			return
		case chunk, ok := <-rc.Bridge.Chunks():
			if !ok {
				if err := rc.Bridge.Err(); err != nil {
					status, errType, code := classifyTerminal(err)
					s.respondError(w, status, errType, code, err)
					return
				}
				s.respondJSON(w, http.StatusOK, acc.Response())
				if s.logger != nil {
					s.logger.Printf("chat.completions total_ms=%d model=%s", time.Since(reqStart).Milliseconds(), model)
				}
				return
			}
			acc.Add(chunk)
		}
	}
}

// prependJSONInstruction injects the fenced-JSON system instruction before
// the caller's messages.
func prependJSONInstruction(messages []openai.ChatMessage, schema json.RawMessage) []openai.ChatMessage {
	instruction := jsonModeInstruction
	if len(schema) > 0 {
		instruction += string(schema)
	} else {
		instruction += "{}"
	}
	out := make([]openai.ChatMessage, 0, len(messages)+1)
	out = append(out, openai.ChatMessage{Role: "system", Content: instruction})
	return append(out, messages...)
}

// synthesizePrompt flattens the conversation into the single prompt text a
// worker submits into the vendor chat UI.
func synthesizePrompt(messages []openai.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		role := m.Role
		if role == "" {
			role = "user"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
