package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"ccsync/api/internal/journal"
	"ccsync/api/internal/persist"
	"ccsync/api/internal/schema"
)

const heartbeatInterval = 30 * time.Second

type HTTPServer struct {
	service    *Service
	apiKey     string
	corsOrigin string
}

func NewHTTPServer(service *Service, apiKey, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, apiKey: apiKey, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, s.service.Health())
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/poll" {
		updates, serverTime := s.service.Poll(r.URL.Query().Get("since"))
		writeJSON(w, http.StatusOK, map[string]any{
			"updates":    eventList(updates),
			"serverTime": serverTime,
			"count":      len(updates),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/state" {
		updates, serverTime := s.service.JournalAll()
		writeJSON(w, http.StatusOK, map[string]any{
			"updates":    eventList(updates),
			"serverTime": serverTime,
			"total":      len(updates),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/cc-state" {
		doc, serverTime := s.service.StateDoc()
		if doc == nil {
			writeJSON(w, http.StatusOK, map[string]any{"state": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": doc, "serverTime": serverTime})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/cc-state" {
		if !s.requireAuth(w, r) {
			return
		}
		var body map[string]any
		if err := decodeBody(r, &body); err != nil || body == nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body", nil)
			return
		}
		incoming := body
		if wrapped, ok := body["state"].(map[string]any); ok {
			incoming = wrapped
		}
		ts := s.service.ReplaceState(incoming)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "ts": ts})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/push" {
		if !s.requireAuth(w, r) {
			return
		}
		var body map[string]any
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body", nil)
			return
		}
		if err := schema.ValidatePush(body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Missing type, action, or data", nil)
			return
		}
		ev, err := s.service.Push(incomingFromBody(body))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "timestamp": ev.TS})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/batch" {
		if !s.requireAuth(w, r) {
			return
		}
		var body map[string]any
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body", nil)
			return
		}
		if err := schema.ValidateBatch(body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "updates must be a non-empty array", nil)
			return
		}
		items, _ := body["updates"].([]any)
		batch := make([]journal.Incoming, 0, len(items))
		for _, item := range items {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			batch = append(batch, incomingFromBody(entry))
		}
		events, err := s.service.PushBatch(batch)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"count":     len(events),
			"timestamp": events[0].TS,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/events" {
		s.handleEvents(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/agent-status" {
		writeJSON(w, http.StatusOK, s.service.AgentStatus())
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/agent-status" {
		if !s.requireAuth(w, r) {
			return
		}
		var body map[string]any
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body", nil)
			return
		}
		s.service.UpdateAgentStatus(body)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/briefing" {
		writeJSON(w, http.StatusOK, s.service.Briefing())
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/webhook/crm" {
		var body map[string]any
		if err := decodeBody(r, &body); err != nil || body == nil {
			body = map[string]any{}
		}
		if _, err := s.service.WebhookEvent(body); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/backups" {
		if !s.requireAuth(w, r) {
			return
		}
		backups := s.service.Backups()
		if backups == nil {
			backups = []persist.BackupInfo{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleEvents holds the connection open and streams journal events as
// server-sent events. The sentinel frame confirms the subscription before
// any real event arrives.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "streaming unsupported", nil)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "data: {\"type\":\"connected\"}\n\n")
	flusher.Flush()

	sub := s.service.Subscribe()
	defer s.service.Unsubscribe(sub)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-sub.Events():
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	token := bearerToken(r)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	return true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets the SSE handler stream through the middleware wrapper.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// eventList keeps empty results serializing as [] instead of null.
func eventList(events []journal.Event) []journal.Event {
	if events == nil {
		return []journal.Event{}
	}
	return events
}

func incomingFromBody(body map[string]any) journal.Incoming {
	in := journal.Incoming{}
	if v, ok := body["type"].(string); ok {
		in.Type = v
	}
	if v, ok := body["action"].(string); ok {
		in.Action = v
	}
	if v, ok := body["source"].(string); ok {
		in.Source = v
	}
	if v, ok := body["data"].(map[string]any); ok {
		in.Data = v
	}
	return in
}
