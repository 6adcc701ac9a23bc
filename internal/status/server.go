// Package status serves the read-only status API and the rule-mutation
// endpoints the browser UI consumes. The browser UI itself and its
// authentication flow live elsewhere; this package only implements the
// JSON surface.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrelhome/unifimon/internal/notify"
	"github.com/kestrelhome/unifimon/internal/store"
)

// Server exposes the HTTP/API surface backed by the Store.
type Server struct {
	store  *store.Store
	sender notify.Sender
	mux    *http.ServeMux
	server *http.Server
}

// New creates a Server listening on addr, wired to store and the same
// Sender the dispatcher uses, so the status API's test-send endpoint
// exercises the real chat-service codepath rather than a stub.
func New(addr string, st *store.Store, sender notify.Sender) *Server {
	s := &Server{store: st, sender: sender, mux: http.NewServeMux()}
	s.registerRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /api/v1/events", s.handleListEvents)
	s.mux.HandleFunc("GET /api/v1/events/count", s.handleCountEvents)
	s.mux.HandleFunc("GET /api/v1/events/{id}", s.handleGetEvent)
	s.mux.HandleFunc("GET /api/v1/event-types", s.handleListEventTypes)
	s.mux.HandleFunc("GET /api/v1/rules", s.handleListRules)
	s.mux.HandleFunc("PUT /api/v1/rules/{eventType}", s.handleSetRule)
	s.mux.HandleFunc("DELETE /api/v1/rules/{eventType}", s.handleDeleteRule)
	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/v1/notifications/status", s.handleNotificationStatus)
	s.mux.HandleFunc("POST /api/v1/notifications/test-send", s.handleTestSend)
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("status: writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseLimitOffset extracts limit/offset query params with defaults.
func parseLimitOffset(r *http.Request, defaultLimit int) (limit, offset int, err error) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func parseFilter(r *http.Request) store.EventFilter {
	q := r.URL.Query()
	var f store.EventFilter
	if c := q.Get("classification"); c != "" {
		f.Classifications = splitCSV(c)
	}
	if t := q.Get("event_type"); t != "" {
		f.EventTypes = splitCSV(t)
	}
	f.Search = q.Get("search")
	return f
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := parseFilter(r)
	f.Limit, f.Offset = limit, offset

	events, err := s.store.QueryEvents(r.Context(), f)
	if err != nil {
		log.Printf("status: list events: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCountEvents(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r)
	n, err := s.store.CountEvents(r.Context(), f)
	if err != nil {
		log.Printf("status: count events: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ev, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleListEventTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.store.ListEventTypes(r.Context())
	if err != nil {
		log.Printf("status: list event types: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_types": types})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context())
	if err != nil {
		log.Printf("status: list rules: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

type setRuleRequest struct {
	Classification string `json:"classification"`
}

func (s *Server) handleSetRule(w http.ResponseWriter, r *http.Request) {
	eventType := r.PathValue("eventType")
	var req setRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Classification {
	case "unclassified", "notify", "ignored", "suppressed":
	default:
		writeError(w, http.StatusBadRequest, "invalid classification")
		return
	}

	if err := s.store.SetRule(r.Context(), eventType, req.Classification); err != nil {
		log.Printf("status: set rule: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	eventType := r.PathValue("eventType")
	if err := s.store.DeleteRule(r.Context(), eventType); err != nil {
		log.Printf("status: delete rule: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		log.Printf("status: stats: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// notificationStatusResponse is the notification status payload:
// how many events are still pending delivery, how many have been
// dead-lettered after exhausting retries, and a log of the most recent
// attempts for operator diagnosis of redelivery/duplication.
type notificationStatusResponse struct {
	Pending      int           `json:"pending"`
	DeadLettered int           `json:"dead_lettered"`
	RecentLog    []store.Event `json:"recent_log"`
}

const notificationLogSize = 50

func (s *Server) handleNotificationStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		log.Printf("status: notification status: stats: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	dead, err := s.store.DeadLetteredCount(r.Context())
	if err != nil {
		log.Printf("status: notification status: dead lettered: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	recent, err := s.store.RecentNotifyLog(r.Context(), notificationLogSize)
	if err != nil {
		log.Printf("status: notification status: recent log: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, notificationStatusResponse{
		Pending:      stats.PendingNotify,
		DeadLettered: dead,
		RecentLog:    recent,
	})
}

// handleTestSend fires one synthetic message straight through the same
// Sender the dispatcher uses, bypassing the Store entirely, so an
// operator can confirm the chat-service credentials work without
// waiting for a real event to classify as notify.
func (s *Server) handleTestSend(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		writeError(w, http.StatusServiceUnavailable, "notification sender not configured")
		return
	}

	msg := notify.Message{
		EventID:   "test-send",
		Source:    "status",
		EventType: "status.test_send",
		Severity:  "info",
		Timestamp: time.Now().Unix(),
		Text:      "UniFi Monitor test notification",
	}
	if err := s.sender.Send(r.Context(), msg); err != nil {
		log.Printf("status: test send: %v", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("test send failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
