package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aegis/internal/alertqueue"
	"aegis/internal/domain"
	"aegis/internal/failure"
	"aegis/internal/ingest"
	"aegis/internal/logging"
	"aegis/internal/metrics"
	"aegis/internal/store"
)

// Backend is the pipeline surface exposed over REST.
type Backend interface {
	ingest.CommentSink
	Classify(comment domain.Comment) (domain.ThreatSignal, error)
	HandleComment(ctx context.Context, comment domain.Comment) (domain.CommentOutcome, error)
	TriggerEmergency(ctx context.Context, userID, location, notes string) (domain.EmergencyOutcome, error)
	ListContacts(ctx context.Context, userID string) ([]domain.Contact, error)
	SaveContact(ctx context.Context, userID string, contact domain.Contact) (domain.Contact, error)
	DeleteContact(ctx context.Context, userID, contactID string) error
	SetPrimary(ctx context.Context, userID, contactID string) error
	ListAlerts(ctx context.Context, userID string) ([]domain.Alert, error)
	UpdateAlertStatus(ctx context.Context, userID, alertID string, status domain.AlertStatus) (domain.Alert, error)
	AlertStats(ctx context.Context, userID string) (domain.AlertStats, error)
	ClearAlerts(ctx context.Context, userID string) (int, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.NotificationRecord, error)
	ClearHistory(ctx context.Context, userID string) (int, error)
	Subscribe(userID string) (<-chan alertqueue.Event, func(), error)
}

// Options configures REST handler.
type Options struct {
	Prefix       string
	MaxBodyBytes int64
	Auth         Authenticator
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Server serves Aegis REST API.
type Server struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

type countBody struct {
	Deleted int `json:"deleted"`
}

type emergencyRequest struct {
	Location string `json:"location"`
	Notes    string `json:"notes"`
}

type statusRequest struct {
	Status string `json:"status"`
}

// New builds REST server.
// Params: backend and options; nil auth falls back to X-User-ID header.
// Returns: server whose Handler mounts all routes under prefix.
func New(backend Backend, opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth = HeaderAuth{Header: "X-User-ID"}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	opts.Prefix = "/" + strings.Trim(opts.Prefix, "/")
	if opts.Prefix == "/" {
		opts.Prefix = ""
	}
	return &Server{backend: backend, opts: opts, logger: logging.OrDiscard(opts.Logger)}
}

// Handler returns instrumented router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, handler http.HandlerFunc) {
		method, path, _ := strings.Cut(pattern, " ")
		mux.Handle(method+" "+s.opts.Prefix+path, requireUser(s.opts.Auth, handler))
	}

	route("POST /classify", s.classify)
	route("POST /comments", s.createComment)
	route("POST /ingest", s.ingest)
	route("POST /emergency", s.triggerEmergency)
	route("GET /contacts", s.listContacts)
	route("POST /contacts", s.createContact)
	route("PUT /contacts/{id}", s.updateContact)
	route("DELETE /contacts/{id}", s.deleteContact)
	route("POST /contacts/{id}/primary", s.setPrimary)
	route("GET /alerts", s.listAlerts)
	route("DELETE /alerts", s.clearAlerts)
	route("GET /alerts/stats", s.alertStats)
	route("GET /alerts/events", s.alertEvents)
	route("PATCH /alerts/{id}", s.updateAlert)
	route("GET /notifications", s.listNotifications)
	route("DELETE /notifications", s.clearNotifications)

	return s.instrument(mux)
}

func (s *Server) classify(writer http.ResponseWriter, request *http.Request) {
	comment, ok := s.decodeComment(writer, request)
	if !ok {
		return
	}
	signal, err := s.backend.Classify(comment)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, signal)
}

func (s *Server) createComment(writer http.ResponseWriter, request *http.Request) {
	comment, ok := s.decodeComment(writer, request)
	if !ok {
		return
	}
	comment.UserID = currentUser(request)
	outcome, err := s.backend.HandleComment(request.Context(), comment)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	status := http.StatusOK
	if outcome.Alert != nil {
		status = http.StatusCreated
	}
	writeJSON(writer, status, outcome)
}

func (s *Server) ingest(writer http.ResponseWriter, request *http.Request) {
	handler := ingest.NewHTTPHandler(s.backend, s.opts.MaxBodyBytes, func(r *http.Request) (string, bool) {
		return UserFrom(r.Context())
	})
	handler.ServeHTTP(writer, request)
}

func (s *Server) triggerEmergency(writer http.ResponseWriter, request *http.Request) {
	var payload emergencyRequest
	if !s.decodeJSON(writer, request, &payload, true) {
		return
	}
	outcome, err := s.backend.TriggerEmergency(request.Context(), currentUser(request), payload.Location, payload.Notes)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusCreated, outcome)
}

func (s *Server) listContacts(writer http.ResponseWriter, request *http.Request) {
	contacts, err := s.backend.ListContacts(request.Context(), currentUser(request))
	if err != nil {
		s.writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, contacts)
}

func (s *Server) createContact(writer http.ResponseWriter, request *http.Request) {
	var contact domain.Contact
	if !s.decodeJSON(writer, request, &contact, false) {
		return
	}
	contact.ID = ""
	contact.LastNotified = nil
	saved, err := s.backend.SaveContact(request.Context(), currentUser(request), contact)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusCreated, saved)
}

func (s *Server) updateContact(writer http.ResponseWriter, request *http.Request) {
	var contact domain.Contact
	if !s.decodeJSON(writer, request, &contact, false) {
		return
	}
	contact.ID = request.PathValue("id")
	contact.LastNotified = nil
	saved, err := s.backend.SaveContact(request.Context(), currentUser(request), contact)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, saved)
}

func (s *Server) deleteContact(writer http.ResponseWriter, request *http.Request) {
	if err := s.backend.DeleteContact(request.Context(), currentUser(request), request.PathValue("id")); err != nil {
		s.writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) setPrimary(writer http.ResponseWriter, request *http.Request) {
	if err := s.backend.SetPrimary(request.Context(), currentUser(request), request.PathValue("id")); err != nil {
		s.writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAlerts(writer http.ResponseWriter, request *http.Request) {
	alerts, err := s.backend.ListAlerts(request.Context(), currentUser(request))
	if err != nil {
		s.writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, alerts)
}

func (s *Server) clearAlerts(writer http.ResponseWriter, request *http.Request) {
	n, err := s.backend.ClearAlerts(request.Context(), currentUser(request))
	if err != nil {
		s.writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, countBody{Deleted: n})
}

func (s *Server) alertStats(writer http.ResponseWriter, request *http.Request) {
	stats, err := s.backend.AlertStats(request.Context(), currentUser(request))
	if err != nil {
		s.writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, stats)
}

func (s *Server) updateAlert(writer http.ResponseWriter, request *http.Request) {
	var payload statusRequest
	if !s.decodeJSON(writer, request, &payload, false) {
		return
	}
	status, err := domain.ParseAlertStatus(payload.Status)
	if err != nil {
		s.writeError(writer, failure.Wrap(failure.InvalidInput, "update alert", err))
		return
	}
	alert, err := s.backend.UpdateAlertStatus(request.Context(), currentUser(request), request.PathValue("id"), status)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, alert)
}

// alertEvents streams user change feed as server-sent events.
func (s *Server) alertEvents(writer http.ResponseWriter, request *http.Request) {
	flusher, ok := writer.(http.Flusher)
	if !ok {
		writeJSON(writer, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	events, cancel, err := s.backend.Subscribe(currentUser(request))
	if err != nil {
		writeJSON(writer, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	defer cancel()

	writer.Header().Set("Content-Type", "text/event-stream")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-request.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			body, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", event.Kind, body); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) listNotifications(writer http.ResponseWriter, request *http.Request) {
	limit := 0
	if raw := request.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(writer, failure.Invalid("list notifications", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	records, err := s.backend.ListNotifications(request.Context(), currentUser(request), limit)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, records)
}

func (s *Server) clearNotifications(writer http.ResponseWriter, request *http.Request) {
	n, err := s.backend.ClearHistory(request.Context(), currentUser(request))
	if err != nil {
		s.writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, countBody{Deleted: n})
}

func (s *Server) decodeComment(writer http.ResponseWriter, request *http.Request) (domain.Comment, bool) {
	request.Body = http.MaxBytesReader(writer, request.Body, s.opts.MaxBodyBytes)
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, errorBody{Error: "read body: " + err.Error()})
		return domain.Comment{}, false
	}
	comment, err := domain.DecodeComment(body)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, errorBody{Error: err.Error()})
		return domain.Comment{}, false
	}
	return comment, true
}

// decodeJSON reads body into dst; empty body is accepted when allowEmpty.
func (s *Server) decodeJSON(writer http.ResponseWriter, request *http.Request, dst any, allowEmpty bool) bool {
	request.Body = http.MaxBytesReader(writer, request.Body, s.opts.MaxBodyBytes)
	decoder := json.NewDecoder(request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeJSON(writer, http.StatusBadRequest, errorBody{Error: "decode body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps domain failures onto HTTP statuses.
func (s *Server) writeError(writer http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", "error", err.Error())
	}
	writeJSON(writer, status, errorBody{Error: err.Error()})
}

// StatusFor maps error to HTTP status.
// Params: backend error.
// Returns: 400 invalid input, 404 not found, 409 conflict or invalid transition, 500 otherwise.
func StatusFor(err error) int {
	switch {
	case failure.Is(err, failure.InvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func currentUser(request *http.Request) string {
	userID, _ := UserFrom(request.Context())
	return userID
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// instrument records latency per matched route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}
		next.ServeHTTP(recorder, request)
		route := request.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.opts.Metrics.ObserveRequest(request.Method, route, recorder.status, time.Since(started))
	})
}
