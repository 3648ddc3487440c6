// Package http exposes the casework operations over a JSON API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/medflow"
	"github.com/aretw0/medflow/internal/logging"
	"github.com/aretw0/medflow/pkg/domain"
	"github.com/go-chi/chi/v5"
)

// Caller identity headers. The identity provider in front of the API sets them.
const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorRole = "X-Actor-Role"
	HeaderActorName = "X-Actor-Name"
)

// Casework is the operation surface the API serves.
type Casework interface {
	RegisterPatient(ctx context.Context, actor domain.Actor, p domain.Patient) (*domain.Patient, error)
	GetPatient(ctx context.Context, patientID string) (*domain.Patient, error)
	PatientSessions(ctx context.Context, patientID string) ([]*domain.Session, error)

	CreateSession(ctx context.Context, actor domain.Actor, in medflow.NewSession) (*domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	EditSession(ctx context.Context, actor domain.Actor, sessionID string, fields map[string]any) (*domain.Session, error)
	AttachFile(ctx context.Context, actor domain.Actor, sessionID string, ref medflow.FileRef) (*domain.UploadedFile, error)
	RemoveFile(ctx context.Context, actor domain.Actor, sessionID, fileID string) (*domain.Session, error)
	SubmitSession(ctx context.Context, actor domain.Actor, sessionID string) (*domain.Session, error)

	OpenForReview(ctx context.Context, actor domain.Actor, sessionID string) (*domain.Session, error)
	SetDiagnosis(ctx context.Context, actor domain.Actor, sessionID string, d domain.Diagnosis) (*domain.Session, error)
	SetPendingTests(ctx context.Context, actor domain.Actor, sessionID string, pt domain.PendingTests) (*domain.Session, error)
	CloseSession(ctx context.Context, actor domain.Actor, sessionID string) (*domain.Session, *domain.Session, error)
	Consult(ctx context.Context, actor domain.Actor, sessionID, question string) (*domain.ChatMessage, error)
	DoctorQueue(ctx context.Context, actor domain.Actor, assignedOnly bool) ([]*domain.Session, error)
	Stats(ctx context.Context, actor domain.Actor) (medflow.Stats, error)
}

var _ Casework = (*medflow.Service)(nil)

// Server routes requests to the casework service.
type Server struct {
	Cases   Casework
	Streams *StreamManager
	logger  *slog.Logger
	metrics http.Handler
	poll    time.Duration
}

// DefaultStreamPoll is how often an open event stream re-reads its session.
const DefaultStreamPoll = 5 * time.Second

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithStreams shares sm with the service so worker-driven changes reach
// subscribers; register sm with medflow.WithListener.
func WithStreams(sm *StreamManager) Option {
	return func(s *Server) {
		if sm != nil {
			s.Streams = sm
		}
	}
}

// WithStreamPoll sets how often open event streams re-read their session to
// pick up changes committed by other processes. Zero disables polling.
func WithStreamPoll(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.poll = d
		}
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewHandler creates a new HTTP handler for the service.
func NewHandler(cases Casework, opts ...Option) http.Handler {
	server := &Server{
		Cases:   cases,
		Streams: NewStreamManager(),
		logger:  logging.NewNop(),
		poll:    DefaultStreamPoll,
	}
	for _, opt := range opts {
		opt(server)
	}
	server.Streams.logger = server.logger

	r := chi.NewRouter()
	r.Get("/health", server.GetHealth)
	r.Get("/info", server.GetInfo)
	if server.metrics != nil {
		r.Method(http.MethodGet, "/metrics", server.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(requireActor)

		r.Post("/patients", server.RegisterPatient)
		r.Get("/patients/{patientID}", server.GetPatient)
		r.Get("/patients/{patientID}/sessions", server.PatientSessions)

		r.Get("/queue", server.DoctorQueue)
		r.Get("/stats", server.Stats)

		r.Post("/sessions", server.CreateSession)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", server.GetSession)
			r.Patch("/", server.EditSession)
			r.Post("/files", server.AttachFile)
			r.Delete("/files/{fileID}", server.RemoveFile)
			r.Post("/submit", server.SubmitSession)
			r.Post("/review", server.OpenForReview)
			r.Put("/diagnosis", server.SetDiagnosis)
			r.Put("/pending-tests", server.SetPendingTests)
			r.Post("/close", server.CloseSession)
			r.Post("/chat", server.Consult)
			r.Get("/events", server.SubscribeEvents)
		})
	})

	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-Id, X-Actor-Role, X-Actor-Name")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type actorKey struct{}

// requireActor reads the caller identity headers. The role must be one a
// person can hold; the system role is reserved for the pipeline.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := domain.Actor{
			ID:   strings.TrimSpace(r.Header.Get(HeaderActorID)),
			Role: domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole)))),
			Name: strings.TrimSpace(r.Header.Get(HeaderActorName)),
		}
		if actor.ID == "" || !actor.Role.Valid() || actor.Role == domain.RoleSystem {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid actor headers"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := r.Context().Value(actorKey{}).(domain.Actor)
	return actor
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// statusOf maps a service error onto the response status.
func statusOf(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}
	if reason, ok := domain.ReasonOf(err); ok {
		body.Reason = string(reason)
		if reason == domain.ReasonWrongRole {
			return http.StatusForbidden, body
		}
		return http.StatusConflict, body
	}
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrPatientNotFound),
		errors.Is(err, domain.ErrFileNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, body
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, body
	case errors.Is(err, domain.ErrProviderFailure):
		return http.StatusBadGateway, body
	case errors.Is(err, domain.ErrDispatchFailure):
		return http.StatusServiceUnavailable, body
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error"}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code, body := statusOf(err)
	if code >= 500 {
		s.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug(op+" refused", "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	return true
}

// changed replies with the session and notifies its subscribers. Subscribers
// may also hear about it from the service listener; streams drop the repeat.
func (s *Server) changed(w http.ResponseWriter, code int, session *domain.Session) {
	s.Streams.Publish(session)
	writeJSON(w, code, session)
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"app":     "medflow-http",
		"version": strings.TrimSpace(medflow.Version),
	})
}

func (s *Server) RegisterPatient(w http.ResponseWriter, r *http.Request) {
	var body domain.Patient
	if !decode(w, r, &body) {
		return
	}
	patient, err := s.Cases.RegisterPatient(r.Context(), actorFrom(r), body)
	if err != nil {
		s.fail(w, r, "RegisterPatient", err)
		return
	}
	writeJSON(w, http.StatusCreated, patient)
}

func (s *Server) GetPatient(w http.ResponseWriter, r *http.Request) {
	patient, err := s.Cases.GetPatient(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		s.fail(w, r, "GetPatient", err)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (s *Server) PatientSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Cases.PatientSessions(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		s.fail(w, r, "PatientSessions", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// DoctorQueue handles GET /queue?assigned=true.
func (s *Server) DoctorQueue(w http.ResponseWriter, r *http.Request) {
	assigned, _ := strconv.ParseBool(r.URL.Query().Get("assigned"))
	sessions, err := s.Cases.DoctorQueue(r.Context(), actorFrom(r), assigned)
	if err != nil {
		s.fail(w, r, "DoctorQueue", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Cases.Stats(r.Context(), actorFrom(r))
	if err != nil {
		s.fail(w, r, "Stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var body medflow.NewSession
	if !decode(w, r, &body) {
		return
	}
	session, err := s.Cases.CreateSession(r.Context(), actorFrom(r), body)
	if err != nil {
		s.fail(w, r, "CreateSession", err)
		return
	}
	s.changed(w, http.StatusCreated, session)
}

func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.Cases.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, "GetSession", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) EditSession(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if !decode(w, r, &fields) {
		return
	}
	session, err := s.Cases.EditSession(r.Context(), actorFrom(r), chi.URLParam(r, "sessionID"), fields)
	if err != nil {
		s.fail(w, r, "EditSession", err)
		return
	}
	s.changed(w, http.StatusOK, session)
}

func (s *Server) AttachFile(w http.ResponseWriter, r *http.Request) {
	var body medflow.FileRef
	if !decode(w, r, &body) {
		return
	}
	file, err := s.Cases.AttachFile(r.Context(), actorFrom(r), chi.URLParam(r, "sessionID"), body)
	if err != nil {
		s.fail(w, r, "AttachFile", err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

func (s *Server) RemoveFile(w http.ResponseWriter, r *http.Request) {
	session, err := s.Cases.RemoveFile(r.Context(), actorFrom(r), chi.URLParam(r, "sessionID"), chi.URLParam(r, "fileID"))
	if err != nil {
		s.fail(w, r, "RemoveFile", err)
		return
	}
	s.changed(w, http.StatusOK, session)
}

func (s *Server) SubmitSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.Cases.SubmitSession(r.Context(), actorFrom(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, "SubmitSession", err)
		return
	}
	s.changed(w, http.StatusAccepted, session)
}

func (s *Server) OpenForReview(w http.ResponseWriter, r *http.Request) {
	session, err := s.Cases.OpenForReview(r.Context(), actorFrom(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, "OpenForReview", err)
		return
	}
	s.changed(w, http.StatusOK, session)
}

func (s *Server) SetDiagnosis(w http.ResponseWriter, r *http.Request) {
	var body domain.Diagnosis
	if !decode(w, r, &body) {
		return
	}
	session, err := s.Cases.SetDiagnosis(r.Context(), actorFrom(r), chi.URLParam(r, "sessionID"), body)
	if err != nil {
		s.fail(w, r, "SetDiagnosis", err)
		return
	}
	s.changed(w, http.StatusOK, session)
}

func (s *Server) SetPendingTests(w http.ResponseWriter, r *http.Request) {
	var body domain.PendingTests
	if !decode(w, r, &body) {
		return
	}
	session, err := s.Cases.SetPendingTests(r.Context(), actorFrom(r), chi.URLParam(r, "sessionID"), body)
	if err != nil {
		s.fail(w, r, "SetPendingTests", err)
		return
	}
	s.changed(w, http.StatusOK, session)
}

type closeResponse struct {
	Session  *domain.Session `json:"session"`
	FollowUp *domain.Session `json:"follow_up,omitempty"`
}

func (s *Server) CloseSession(w http.ResponseWriter, r *http.Request) {
	session, child, err := s.Cases.CloseSession(r.Context(), actorFrom(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, "CloseSession", err)
		return
	}
	s.Streams.Publish(session)
	writeJSON(w, http.StatusOK, closeResponse{Session: session, FollowUp: child})
}

type consultRequest struct {
	Message string `json:"message"`
}

func (s *Server) Consult(w http.ResponseWriter, r *http.Request) {
	var body consultRequest
	if !decode(w, r, &body) {
		return
	}
	msg, err := s.Cases.Consult(r.Context(), actorFrom(r), chi.URLParam(r, "sessionID"), body.Message)
	if err != nil {
		s.fail(w, r, "Consult", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// StatusEvent is the payload pushed to session subscribers.
type StatusEvent struct {
	SessionID string        `json:"session_id"`
	Status    domain.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StreamManager handles active SSE connections
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan<- string]struct{} // SessionID -> Set of Channels
	logger      *slog.Logger
}

func NewStreamManager() *StreamManager {
	return &StreamManager{
		subscribers: make(map[string]map[chan<- string]struct{}),
		logger:      logging.NewNop(),
	}
}

func (sm *StreamManager) Subscribe(sessionID string) (chan string, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan string, 10)
	if _, ok := sm.subscribers[sessionID]; !ok {
		sm.subscribers[sessionID] = make(map[chan<- string]struct{})
	}
	sm.subscribers[sessionID][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[sessionID]; ok {
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(sm.subscribers, sessionID)
			}
		}
	}
}

func (sm *StreamManager) Broadcast(sessionID string, msg string) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if subs, ok := sm.subscribers[sessionID]; ok {
		for ch := range subs {
			select {
			case ch <- msg:
			default:
				// Drop message if channel is full (slow client)
				sm.logger.Warn("SSE: Client buffer full, dropping message", "session_id", sessionID)
			}
		}
	}
}

// Publish broadcasts the session's current status.
func (sm *StreamManager) Publish(session *domain.Session) {
	if session == nil {
		return
	}
	payload, err := json.Marshal(eventOf(session))
	if err != nil {
		return
	}
	sm.Broadcast(session.ID, string(payload))
}

// SessionChanged implements medflow.Listener.
func (sm *StreamManager) SessionChanged(session *domain.Session) {
	sm.Publish(session)
}

var _ medflow.Listener = (*StreamManager)(nil)

func eventOf(session *domain.Session) StatusEvent {
	return StatusEvent{SessionID: session.ID, Status: session.Status, UpdatedAt: session.UpdatedAt}
}

// same reports whether two events describe the same revision.
func (e StatusEvent) same(o StatusEvent) bool {
	return e.Status == o.Status && e.UpdatedAt.Equal(o.UpdatedAt)
}

// SubscribeEvents handles the GET /sessions/{id}/events request (SSE).
// The first event is the current status. Later ones follow published changes
// and a periodic re-read; each revision is sent once.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	session, err := s.Cases.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, "SubscribeEvents", err)
		return
	}

	ch, cancel := s.Streams.Subscribe(session.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	last := eventOf(session)
	if initial, err := json.Marshal(last); err == nil {
		fmt.Fprintf(w, "data: %s\n\n", initial)
	}
	flusher.Flush()

	emit := func(ev StatusEvent) {
		if ev.same(last) || ev.UpdatedAt.Before(last.UpdatedAt) {
			return
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		last = ev
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	var tick <-chan time.Time
	if s.poll > 0 {
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev StatusEvent
			if err := json.Unmarshal([]byte(msg), &ev); err != nil {
				continue
			}
			emit(ev)
		case <-tick:
			fresh, err := s.Cases.GetSession(r.Context(), session.ID)
			if err != nil {
				s.logger.Debug("SSE: re-read failed", "session_id", session.ID, "error", err)
				continue
			}
			emit(eventOf(fresh))
		}
	}
}
