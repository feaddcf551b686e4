// Package relay is the session process collaborators connect to: it owns
// each session's authoritative story draft, orders every edit, tallies
// finalize votes and serves the session REST API.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storysync/internal/sessionapi"
	"storysync/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes a Service over HTTP.
type Server struct {
	svc    *Service
	router *mux.Router
}

// NewServer routes the session API, the collaboration websocket and,
// when gatherer is set, /metrics.
func NewServer(svc *Service, gatherer prometheus.Gatherer) *Server {
	s := &Server{svc: svc, router: mux.NewRouter()}
	api := s.router.PathPrefix("/api/collaborate").Subrouter()
	api.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/start", s.startSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/end", s.endSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/kick", s.kick).Methods(http.MethodPost)
	api.HandleFunc("/join", s.join).Methods(http.MethodPost)
	s.router.HandleFunc("/ws/collaborate/{id}", s.serveWs)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req sessionapi.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.svc.Create(r.Context(), uid, req.Title, req.Pages)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Wire())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := userID(w, r); !ok {
		return
	}
	sess, err := s.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Wire())
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	s.hostAction(w, r, func(ctx context.Context, uid, id string) error {
		return s.svc.Start(ctx, uid, id)
	})
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	s.hostAction(w, r, func(ctx context.Context, uid, id string) error {
		return s.svc.End(ctx, uid, id)
	})
}

func (s *Server) kick(w http.ResponseWriter, r *http.Request) {
	var req sessionapi.KickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	s.hostAction(w, r, func(ctx context.Context, uid, id string) error {
		return s.svc.Kick(ctx, uid, id, req.UserID)
	})
}

func (s *Server) hostAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, uid, id string) error) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), uid, mux.Vars(r)["id"]); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req sessionapi.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	sess, err := s.svc.Join(r.Context(), uid, req.Code)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Wire())
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()
	user := wire.Participant{
		UserID:      q.Get("user_id"),
		Username:    q.Get("username"),
		DisplayName: q.Get("display_name"),
	}
	if user.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	sess, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !sess.IsActive {
		s.fail(w, ErrNotFound)
		return
	}
	if sess.IsKicked(user.UserID) {
		s.fail(w, ErrKicked)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.svc.log.Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	c := newClient(uuid.NewString(), conn, user, s.svc.log.With("session_id", id))
	room, err := s.svc.hub.join(context.WithoutCancel(r.Context()), id, c)
	switch {
	case errors.Is(err, errSessionFull):
		refuse(conn, CloseSessionFull, "session full")
		return
	case errors.Is(err, ErrKicked):
		refuse(conn, CloseRemoved, "removed from session")
		return
	case err != nil:
		s.svc.log.Warn("joining room failed", "session_id", id, "error", err)
		refuse(conn, CloseSessionEnded, "session unavailable")
		return
	}
	s.svc.metrics.connOpened()
	go func() {
		defer s.svc.metrics.connClosed()
		c.writePump()
	}()
	go c.readPump(room)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, ErrKicked):
		writeError(w, http.StatusForbidden, "you were removed from this session")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "only the host can do that")
	default:
		s.svc.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := strings.TrimSpace(r.Header.Get(sessionapi.HeaderUserID))
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing "+sessionapi.HeaderUserID)
		return "", false
	}
	return uid, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
