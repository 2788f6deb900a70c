package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/parley/internal/chat"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/directory"
	"github.com/ent0n29/parley/internal/journal"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/placement"
	"github.com/ent0n29/parley/internal/reliability"
	"github.com/ent0n29/parley/internal/session"
)

type Server struct {
	cfg       config.Config
	chat      *chat.Service
	sessions  *session.Manager
	registry  *placement.Registry
	directory directory.Store
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, chatService *chat.Service, sessions *session.Manager, registry *placement.Registry, dir directory.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		chat:      chatService,
		sessions:  sessions,
		registry:  registry,
		directory: dir,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/rooms/{id}", s.handleGetRoom)
	r.Put("/v1/rooms/{id}", s.handlePutRoom)
	r.Get("/v1/rooms/{id}/history", s.handleRoomHistory)
	r.Post("/v1/rooms/{id}/ops", s.handleRoomOp)
	r.Get("/v1/rooms/{id}/ws", s.handleRoomWS)
	r.Get("/v1/participants/{id}", s.handleGetParticipant)
	r.Put("/v1/participants/{id}", s.handlePutParticipant)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/sessions/{id}/touch", s.handleTouchSession)

	r.Get("/v1/admin/placement", s.handlePlacement)
	r.Post("/v1/admin/entities/{kind}/{id}/close", s.handleCloseEntity)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"node_id":         string(s.registry.Self().ID),
		"journal_backend": journal.ResolveBackend(s.cfg.Journal()),
		"cluster_mode":    s.clusterMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"node_id":         string(s.registry.Self().ID),
		"active_sessions": s.sessions.ActiveCount(),
		"entities":        len(s.registry.Entries()),
	})
}

func (s *Server) clusterMode() string {
	if s.cfg.ClusterMode == "" {
		return "local"
	}
	return s.cfg.ClusterMode
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	st, err := s.chat.RoomState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handlePutRoom(w http.ResponseWriter, r *http.Request) {
	var room directory.RoomDescriptor
	if err := decodeJSON(r, &room); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	room.ID = chi.URLParam(r, "id")
	if err := s.directory.PutRoom(r.Context(), room); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, room)
}

func (s *Server) handleRoomHistory(w http.ResponseWriter, r *http.Request) {
	var after int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_after", "after must be a non-negative sequence number")
			return
		}
		after = n
	}
	records, err := s.chat.History(r.Context(), chi.URLParam(r, "id"), after)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if records == nil {
		records = []chat.MessageRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"room_id": chi.URLParam(r, "id"), "records": records})
}

type opRequest struct {
	ParticipantID string    `json:"participant_id"`
	Op            chat.Kind `json:"op"`
	Text          string    `json:"text,omitempty"`
}

func (s *Server) handleRoomOp(w http.ResponseWriter, r *http.Request) {
	var req opRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rec, err := s.chat.Send(r.Context(), strings.TrimSpace(req.ParticipantID), chi.URLParam(r, "id"), chat.Op{Kind: req.Op, Text: req.Text})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	st, err := s.chat.ParticipantState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handlePutParticipant(w http.ResponseWriter, r *http.Request) {
	var p directory.ParticipantDescriptor
	if err := decodeJSON(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	p.ID = chi.URLParam(r, "id")
	if err := s.directory.PutParticipant(r.Context(), p); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTouchSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Touch(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handlePlacement(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"node_id": string(s.registry.Self().ID),
		"entries": s.registry.Entries(),
	})
}

func (s *Server) handleCloseEntity(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if kind != "room" && kind != "participant" {
		respondError(w, http.StatusBadRequest, "invalid_kind", "kind must be room or participant")
		return
	}
	key := placement.Key(kind + "/" + chi.URLParam(r, "id"))
	if kind == "participant" {
		if err := s.chat.Teardown(r.Context(), chi.URLParam(r, "id")); err != nil {
			respondFailure(w, err)
			return
		}
	}
	closed, err := s.registry.Close(r.Context(), key)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"key": key, "closed": closed})
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFailure maps an entity failure to a status code and its wire code.
func respondFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrInvalidOp), errors.Is(err, chat.ErrInvalidID):
		status = http.StatusBadRequest
	case errors.Is(err, directory.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrParticipantNotJoined), errors.Is(err, chat.ErrSubscriberLimitExceeded):
		status = http.StatusConflict
	case errors.Is(err, placement.ErrEntityUnavailable), reliability.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, errorResponse{
		Error:     err.Error(),
		Code:      placement.ErrorCode(err),
		Retryable: reliability.IsRetryable(err),
	})
}
