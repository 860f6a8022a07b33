package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"threadline/api/internal/auth"
	"threadline/api/internal/config"
	"threadline/api/internal/realtime"
)

type HTTPServer struct {
	service  *Service
	verifier *auth.Verifier
	hub      *realtime.Hub
	cfg      config.Config
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewHTTPServer(service *Service, verifier *auth.Verifier, hub *realtime.Hub, cfg config.Config, log zerolog.Logger) *HTTPServer {
	s := &HTTPServer{
		service:  service,
		verifier: verifier,
		hub:      hub,
		cfg:      cfg,
		log:      log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.cfg.CORSOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(noStore)
		r.Get("/health", s.handleHealth)
		r.Head("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Head("/ready", s.handleReady)

		r.Group(func(r chi.Router) {
			r.Use(s.requireIdentity)

			r.Route("/threads", func(r chi.Router) {
				r.Post("/", s.handleCreateThread)
				r.Get("/", s.handleListThreads)
				r.Delete("/", s.handleDeleteAllThreads)
				r.Delete("/messages/all", s.handleClearAllMessages)

				r.Route("/{threadID}", func(r chi.Router) {
					r.Get("/", s.handleGetThread)
					r.Patch("/", s.handleUpdateGroup)
					r.Delete("/", s.handleDeleteThread)
					r.Post("/participants", s.handleAddParticipant)
					r.Delete("/participants/{userID}", s.handleRemoveParticipant)
					r.Post("/read", s.handleMarkRead)
					r.Post("/flag", s.handleFlagThread)
					r.Post("/deactivate", s.handleDeactivateThread)

					r.Get("/messages", s.handleListMessages)
					r.Post("/messages", s.handleSendMessage)
					r.Delete("/messages", s.handleClearThreadMessages)
					r.Put("/messages/{messageID}", s.handleEditMessage)
					r.Delete("/messages/{messageID}", s.handleDeleteMessage)
					r.Post("/messages/{messageID}/reactions", s.handleReact)
					r.Delete("/messages/{messageID}/reactions", s.handleUnreact)
					r.Post("/messages/{messageID}/flag", s.handleFlagMessage)
				})
			})

			r.Get("/search/messages", s.handleSearchMessages)
			r.Post("/media/uploads", s.handleRequestUpload)
			r.Get("/users/{userID}/presence", s.handleGetPresence)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var cmd CreateThread
	if !s.decode(w, r, &cmd) {
		return
	}
	s.run(w, r, http.StatusCreated, cmd)
}

func (s *HTTPServer) handleListThreads(w http.ResponseWriter, r *http.Request) {
	cmd := ListThreads{UserID: r.URL.Query().Get("userId")}
	var ok bool
	if cmd.Page, ok = queryInt(w, r, "page"); !ok {
		return
	}
	if cmd.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}
	s.run(w, r, http.StatusOK, cmd)
}

func (s *HTTPServer) handleGetThread(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, http.StatusOK, GetThread{ThreadID: chi.URLParam(r, "threadID")})
}

func (s *HTTPServer) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var cmd UpdateGroup
	if !s.decode(w, r, &cmd) {
		return
	}
	cmd.ThreadID = chi.URLParam(r, "threadID")
	s.run(w, r, http.StatusOK, cmd)
}

func (s *HTTPServer) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, http.StatusOK, DeleteThread{ThreadID: chi.URLParam(r, "threadID")})
}

func (s *HTTPServer) handleDeleteAllThreads(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, http.StatusOK, DeleteAllThreads{})
}

func (s *HTTPServer) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var cmd AddParticipant
	if !s.decode(w, r, &cmd) {
		return
	}
	cmd.ThreadID = chi.URLParam(r, "threadID")
	s.run(w, r, http.StatusOK, cmd)
}

func (s *HTTPServer) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, http.StatusOK, RemoveParticipant{
		ThreadID: chi.URLParam(r, "threadID"),
		UserID:   chi.URLParam(r, "userID"),
	})
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var cmd MarkRead
	if !s.decode(w, r, &cmd) {
		return
	}
	cmd.ThreadID = chi.URLParam(r, "threadID")
	s.run(w, r, http.StatusOK, cmd)
}

func (s *HTTPServer) handleFlagThread(w http.ResponseWriter, r *http.Request) {
	var cmd FlagThread
	if !s.decode(w, r, &cmd) {
		return
	}
	cmd.ThreadID = chi.URLParam(r, "threadID")
	s.run(w, r, http.StatusOK, cmd)
}

func (s *HTTPServer) handleDeactivateThread(w http.ResponseWriter, r *http.Request) {
	var cmd DeactivateThread
	if !s.decode(w, r, &cmd) {
		return
	}
	cmd.ThreadID = chi.URLParam(r, "threadID")
	s.run(w, r, http.StatusOK, cmd)
}

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	cmd := ListMessages{ThreadID: chi.URLParam(r, "threadID")}
	var ok bool
	if cmd.Skip, ok = queryInt(w, r, "skip"); !ok {
		return
	}
	if cmd.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}
	s.run(w, r, http.StatusOK, cmd)
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var cmd SendMessage
	if !s.decode(w, r, &cmd) {
		return
	}
	cmd.ThreadID = chi.URLParam(r, "threadID")
	s.run(w, r, http.StatusCreated, cmd)
}

func (s *HTTPServer) handleClearThreadMessages(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, http.StatusOK, ClearThreadMessages{ThreadID: chi.URLParam(r, "threadID")})
}

func (s *HTTPServer) handleClearAllMessages(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, http.StatusOK, ClearAllMessages{})
}

func (s *HTTPServer) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var cmd EditMessage
	if !s.decode(w, r, &cmd) {
		return
	}
	cmd.ThreadID = chi.URLParam(r, "threadID")
	cmd.MessageID = chi.URLParam(r, "messageID")
	s.run(w, r, http.StatusOK, cmd)
}

func (s *HTTPServer) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, http.StatusOK, DeleteMessage{
		ThreadID:  chi.URLParam(r, "threadID"),
		MessageID: chi.URLParam(r, "messageID"),
		Scope:     r.URL.Query().Get("scope"),
	})
}

func (s *HTTPServer) handleReact(w http.ResponseWriter, r *http.Request) {
	var cmd ReactToMessage
	if !s.decode(w, r, &cmd) {
		return
	}
	cmd.ThreadID = chi.URLParam(r, "threadID")
	cmd.MessageID = chi.URLParam(r, "messageID")
	s.run(w, r, http.StatusOK, cmd)
}

func (s *HTTPServer) handleUnreact(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, http.StatusOK, RemoveReaction{
		ThreadID:  chi.URLParam(r, "threadID"),
		MessageID: chi.URLParam(r, "messageID"),
	})
}

func (s *HTTPServer) handleFlagMessage(w http.ResponseWriter, r *http.Request) {
	var cmd FlagMessage
	if !s.decode(w, r, &cmd) {
		return
	}
	cmd.ThreadID = chi.URLParam(r, "threadID")
	cmd.MessageID = chi.URLParam(r, "messageID")
	s.run(w, r, http.StatusOK, cmd)
}

func (s *HTTPServer) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cmd := SearchMessages{Query: q.Get("q"), ThreadID: q.Get("threadId")}
	var ok bool
	if cmd.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}
	if cmd.Offset, ok = queryInt(w, r, "offset"); !ok {
		return
	}
	s.run(w, r, http.StatusOK, cmd)
}

func (s *HTTPServer) handleRequestUpload(w http.ResponseWriter, r *http.Request) {
	var cmd RequestUpload
	if !s.decode(w, r, &cmd) {
		return
	}
	s.run(w, r, http.StatusOK, cmd)
}

func (s *HTTPServer) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, http.StatusOK, GetPresence{UserID: chi.URLParam(r, "userID")})
}

// run executes cmd for the authenticated caller and writes the result.
func (s *HTTPServer) run(w http.ResponseWriter, r *http.Request, status int, cmd Command) {
	identity, _ := auth.IdentityFrom(r.Context())
	result, err := s.service.Execute(r.Context(), identity, cmd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, result)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	if s.cfg.CORSOrigin == "" || s.cfg.CORSOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || strings.EqualFold(origin, s.cfg.CORSOrigin)
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "Invalid request", map[string]string{
			key: "must be an integer",
		})
		return 0, false
	}
	return value, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
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
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, CodeServer, "Server error", nil
}
