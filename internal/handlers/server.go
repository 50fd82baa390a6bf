// Package handlers exposes the webhook intake, session and admin HTTP endpoints.
package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"

	"zappipe/internal/commands"
	"zappipe/internal/models"
	"zappipe/internal/queue"
	"zappipe/internal/sessions"
	"zappipe/pkg/logger"
)

// Concatenator buffers inbound events.
type Concatenator interface {
	Ingest(ctx context.Context, ev models.InboundMessageEvent) error
	FlushKey(sessionID, contactID string) int
	FlushSession(sessionID string) int
	Pending(sessionID, contactID string) []models.InboundMessageEvent
	BufferCount() int
}

// SessionManager resolves sessions and runs agent directives.
type SessionManager interface {
	ResolveForInbound(ctx context.Context, connectionID, phone, name string) (*models.Contact, *models.Session, error)
	Execute(ctx context.Context, sessionID string, cmd *commands.ParsedCommand) (*sessions.Result, error)
}

// AgentWriter persists agent-authored text directly.
type AgentWriter interface {
	PersistAgentMessage(ctx context.Context, sess *models.Session, text string) (*models.Message, error)
}

// Store is the read side used by the handlers.
type Store interface {
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

// DeadLetters lists and retries dead-lettered jobs.
type DeadLetters interface {
	List(ctx context.Context, limit int) ([]models.DeadLetter, error)
	Retry(ctx context.Context, id string) (*queue.Job, error)
}

// Deps wires a Server.
type Deps struct {
	Concatenator  Concatenator
	Sessions      SessionManager
	Agent         AgentWriter
	Store         Store
	DeadLetters   DeadLetters
	Tracker       *queue.Tracker
	WebhookSecret string
	AdminToken    string
}

type server struct {
	Deps
	started time.Time
	now     func() time.Time
	log     zerolog.Logger
}

// NewRouter builds the HTTP surface. webhookPath is the prefix of the webhook route.
func NewRouter(deps Deps, webhookPath string) http.Handler {
	s := &server{
		Deps:    deps,
		started: time.Now(),
		now:     time.Now,
		log:     logger.Component("http"),
	}
	if webhookPath == "" {
		webhookPath = "/webhooks"
	}
	webhookPath = "/" + strings.Trim(webhookPath, "/")

	c := alice.New(s.recoverer, s.requestLogger)
	admin := c.Append(s.adminAuth)

	r := mux.NewRouter()
	r.Handle("/health", c.Then(s.Health())).Methods(http.MethodGet)
	r.Handle(webhookPath+"/{connectionID}", c.Then(s.Webhook())).Methods(http.MethodPost)

	r.Handle("/sessions/{id}/messages", admin.Then(s.SessionMessages())).Methods(http.MethodGet)
	r.Handle("/sessions/{id}/messages", admin.Then(s.PostAgentMessage())).Methods(http.MethodPost)
	r.Handle("/sessions/{id}/flush", admin.Then(s.FlushSession())).Methods(http.MethodPost)
	r.Handle("/sessions/{id}/pending", admin.Then(s.PendingFragments())).Methods(http.MethodGet)

	r.Handle("/admin/queues", admin.Then(s.QueueStatus())).Methods(http.MethodGet)
	r.Handle("/admin/jobs", admin.Then(s.JobList())).Methods(http.MethodGet)
	r.Handle("/admin/jobs/{id}", admin.Then(s.JobStatus())).Methods(http.MethodGet)
	r.Handle("/admin/deadletters", admin.Then(s.DeadLetterList())).Methods(http.MethodGet)
	r.Handle("/admin/deadletters/{id}/retry", admin.Then(s.RetryDeadLetter())).Methods(http.MethodPost)
	r.Handle("/commands", c.Then(s.CommandHelp())).Methods(http.MethodGet)

	if deps.AdminToken == "" {
		s.log.Warn().Msg("ADMIN_TOKEN is not set, session and admin endpoints are unauthenticated")
	}
	return r
}

// Respond writes the JSON envelope used by every endpoint.
func (s *server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	envelope := map[string]interface{}{"code": status}
	if err, ok := data.(error); ok {
		envelope["error"] = err.Error()
		envelope["success"] = false
	} else {
		envelope["data"] = data
		envelope["success"] = status < http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to encode response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", s.now().Sub(start)).
			Msg("Request handled")
	})
}

func (s *server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				s.log.Error().
					Interface("panic", rv).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				s.Respond(w, r, http.StatusInternalServerError, errInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				token = r.Header.Get("X-Admin-Token")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.AdminToken)) != 1 {
				s.Respond(w, r, http.StatusUnauthorized, errUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Health reports liveness and the number of open buffers.
func (s *server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"uptime":  s.now().Sub(s.started).Round(time.Second).String(),
			"buffers": s.Concatenator.BufferCount(),
		})
	}
}

// CommandHelp lists the agent directives.
func (s *server) CommandHelp() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, commands.Available())
	}
}
