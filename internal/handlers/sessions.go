package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"zappipe/internal/commands"
	"zappipe/internal/models"
	"zappipe/internal/store"
)

func (s *server) loadSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	sess, err := s.Store.GetSession(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		s.Respond(w, r, http.StatusNotFound, errors.New("session not found"))
		return nil, false
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load session")
		s.Respond(w, r, http.StatusInternalServerError, errInternal)
		return nil, false
	}
	return sess, true
}

func queryLimit(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

// SessionMessages lists the latest persisted messages of a session.
func (s *server) SessionMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.loadSession(w, r)
		if !ok {
			return
		}
		msgs, err := s.Store.ListSessionMessages(r.Context(), sess.ID, queryLimit(r, 50))
		if err != nil {
			s.log.Error().Err(err).Str("sessionID", sess.ID).Msg("Failed to list messages")
			s.Respond(w, r, http.StatusInternalServerError, errInternal)
			return
		}
		s.Respond(w, r, http.StatusOK, msgs)
	}
}

type agentMessageRequest struct {
	Text string `json:"text"`
}

// PostAgentMessage executes a directive or stores agent text directly.
func (s *server) PostAgentMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.loadSession(w, r)
		if !ok {
			return
		}
		var req agentMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
			s.Respond(w, r, http.StatusBadRequest, errors.New("text is required"))
			return
		}

		if cmd := commands.Parse(req.Text); cmd != nil {
			res, err := s.Sessions.Execute(r.Context(), sess.ID, cmd)
			if err != nil {
				s.Respond(w, r, http.StatusUnprocessableEntity, err)
				return
			}
			s.Respond(w, r, http.StatusOK, res)
			return
		}

		msg, err := s.Agent.PersistAgentMessage(r.Context(), sess, req.Text)
		if err != nil {
			s.log.Error().Err(err).Str("sessionID", sess.ID).Msg("Failed to persist agent message")
			s.Respond(w, r, http.StatusInternalServerError, errInternal)
			return
		}
		s.Respond(w, r, http.StatusCreated, msg)
	}
}

// FlushSession emits the buffers of a session, or of one contact when ?contact= is set.
func (s *server) FlushSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var flushed int
		if contact := r.URL.Query().Get("contact"); contact != "" {
			flushed = s.Concatenator.FlushKey(id, contact)
		} else {
			flushed = s.Concatenator.FlushSession(id)
		}
		s.log.Info().Str("sessionID", id).Int("flushed", flushed).Msg("Manual flush")
		s.Respond(w, r, http.StatusOK, map[string]int{"flushed": flushed})
	}
}

// PendingFragments shows what is buffered for a session contact.
func (s *server) PendingFragments() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.loadSession(w, r)
		if !ok {
			return
		}
		contact := r.URL.Query().Get("contact")
		if contact == "" {
			contact = sess.ContactID
		}
		s.Respond(w, r, http.StatusOK, s.Concatenator.Pending(sess.ID, contact))
	}
}
