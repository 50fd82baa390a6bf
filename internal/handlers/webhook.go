package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"zappipe/internal/adapters/wuzapi"
	"zappipe/internal/commands"
	"zappipe/internal/models"
	"zappipe/internal/store"
)

const maxWebhookBody = 10 << 20

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Webhook-Secret"

// Sign returns the signature of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *server) validSignature(body []byte, signature string) bool {
	if s.WebhookSecret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(s.WebhookSecret, body)), []byte(strings.ToLower(signature)))
}

// Webhook receives gateway events for one connection. Once the body parses the
// gateway always gets a 200: processing errors are logged, never surfaced.
func (s *server) Webhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := mux.Vars(r)["connectionID"]

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to read webhook body")
			s.Respond(w, r, http.StatusBadRequest, errors.New("failed to read request body"))
			return
		}
		if !s.validSignature(body, r.Header.Get(SignatureHeader)) {
			s.log.Warn().Str("connectionID", connectionID).Msg("Invalid webhook signature")
			s.Respond(w, r, http.StatusUnauthorized, errors.New("invalid signature"))
			return
		}

		var payload wuzapi.EventPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			s.log.Error().Err(err).Str("connectionID", connectionID).Msg("Failed to decode webhook payload")
			s.Respond(w, r, http.StatusBadRequest, errors.New("invalid JSON payload"))
			return
		}

		outcome := s.dispatch(r, connectionID, &payload)
		s.Respond(w, r, http.StatusOK, outcome)
	}
}

func (s *server) dispatch(r *http.Request, connectionID string, payload *wuzapi.EventPayload) map[string]interface{} {
	ctx := r.Context()
	event := payload.Name()
	log := s.log.With().Str("connectionID", connectionID).Str("eventType", event).Logger()
	out := map[string]interface{}{"event": event, "action": "ignored"}

	switch {
	case event == "":
		log.Warn().Msg("Webhook without event type")
		return out
	case event != wuzapi.EventMessageReceived && event != wuzapi.EventMessageSent:
		if !wuzapi.IsKnownEvent(event) {
			log.Warn().Msg("Unknown webhook event")
		}
		return out
	case payload.Message == nil:
		log.Warn().Msg("Message event without message data")
		return out
	}

	if _, err := s.Store.GetConnection(ctx, connectionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Msg("Webhook for unknown connection")
		} else {
			log.Error().Err(err).Msg("Failed to load connection")
		}
		return out
	}

	msg := payload.Message
	msgType, ok := msg.MessageType()
	if !ok {
		log.Debug().Str("messageType", msg.Type).Str("waMessageID", msg.ID).Msg("Unsupported message type")
		return out
	}
	phone := msg.Phone()
	if phone == "" {
		log.Warn().Str("waMessageID", msg.ID).Msg("Message without counterpart number")
		return out
	}

	name := ""
	if !msg.FromMe {
		name = msg.DisplayName()
	}
	contact, sess, err := s.Sessions.ResolveForInbound(ctx, connectionID, phone, name)
	if err != nil {
		log.Error().Err(err).Str("phone", phone).Msg("Failed to resolve session")
		return out
	}
	out["session_id"] = sess.ID

	if msg.FromMe && msgType == models.TypeText {
		if cmd := commands.Parse(msg.Body()); cmd != nil {
			res, err := s.Sessions.Execute(ctx, sess.ID, cmd)
			if err != nil {
				log.Error().Err(err).Str("sessionID", sess.ID).Str("command", string(cmd.Type)).Msg("Command failed")
				return out
			}
			out["action"] = "command"
			out["result"] = res
			return out
		}
		if strings.HasPrefix(strings.TrimSpace(msg.Body()), "@") {
			log.Debug().Str("sessionID", sess.ID).Msg("Unrecognized directive, treating as text")
		}
	}

	ev := msg.ToEvent(connectionID, sess.ID, contact.ID, msgType, s.now().UTC())
	if err := s.Concatenator.Ingest(ctx, ev); err != nil {
		log.Error().Err(err).Str("sessionID", sess.ID).Str("waMessageID", msg.ID).Msg("Failed to buffer message")
		return out
	}
	out["action"] = "buffered"
	return out
}
