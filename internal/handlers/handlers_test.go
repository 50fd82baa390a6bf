package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zappipe/internal/commands"
	"zappipe/internal/models"
	"zappipe/internal/queue"
	"zappipe/internal/services"
	"zappipe/internal/sessions"
	"zappipe/internal/store"
)

type fakeConcat struct {
	ingested []models.InboundMessageEvent
	flushed  []string
	err      error
}

func (f *fakeConcat) Ingest(ctx context.Context, ev models.InboundMessageEvent) error {
	if f.err != nil {
		return f.err
	}
	f.ingested = append(f.ingested, ev)
	return nil
}

func (f *fakeConcat) FlushKey(sessionID, contactID string) int {
	f.flushed = append(f.flushed, sessionID+"/"+contactID)
	return 1
}

func (f *fakeConcat) FlushSession(sessionID string) int {
	f.flushed = append(f.flushed, sessionID)
	return 2
}

func (f *fakeConcat) Pending(sessionID, contactID string) []models.InboundMessageEvent {
	return []models.InboundMessageEvent{{SessionID: sessionID, ContactID: contactID, Body: "oi"}}
}

func (f *fakeConcat) BufferCount() int { return len(f.ingested) }

type fakeSessions struct {
	executed []commands.Type
	phones   []string
}

func (f *fakeSessions) ResolveForInbound(ctx context.Context, connectionID, phone, name string) (*models.Contact, *models.Session, error) {
	f.phones = append(f.phones, phone)
	return &models.Contact{ID: "contact1", PhoneNumber: phone, Name: name},
		&models.Session{ID: "sess1", ConnectionID: connectionID, ContactID: "contact1", Status: models.SessionActive}, nil
}

func (f *fakeSessions) Execute(ctx context.Context, sessionID string, cmd *commands.ParsedCommand) (*sessions.Result, error) {
	f.executed = append(f.executed, cmd.Type)
	if cmd.Type == commands.Transfer && cmd.Target == "" {
		return nil, errors.New("transfer requires a target")
	}
	return &sessions.Result{SessionID: sessionID, Command: cmd.Type, Status: models.SessionClosed}, nil
}

type fakeAgent struct{ texts []string }

func (f *fakeAgent) PersistAgentMessage(ctx context.Context, sess *models.Session, text string) (*models.Message, error) {
	f.texts = append(f.texts, text)
	return &models.Message{ID: "m1", SessionID: sess.ID, Content: text, Direction: models.DirectionOutbound}, nil
}

type fakeStore struct{}

func (fakeStore) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	if id != "conn1" {
		return nil, store.ErrNotFound
	}
	return &models.Connection{ID: id}, nil
}

func (fakeStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if id != "sess1" {
		return nil, store.ErrNotFound
	}
	return &models.Session{ID: id, ContactID: "contact1", Status: models.SessionActive}, nil
}

func (fakeStore) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	return []models.Message{{ID: "m0", SessionID: sessionID}}, nil
}

type fakeDeadLetters struct{ retried []string }

func (f *fakeDeadLetters) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	return []models.DeadLetter{{ID: "dl1", Queue: queue.QueueTranscriptionDeadLetter}}, nil
}

func (f *fakeDeadLetters) Retry(ctx context.Context, id string) (*queue.Job, error) {
	switch id {
	case "dl1":
		f.retried = append(f.retried, id)
		return &queue.Job{ID: "job9"}, nil
	case "done":
		return nil, &services.AlreadyReprocessedError{ID: id, At: time.Now()}
	}
	return nil, store.ErrNotFound
}

type harness struct {
	handler  http.Handler
	concat   *fakeConcat
	sessions *fakeSessions
	agent    *fakeAgent
	dls      *fakeDeadLetters
	tracker  *queue.Tracker
}

func newHarness(secret, adminToken string) *harness {
	h := &harness{
		concat:   &fakeConcat{},
		sessions: &fakeSessions{},
		agent:    &fakeAgent{},
		dls:      &fakeDeadLetters{},
		tracker:  queue.NewTracker(time.Minute, time.Minute),
	}
	h.handler = NewRouter(Deps{
		Concatenator:  h.concat,
		Sessions:      h.sessions,
		Agent:         h.agent,
		Store:         fakeStore{},
		DeadLetters:   h.dls,
		Tracker:       h.tracker,
		WebhookSecret: secret,
		AdminToken:    adminToken,
	}, "/webhooks")
	return h
}

type envelope struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (h *harness) do(t *testing.T, method, path string, body []byte, header map[string]string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Code, env
}

func webhookBody(t *testing.T, msg map[string]interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{"event": "message.received", "message": msg})
	require.NoError(t, err)
	return b
}

func TestWebhookBuffersInboundText(t *testing.T) {
	h := newHarness("", "")
	body := webhookBody(t, map[string]interface{}{
		"id": "WA1", "from": "5511999990000@s.whatsapp.net", "type": "chat", "text": "oi", "pushName": "Ana",
	})
	code, env := h.do(t, http.MethodPost, "/webhooks/conn1", body, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)

	require.Len(t, h.concat.ingested, 1)
	ev := h.concat.ingested[0]
	assert.Equal(t, "sess1", ev.SessionID)
	assert.Equal(t, "WA1", ev.WAMessageID)
	assert.Equal(t, models.DirectionInbound, ev.Direction)
	assert.Equal(t, []string{"5511999990000"}, h.sessions.phones)
}

func TestWebhookExecutesAgentCommand(t *testing.T) {
	h := newHarness("", "")
	body := webhookBody(t, map[string]interface{}{
		"id": "WA2", "from": "me@s.whatsapp.net", "chat": "5511999990000@s.whatsapp.net", "fromMe": true, "type": "chat", "text": "@fechar",
	})
	code, env := h.do(t, http.MethodPost, "/webhooks/conn1", body, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"action":"command"`)
	assert.Equal(t, []commands.Type{commands.Close}, h.sessions.executed)
	assert.Empty(t, h.concat.ingested)

	// unknown directives from the agent are buffered as text
	body = webhookBody(t, map[string]interface{}{
		"id": "WA3", "from": "me@s.whatsapp.net", "chat": "5511999990000@s.whatsapp.net", "fromMe": true, "type": "chat", "text": "@foo bar",
	})
	h.do(t, http.MethodPost, "/webhooks/conn1", body, nil)
	require.Len(t, h.concat.ingested, 1)
	assert.Equal(t, models.DirectionOutbound, h.concat.ingested[0].Direction)
}

func TestWebhookAlwaysAcksParsedBodies(t *testing.T) {
	h := newHarness("", "")
	h.concat.err = errors.New("session is closed")

	for _, body := range [][]byte{
		webhookBody(t, map[string]interface{}{"id": "X", "from": "55@s.whatsapp.net", "type": "chat", "text": "oi"}),
		[]byte(`{"event":"instance.status"}`),
		[]byte(`{"event":"message.received"}`),
		[]byte(`{"event":"Receipt"}`),
		webhookBody(t, map[string]interface{}{"id": "Y", "from": "55@s.whatsapp.net", "type": "reaction"}),
	} {
		code, _ := h.do(t, http.MethodPost, "/webhooks/conn1", body, nil)
		assert.Equal(t, http.StatusOK, code, string(body))
	}

	code, _ := h.do(t, http.MethodPost, "/webhooks/unknown", webhookBody(t, map[string]interface{}{"from": "55", "text": "oi"}), nil)
	assert.Equal(t, http.StatusOK, code)

	code, env := h.do(t, http.MethodPost, "/webhooks/conn1", []byte("{"), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)
}

func TestWebhookSignature(t *testing.T) {
	h := newHarness("s3cret", "")
	body := webhookBody(t, map[string]interface{}{"id": "S", "from": "55@s.whatsapp.net", "type": "chat", "text": "oi"})

	code, _ := h.do(t, http.MethodPost, "/webhooks/conn1", body, map[string]string{SignatureHeader: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = h.do(t, http.MethodPost, "/webhooks/conn1", body, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = h.do(t, http.MethodPost, "/webhooks/conn1", body, map[string]string{SignatureHeader: Sign("s3cret", body)})
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, h.concat.ingested, 1)
}

func TestSessionEndpoints(t *testing.T) {
	h := newHarness("", "")

	code, _ := h.do(t, http.MethodPost, "/sessions/sess1/messages", []byte(`{"text":"Segue o orçamento"}`), nil)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, []string{"Segue o orçamento"}, h.agent.texts)

	code, _ = h.do(t, http.MethodPost, "/sessions/sess1/messages", []byte(`{"text":"@pausar 2"}`), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []commands.Type{commands.Pause}, h.sessions.executed)

	code, _ = h.do(t, http.MethodPost, "/sessions/sess1/messages", []byte(`{"text":"@transferir"}`), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = h.do(t, http.MethodPost, "/sessions/sess1/messages", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodGet, "/sessions/nope/messages", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env := h.do(t, http.MethodPost, "/sessions/sess1/flush", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"flushed":2}`, string(env.Data))
	h.do(t, http.MethodPost, "/sessions/sess1/flush?contact=c9", nil, nil)
	assert.Equal(t, []string{"sess1", "sess1/c9"}, h.concat.flushed)

	code, env = h.do(t, http.MethodGet, "/sessions/sess1/pending", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	var pending []models.InboundMessageEvent
	require.NoError(t, json.Unmarshal(env.Data, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "contact1", pending[0].ContactID)
}

func TestAdminEndpoints(t *testing.T) {
	h := newHarness("", "tok")
	h.tracker.Track(&queue.Job{ID: "j1", Queue: queue.QueueTranscription, Name: "transcribe"}, queue.JobStatusCompleted, nil)
	auth := map[string]string{"Authorization": "Bearer tok"}

	code, _ := h.do(t, http.MethodGet, "/admin/queues", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := h.do(t, http.MethodGet, "/admin/queues", nil, auth)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"transcription":{"completed":1}`)

	code, _ = h.do(t, http.MethodGet, "/admin/jobs/j1", nil, map[string]string{"X-Admin-Token": "tok"})
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodGet, "/admin/jobs/zz", nil, auth)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = h.do(t, http.MethodGet, "/admin/jobs?queue=transcription&status=completed", nil, auth)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"count":1`)

	code, _ = h.do(t, http.MethodGet, "/admin/deadletters", nil, auth)
	assert.Equal(t, http.StatusOK, code)

	code, env = h.do(t, http.MethodPost, "/admin/deadletters/dl1/retry", nil, auth)
	assert.Equal(t, http.StatusAccepted, code)
	assert.JSONEq(t, `{"job_id":"job9"}`, string(env.Data))
	code, _ = h.do(t, http.MethodPost, "/admin/deadletters/done/retry", nil, auth)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = h.do(t, http.MethodPost, "/admin/deadletters/missing/retry", nil, auth)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	code, env = h.do(t, http.MethodGet, "/commands", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), "@fechar")
}
