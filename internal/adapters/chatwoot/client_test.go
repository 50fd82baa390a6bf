package chatwoot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zappipe/config"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.ChatwootConfig{BaseURL: srv.URL, AccessToken: "tok", AccountID: "7", InboxID: "3"})
	require.NoError(t, err)
	return c
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(config.ChatwootConfig{BaseURL: "http://x", AccessToken: "t", AccountID: "1", InboxID: "abc"})
	assert.Error(t, err)
	_, err = NewClient(config.ChatwootConfig{AccessToken: "t", AccountID: "1", InboxID: "1"})
	assert.Error(t, err)
}

func TestGetContactByPhoneExactMatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("api_access_token"))
		assert.Equal(t, "/api/v1/accounts/7/contacts/search", r.URL.Path)
		_, _ = w.Write([]byte(`{"payload":[{"id":1,"phone_number":"+5511999990000"},{"id":2,"phone_number":"+551199999"}]}`))
	})

	got, err := c.GetContactByPhone(context.Background(), "+551199999")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.ID)

	none, err := c.GetContactByPhone(context.Background(), "+1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCreateContactNestedPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body ContactPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 3, body.InboxID)
		_, _ = w.Write([]byte(`{"payload":{"contact":{"id":42,"name":"Ana","phone_number":"+55"}}}`))
	})
	got, err := c.CreateContact(context.Background(), "Ana", "+55")
	require.NoError(t, err)
	assert.Equal(t, 42, got.ID)
}

func TestCreateMessageError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	})
	_, err := c.CreateMessage(context.Background(), 9, MessagePayload{Content: "oi", MessageType: MessageIncoming})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
}
