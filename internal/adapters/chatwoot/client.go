// Package chatwoot relays persisted messages into a Chatwoot inbox.
package chatwoot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"zappipe/config"
	"zappipe/pkg/httputil"
	"zappipe/pkg/logger"
)

// Client talks to the Chatwoot application API of one account and inbox.
type Client struct {
	httpClient *resty.Client
	accountID  string
	inboxID    int
	log        zerolog.Logger
}

// NewClient creates a new Chatwoot client.
func NewClient(cfg config.ChatwootConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chatwoot base URL cannot be empty")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("chatwoot access token cannot be empty")
	}
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("chatwoot account ID cannot be empty")
	}
	inboxID, err := strconv.Atoi(cfg.InboxID)
	if err != nil {
		return nil, fmt.Errorf("chatwoot inbox ID %q: %w", cfg.InboxID, err)
	}

	client := httputil.NewDefaultRestyClient(10*time.Second).
		SetBaseURL(cfg.BaseURL).
		SetHeader("api_access_token", cfg.AccessToken)

	c := &Client{
		httpClient: client,
		accountID:  cfg.AccountID,
		inboxID:    inboxID,
		log:        logger.Component("chatwoot"),
	}
	c.log.Info().Str("baseURL", cfg.BaseURL).Str("accountID", cfg.AccountID).Int("inboxID", inboxID).Msg("Chatwoot client configured")
	return c, nil
}

// InboxID is the inbox every contact and conversation is created in.
func (c *Client) InboxID() int {
	return c.inboxID
}

func (c *Client) do(req *resty.Request, method, url, op string) error {
	resp, err := req.Execute(method, url)
	if err != nil {
		c.log.Error().Err(err).Str("url", url).Msgf("Chatwoot API: %s request failed", op)
		return fmt.Errorf("chatwoot %s: %w", op, err)
	}
	if resp.IsError() {
		c.log.Error().
			Str("url", url).
			Int("statusCode", resp.StatusCode()).
			Str("responseBody", string(resp.Body())).
			Msgf("Chatwoot API: %s returned an error", op)
		return &APIError{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// CreateContact creates a new contact in the configured inbox.
func (c *Client) CreateContact(ctx context.Context, name, phone string) (*Contact, error) {
	url := fmt.Sprintf("/api/v1/accounts/%s/contacts", c.accountID)
	var out contactEnvelope
	req := c.httpClient.R().
		SetContext(ctx).
		SetBody(ContactPayload{InboxID: c.inboxID, Name: name, PhoneNumber: phone}).
		SetResult(&out)
	if err := c.do(req, resty.MethodPost, url, "create contact"); err != nil {
		return nil, err
	}
	contact := out.contact()
	c.log.Info().Int("contactID", contact.ID).Str("phoneNumber", contact.PhoneNumber).Msg("Chatwoot contact created")
	return contact, nil
}

// GetContactByPhone returns the contact whose phone number matches exactly, or nil.
func (c *Client) GetContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	url := fmt.Sprintf("/api/v1/accounts/%s/contacts/search", c.accountID)
	var out contactList
	req := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("q", phone).
		SetResult(&out)
	if err := c.do(req, resty.MethodGet, url, "search contact"); err != nil {
		return nil, err
	}
	// search matches on any field, keep only an exact phone match
	for i := range out.Payload {
		if out.Payload[i].PhoneNumber == phone {
			return &out.Payload[i], nil
		}
	}
	return nil, nil
}

// CreateConversation opens a conversation for contactID in the configured inbox.
func (c *Client) CreateConversation(ctx context.Context, sourceID string, contactID int) (*Conversation, error) {
	url := fmt.Sprintf("/api/v1/accounts/%s/conversations", c.accountID)
	var conv Conversation
	req := c.httpClient.R().
		SetContext(ctx).
		SetBody(ConversationPayload{SourceID: sourceID, InboxID: c.inboxID, ContactID: contactID, Status: "open"}).
		SetResult(&conv)
	if err := c.do(req, resty.MethodPost, url, "create conversation"); err != nil {
		return nil, err
	}
	c.log.Info().Int("conversationID", conv.ID).Int("contactID", contactID).Msg("Chatwoot conversation created")
	return &conv, nil
}

// GetConversationsForContact lists the conversations of a contact.
func (c *Client) GetConversationsForContact(ctx context.Context, contactID int) ([]Conversation, error) {
	url := fmt.Sprintf("/api/v1/accounts/%s/contacts/%d/conversations", c.accountID, contactID)
	var out conversationList
	req := c.httpClient.R().SetContext(ctx).SetResult(&out)
	if err := c.do(req, resty.MethodGet, url, "list conversations"); err != nil {
		return nil, err
	}
	return out.Payload, nil
}

// CreateMessage posts a message to a conversation.
func (c *Client) CreateMessage(ctx context.Context, conversationID int, payload MessagePayload) (*Message, error) {
	url := fmt.Sprintf("/api/v1/accounts/%s/conversations/%d/messages", c.accountID, conversationID)
	var msg Message
	req := c.httpClient.R().SetContext(ctx).SetBody(payload).SetResult(&msg)
	if err := c.do(req, resty.MethodPost, url, "create message"); err != nil {
		return nil, err
	}
	c.log.Debug().Int("messageID", msg.ID).Int("conversationID", conversationID).Msg("Chatwoot message created")
	return &msg, nil
}
