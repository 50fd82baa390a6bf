package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"zappipe/internal/models"
)

const sessionColumns = `id, connection_id, contact_id, status, ai_blocked_until, assigned_to,
	last_message_at, closed_at, created_at, updated_at`

// CreateConnection registers a WhatsApp connection.
func (s *Store) CreateConnection(ctx context.Context, c *models.Connection) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = s.now()
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO connections (id, organization_id, name, created_at)
		VALUES (:id, :organization_id, :name, :created_at)`, c)
	return wrap("create connection", err)
}

// GetConnection loads a connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	var c models.Connection
	err := s.db.GetContext(ctx, &c, s.q(`SELECT id, organization_id, name, created_at FROM connections WHERE id = ?`), id)
	if err != nil {
		return nil, wrap("get connection", err)
	}
	return &c, nil
}

// CreateContact inserts a contact.
func (s *Store) CreateContact(ctx context.Context, c *models.Contact) error {
	s.stampContact(c)
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO contacts (id, phone_number, name, bypass_bots, created_at, updated_at)
		VALUES (:id, :phone_number, :name, :bypass_bots, :created_at, :updated_at)`, c)
	return wrap("create contact", err)
}

// EnsureContact inserts c unless its phone number is already stored and
// returns the stored row. created is false when another writer got there first.
func (s *Store) EnsureContact(ctx context.Context, c *models.Contact) (contact *models.Contact, created bool, err error) {
	s.stampContact(c)
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO contacts (id, phone_number, name, bypass_bots, created_at, updated_at)
		VALUES (:id, :phone_number, :name, :bypass_bots, :created_at, :updated_at)
		ON CONFLICT (phone_number) DO NOTHING`, c)
	if err != nil {
		return nil, false, wrap("ensure contact", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, wrap("ensure contact", err)
	}
	if n == 1 {
		return c, true, nil
	}
	contact, err = s.FindContactByPhone(ctx, c.PhoneNumber)
	return contact, false, err
}

func (s *Store) stampContact(c *models.Contact) {
	now := s.now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt, c.UpdatedAt = now, now
}

// GetContact loads a contact by id.
func (s *Store) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.GetContext(ctx, &c, s.q(`SELECT id, phone_number, name, bypass_bots, created_at, updated_at
		FROM contacts WHERE id = ?`), id)
	if err != nil {
		return nil, wrap("get contact", err)
	}
	return &c, nil
}

// FindContactByPhone loads a contact by phone number.
func (s *Store) FindContactByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.GetContext(ctx, &c, s.q(`SELECT id, phone_number, name, bypass_bots, created_at, updated_at
		FROM contacts WHERE phone_number = ?`), phone)
	if err != nil {
		return nil, wrap("find contact by phone", err)
	}
	return &c, nil
}

// SetContactBypassBots toggles the blacklist flag of a contact.
func (s *Store) SetContactBypassBots(ctx context.Context, id string, bypass bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE contacts SET bypass_bots = ?, updated_at = ? WHERE id = ?`), bypass, s.now(), id)
	return expectOne("set contact bypass", res, err)
}

// CreateSession inserts an ACTIVE session unless another status is set.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	s.stampSession(sess)
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (
		:id, :connection_id, :contact_id, :status, :ai_blocked_until, :assigned_to,
		:last_message_at, :closed_at, :created_at, :updated_at)`, sess)
	return wrap("create session", err)
}

// ensureSessionAttempts bounds the insert/select loop of EnsureOpenSession.
// Each extra round needs the winner's session to be closed in between.
const ensureSessionAttempts = 3

// EnsureOpenSession returns the open session of the pair, inserting sess when
// there is none. At most one open session per pair exists (idx_sessions_one_open),
// so concurrent callers all end up with the same row.
func (s *Store) EnsureOpenSession(ctx context.Context, sess *models.Session) (open *models.Session, created bool, err error) {
	for attempt := 0; attempt < ensureSessionAttempts; attempt++ {
		if attempt > 0 {
			sess.ID = ""
		}
		s.stampSession(sess)
		res, err := s.db.NamedExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (
			:id, :connection_id, :contact_id, :status, :ai_blocked_until, :assigned_to,
			:last_message_at, :closed_at, :created_at, :updated_at)
			ON CONFLICT DO NOTHING`, sess)
		if err != nil {
			return nil, false, wrap("ensure open session", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, wrap("ensure open session", err)
		}
		if n == 1 {
			return sess, true, nil
		}
		open, err = s.FindOpenSession(ctx, sess.ConnectionID, sess.ContactID)
		if err == nil {
			return open, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}
	return nil, false, &PersistenceError{Op: "ensure open session", Err: errors.New("open session kept closing under concurrent writers")}
}

func (s *Store) stampSession(sess *models.Session) {
	now := s.now()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = models.SessionActive
	}
	sess.CreatedAt, sess.UpdatedAt = now, now
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	if err != nil {
		return nil, wrap("get session", err)
	}
	return &sess, nil
}

// FindOpenSession returns the newest session that is not CLOSED for the pair.
func (s *Store) FindOpenSession(ctx context.Context, connectionID, contactID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess, s.q(`SELECT `+sessionColumns+` FROM sessions
		WHERE connection_id = ? AND contact_id = ? AND status <> ?
		ORDER BY created_at DESC LIMIT 1`), connectionID, contactID, models.SessionClosed)
	if err != nil {
		return nil, wrap("find open session", err)
	}
	return &sess, nil
}

// SetSessionStatus changes the status and AI block of a session.
// CLOSED stamps closed_at; any other status clears it.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status models.SessionStatus, blockedUntil *time.Time) error {
	now := s.now()
	var closedAt *time.Time
	if status == models.SessionClosed {
		closedAt = &now
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions
		SET status = ?, ai_blocked_until = ?, closed_at = ?, updated_at = ?
		WHERE id = ?`), status, blockedUntil, closedAt, now, id)
	return expectOne("set session status", res, err)
}

// SetSessionAssignee records the transfer target of a session.
func (s *Store) SetSessionAssignee(ctx context.Context, id, assignee string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET assigned_to = ?, updated_at = ? WHERE id = ?`), assignee, s.now(), id)
	return expectOne("set session assignee", res, err)
}

// TouchSession records message activity on a session.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET last_message_at = ?, updated_at = ? WHERE id = ?`), at.UTC(), s.now(), id)
	return expectOne("touch session", res, err)
}

// ListSessionsToResume returns PAUSED sessions whose AI block expired at or before now.
func (s *Store) ListSessionsToResume(ctx context.Context, now time.Time) ([]models.Session, error) {
	var out []models.Session
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? AND ai_blocked_until IS NOT NULL AND ai_blocked_until <= ?`), models.SessionPaused, now.UTC())
	if err != nil {
		return nil, wrap("list sessions to resume", err)
	}
	return out, nil
}

// ListIdleSessions returns open sessions without activity since before.
func (s *Store) ListIdleSessions(ctx context.Context, before time.Time) ([]models.Session, error) {
	var out []models.Session
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? AND COALESCE(last_message_at, created_at) < ?`), models.SessionActive, before.UTC())
	if err != nil {
		return nil, wrap("list idle sessions", err)
	}
	return out, nil
}
