// Package sessions executes agent directives and keeps session lifecycles moving.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"zappipe/internal/commands"
	"zappipe/internal/models"
	"zappipe/internal/store"
	"zappipe/pkg/logger"
)

// Store is the persistence the manager needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	EnsureOpenSession(ctx context.Context, sess *models.Session) (*models.Session, bool, error)
	FindOpenSession(ctx context.Context, connectionID, contactID string) (*models.Session, error)
	SetSessionStatus(ctx context.Context, id string, status models.SessionStatus, blockedUntil *time.Time) error
	SetSessionAssignee(ctx context.Context, id, assignee string) error
	ListSessionsToResume(ctx context.Context, now time.Time) ([]models.Session, error)
	ListIdleSessions(ctx context.Context, before time.Time) ([]models.Session, error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	EnsureContact(ctx context.Context, c *models.Contact) (*models.Contact, bool, error)
	FindContactByPhone(ctx context.Context, phone string) (*models.Contact, error)
	SetContactBypassBots(ctx context.Context, id string, bypass bool) error
}

// Flusher emits the buffered fragments of a session.
type Flusher interface {
	FlushSession(sessionID string) int
}

// Result describes the outcome of a directive.
type Result struct {
	SessionID string               `json:"session_id"`
	Command   commands.Type        `json:"command"`
	Status    models.SessionStatus `json:"status"`
	Message   string               `json:"message"`
}

// Manager applies directives to sessions and runs the lifecycle jobs.
type Manager struct {
	store   Store
	flusher Flusher
	timeout time.Duration
	now     func() time.Time
	cron    *cron.Cron
	log     zerolog.Logger
}

// NewManager closes sessions idle for longer than timeout.
func NewManager(st Store, flusher Flusher, timeout time.Duration) *Manager {
	return &Manager{
		store:   st,
		flusher: flusher,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.Component("sessions"),
	}
}

// ResolveForInbound finds or creates the contact for phone and its open session on the connection.
// Concurrent first messages from the same number resolve to the same contact and session.
func (m *Manager) ResolveForInbound(ctx context.Context, connectionID, phone, name string) (*models.Contact, *models.Session, error) {
	contact, err := m.store.FindContactByPhone(ctx, phone)
	if errors.Is(err, store.ErrNotFound) {
		var created bool
		contact, created, err = m.store.EnsureContact(ctx, &models.Contact{PhoneNumber: phone, Name: name})
		if err != nil {
			return nil, nil, fmt.Errorf("create contact %s: %w", phone, err)
		}
		if created {
			m.log.Info().Str("contactID", contact.ID).Str("phone", phone).Msg("Contact created")
		}
	} else if err != nil {
		return nil, nil, fmt.Errorf("find contact %s: %w", phone, err)
	}

	sess, err := m.store.FindOpenSession(ctx, connectionID, contact.ID)
	if errors.Is(err, store.ErrNotFound) {
		var created bool
		sess, created, err = m.store.EnsureOpenSession(ctx, &models.Session{ConnectionID: connectionID, ContactID: contact.ID})
		if err != nil {
			return nil, nil, fmt.Errorf("create session: %w", err)
		}
		if created {
			m.log.Info().Str("sessionID", sess.ID).Str("contactID", contact.ID).Msg("Session opened")
		}
	} else if err != nil {
		return nil, nil, fmt.Errorf("find open session: %w", err)
	}
	return contact, sess, nil
}

// Execute applies cmd to the session.
func (m *Manager) Execute(ctx context.Context, sessionID string, cmd *commands.ParsedCommand) (*Result, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	res := &Result{SessionID: sessionID, Command: cmd.Type, Status: sess.Status}

	switch cmd.Type {
	case commands.Close:
		// buffered fragments belong to the session being closed
		flushed := m.flusher.FlushSession(sessionID)
		if err := m.store.SetSessionStatus(ctx, sessionID, models.SessionClosed, nil); err != nil {
			return nil, err
		}
		res.Status = models.SessionClosed
		res.Message = fmt.Sprintf("Sessão encerrada (%d bloco(s) pendente(s) gravado(s))", flushed)

	case commands.Pause:
		until := m.now().Add(time.Duration(cmd.Hours) * time.Hour)
		if err := m.store.SetSessionStatus(ctx, sessionID, models.SessionPaused, &until); err != nil {
			return nil, err
		}
		res.Status = models.SessionPaused
		res.Message = fmt.Sprintf("IA pausada por %dh, até %s", cmd.Hours, until.Format("02/01 15:04"))

	case commands.Reopen:
		if err := m.store.SetSessionStatus(ctx, sessionID, models.SessionActive, nil); err != nil {
			return nil, err
		}
		res.Status = models.SessionActive
		res.Message = "Sessão reaberta"

	case commands.Blacklist, commands.Whitelist:
		bypass := cmd.Type == commands.Blacklist
		if err := m.store.SetContactBypassBots(ctx, sess.ContactID, bypass); err != nil {
			return nil, err
		}
		if bypass {
			res.Message = "Contato adicionado à blacklist, bots desativados"
		} else {
			res.Message = "Contato removido da blacklist, bots reativados"
		}

	case commands.Transfer:
		if cmd.Target == "" {
			return nil, fmt.Errorf("transfer requires a target")
		}
		if err := m.store.SetSessionAssignee(ctx, sessionID, cmd.Target); err != nil {
			return nil, err
		}
		res.Message = "Sessão transferida para " + cmd.Target

	case commands.Status:
		res.Message, err = m.summary(ctx, sess)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported command %q", cmd.Type)
	}

	m.log.Info().
		Str("sessionID", sessionID).
		Str("command", string(cmd.Type)).
		Str("status", string(res.Status)).
		Msg("Command executed")
	return res, nil
}

func (m *Manager) summary(ctx context.Context, sess *models.Session) (string, error) {
	contact, err := m.store.GetContact(ctx, sess.ContactID)
	if err != nil {
		return "", fmt.Errorf("load contact: %w", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Status: %s", sess.Status)
	if sess.AIBlocked(m.now()) {
		fmt.Fprintf(&sb, " | IA pausada até %s", sess.AIBlockedUntil.Format("02/01 15:04"))
	}
	if contact.BypassBots {
		sb.WriteString(" | blacklist")
	}
	if sess.AssignedTo != "" {
		sb.WriteString(" | responsável: " + sess.AssignedTo)
	}
	return sb.String(), nil
}

// ResumeExpired reactivates paused sessions whose block has ended.
func (m *Manager) ResumeExpired(ctx context.Context) (int, error) {
	sessions, err := m.store.ListSessionsToResume(ctx, m.now())
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		if err := m.store.SetSessionStatus(ctx, s.ID, models.SessionActive, nil); err != nil {
			return 0, err
		}
		m.log.Info().Str("sessionID", s.ID).Msg("Pause expired, session resumed")
	}
	return len(sessions), nil
}

// CloseIdle closes sessions without activity for longer than the timeout.
func (m *Manager) CloseIdle(ctx context.Context) (int, error) {
	if m.timeout <= 0 {
		return 0, nil
	}
	sessions, err := m.store.ListIdleSessions(ctx, m.now().Add(-m.timeout))
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		m.flusher.FlushSession(s.ID)
		if err := m.store.SetSessionStatus(ctx, s.ID, models.SessionClosed, nil); err != nil {
			return 0, err
		}
		m.log.Info().Str("sessionID", s.ID).Dur("timeout", m.timeout).Msg("Idle session closed")
	}
	return len(sessions), nil
}

// Start schedules the lifecycle jobs.
func (m *Manager) Start(ctx context.Context) error {
	m.cron = cron.New()
	if _, err := m.cron.AddFunc("@every 1m", func() {
		if _, err := m.ResumeExpired(ctx); err != nil {
			m.log.Error().Err(err).Msg("Failed to resume paused sessions")
		}
	}); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("@every 5m", func() {
		if _, err := m.CloseIdle(ctx); err != nil {
			m.log.Error().Err(err).Msg("Failed to close idle sessions")
		}
	}); err != nil {
		return err
	}
	m.cron.Start()
	m.log.Info().Dur("sessionTimeout", m.timeout).Msg("Session lifecycle jobs started")
	return nil
}

// Stop waits for running lifecycle jobs.
func (m *Manager) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}
