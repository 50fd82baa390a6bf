package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"zappipe/internal/models"
)

const deadLetterColumns = `id, queue, job_id, job_name, payload, error, attempts, failed_at, reprocessed_at`

// AddDeadLetter stores a job that exhausted its retries or failed permanently.
func (s *Store) AddDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = s.now()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO dead_letters (`+deadLetterColumns+`)
		VALUES (:id, :queue, :job_id, :job_name, :payload, :error, :attempts, :failed_at, :reprocessed_at)`, dl)
	return wrap("add dead letter", err)
}

// GetDeadLetter loads a dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	err := s.db.GetContext(ctx, &dl, s.q(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`), id)
	if err != nil {
		return nil, wrap("get dead letter", err)
	}
	return &dl, nil
}

// ListDeadLetters returns the newest dead letters, optionally for a single queue.
func (s *Store) ListDeadLetters(ctx context.Context, queue string, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	out := []models.DeadLetter{}
	var err error
	if queue == "" {
		err = s.db.SelectContext(ctx, &out, s.q(`SELECT `+deadLetterColumns+` FROM dead_letters
			ORDER BY failed_at DESC LIMIT ?`), limit)
	} else {
		err = s.db.SelectContext(ctx, &out, s.q(`SELECT `+deadLetterColumns+` FROM dead_letters
			WHERE queue = ? ORDER BY failed_at DESC LIMIT ?`), queue, limit)
	}
	if err != nil {
		return nil, wrap("list dead letters", err)
	}
	return out, nil
}

// ClaimDeadLetter stamps a dead letter reprocessed unless it already is.
// It reports false when another caller claimed it first.
func (s *Store) ClaimDeadLetter(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE dead_letters SET reprocessed_at = ?
		WHERE id = ? AND reprocessed_at IS NULL`), at.UTC(), id)
	if err != nil {
		return false, wrap("claim dead letter", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("claim dead letter", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetDeadLetter(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseDeadLetter clears the reprocessed stamp of a claim whose re-enqueue failed.
func (s *Store) ReleaseDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE dead_letters SET reprocessed_at = NULL WHERE id = ?`), id)
	return expectOne("release dead letter", res, err)
}
