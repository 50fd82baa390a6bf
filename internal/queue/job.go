package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Queue names, one per job type.
const (
	QueueConcatenation           = "concatenation"
	QueueTranscription           = "transcription"
	QueueTranscriptionDeadLetter = "transcription-dead-letter"
)

// BackoffKind selects how the delay between retries grows.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff describes the delay before each retry.
type Backoff struct {
	Kind  BackoffKind   `json:"kind"`
	Delay time.Duration `json:"delay"`
}

// Duration returns the wait before retry number n (1-based).
// Exponential backoff with a 5s delay yields 5s, 10s, 20s.
func (b Backoff) Duration(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if b.Kind != BackoffExponential {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < n; i++ {
		d *= 2
	}
	return d
}

// Options control delivery of a single job.
type Options struct {
	MaxRetries int           `json:"max_retries"`
	Backoff    Backoff       `json:"backoff"`
	Delay      time.Duration `json:"delay,omitempty"`
}

// Job is the envelope carried by every broker.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	Options    Options         `json:"options"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

// Exhausted reports whether the job has used its whole retry budget.
func (j *Job) Exhausted() bool {
	return j.Attempt >= j.Options.MaxRetries
}

type decodeError struct{ err error }

func (e *decodeError) Error() string   { return "decode job payload: " + e.err.Error() }
func (e *decodeError) Unwrap() error   { return e.err }
func (e *decodeError) Permanent() bool { return true }

type permanent interface {
	Permanent() bool
}

// IsPermanent reports whether err asks the queue to skip the remaining retries.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}
