package concat

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Ingest after Close.
var ErrClosed = errors.New("concatenator closed")

// InvalidEventError rejects an event that can never be buffered.
type InvalidEventError struct {
	SessionID string
	Reason    string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid event for session %s: %s", e.SessionID, e.Reason)
}

// Permanent marks the error as not worth retrying.
func (e *InvalidEventError) Permanent() bool { return true }
