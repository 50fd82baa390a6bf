package media

import (
	"errors"
	"fmt"
)

// ErrNoTextLayer is returned by extractors when a document has no embedded text.
var ErrNoTextLayer = errors.New("document has no text layer")

// TransientProviderError is a provider or network failure worth retrying.
type TransientProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// PermanentMediaError is media that no retry will fix.
type PermanentMediaError struct {
	Reason string
	Err    error
}

func (e *PermanentMediaError) Error() string {
	if e.Err == nil {
		return "permanent media error: " + e.Reason
	}
	return fmt.Sprintf("permanent media error: %s: %v", e.Reason, e.Err)
}

func (e *PermanentMediaError) Unwrap() error { return e.Err }

func (e *PermanentMediaError) Permanent() bool { return true }

func permanent(reason string, err error) error {
	return &PermanentMediaError{Reason: reason, Err: err}
}
