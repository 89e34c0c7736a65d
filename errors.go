package nsfw

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCacheMiss       = errors.New("artifact not cached")
	ErrNotReady        = errors.New("model is not ready")
	ErrBusy            = errors.New("a classification is already in flight")
	ErrClosed          = errors.New("classifier closed")
	ErrTimeout         = errors.New("operation timed out")
	ErrEmptyLogits     = errors.New("softmax of empty logits")
	ErrNonFiniteLogits = errors.New("logits contain NaN or Inf")
)

// FetchError reports a failed artifact download.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: bad status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ShapeMismatchError is returned when an input tensor does not fit the engine.
type ShapeMismatchError struct {
	Input    string
	Expected []int64
	Got      []int64
	Reason   string
}

func (e *ShapeMismatchError) Error() string {
	var b strings.Builder
	b.WriteString("shape mismatch")
	if e.Input != "" {
		fmt.Fprintf(&b, " for input %q", e.Input)
	}
	if e.Expected != nil {
		fmt.Fprintf(&b, ": expected %v", e.Expected)
	}
	if e.Got != nil {
		fmt.Fprintf(&b, ", got %v", e.Got)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	return b.String()
}

// BackendAttempt records one failed engine construction.
type BackendAttempt struct {
	Backend string
	Err     error
}

// AllBackendsFailedError is returned by Factory.Create when no candidate
// produced an engine.
type AllBackendsFailedError struct {
	Attempts []BackendAttempt
}

func (e *AllBackendsFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return "no backend candidates"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Backend, a.Err))
	}
	return "all backends failed: " + strings.Join(parts, "; ")
}

// ProtocolError carries an error message received from the boundary.
type ProtocolError struct {
	Request string
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s", e.Request, e.Code, e.Message)
}

// Unwrap maps wire codes back onto the package sentinels.
func (e *ProtocolError) Unwrap() error {
	switch e.Code {
	case CodeNotReady:
		return ErrNotReady
	case CodeBusy:
		return ErrBusy
	case CodeTimeout:
		return ErrTimeout
	case CodeNonFinite:
		return ErrNonFiniteLogits
	case CodeShapeMismatch:
		return &ShapeMismatchError{Reason: e.Message}
	}
	return nil
}
