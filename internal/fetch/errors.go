package fetch

import (
	"errors"
	"fmt"
)

// Kind separates failures worth retrying from those that are not.
type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// FetchError is returned once a fetch gives up.
type FetchError struct {
	Kind     Kind
	URL      string
	Status   int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s (%s, http %d, %d attempts): %v", e.URL, e.Kind, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s, %d attempts): %v", e.URL, e.Kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent fetch failure.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == Permanent
}

var (
	ErrEmptyBody   = errors.New("empty response body")
	ErrHTMLPayload = errors.New("html payload where a binary resource was expected")
	ErrTooLarge    = errors.New("resource exceeds size limit")
	ErrBadURL      = errors.New("malformed resource url")
)

// attemptError is the result of a single HTTP attempt.
type attemptError struct {
	kind   Kind
	status int
	err    error
	// retryAfter is a server-provided minimum delay (429/503).
	retryAfter int64
}

func transient(status int, err error) *attemptError {
	return &attemptError{kind: Transient, status: status, err: err}
}

func permanent(status int, err error) *attemptError {
	return &attemptError{kind: Permanent, status: status, err: err}
}
