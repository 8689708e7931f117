package monitor

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork covers timeouts, refused connections and non-200 responses.
	ErrNetwork = errors.New("network error")
	// ErrStatus is the NetworkError kind for a non-200 response.
	ErrStatus = errors.New("unexpected status")
	// ErrParse covers unreadable documents and pages without a usable anchor.
	ErrParse = errors.New("parse error")
	// ErrNoAnchor is the ParseError kind for a page with no <a href>.
	ErrNoAnchor = errors.New("no anchor")
	// ErrPersistence is returned when the state file cannot be read or written.
	ErrPersistence = errors.New("persistence error")
	// ErrNotFound is returned when a channel or entry is not (or no longer) tracked.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a URL is already tracked in a channel.
	ErrDuplicate = errors.New("already tracked")
	// ErrInvalidIndex is returned by Remove for an out-of-range position.
	ErrInvalidIndex = errors.New("invalid index")
	// ErrInvalidURL is returned by Add for anything that is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid url")
)

type FetchErrorKind string

const (
	FetchNetwork  FetchErrorKind = "network"
	FetchStatus   FetchErrorKind = "status"
	FetchParse    FetchErrorKind = "parse"
	FetchNoAnchor FetchErrorKind = "no_anchor"
)

// FetchError describes why an extraction produced no fingerprint.
type FetchError struct {
	URL        string
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchStatus:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	case FetchNoAnchor:
		return fmt.Sprintf("fetch %s: no anchor with href", e.URL)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is maps the kind onto the ErrNetwork / ErrParse taxonomy.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == FetchNetwork || e.Kind == FetchStatus
	case ErrStatus:
		return e.Kind == FetchStatus
	case ErrParse:
		return e.Kind == FetchParse || e.Kind == FetchNoAnchor
	case ErrNoAnchor:
		return e.Kind == FetchNoAnchor
	}
	return false
}
