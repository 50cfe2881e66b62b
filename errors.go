package edgar

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a ticker, CIK or facts document does not exist upstream.
	// It is a normal negative result, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrEmptyIdentifier is returned by FactsClient.GetFacts for a blank CIK.
	ErrEmptyIdentifier = fmt.Errorf("%w: empty identifier", ErrNotFound)

	// ErrMalformedResponse is returned when an upstream payload has an unexpected shape.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrInsufficientData is returned by analyzer calculations that lack enough observations.
	ErrInsufficientData = errors.New("insufficient data")
)

// TransportError describes a request that failed after the transport gave up:
// a non-retryable status, exhausted retries, or a network error.
type TransportError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Attempts   int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: status %d after %d attempt(s)", e.URL, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrorKind buckets errors into the categories callers act on.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNotFound
	KindTransport
	KindMalformed
	KindInsufficientData
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	case KindMalformed:
		return "malformed_response"
	case KindInsufficientData:
		return "insufficient_data"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by this package onto an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var te *TransportError
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformed
	case errors.Is(err, ErrInsufficientData):
		return KindInsufficientData
	case errors.As(err, &te):
		return KindTransport
	default:
		return KindUnknown
	}
}

func insufficient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInsufficientData, fmt.Sprintf(format, args...))
}
