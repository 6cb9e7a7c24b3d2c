// Package errors defines the platform's error taxonomy and maps it onto HTTP
// status codes.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrIngestion marks a snapshot write or offset commit that failed after
	// the retry budget was spent. Fatal for the ingest worker.
	ErrIngestion = errors.New("ingestion failed")
	// ErrTimestampParse rejects a single event whose timestamp is not an
	// absolute instant.
	ErrTimestampParse = errors.New("unparseable event timestamp")
	// ErrInvalidEvent rejects a single event with a malformed envelope.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrMaterializationPartial reports a run that stopped after writing some
	// entities. A re-run over the same window converges.
	ErrMaterializationPartial = errors.New("materialization partially applied")
	// ErrCacheUnavailable means the online cache could not be reached. It is
	// distinct from a miss.
	ErrCacheUnavailable = errors.New("online cache unavailable")
	ErrModelUnavailable = errors.New("no active model available")
	ErrModelNotFound    = errors.New("model version not found")
	// ErrUnknownFeatureGroup is returned for references to groups that are
	// not declared in the catalog.
	ErrUnknownFeatureGroup = errors.New("unknown feature group")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInternal            = errors.New("internal error")
	ErrTimeout             = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// PartialFailure carries how far a materialization run got before it failed.
type PartialFailure struct {
	Written int
	Cause   error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("%s after %d records: %v", ErrMaterializationPartial, e.Written, e.Cause)
}

func (e *PartialFailure) Unwrap() []error {
	return []error{ErrMaterializationPartial, e.Cause}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrModelNotFound), errors.Is(err, ErrUnknownFeatureGroup):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrTimestampParse):
		return http.StatusBadRequest
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCacheUnavailable), errors.Is(err, ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
