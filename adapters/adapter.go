package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/models"
)

// FetchRequest asks one source for one page of raw records inside a
// half-open collection window [WindowStart, WindowEnd).
type FetchRequest struct {
	TenantId    string
	DataType    models.DataType
	WindowStart time.Time
	WindowEnd   time.Time
	PageNo      int
	Cursor      string
}

// FetchResult is one page as returned by the provider, untouched. The
// collector persists Records verbatim; interpretation happens later in the
// processor.
type FetchResult struct {
	Records    []json.RawMessage
	NextCursor string
	HasMore    bool
}

// SourceAdapter wraps one provider API. Implementations perform no
// normalization and no writes.
type SourceAdapter interface {
	System() models.SourceSystem
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// RetryableError marks a transient provider failure (rate limit, 5xx,
// network). The run orchestrator backs off and retries these.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix (bad credentials,
// malformed request). The run fails without further attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Retryable(format string, args ...interface{}) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

func Permanent(format string, args ...interface{}) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether err should be retried. Unclassified errors
// (context cancellation aside) count as retryable so flaky transports get
// another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var perm *PermanentError
	return !errors.As(err, &perm)
}

func classifyStatus(source models.SourceSystem, status int, body string) error {
	if status == 429 || status >= 500 {
		return Retryable("%s api error %d: %s", source, status, body)
	}
	return Permanent("%s api error %d: %s", source, status, body)
}
