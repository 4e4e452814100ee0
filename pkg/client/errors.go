package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/testenv/pkg/driver"
)

// DefaultRetryInterval is the first pause of Retry
const DefaultRetryInterval = 100 * time.Millisecond

// PlatformError is an error reported by the Platform itself, as opposed to
// a transport failure
type PlatformError = driver.Error

// AsPlatformError returns the PlatformError wrapped in err, or nil
func AsPlatformError(err error) *PlatformError {
	var perr *PlatformError
	if errors.As(err, &perr) {
		return perr
	}
	return nil
}

// IsResolveError reports whether err is a Platform resolve error
func IsResolveError(err error) bool {
	return AsPlatformError(err).IsResolveError()
}

// HasCode reports whether err carries a Platform error with code anywhere in its tree
func HasCode(err error, code int) bool {
	return AsPlatformError(err).ContainsCode(code)
}

// retryable reports whether a tablet or lock transition may succeed if tried again
func retryable(err error) bool {
	perr := AsPlatformError(err)
	if perr == nil {
		return false
	}
	return perr.IsConcurrentTransactionLockConflict() || perr.IsNotReady() ||
		perr.ContainsCode(driver.CodeMasterCommunicationFailure)
}

// Retry calls fn up to attempts times while it fails with a retryable
// Platform error
func Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultRetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
