package cache

import (
	"errors"
)

var (
	// ErrNotLoaded is returned when an entry has no usable payload within
	// the caller's deadline.
	ErrNotLoaded = errors.New("cache entry not loaded")

	// ErrReadFailedFinal is returned for entries whose initial read failed
	// after all retries.
	ErrReadFailedFinal = errors.New("cache entry read failed (final)")

	// ErrResyncFailedFinal is returned for entries whose refresh read failed
	// after all retries, when configuration forbids serving stale data or
	// collecting further updates.
	ErrResyncFailedFinal = errors.New("cache entry resync failed (final)")

	// ErrCacheFull is returned by Preload when the hard element limit is
	// reached. No entry is created.
	ErrCacheFull = errors.New("cache is full")

	// ErrShutdown is returned by all public operations after shutdown.
	ErrShutdown = errors.New("cache is shut down")

	// ErrAssertionFailed indicates an internal invariant violation. The
	// offending entry is removed from the cache; the processor survives.
	ErrAssertionFailed = errors.New("cache internal assertion failed")
)

// finalError marks an adapter failure as permanent: no retries are attempted
// regardless of remaining budget.
type finalError struct {
	err error
}

func (e *finalError) Error() string { return "final: " + e.err.Error() }
func (e *finalError) Unwrap() error { return e.err }

// Final wraps err so the stages treat it as a permanent failure.
func Final(err error) error {
	if err == nil {
		return nil
	}
	return &finalError{err: err}
}

// IsFinal reports whether err was marked permanent via Final.
func IsFinal(err error) bool {
	var fe *finalError
	return errors.As(err, &fe)
}
