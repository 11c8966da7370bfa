package vfunc

import (
	"errors"
	"fmt"
)

// Error taxonomy. DuplicateSignature and Unpeelable are both retried by
// Builder up to its configured budget; a duplicate that survives every
// retry almost certainly means the caller passed in equal keys rather than
// a hash collision, so it surfaces as the single ErrDuplicateKey rather
// than a separate duplicate-signature sentinel.
var (
	// ErrDuplicateKey is returned when a build exhausts its retry budget
	// still finding a chunk with two equal signatures.
	ErrDuplicateKey = errors.New("vfunc: duplicate key")

	// ErrUnpeelable is returned when a build exhausts its retry budget
	// still finding a chunk whose hypergraph has a non-empty 2-core.
	ErrUnpeelable = errors.New("vfunc: hypergraph not peelable")

	// ErrCapacity is returned when a chunk's edge count would overflow
	// the packed edgeList's edge-index field. It is fatal and not
	// retried: a fresh seed does not change a chunk's edge count.
	ErrCapacity = errors.New("vfunc: chunk exceeds edgeList capacity")

	// ErrInvalidConfig is returned for programmer errors: a negative
	// MaxRetries or Parallelism in Config, or keys and values of
	// different lengths passed to Build.
	ErrInvalidConfig = errors.New("vfunc: invalid config")
)

// BuildError wraps a taxonomy sentinel with the attempt number it occurred
// on, so callers can log "failed on attempt 3 of 8" without Builder having
// to format strings itself.
type BuildError struct {
	Attempt int
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("vfunc: build attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
