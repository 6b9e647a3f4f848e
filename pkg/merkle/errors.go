package merkle

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIndex is matched by every *InvalidIndexError.
	ErrInvalidIndex = errors.New("invalid leaf index")

	// ErrHashingUnavailable is matched by every *HashingUnavailableError.
	ErrHashingUnavailable = errors.New("hashing unavailable")

	// ErrMalformedProof is returned by the proof decoders and by Validate.
	ErrMalformedProof = errors.New("malformed proof")
)

// InvalidIndexError is returned when a proof is requested for a leaf
// position outside [0, LeafCount).
type InvalidIndexError struct {
	Index     int
	LeafCount int
}

func (e *InvalidIndexError) Error() string {
	return fmt.Sprintf("leaf index %d out of range [0,%d)", e.Index, e.LeafCount)
}

// Is lets errors.Is(err, ErrInvalidIndex) match.
func (e *InvalidIndexError) Is(target error) bool { return target == ErrInvalidIndex }

// HashingUnavailableError is returned when the configured hash primitive
// cannot be provided. It is a startup-time condition.
type HashingUnavailableError struct {
	Algorithm string
}

func (e *HashingUnavailableError) Error() string {
	return fmt.Sprintf("hash algorithm %q is not available", e.Algorithm)
}

// Is lets errors.Is(err, ErrHashingUnavailable) match.
func (e *HashingUnavailableError) Is(target error) bool { return target == ErrHashingUnavailable }

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedProof, fmt.Sprintf(format, args...))
}
