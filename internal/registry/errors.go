package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("entry not found")

	// ErrDuplicateKey is matched by every *DuplicateKeyError.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrSerialize is matched by every *SerializeError. The mutation that
	// produced it left the registry unchanged.
	ErrSerialize = errors.New("serialize value")

	// ErrRemoved is returned when a mutation targets a tombstoned entry.
	ErrRemoved = errors.New("entry removed")

	// ErrInvalidArgument covers empty keys and empty statuses.
	ErrInvalidArgument = errors.New("invalid argument")
)

// NotFoundError reports an unknown key.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("entry %q not found", e.Key) }

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// DuplicateKeyError reports an Add on a key that already owns a leaf slot.
// Tombstoned keys keep their slot, so they are duplicates too.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string { return fmt.Sprintf("key %q already exists", e.Key) }

// Is lets errors.Is(err, ErrDuplicateKey) match.
func (e *DuplicateKeyError) Is(target error) bool { return target == ErrDuplicateKey }

// SerializeError wraps a failure of the value serializer.
type SerializeError struct {
	Key string
	Err error
}

func (e *SerializeError) Error() string {
	return fmt.Sprintf("serialize %q: %v", e.Key, e.Err)
}

func (e *SerializeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSerialize) match.
func (e *SerializeError) Is(target error) bool { return target == ErrSerialize }
