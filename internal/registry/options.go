package registry

import (
	"time"

	"github.com/jmerrifield20/veriregistry/pkg/merkle"
	"go.uber.org/zap"
)

// Serializer renders a value deterministically: structurally equal values
// must produce identical strings or the root is not reproducible.
type Serializer[T any] func(T) (string, error)

// Option configures a VerifiableRegistry.
type Option[T any] func(*VerifiableRegistry[T])

// WithHasher selects the tree hasher. The default is SHA3-256.
func WithHasher[T any](h merkle.Hasher) Option[T] {
	return func(r *VerifiableRegistry[T]) {
		if h != nil {
			r.hasher = h
		}
	}
}

// WithLogger sets the logger used for rebuild diagnostics.
func WithLogger[T any](l *zap.Logger) Option[T] {
	return func(r *VerifiableRegistry[T]) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the source of CreatedAt/UpdatedAt timestamps.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(r *VerifiableRegistry[T]) {
		if now != nil {
			r.now = now
		}
	}
}

// WithCloner sets the deep-copy function applied to values crossing the
// registry boundary. Value types holding maps, slices or pointers need one.
func WithCloner[T any](clone func(T) T) Option[T] {
	return func(r *VerifiableRegistry[T]) {
		if clone != nil {
			r.clone = clone
		}
	}
}

// WithProofCache keeps up to size generated proofs per root in an LRU.
// A size of zero or less disables the cache.
func WithProofCache[T any](size int) Option[T] {
	return func(r *VerifiableRegistry[T]) { r.cacheSize = size }
}

// WithRebuildHook registers fn to run after every rebuild, outside the lock.
func WithRebuildHook[T any](fn func(RebuildInfo)) Option[T] {
	return func(r *VerifiableRegistry[T]) { r.onRebuild = fn }
}
