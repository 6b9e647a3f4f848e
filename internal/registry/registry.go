// Package registry implements a concurrent keyed store whose entries are
// committed to a Merkle tree. Every mutation rebuilds the tree under the
// write lock, so a root or proof read after a mutation returns always
// reflects it.
//
// Leaf order is append-only. Entries are never physically removed: Remove
// tombstones an entry and its slot stays in the tree.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmerrifield20/veriregistry/pkg/merkle"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type proofKey struct {
	root  string
	index int
}

// VerifiableRegistry is a key→entry store backed by a Merkle tree. The
// zero value is not usable; construct with New.
//
// Callbacks passed to Query, Range and Modify run under the registry lock
// and must not call back into the registry.
type VerifiableRegistry[T any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[T]
	order   []string
	leaves  []string
	tree    *merkle.Tree
	removed int

	serialize Serializer[T]
	clone     func(T) T
	hasher    merkle.Hasher
	logger    *zap.Logger
	now       func() time.Time
	cacheSize int
	proofs    *lru.Cache[proofKey, *merkle.Proof]
	onRebuild func(RebuildInfo)
}

// New returns an empty registry that serializes values with serialize.
func New[T any](serialize Serializer[T], opts ...Option[T]) *VerifiableRegistry[T] {
	r := &VerifiableRegistry[T]{
		entries:   make(map[string]*Entry[T]),
		serialize: serialize,
		clone:     func(v T) T { return v },
		hasher:    merkle.DefaultHasher(),
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheSize > 0 {
		// lru.New only fails for a non-positive size.
		r.proofs, _ = lru.New[proofKey, *merkle.Proof](r.cacheSize)
	}
	r.tree = merkle.New(r.hasher)
	return r
}

// Add appends a new active entry at the next leaf index.
func (r *VerifiableRegistry[T]) Add(key string, value T) (Entry[T], error) {
	c, err := r.AddCommit(key, value)
	return c.Entry, err
}

// AddCommit is Add, also returning the root the addition produced.
func (r *VerifiableRegistry[T]) AddCommit(key string, value T) (Commit[T], error) {
	if key == "" {
		return Commit[T]{}, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}

	r.mu.Lock()
	if _, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return Commit[T]{}, &DuplicateKeyError{Key: key}
	}

	now := r.now()
	e := &Entry[T]{
		Key:       key,
		Value:     r.clone(value),
		Index:     len(r.order),
		Status:    StatusActive,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	leaf, err := r.encode(e)
	if err != nil {
		r.mu.Unlock()
		return Commit[T]{}, err
	}

	start := time.Now()
	r.entries[key] = e
	r.order = append(r.order, key)
	r.leaves = append(r.leaves, leaf)
	r.tree.AddLeaf(leaf)
	info := r.rebuilt("add", start)
	out := Commit[T]{Entry: r.copyOf(e), Root: info.Root}
	r.mu.Unlock()

	r.notify(info)
	return out, nil
}

// Get returns a copy of the entry stored under key.
func (r *VerifiableRegistry[T]) Get(key string) (Entry[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key]
	if !ok {
		return Entry[T]{}, &NotFoundError{Key: key}
	}
	return r.copyOf(e), nil
}

var errUnchanged = errors.New("unchanged")

// SetStatus moves the entry to status. Setting the current status again
// is a no-op and returns the entry unchanged.
func (r *VerifiableRegistry[T]) SetStatus(key string, status Status) (Entry[T], error) {
	if status == "" {
		return Entry[T]{}, fmt.Errorf("%w: empty status", ErrInvalidArgument)
	}
	c, err := r.update("set_status", key, func(e *Entry[T]) error {
		if e.Status == status {
			return errUnchanged
		}
		e.Status = status
		return nil
	})
	return c.Entry, err
}

// Replace stores a new value for key, keeping its status and leaf slot.
func (r *VerifiableRegistry[T]) Replace(key string, value T) (Entry[T], error) {
	c, err := r.update("replace", key, func(e *Entry[T]) error {
		e.Value = r.clone(value)
		return nil
	})
	return c.Entry, err
}

// Modify runs fn against a private copy of the entry and commits the
// result if fn returns nil. fn may change Value and Status; Key, Index,
// Revision and the timestamps are owned by the registry.
func (r *VerifiableRegistry[T]) Modify(key string, fn func(*Entry[T]) error) (Entry[T], error) {
	c, err := r.ModifyCommit(key, fn)
	return c.Entry, err
}

// ModifyCommit is Modify, also returning the root the change produced.
func (r *VerifiableRegistry[T]) ModifyCommit(key string, fn func(*Entry[T]) error) (Commit[T], error) {
	return r.update("modify", key, func(e *Entry[T]) error {
		if err := fn(e); err != nil {
			return err
		}
		if e.Status == "" {
			return fmt.Errorf("%w: empty status", ErrInvalidArgument)
		}
		return nil
	})
}

// Remove tombstones the entry. It keeps its leaf slot and stays readable;
// further mutations fail with ErrRemoved.
func (r *VerifiableRegistry[T]) Remove(key string) (Entry[T], error) {
	return r.SetStatus(key, StatusRemoved)
}

func (r *VerifiableRegistry[T]) update(op, key string, fn func(*Entry[T]) error) (Commit[T], error) {
	r.mu.Lock()
	cur, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return Commit[T]{}, &NotFoundError{Key: key}
	}
	if cur.Status == StatusRemoved {
		r.mu.Unlock()
		return Commit[T]{}, fmt.Errorf("%w: %q", ErrRemoved, key)
	}

	next := *cur
	next.Value = r.clone(cur.Value)
	if err := fn(&next); err != nil {
		out := Commit[T]{Entry: r.copyOf(cur), Root: r.tree.Root()}
		r.mu.Unlock()
		if errors.Is(err, errUnchanged) {
			return out, nil
		}
		return Commit[T]{}, err
	}
	next.Key, next.Index, next.CreatedAt = cur.Key, cur.Index, cur.CreatedAt
	next.Revision = cur.Revision + 1
	next.UpdatedAt = r.now()

	leaf, err := r.encode(&next)
	if err != nil {
		r.mu.Unlock()
		return Commit[T]{}, err
	}

	start := time.Now()
	if next.Status == StatusRemoved {
		r.removed++
	}
	r.entries[key] = &next
	r.leaves[next.Index] = leaf
	r.tree.Update(r.leaves)
	info := r.rebuilt(op, start)
	out := Commit[T]{Entry: r.copyOf(&next), Root: info.Root}
	r.mu.Unlock()

	r.notify(info)
	return out, nil
}

// Load replaces the whole registry with entries, which must be given in
// leaf order with Index equal to their position and unique keys. All
// problems are reported together; on error the registry is unchanged.
func (r *VerifiableRegistry[T]) Load(entries []Entry[T]) error {
	var errs error
	loaded := make(map[string]*Entry[T], len(entries))
	order := make([]string, 0, len(entries))
	leaves := make([]string, 0, len(entries))
	removed := 0

	for i := range entries {
		e := entries[i]
		if e.Key == "" {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: %w: empty key", i, ErrInvalidArgument))
			continue
		}
		if _, dup := loaded[e.Key]; dup {
			errs = multierr.Append(errs, &DuplicateKeyError{Key: e.Key})
			continue
		}
		if e.Index != i {
			errs = multierr.Append(errs, fmt.Errorf("entry %q: index %d at position %d", e.Key, e.Index, i))
		}
		if e.Status == "" {
			errs = multierr.Append(errs, fmt.Errorf("entry %q: %w: empty status", e.Key, ErrInvalidArgument))
		}
		e.Value = r.clone(e.Value)
		leaf, err := r.encode(&e)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if e.Status == StatusRemoved {
			removed++
		}
		loaded[e.Key] = &e
		order = append(order, e.Key)
		leaves = append(leaves, leaf)
	}
	if errs != nil {
		return fmt.Errorf("load %d entries: %w", len(entries), errs)
	}

	r.mu.Lock()
	start := time.Now()
	r.entries = loaded
	r.order = order
	r.leaves = leaves
	r.removed = removed
	r.tree.Update(leaves)
	info := r.rebuilt("load", start)
	r.mu.Unlock()

	r.notify(info)
	return nil
}

// GenerateProof returns the inclusion proof of key under the current root.
func (r *VerifiableRegistry[T]) GenerateProof(key string) (*merkle.Proof, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, &NotFoundError{Key: key}
	}
	return r.proofLocked(e.Index)
}

// Receipt binds an entry to its leaf payload and inclusion proof, all
// taken from the same tree state.
type Receipt[T any] struct {
	Entry Entry[T]      `json:"entry"`
	Leaf  string        `json:"leaf"`
	Proof *merkle.Proof `json:"proof"`
}

// Prove returns the entry, its leaf payload and its proof atomically.
func (r *VerifiableRegistry[T]) Prove(key string) (Receipt[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key]
	if !ok {
		return Receipt[T]{}, &NotFoundError{Key: key}
	}
	p, err := r.proofLocked(e.Index)
	if err != nil {
		return Receipt[T]{}, err
	}
	return Receipt[T]{Entry: r.copyOf(e), Leaf: r.leaves[e.Index], Proof: p}, nil
}

func (r *VerifiableRegistry[T]) proofLocked(index int) (*merkle.Proof, error) {
	k := proofKey{root: r.tree.Root(), index: index}
	if r.proofs != nil {
		if p, ok := r.proofs.Get(k); ok {
			return p.Clone(), nil
		}
	}
	p, err := r.tree.GenerateProof(index)
	if err != nil {
		return nil, fmt.Errorf("generate proof: %w", err)
	}
	if r.proofs != nil {
		r.proofs.Add(k, p.Clone())
	}
	return p, nil
}

// VerifyProof reports whether p proves inclusion under the current root.
func (r *VerifiableRegistry[T]) VerifyProof(p *merkle.Proof) bool {
	return r.Check(p) == merkle.Valid
}

// Check verifies p against the current root and says why it failed.
func (r *VerifiableRegistry[T]) Check(p *merkle.Proof) merkle.Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Check(p)
}

// RootHash returns the current root digest.
func (r *VerifiableRegistry[T]) RootHash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Root()
}

// Stats returns the root digest, entry count and tree height.
func (r *VerifiableRegistry[T]) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statsLocked()
}

func (r *VerifiableRegistry[T]) statsLocked() Stats {
	return Stats{
		RootHash:   r.tree.Root(),
		EntryCount: len(r.order),
		Removed:    r.removed,
		TreeHeight: r.tree.Height(),
		Algorithm:  r.hasher.Name(),
	}
}

// Hasher returns the hasher the tree is built with.
func (r *VerifiableRegistry[T]) Hasher() merkle.Hasher { return r.hasher }

// Len returns the number of leaf slots, tombstones included.
func (r *VerifiableRegistry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// KeyAt returns the key occupying leaf index.
func (r *VerifiableRegistry[T]) KeyAt(index int) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.order) {
		return "", &merkle.InvalidIndexError{Index: index, LeafCount: len(r.order)}
	}
	return r.order[index], nil
}

// StatusCounts returns how many entries are in each status.
func (r *VerifiableRegistry[T]) StatusCounts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int)
	for _, e := range r.entries {
		counts[e.Status]++
	}
	return counts
}

// Query returns copies of the entries matching pred, in leaf order. It is
// a linear scan.
func (r *VerifiableRegistry[T]) Query(pred func(Entry[T]) bool) []Entry[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry[T]
	for _, key := range r.order {
		e := r.copyOf(r.entries[key])
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// Range calls fn with a copy of each entry in leaf order until fn
// returns false.
func (r *VerifiableRegistry[T]) Range(fn func(Entry[T]) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range r.order {
		if !fn(r.copyOf(r.entries[key])) {
			return
		}
	}
}

// Snapshot returns every entry in leaf order together with the stats of
// the same tree state.
func (r *VerifiableRegistry[T]) Snapshot() Snapshot[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry[T], len(r.order))
	for i, key := range r.order {
		entries[i] = r.copyOf(r.entries[key])
	}
	return Snapshot[T]{Stats: r.statsLocked(), Entries: entries}
}

func (r *VerifiableRegistry[T]) encode(e *Entry[T]) (string, error) {
	v, err := r.serialize(e.Value)
	if err != nil {
		return "", &SerializeError{Key: e.Key, Err: err}
	}
	return EncodeLeaf(e.Key, e.Status, e.Revision, v), nil
}

func (r *VerifiableRegistry[T]) copyOf(e *Entry[T]) Entry[T] {
	out := *e
	out.Value = r.clone(e.Value)
	return out
}

// rebuilt must be called with the write lock held.
func (r *VerifiableRegistry[T]) rebuilt(op string, start time.Time) RebuildInfo {
	if r.proofs != nil {
		r.proofs.Purge()
	}
	info := RebuildInfo{
		Op:       op,
		Leaves:   r.tree.LeafCount(),
		Height:   r.tree.Height(),
		Root:     r.tree.Root(),
		Duration: time.Since(start),
	}
	r.logger.Debug("registry tree rebuilt",
		zap.String("op", op),
		zap.Int("leaves", info.Leaves),
		zap.String("root", info.Root),
		zap.Duration("took", info.Duration),
	)
	return info
}

func (r *VerifiableRegistry[T]) notify(info RebuildInfo) {
	if r.onRebuild != nil {
		r.onRebuild(info)
	}
}
