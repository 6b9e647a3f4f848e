package registry

import (
	"strconv"
	"strings"
	"time"
)

// Status is the domain lifecycle state of an entry. The set is open;
// client services may define further states.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
	StatusRemoved   Status = "removed"
)

// Statuses lists the lifecycle states defined by this package, in the
// order entries normally move through them.
func Statuses() []Status {
	return []Status{StatusActive, StatusSuspended, StatusRevoked, StatusExpired, StatusRemoved}
}

// LeafSeparator joins the fields of a leaf payload (ASCII unit separator).
const LeafSeparator = "\x1f"

// Entry is one keyed record and its position in the leaf order.
type Entry[T any] struct {
	Key       string    `json:"key"`
	Value     T         `json:"value"`
	Index     int       `json:"index"`
	Status    Status    `json:"status"`
	Revision  uint64    `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Commit is the result of one mutation: the entry as committed and the
// root of the tree that includes it, read under the same lock.
type Commit[T any] struct {
	Entry Entry[T]
	Root  string
}

// EncodeLeaf builds the payload hashed into the tree for one entry.
// Status and revision are part of the payload, so every domain mutation
// changes the leaf digest even when the value is unchanged.
func EncodeLeaf(key string, status Status, revision uint64, value string) string {
	var b strings.Builder
	b.Grow(len(key) + len(status) + len(value) + 24)
	b.WriteString(key)
	b.WriteString(LeafSeparator)
	b.WriteString(string(status))
	b.WriteString(LeafSeparator)
	b.WriteString(strconv.FormatUint(revision, 10))
	b.WriteString(LeafSeparator)
	b.WriteString(value)
	return b.String()
}

// Stats summarizes the current tree.
type Stats struct {
	RootHash   string `json:"root_hash"`
	EntryCount int    `json:"entry_count"`
	Removed    int    `json:"removed"`
	TreeHeight int    `json:"tree_height"`
	Algorithm  string `json:"algorithm"`
}

// Snapshot is a consistent view of every entry together with the stats of
// the tree they produced.
type Snapshot[T any] struct {
	Stats   Stats      `json:"stats"`
	Entries []Entry[T] `json:"entries"`
}

// RebuildInfo describes one completed tree rebuild.
type RebuildInfo struct {
	Op       string
	Leaves   int
	Height   int
	Root     string
	Duration time.Duration
}
