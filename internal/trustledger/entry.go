package trustledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// GenesisHash is the canonical well-known hash of the genesis entry.
// It serves as the trust anchor of the chain; all subsequent entry hashes
// chain from this constant rather than from a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// GenesisActor is the actor recorded on the genesis entry.
const GenesisActor = "registry-system"

var (
	// ErrEntryNotFound is returned by Get for an index outside the chain.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrChainBroken is matched by every *ChainError.
	ErrChainBroken = errors.New("ledger chain broken")
)

// ChainError locates the first entry that fails verification.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger entry %d: %s", e.Index, e.Reason)
}

// Is lets errors.Is(err, ErrChainBroken) match.
func (e *ChainError) Is(target error) bool { return target == ErrChainBroken }

// Entry is a single audit record in the trust ledger.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	EntryKey  string    `json:"entry_key"` // registry key the mutation touched
	Action    string    `json:"action"`    // grant, suspend, restore, revoke, expire, remove, genesis
	Actor     string    `json:"actor"`     // token subject or GenesisActor
	DataHash  string    `json:"data_hash"` // SHA-256 of the associated payload
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// hashEntry computes a deterministic SHA-256 hash over an entry's fields.
// This function must never be called on the genesis entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.EntryKey, e.Action, e.Actor, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func genesis(now time.Time) *Entry {
	return &Entry{
		Index:     0,
		Timestamp: now,
		Action:    "genesis",
		Actor:     GenesisActor,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash, // genesis hash is the well-known constant, not computed
	}
}

// checkLink validates curr against its predecessor. prev is nil for the
// first entry of the chain.
func checkLink(prev, curr *Entry) error {
	if prev == nil {
		if curr.Index != 0 || curr.Hash != GenesisHash {
			return &ChainError{Index: curr.Index, Reason: fmt.Sprintf("genesis entry has wrong hash %q", curr.Hash)}
		}
		return nil
	}
	if curr.Index != prev.Index+1 {
		return &ChainError{Index: curr.Index, Reason: fmt.Sprintf("index gap after %d", prev.Index)}
	}
	if curr.PrevHash != prev.Hash {
		return &ChainError{Index: curr.Index, Reason: "prev_hash does not match predecessor"}
	}
	if curr.Hash != hashEntry(curr) {
		return &ChainError{Index: curr.Index, Reason: "hash does not match contents"}
	}
	return nil
}
