package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Algorithm names accepted by NewHasher.
const (
	AlgSHA3      = "sha3-256"
	AlgKeccak256 = "keccak-256"
	AlgSHA256    = "sha256"
	AlgBlake3    = "blake3"
)

// Hasher maps bytes to a fixed-length, lower-case hex digest.
// Implementations must be deterministic and safe for concurrent use.
type Hasher interface {
	// Name identifies the algorithm in serialized proofs.
	Name() string
	// Size is the raw digest length in bytes; hex digests are twice as long.
	Size() int
	// Sum returns the hex digest of data.
	Sum(data []byte) string
}

type hashFunc struct {
	name string
	size int
	sum  func([]byte) []byte
}

func (h hashFunc) Name() string { return h.name }
func (h hashFunc) Size() int    { return h.size }

func (h hashFunc) Sum(data []byte) string {
	return hex.EncodeToString(h.sum(data))
}

var hashers = map[string]Hasher{
	AlgSHA3: hashFunc{name: AlgSHA3, size: 32, sum: func(b []byte) []byte {
		d := sha3.Sum256(b)
		return d[:]
	}},
	AlgKeccak256: hashFunc{name: AlgKeccak256, size: 32, sum: func(b []byte) []byte {
		h := sha3.NewLegacyKeccak256()
		h.Write(b)
		return h.Sum(nil)
	}},
	AlgSHA256: hashFunc{name: AlgSHA256, size: 32, sum: func(b []byte) []byte {
		d := sha256.Sum256(b)
		return d[:]
	}},
	AlgBlake3: hashFunc{name: AlgBlake3, size: 32, sum: func(b []byte) []byte {
		d := blake3.Sum256(b)
		return d[:]
	}},
}

// DefaultHasher returns the SHA3-256 hasher.
func DefaultHasher() Hasher { return hashers[AlgSHA3] }

// NewHasher resolves an algorithm name (case-insensitive). An empty name
// selects SHA3-256. Unknown names yield a *HashingUnavailableError.
func NewHasher(name string) (Hasher, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultHasher(), nil
	}
	h, ok := hashers[name]
	if !ok {
		return nil, &HashingUnavailableError{Algorithm: name}
	}
	return h, nil
}

// Algorithms lists the names accepted by NewHasher, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(hashers))
	for n := range hashers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
