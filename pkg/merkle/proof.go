package merkle

// maxPathLen bounds the path of a well-formed proof (2^64 leaves).
const maxPathLen = 64

// PathStep is one sibling on the way from a leaf to the root.
type PathStep struct {
	SiblingDigest string `json:"sibling_digest" cbor:"1,keyasint"`
	// IsLeft is true when the sibling sits to the left of the running
	// digest, so the parent is Sum(sibling || current).
	IsLeft bool `json:"is_left" cbor:"2,keyasint"`
}

// Proof is the exchange format for inclusion proofs. It is only valid
// against the root that produced it.
type Proof struct {
	LeafDigest string     `json:"leaf_digest" cbor:"1,keyasint"`
	RootHash   string     `json:"root_hash" cbor:"2,keyasint"`
	LeafIndex  int        `json:"leaf_index" cbor:"3,keyasint"`
	Path       []PathStep `json:"path" cbor:"4,keyasint"`
	Algorithm  string     `json:"algorithm,omitempty" cbor:"5,keyasint,omitempty"`
}

// Result is the outcome of a proof verification. The zero value is
// Malformed so an unset Result never reads as success.
type Result int

const (
	Malformed Result = iota
	Mismatch
	StaleRoot
	Valid
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case StaleRoot:
		return "stale_root"
	case Mismatch:
		return "mismatch"
	default:
		return "malformed"
	}
}

// MarshalText renders the result as its string form.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Validate checks the structure of p for hasher h: digest lengths, index
// range, path length, direction bits consistent with the index, and the
// algorithm label when present.
func (p *Proof) Validate(h Hasher) error {
	if p == nil {
		return malformedf("nil proof")
	}
	if p.Algorithm != "" && p.Algorithm != h.Name() {
		return malformedf("proof algorithm %q, verifier uses %q", p.Algorithm, h.Name())
	}
	if p.LeafIndex < 0 {
		return malformedf("negative leaf index %d", p.LeafIndex)
	}
	if len(p.Path) > maxPathLen {
		return malformedf("path length %d exceeds %d", len(p.Path), maxPathLen)
	}
	if len(p.Path) < maxPathLen && uint64(p.LeafIndex) >= uint64(1)<<len(p.Path) {
		return malformedf("leaf index %d unreachable with path length %d", p.LeafIndex, len(p.Path))
	}

	want := 2 * h.Size()
	if !isHexDigest(p.LeafDigest, want) {
		return malformedf("leaf digest is not a %d-char hex digest", want)
	}
	if !isHexDigest(p.RootHash, want) {
		return malformedf("root hash is not a %d-char hex digest", want)
	}

	i := p.LeafIndex
	for n, step := range p.Path {
		if !isHexDigest(step.SiblingDigest, want) {
			return malformedf("path[%d] sibling is not a %d-char hex digest", n, want)
		}
		if step.IsLeft != (i%2 == 1) {
			return malformedf("path[%d] direction disagrees with leaf index %d", n, p.LeafIndex)
		}
		i /= 2
	}
	return nil
}

// Verify replays p against its own claimed root. It proves internal
// consistency only; pair it with a trusted root via VerifyAgainstRoot.
//
// A proof does not carry the tree size, so LeafIndex cannot be bounded
// here. Tree.Check bounds it against the live tree.
func Verify(h Hasher, p *Proof) bool {
	if p == nil {
		return false
	}
	return VerifyAgainstRoot(h, p, p.RootHash) == Valid
}

// VerifyAgainstRoot checks p against an independently obtained root.
// No live tree is needed. A proof claiming any other root is StaleRoot.
func VerifyAgainstRoot(h Hasher, p *Proof, trustedRoot string) Result {
	if h == nil {
		h = DefaultHasher()
	}
	if err := p.Validate(h); err != nil {
		return Malformed
	}
	if p.RootHash != trustedRoot {
		return StaleRoot
	}
	if replay(h, p) != p.RootHash {
		return Mismatch
	}
	return Valid
}

func replay(h Hasher, p *Proof) string {
	current := p.LeafDigest
	for _, step := range p.Path {
		if step.IsLeft {
			current = h.Sum([]byte(step.SiblingDigest + current))
		} else {
			current = h.Sum([]byte(current + step.SiblingDigest))
		}
	}
	return current
}

// LeafDigestFor returns the digest a leaf payload has in a tree built with h.
// Auditors use it to bind a record they hold to a proof's LeafDigest.
func LeafDigestFor(h Hasher, payload string) string {
	if h == nil {
		h = DefaultHasher()
	}
	return h.Sum([]byte(payload))
}

// Clone returns a deep copy of p.
func (p *Proof) Clone() *Proof {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Path != nil {
		cp.Path = append(make([]PathStep, 0, len(p.Path)), p.Path...)
	}
	return &cp
}

func isHexDigest(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
