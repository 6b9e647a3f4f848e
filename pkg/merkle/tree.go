package merkle

// EmptyTreeSentinel is hashed to produce the root of a tree with no leaves.
const EmptyTreeSentinel = "EMPTY_TREE"

// Tree is a fully materialised binary hash tree over an ordered leaf
// sequence. Every mutation rebuilds all levels.
//
// A Tree is not safe for concurrent mutation; callers that share one
// across goroutines must guard it (see internal/registry).
type Tree struct {
	hasher Hasher
	levels [][]string // levels[0] = leaf digests, levels[len-1] = [root]
	root   string
}

// New returns an empty tree using h, or the default hasher when h is nil.
func New(h Hasher) *Tree {
	if h == nil {
		h = DefaultHasher()
	}
	t := &Tree{hasher: h}
	t.rebuild(nil)
	return t
}

// Build hashes every leaf and folds the levels up to a single root.
func Build(h Hasher, leaves []string) *Tree {
	t := New(h)
	t.rebuild(leaves)
	return t
}

// Update replaces the leaf sequence and rebuilds the tree.
func (t *Tree) Update(leaves []string) {
	t.rebuild(leaves)
}

// AddLeaf appends one leaf and rebuilds the tree.
func (t *Tree) AddLeaf(leaf string) {
	digests := make([]string, 0, t.LeafCount()+1)
	digests = append(digests, t.leafDigests()...)
	digests = append(digests, t.hasher.Sum([]byte(leaf)))
	t.fold(digests)
}

func (t *Tree) rebuild(leaves []string) {
	digests := make([]string, len(leaves))
	for i, leaf := range leaves {
		digests[i] = t.hasher.Sum([]byte(leaf))
	}
	t.fold(digests)
}

// fold builds every level above the given leaf digests.
func (t *Tree) fold(digests []string) {
	if len(digests) == 0 {
		t.levels = nil
		t.root = t.hasher.Sum([]byte(EmptyTreeSentinel))
		return
	}

	levels := [][]string{digests}
	current := digests
	for len(current) > 1 {
		next := make([]string, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left
			if i+1 < len(current) {
				right = current[i+1]
			}
			next = append(next, t.hashNode(left, right))
		}
		levels = append(levels, next)
		current = next
	}

	t.levels = levels
	t.root = current[0]
}

func (t *Tree) hashNode(left, right string) string {
	return t.hasher.Sum([]byte(left + right))
}

func (t *Tree) leafDigests() []string {
	if len(t.levels) == 0 {
		return nil
	}
	return t.levels[0]
}

// Root returns the current root digest.
func (t *Tree) Root() string { return t.root }

// Hasher returns the hasher the tree was built with.
func (t *Tree) Hasher() Hasher { return t.hasher }

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int { return len(t.leafDigests()) }

// Height returns the number of stored levels: 0 for an empty tree, 1 for a
// single leaf, ceil(log2(n))+1 otherwise.
func (t *Tree) Height() int { return len(t.levels) }

// Leaf returns the digest of the leaf at index.
func (t *Tree) Leaf(index int) (string, error) {
	if index < 0 || index >= t.LeafCount() {
		return "", &InvalidIndexError{Index: index, LeafCount: t.LeafCount()}
	}
	return t.levels[0][index], nil
}

// Levels returns a copy of every level, leaves first.
func (t *Tree) Levels() [][]string {
	out := make([][]string, len(t.levels))
	for i, level := range t.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// GenerateProof returns the inclusion proof for the leaf at index.
//
// At each level the sibling of position i is i+1 when i is even and i-1
// when i is odd. A trailing node without a partner is its own sibling.
func (t *Tree) GenerateProof(index int) (*Proof, error) {
	if index < 0 || index >= t.LeafCount() {
		return nil, &InvalidIndexError{Index: index, LeafCount: t.LeafCount()}
	}

	path := make([]PathStep, 0, len(t.levels)-1)
	i := index
	for _, level := range t.levels[:len(t.levels)-1] {
		var step PathStep
		if i%2 == 0 {
			sibling := i + 1
			if sibling >= len(level) {
				sibling = i
			}
			step = PathStep{SiblingDigest: level[sibling], IsLeft: false}
		} else {
			step = PathStep{SiblingDigest: level[i-1], IsLeft: true}
		}
		path = append(path, step)
		i /= 2
	}

	return &Proof{
		LeafDigest: t.levels[0][index],
		RootHash:   t.root,
		LeafIndex:  index,
		Path:       path,
		Algorithm:  t.hasher.Name(),
	}, nil
}

// VerifyProof reports whether p proves inclusion under the tree's current
// root. Proofs issued for an earlier root are rejected.
func (t *Tree) VerifyProof(p *Proof) bool {
	return t.Check(p) == Valid
}

// Check is VerifyProof with the reason for rejection.
func (t *Tree) Check(p *Proof) Result {
	if p == nil {
		return Malformed
	}
	if t.LeafCount() == 0 {
		if p.RootHash == t.root {
			return Mismatch
		}
		return StaleRoot
	}
	res := VerifyAgainstRoot(t.hasher, p, t.root)
	// The duplicated trailing node replays to the same root, so a claimed
	// index past the last leaf must be rejected here.
	if res == Valid && p.LeafIndex >= t.LeafCount() {
		return Mismatch
	}
	return res
}
