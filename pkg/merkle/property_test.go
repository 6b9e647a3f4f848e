package merkle_test

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/jmerrifield20/veriregistry/pkg/merkle"
	"pgregory.net/rapid"
)

func TestProperty_buildIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.SliceOfN(rapid.String(), 0, 40).Draw(t, "leaves")
		a := merkle.Build(nil, in)
		b := merkle.Build(nil, append([]string(nil), in...))
		if a.Root() != b.Root() {
			t.Fatalf("roots differ for identical input: %s vs %s", a.Root(), b.Root())
		}
	})
}

func TestProperty_everyProofVerifiesAndSurvivesEncoding(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.SliceOfN(rapid.String(), 1, 40).Draw(t, "leaves")
		tree := merkle.Build(nil, in)
		i := rapid.IntRange(0, len(in)-1).Draw(t, "index")

		p, err := tree.GenerateProof(i)
		if err != nil {
			t.Fatalf("GenerateProof(%d): %v", i, err)
		}
		if !tree.VerifyProof(p) {
			t.Fatalf("proof for index %d of %d did not verify", i, len(in))
		}
		if p.LeafDigest != merkle.LeafDigestFor(nil, in[i]) {
			t.Fatalf("leaf digest does not match payload")
		}

		enc, err := p.EncodeCBOR()
		if err != nil {
			t.Fatalf("EncodeCBOR: %v", err)
		}
		dec, err := merkle.DecodeCBOR(enc)
		if err != nil {
			t.Fatalf("DecodeCBOR: %v", err)
		}
		if got := merkle.VerifyAgainstRoot(nil, dec, tree.Root()); got != merkle.Valid {
			t.Fatalf("decoded proof: %s", got)
		}
	})
}

func TestProperty_mutationInvalidatesOldProofs(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.SliceOfN(rapid.String(), 1, 30).Draw(t, "leaves")
		tree := merkle.Build(nil, in)
		i := rapid.IntRange(0, len(in)-1).Draw(t, "index")
		p, err := tree.GenerateProof(i)
		if err != nil {
			t.Fatalf("GenerateProof: %v", err)
		}

		j := rapid.IntRange(0, len(in)-1).Draw(t, "changed")
		changed := append([]string(nil), in...)
		changed[j] = in[j] + "!"
		tree.Update(changed)

		if tree.VerifyProof(p) {
			t.Fatalf("proof survived a mutation of leaf %d", j)
		}
	})
}

func TestFuzz_randomProofsNeverVerify(t *testing.T) {
	tree := merkle.Build(nil, leaves(11))
	f := fuzz.New().NilChance(0.1).NumElements(0, 8)

	for n := 0; n < 500; n++ {
		var p merkle.Proof
		f.Fuzz(&p)
		if merkle.VerifyAgainstRoot(nil, &p, tree.Root()) == merkle.Valid {
			t.Fatalf("random proof verified: %+v", p)
		}
		if tree.VerifyProof(&p) {
			t.Fatalf("random proof verified against tree: %+v", p)
		}
	}
}

func TestFuzz_randomSiblingSubstitution(t *testing.T) {
	tree := merkle.Build(nil, leaves(16))
	h := tree.Hasher()
	f := fuzz.New().NilChance(0)

	for n := 0; n < 200; n++ {
		var idx uint8
		var junk string
		f.Fuzz(&idx)
		f.Fuzz(&junk)

		p, err := tree.GenerateProof(int(idx) % 16)
		if err != nil {
			t.Fatal(err)
		}
		step := int(idx) % len(p.Path)
		p.Path[step].SiblingDigest = h.Sum([]byte(junk))
		if p.Path[step].SiblingDigest == tree.Levels()[step][(p.LeafIndex>>step)^1] {
			continue
		}
		if tree.VerifyProof(p) {
			t.Fatalf("substituted sibling at step %d still verified", step)
		}
	}
}
