// Package merkle implements the binary hash tree behind the verifiable
// registry, together with inclusion proofs that can be checked offline.
//
// Construction rules:
//   - level 0 holds Sum(leaf) for every leaf, in the caller's order
//   - each following level hashes the hex concatenation left||right of
//     adjacent pairs; an odd trailing node is paired with itself
//   - an empty tree has the root Sum("EMPTY_TREE") and no levels
//
// A Proof carries the leaf digest, the claimed root, the leaf index and the
// sibling path from leaf to root. Anyone holding a Proof and a trusted root
// can call VerifyAgainstRoot without access to the tree itself.
//
// Verification never returns an error. Untrusted proofs are expected input,
// so every failure is reported as a Result value.
package merkle
