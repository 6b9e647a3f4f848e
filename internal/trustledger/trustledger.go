// Package trustledger implements a linear hash-chain audit log of registry
// mutations.
//
// The chain begins with a well-known genesis entry whose Hash equals GenesisHash
// (64 hex zeros). Every subsequent entry records the hash of its predecessor,
// making any rewrite of history detectable via Verify. The ledger is separate
// from the registry's Merkle tree: the tree commits to current state, the
// ledger to the sequence of changes that produced it.
//
// Two implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for testing and memory-mode deployments.
//   - PostgresLedger: durable, for production use.
package trustledger
