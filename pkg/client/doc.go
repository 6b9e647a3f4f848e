// Package client is the veriregistry Go SDK.
//
// It wraps the registry HTTP API: granting and managing permissions,
// fetching inclusion proofs, and checking them either remotely or offline
// against a root obtained out of band.
//
// # Connecting
//
//	c, err := client.New("https://registry.internal:8080",
//	    client.WithBearerToken(os.Getenv("REGISTRY_TOKEN")),
//	    client.WithRetries(3, 200*time.Millisecond),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Reads are retried with exponential backoff on transport errors and 5xx
// responses. Mutations are sent exactly once.
//
// # Managing grants
//
//	e, err := c.Grant(ctx, client.GrantRequest{
//	    Principal: "svc-billing",
//	    Resource:  "invoices",
//	    Action:    "read",
//	})
//	...
//	_, err = c.Revoke(ctx, e.Key, "credential rotated")
//
// Status changes never move a grant: it keeps its leaf index for life, and
// Remove leaves a tombstone in place.
//
// # Proofs
//
// A receipt carries the entry, the exact leaf payload the registry hashed,
// and an inclusion proof for the tree state that produced both:
//
//	rc, err := c.Proof(ctx, e.Key)
//	...
//	res, err := client.VerifyOffline(rc.Proof, trustedRoot, "")
//	if res != merkle.Valid {
//	    // stale_root: the registry has moved on since trustedRoot
//	    // mismatch:   the proof does not hash to its claimed root
//	    // malformed:  the proof is structurally invalid
//	}
//
// VerifyOffline needs no network access. ProofCBOR fetches the same proof
// in its compact deterministic CBOR encoding for archival.
package client
