// cmd/seed: populates a running registry with realistic permission grants for development.
//
// Grants go through the public API, so every seed is committed to the tree and
// recorded in the audit ledger like any operator mutation. Running twice is safe:
// a grant whose principal/resource/action is already live is skipped.
//
// Usage:
//
//	go run ./cmd/seed
//	REGISTRY_URL=http://localhost:8080 REGISTRY_TOKEN=... go run ./cmd/seed
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmerrifield20/veriregistry/pkg/client"
)

const defaultRegistry = "http://localhost:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	registryURL := os.Getenv("REGISTRY_URL")
	if registryURL == "" {
		registryURL = defaultRegistry
	}

	opts := []client.Option{client.WithRetries(5, 250*time.Millisecond)}
	if tok := os.Getenv("REGISTRY_TOKEN"); tok != "" {
		opts = append(opts, client.WithBearerToken(tok))
	}
	c, err := client.New(registryURL, opts...)
	if err != nil {
		return err
	}

	ctx := context.Background()
	root, err := c.Root(ctx)
	if err != nil {
		return fmt.Errorf("reach registry: %w", err)
	}
	fmt.Printf("connected to registry (%d entries, root %s)\n", root.EntryCount, short(root.RootHash))

	created, err := seedGrants(ctx, c)
	if err != nil {
		return fmt.Errorf("seed grants: %w", err)
	}
	if err := applyLifecycle(ctx, c, created); err != nil {
		return fmt.Errorf("seed lifecycle: %w", err)
	}

	root, err = c.Root(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nseed complete: %d entries, root %s\n", root.EntryCount, short(root.RootHash))
	return nil
}

// ── Grants ───────────────────────────────────────────────────────────────────

type seedGrant struct {
	client.GrantRequest
	// then is applied after creation to give the demo data some history.
	then string
}

func ttl(d time.Duration) *time.Time {
	t := time.Now().Add(d).UTC().Truncate(time.Second)
	return &t
}

var grants = []seedGrant{
	{GrantRequest: client.GrantRequest{Principal: "svc-billing", Resource: "invoices", Action: "read", Reason: "monthly statements"}},
	{GrantRequest: client.GrantRequest{Principal: "svc-billing", Resource: "invoices", Action: "write", Reason: "issue invoices"}},
	{GrantRequest: client.GrantRequest{Principal: "svc-billing", Resource: "payments", Action: "read"}},
	{GrantRequest: client.GrantRequest{Principal: "svc-reporting", Resource: "invoices", Action: "read", Metadata: map[string]string{"team": "finance-analytics"}}},
	{GrantRequest: client.GrantRequest{Principal: "svc-reporting", Resource: "warehouse", Action: "*", Reason: "nightly ETL"}},
	{GrantRequest: client.GrantRequest{Principal: "alice@acme.com", Resource: "admin-console", Action: "*", ExpiresAt: ttl(30 * 24 * time.Hour), Reason: "on-call rotation"}},
	{GrantRequest: client.GrantRequest{Principal: "bob@acme.com", Resource: "admin-console", Action: "read"}, then: "suspend"},
	{GrantRequest: client.GrantRequest{Principal: "svc-legacy-sync", Resource: "customers", Action: "write"}, then: "revoke"},
	{GrantRequest: client.GrantRequest{Principal: "contractor-42", Resource: "repo/payments", Action: "push", ExpiresAt: ttl(7 * 24 * time.Hour)}},
	{GrantRequest: client.GrantRequest{Principal: "svc-temp-migration", Resource: "customers", Action: "read"}, then: "remove"},
}

type createdGrant struct {
	key  string
	then string
}

func seedGrants(ctx context.Context, c *client.Client) ([]createdGrant, error) {
	var created []createdGrant
	for _, g := range grants {
		existing, err := c.List(ctx, client.ListFilter{
			Principal: g.Principal,
			Resource:  g.Resource,
			Action:    g.Action,
		})
		if err != nil {
			return nil, err
		}
		if live(existing) {
			fmt.Printf("  skip  %s %s %s (already granted)\n", g.Principal, g.Action, g.Resource)
			continue
		}

		e, err := c.Grant(ctx, g.GrantRequest)
		if err != nil {
			return nil, fmt.Errorf("grant %s/%s/%s: %w", g.Principal, g.Resource, g.Action, err)
		}
		fmt.Printf("  grant %s %s %s → leaf %d\n", g.Principal, g.Action, g.Resource, e.Index)
		created = append(created, createdGrant{key: e.Key, then: g.then})
	}
	return created, nil
}

func live(entries []client.Entry) bool {
	for _, e := range entries {
		if e.Status == "active" || e.Status == "suspended" {
			return true
		}
	}
	return false
}

func applyLifecycle(ctx context.Context, c *client.Client, created []createdGrant) error {
	for _, g := range created {
		var err error
		switch g.then {
		case "":
			continue
		case "suspend":
			_, err = c.Suspend(ctx, g.key, "seed: pending access review")
		case "revoke":
			_, err = c.Revoke(ctx, g.key, "seed: service decommissioned")
		case "remove":
			_, err = c.Remove(ctx, g.key, "seed: migration finished")
		default:
			err = errors.New("unknown lifecycle step " + g.then)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", g.then, g.key, err)
		}
		fmt.Printf("  %-7s %s\n", g.then, g.key)
	}
	return nil
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "…"
	}
	return h
}
