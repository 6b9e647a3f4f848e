package trustledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jmerrifield20/veriregistry/internal/trustledger"
)

var ctx = context.Background()

const key = "6f1c2a59-3d5e-4c1b-9a47-0e2d8f6b1c33"

func TestNew_genesisEntry(t *testing.T) {
	l := trustledger.New()

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}

	entry, err := l.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Action != "genesis" {
		t.Errorf("expected action 'genesis', got %q", entry.Action)
	}
	if entry.Actor != trustledger.GenesisActor {
		t.Errorf("expected genesis actor %q, got %q", trustledger.GenesisActor, entry.Actor)
	}
	if entry.Hash != trustledger.GenesisHash {
		t.Errorf("genesis hash: got %q, want GenesisHash", entry.Hash)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l := trustledger.New()

	e1, err := l.Append(ctx, key, "grant", "operator", map[string]string{"status": "active"})
	if err != nil {
		t.Fatal(err)
	}

	e2, err := l.Append(ctx, key, "revoke", "operator", nil)
	if err != nil {
		t.Fatal(err)
	}

	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
	}
	if e1.EntryKey != key {
		t.Errorf("entry key: got %q, want %q", e1.EntryKey, key)
	}

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 { // genesis + 2
		t.Errorf("expected 3 entries, got %d", n)
	}
}

func TestAppend_unmarshalablePayload(t *testing.T) {
	l := trustledger.New()
	if _, err := l.Append(ctx, key, "grant", "operator", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
	if n, _ := l.Len(ctx); n != 1 {
		t.Errorf("failed append must not extend the chain, len=%d", n)
	}
}

func TestAppend_concurrent(t *testing.T) {
	l := trustledger.New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(ctx, key, "grant", "operator", i); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n, _ := l.Len(ctx); n != 33 {
		t.Errorf("expected 33 entries, got %d", n)
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() after concurrent appends: %v", err)
	}
}

func TestVerify_valid(t *testing.T) {
	l := trustledger.New()
	_, _ = l.Append(ctx, key, "grant", "operator", nil)
	_, _ = l.Append(ctx, key, "suspend", "operator", nil)

	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}
}

func TestVerify_detectsTampering(t *testing.T) {
	l := trustledger.New()
	_, _ = l.Append(ctx, key, "grant", "operator", nil)
	_, _ = l.Append(ctx, key, "revoke", "operator", nil)
	_, _ = l.Append(ctx, key, "remove", "operator", nil)

	l.Tamper(2, "restore")

	err := l.Verify(ctx)
	if !errors.Is(err, trustledger.ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	var ce *trustledger.ChainError
	if !errors.As(err, &ce) || ce.Index != 2 {
		t.Errorf("expected failure at index 2, got %v", err)
	}
}

func TestGet_outOfRange(t *testing.T) {
	l := trustledger.New()
	for _, idx := range []int{-1, 1} {
		if _, err := l.Get(ctx, idx); !errors.Is(err, trustledger.ErrEntryNotFound) {
			t.Errorf("Get(%d): expected ErrEntryNotFound, got %v", idx, err)
		}
	}
}

func TestGet_returnsCopy(t *testing.T) {
	l := trustledger.New()
	e, _ := l.Append(ctx, key, "grant", "operator", nil)
	e.Action = "forged"

	if err := l.Verify(ctx); err != nil {
		t.Errorf("mutating a returned entry must not affect the chain: %v", err)
	}
}

func TestList_pages(t *testing.T) {
	l := trustledger.New()
	for i := 0; i < 5; i++ {
		_, _ = l.Append(ctx, key, "grant", "operator", i)
	}

	page, err := l.List(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Index != 2 || page[1].Index != 3 {
		t.Errorf("unexpected page: %+v", page)
	}

	tail, _ := l.List(ctx, 5, 10)
	if len(tail) != 1 {
		t.Errorf("expected 1 trailing entry, got %d", len(tail))
	}
	past, _ := l.List(ctx, 99, 10)
	if len(past) != 0 {
		t.Errorf("expected empty page past the tip, got %d", len(past))
	}
}

func TestRoot_returnsLastHash(t *testing.T) {
	l := trustledger.New()
	e, _ := l.Append(ctx, key, "grant", "operator", nil)

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != e.Hash {
		t.Errorf("Root(): got %q, want %q", root, e.Hash)
	}
}

func TestVerify_genesisOnlyChain(t *testing.T) {
	l := trustledger.New()
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() on genesis-only chain should pass: %v", err)
	}
}

func TestRoot_genesisOnly(t *testing.T) {
	l := trustledger.New()
	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != trustledger.GenesisHash {
		t.Errorf("Root() on genesis-only: got %q, want GenesisHash", root)
	}
}
