package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/veriregistry/internal/registry"
	"github.com/jmerrifield20/veriregistry/internal/registry/model"
	"github.com/jmerrifield20/veriregistry/internal/registry/service"
	"github.com/jmerrifield20/veriregistry/internal/trustledger"
	"github.com/jmerrifield20/veriregistry/pkg/merkle"
	"go.uber.org/zap"
)

// ── In-memory stub for permissionRepo ──────────────────────────────────────

type stubRepo struct {
	mu      sync.Mutex
	rows    map[string]service.Entry
	failAll bool
	batches int

	// beforeUpsert, if set, runs once at the start of the next Upsert.
	beforeUpsert func()
}

func newStubRepo() *stubRepo {
	return &stubRepo{rows: make(map[string]service.Entry)}
}

func (s *stubRepo) LoadAll(_ context.Context) ([]service.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]service.Entry, len(s.rows))
	for _, e := range s.rows {
		out[e.Index] = e
	}
	return out, nil
}

func (s *stubRepo) Upsert(_ context.Context, e service.Entry) error {
	s.mu.Lock()
	hook := s.beforeUpsert
	s.beforeUpsert = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("database unavailable")
	}
	if cur, ok := s.rows[e.Key]; ok && cur.Revision >= e.Revision {
		return nil
	}
	s.rows[e.Key] = e
	return nil
}

func (s *stubRepo) UpsertBatch(ctx context.Context, entries []service.Entry) error {
	s.mu.Lock()
	s.batches++
	fail := s.failAll
	s.mu.Unlock()
	if fail {
		return errors.New("database unavailable")
	}
	for _, e := range entries {
		if err := s.Upsert(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubRepo) get(key string) (service.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[key]
	return e, ok
}

// payloadLedger keeps each appended payload next to the memory ledger,
// which itself only stores payload hashes.
type payloadLedger struct {
	*trustledger.MemoryLedger
	mu       sync.Mutex
	payloads map[string][]map[string]any
}

func newPayloadLedger() *payloadLedger {
	return &payloadLedger{MemoryLedger: trustledger.New(), payloads: make(map[string][]map[string]any)}
}

func (l *payloadLedger) Append(ctx context.Context, key, action, actor string, payload any) (*trustledger.Entry, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.payloads[key] = append(l.payloads[key], m)
	l.mu.Unlock()
	return l.MemoryLedger.Append(ctx, key, action, actor, payload)
}

func (l *payloadLedger) roots(key string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, m := range l.payloads[key] {
		root, _ := m["root"].(string)
		out = append(out, root)
	}
	return out
}

// ── Helpers ────────────────────────────────────────────────────────────────

var ctx = context.Background()

type fixture struct {
	svc    *service.PermissionService
	repo   *stubRepo
	ledger *trustledger.MemoryLedger
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   newStubRepo(),
		ledger: trustledger.New(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = service.NewPermissionService(service.NewRegistry(), f.repo, f.ledger, zap.NewNop())
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) grant(t *testing.T, principal, resource, action string) service.Entry {
	t.Helper()
	e, err := f.svc.Grant(ctx, &model.GrantRequest{
		Principal: principal, Resource: resource, Action: action, GrantedBy: "ops",
	})
	if err != nil {
		t.Fatalf("Grant(%s, %s, %s): %v", principal, resource, action, err)
	}
	return e
}

func ledgerActions(t *testing.T, l *trustledger.MemoryLedger) []string {
	t.Helper()
	entries, err := l.List(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

// ── Tests ──────────────────────────────────────────────────────────────────

func TestGrant_commitsAndRecords(t *testing.T) {
	f := newFixture(t)
	e := f.grant(t, "alice", "doc/1", "read")

	if e.Status != registry.StatusActive || e.Index != 0 || e.Revision != 1 {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Key != e.Value.ID.String() {
		t.Errorf("key %q should be the grant ID %s", e.Key, e.Value.ID)
	}
	if e.Value.GrantedBy != "ops" {
		t.Errorf("granted_by: got %q", e.Value.GrantedBy)
	}
	if _, ok := f.repo.get(e.Key); !ok {
		t.Error("grant not written through to repository")
	}
	if got := ledgerActions(t, f.ledger); len(got) != 1 || got[0] != "grant" {
		t.Errorf("ledger actions: %v", got)
	}
	if err := f.ledger.Verify(ctx); err != nil {
		t.Errorf("ledger chain: %v", err)
	}
}

func TestGrant_validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Grant(ctx, &model.GrantRequest{Principal: "alice", Action: "read"})
	var ve *model.ErrValidation
	if !errors.As(err, &ve) {
		t.Fatalf("expected *model.ErrValidation, got %v", err)
	}
	if f.svc.Stats().EntryCount != 0 {
		t.Error("invalid grant must not be committed")
	}
}

func TestGrant_rejectsDuplicateLiveGrant(t *testing.T) {
	f := newFixture(t)
	first := f.grant(t, "alice", "doc/1", "read")

	_, err := f.svc.Grant(ctx, &model.GrantRequest{Principal: "alice", Resource: "doc/1", Action: "read"})
	var ve *model.ErrValidation
	if !errors.As(err, &ve) {
		t.Fatalf("expected *model.ErrValidation for duplicate, got %v", err)
	}

	// Once revoked, the same triple can be granted again in a new slot.
	if _, err := f.svc.Revoke(ctx, first.Key, "ops", "rotated"); err != nil {
		t.Fatal(err)
	}
	second := f.grant(t, "alice", "doc/1", "read")
	if second.Index != 1 {
		t.Errorf("regrant should take a new slot, got index %d", second.Index)
	}
}

func TestGrant_concurrentDuplicatesAdmitOne(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Grant(ctx, &model.GrantRequest{Principal: "alice", Resource: "doc/1", Action: "read"}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Errorf("expected exactly one successful grant, got %d", ok)
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name  string
		steps []func(s *service.PermissionService, key string) (service.Entry, error)
		want  registry.Status
		fails bool
	}{
		{
			name: "suspend then restore",
			steps: []func(*service.PermissionService, string) (service.Entry, error){
				func(s *service.PermissionService, k string) (service.Entry, error) { return s.Suspend(ctx, k, "ops", "") },
				func(s *service.PermissionService, k string) (service.Entry, error) { return s.Restore(ctx, k, "ops", "") },
			},
			want: registry.StatusActive,
		},
		{
			name: "revoke then remove",
			steps: []func(*service.PermissionService, string) (service.Entry, error){
				func(s *service.PermissionService, k string) (service.Entry, error) { return s.Revoke(ctx, k, "ops", "") },
				func(s *service.PermissionService, k string) (service.Entry, error) { return s.Remove(ctx, k, "ops", "") },
			},
			want: registry.StatusRemoved,
		},
		{
			name: "restore an active grant",
			steps: []func(*service.PermissionService, string) (service.Entry, error){
				func(s *service.PermissionService, k string) (service.Entry, error) { return s.Restore(ctx, k, "ops", "") },
			},
			fails: true,
		},
		{
			name: "revoked is terminal",
			steps: []func(*service.PermissionService, string) (service.Entry, error){
				func(s *service.PermissionService, k string) (service.Entry, error) { return s.Revoke(ctx, k, "ops", "") },
				func(s *service.PermissionService, k string) (service.Entry, error) { return s.Restore(ctx, k, "ops", "") },
			},
			fails: true,
		},
		{
			name: "removed rejects everything",
			steps: []func(*service.PermissionService, string) (service.Entry, error){
				func(s *service.PermissionService, k string) (service.Entry, error) { return s.Remove(ctx, k, "ops", "") },
				func(s *service.PermissionService, k string) (service.Entry, error) { return s.Suspend(ctx, k, "ops", "") },
			},
			fails: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			key := f.grant(t, "alice", "doc/1", "read").Key

			var err error
			var e service.Entry
			for _, step := range tt.steps {
				if e, err = step(f.svc, key); err != nil {
					break
				}
			}
			if tt.fails {
				if !errors.Is(err, service.ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if e.Status != tt.want {
				t.Errorf("status: got %s, want %s", e.Status, tt.want)
			}
			if e.Revision != uint64(1+len(tt.steps)) {
				t.Errorf("revision: got %d, want %d", e.Revision, 1+len(tt.steps))
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	if !service.CanTransition(registry.StatusActive, registry.StatusExpired) {
		t.Error("active → expired should be allowed")
	}
	if service.CanTransition(registry.StatusExpired, registry.StatusActive) {
		t.Error("expired → active should be rejected")
	}
	if service.CanTransition(registry.StatusRemoved, registry.StatusRemoved) {
		t.Error("removed is terminal")
	}
}

func TestRevoke_keepsSlotAndInvalidatesOldProof(t *testing.T) {
	f := newFixture(t)
	a := f.grant(t, "alice", "doc/1", "read")
	f.grant(t, "bob", "doc/1", "read")

	before, err := f.svc.Prove(a.Key)
	if err != nil {
		t.Fatal(err)
	}
	if r := f.svc.VerifyProof(before.Proof); r != merkle.Valid {
		t.Fatalf("fresh proof: %s", r)
	}

	if _, err := f.svc.Revoke(ctx, a.Key, "ops", "left the team"); err != nil {
		t.Fatal(err)
	}
	if r := f.svc.VerifyProof(before.Proof); r != merkle.StaleRoot {
		t.Errorf("old proof after revoke: got %s, want stale_root", r)
	}
	if r := f.svc.VerifyAgainst(before.Proof, before.Proof.RootHash); r != merkle.Valid {
		t.Errorf("old proof against its own root: got %s", r)
	}

	after, err := f.svc.Prove(a.Key)
	if err != nil {
		t.Fatal(err)
	}
	if after.Proof.LeafIndex != before.Proof.LeafIndex {
		t.Errorf("slot moved: %d → %d", before.Proof.LeafIndex, after.Proof.LeafIndex)
	}
	if after.Entry.Status != registry.StatusRevoked {
		t.Errorf("status: got %s", after.Entry.Status)
	}
	if f.svc.Stats().EntryCount != 2 {
		t.Errorf("entry count changed: %d", f.svc.Stats().EntryCount)
	}
}

func TestCheck(t *testing.T) {
	f := newFixture(t)
	exp := f.now.Add(time.Hour)
	e, err := f.svc.Grant(ctx, &model.GrantRequest{Principal: "alice", Resource: "doc/1", Action: "*", ExpiresAt: &exp})
	if err != nil {
		t.Fatal(err)
	}

	got, ok := f.svc.Check("alice", "doc/1", "write")
	if !ok || got.Key != e.Key {
		t.Fatalf("wildcard grant should allow write, got ok=%v", ok)
	}
	if _, ok := f.svc.Check("bob", "doc/1", "write"); ok {
		t.Error("other principal allowed")
	}

	f.now = exp
	if _, ok := f.svc.Check("alice", "doc/1", "write"); ok {
		t.Error("grant past expiry still allows access")
	}

	f.now = exp.Add(-time.Minute)
	if _, err := f.svc.Suspend(ctx, e.Key, "ops", ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.svc.Check("alice", "doc/1", "write"); ok {
		t.Error("suspended grant still allows access")
	}
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t)
	soon := f.now.Add(time.Minute)
	later := f.now.Add(time.Hour)
	a, _ := f.svc.Grant(ctx, &model.GrantRequest{Principal: "a", Resource: "r", Action: "read", ExpiresAt: &soon})
	b, _ := f.svc.Grant(ctx, &model.GrantRequest{Principal: "b", Resource: "r", Action: "read", ExpiresAt: &later})
	c, _ := f.svc.Grant(ctx, &model.GrantRequest{Principal: "c", Resource: "r", Action: "read", ExpiresAt: &soon})
	if _, err := f.svc.Suspend(ctx, c.Key, "ops", ""); err != nil {
		t.Fatal(err)
	}

	n, err := f.svc.ExpireDue(ctx, f.now.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expiry, got %d", n)
	}
	for key, want := range map[string]registry.Status{
		a.Key: registry.StatusExpired,
		b.Key: registry.StatusActive,
		c.Key: registry.StatusSuspended,
	} {
		e, _ := f.svc.Get(key)
		if e.Status != want {
			t.Errorf("%s: got %s, want %s", key, e.Status, want)
		}
	}

	f.now = f.now.Add(2 * time.Minute)
	if _, err := f.svc.Restore(ctx, c.Key, "ops", ""); !errors.Is(err, service.ErrInvalidTransition) {
		t.Errorf("restoring a lapsed suspended grant: expected ErrInvalidTransition, got %v", err)
	}

	actions := ledgerActions(t, f.ledger)
	if actions[len(actions)-1] != "expire" {
		t.Errorf("last ledger action: %v", actions)
	}
}

func TestList_filters(t *testing.T) {
	f := newFixture(t)
	a := f.grant(t, "alice", "doc/1", "read")
	f.grant(t, "alice", "doc/2", "read")
	f.grant(t, "bob", "doc/1", "read")
	if _, err := f.svc.Revoke(ctx, a.Key, "ops", ""); err != nil {
		t.Fatal(err)
	}

	if got := f.svc.List(model.Filter{Principal: "alice"}); len(got) != 2 {
		t.Errorf("alice: got %d", len(got))
	}
	if got := f.svc.List(model.Filter{Principal: "alice", Status: "active"}); len(got) != 1 {
		t.Errorf("alice active: got %d", len(got))
	}
	if got := f.svc.List(model.Filter{}); len(got) != 3 || got[0].Key != a.Key {
		t.Errorf("list should return every grant in leaf order")
	}
}

func TestRepositoryFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.repo.failAll = true

	e := f.grant(t, "alice", "doc/1", "read")
	if _, err := f.svc.Suspend(ctx, e.Key, "ops", ""); err != nil {
		t.Fatalf("mutation failed because of repository: %v", err)
	}
	if _, ok := f.repo.get(e.Key); ok {
		t.Error("stub should not have stored anything")
	}

	if err := f.svc.Flush(ctx); err == nil {
		t.Error("Flush should surface the repository error")
	}
	f.repo.failAll = false
	if err := f.svc.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	got, ok := f.repo.get(e.Key)
	if !ok || got.Status != registry.StatusSuspended || got.Revision != 2 {
		t.Errorf("flush did not repair the row: %+v", got)
	}
}

func TestLoadFromRepository(t *testing.T) {
	f := newFixture(t)
	a := f.grant(t, "alice", "doc/1", "read")
	f.grant(t, "bob", "doc/1", "write")
	if _, err := f.svc.Revoke(ctx, a.Key, "ops", ""); err != nil {
		t.Fatal(err)
	}
	root := f.svc.Root()

	restored := service.NewPermissionService(service.NewRegistry(), f.repo, nil, zap.NewNop())
	n, err := restored.LoadFromRepository(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("loaded %d entries, want 2", n)
	}
	if restored.Root() != root {
		t.Errorf("root after reload: got %s, want %s", restored.Root(), root)
	}

	memOnly := service.NewPermissionService(service.NewRegistry(), nil, nil, nil)
	if n, err := memOnly.LoadFromRepository(ctx); n != 0 || err != nil {
		t.Errorf("memory-only load: n=%d err=%v", n, err)
	}
}

func TestGet_notFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Get("nope"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("expected registry.ErrNotFound, got %v", err)
	}
	if _, err := f.svc.Revoke(ctx, "nope", "ops", ""); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("expected registry.ErrNotFound, got %v", err)
	}
}

// ── Ledger roots ───────────────────────────────────────────────────────────

func TestLedgerRecord_rootOfItsOwnMutation(t *testing.T) {
	f := newFixture(t)
	led := newPayloadLedger()
	f.svc = service.NewPermissionService(service.NewRegistry(), f.repo, led, zap.NewNop())
	f.svc.SetClock(func() time.Time { return f.now })

	// Bob's grant commits while Alice's is still being written through.
	var bob service.Entry
	f.repo.beforeUpsert = func() { bob = f.grant(t, "bob", "doc/1", "read") }
	alice := f.grant(t, "alice", "doc/1", "read")

	rc, err := f.svc.Prove(alice.Key)
	if err != nil {
		t.Fatal(err)
	}
	aliceRoot := merkle.Build(merkle.DefaultHasher(), []string{rc.Leaf}).Root()

	if got := led.roots(alice.Key); len(got) != 1 || got[0] != aliceRoot {
		t.Errorf("alice's ledger record root: got %v, want %s", got, aliceRoot)
	}
	if got := led.roots(bob.Key); len(got) != 1 || got[0] != f.svc.Root() {
		t.Errorf("bob's ledger record root: got %v, want %s", got, f.svc.Root())
	}

	// Same for a status change interleaved with another grant.
	f.repo.beforeUpsert = func() { f.grant(t, "carol", "doc/1", "read") }
	before := f.svc.Root()
	if _, err := f.svc.Suspend(ctx, alice.Key, "ops", ""); err != nil {
		t.Fatal(err)
	}
	roots := led.roots(alice.Key)
	if len(roots) != 2 || roots[1] == f.svc.Root() || roots[1] == before {
		t.Errorf("suspend record should carry the root between %s and %s, got %v", before, f.svc.Root(), roots)
	}
}

// ── Status change records ──────────────────────────────────────────────────

func TestRevoke_recordsWhoAndWhy(t *testing.T) {
	f := newFixture(t)
	e := f.grant(t, "alice", "doc/1", "read")
	root := f.svc.Root()

	f.now = f.now.Add(time.Minute)
	got, err := f.svc.Revoke(ctx, e.Key, "sec-team", "credential leaked")
	if err != nil {
		t.Fatal(err)
	}
	rv := got.Value.Revocation
	if rv == nil || rv.Actor != "sec-team" || rv.Reason != "credential leaked" || !rv.At.Equal(f.now) {
		t.Fatalf("revocation not recorded: %+v", rv)
	}
	if got.Value.LastChange == nil || got.Value.LastChange.Status != "revoked" {
		t.Errorf("last change: %+v", got.Value.LastChange)
	}
	if f.svc.Root() == root {
		t.Error("revocation record must change the root")
	}

	// Removal replaces the last change but keeps the revocation.
	removed, err := f.svc.Remove(ctx, e.Key, "janitor", "cleanup")
	if err != nil {
		t.Fatal(err)
	}
	if removed.Value.LastChange.Actor != "janitor" || removed.Value.Revocation.Actor != "sec-team" {
		t.Errorf("after remove: last=%+v revocation=%+v", removed.Value.LastChange, removed.Value.Revocation)
	}

	stored, _ := f.repo.get(e.Key)
	if stored.Value.Revocation == nil || stored.Value.Revocation.Reason != "credential leaked" {
		t.Error("revocation not written through to the repository")
	}
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	exp := f.now.Add(time.Hour)
	active := f.grant(t, "alice", "doc/1", "read")
	revoked := f.grant(t, "bob", "doc/1", "read")
	suspended := f.grant(t, "carol", "doc/1", "read")
	lapsing, err := f.svc.Grant(ctx, &model.GrantRequest{Principal: "dave", Resource: "doc/1", Action: "read", ExpiresAt: &exp})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Revoke(ctx, revoked.Key, "sec", "left the company"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Suspend(ctx, suspended.Key, "ops", "access review"); err != nil {
		t.Fatal(err)
	}
	f.now = exp

	tests := []struct {
		key    string
		valid  bool
		reason string
	}{
		{active.Key, true, "grant is valid"},
		{revoked.Key, false, "left the company"},
		{suspended.Key, false, "suspended by ops"},
		{lapsing.Key, false, "expired at"},
	}
	for _, tt := range tests {
		v, err := f.svc.Validate(tt.key)
		if err != nil {
			t.Fatal(err)
		}
		if v.Valid != tt.valid || !strings.Contains(v.Reason, tt.reason) {
			t.Errorf("%s: got valid=%v reason=%q, want valid=%v reason containing %q", tt.key, v.Valid, v.Reason, tt.valid, tt.reason)
		}
	}

	if _, err := f.svc.Validate("nope"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("expected registry.ErrNotFound, got %v", err)
	}
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	a := f.grant(t, "alice", "doc/1", "read")
	f.grant(t, "alice", "doc/2", "read")
	b := f.grant(t, "bob", "doc/1", "write")
	if _, err := f.svc.Revoke(ctx, a.Key, "ops", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Suspend(ctx, b.Key, "ops", ""); err != nil {
		t.Fatal(err)
	}

	st := f.svc.Statistics()
	if st.EntryCount != 3 || st.RootHash != f.svc.Root() {
		t.Errorf("tree stats: %+v", st.Stats)
	}
	want := map[registry.Status]int{
		registry.StatusActive: 1, registry.StatusRevoked: 1, registry.StatusSuspended: 1,
		registry.StatusExpired: 0, registry.StatusRemoved: 0,
	}
	for status, n := range want {
		if got, ok := st.ByStatus[status]; !ok || got != n {
			t.Errorf("%s: got %d (present=%v), want %d", status, got, ok, n)
		}
	}
	if st.Principals != 2 || st.Resources != 2 {
		t.Errorf("unique principals=%d resources=%d, want 2 and 2", st.Principals, st.Resources)
	}
}

// ── Restore ────────────────────────────────────────────────────────────────

func TestRestore_lapsedGrantIsUnchanged(t *testing.T) {
	f := newFixture(t)
	exp := f.now.Add(time.Minute)
	e, err := f.svc.Grant(ctx, &model.GrantRequest{Principal: "a", Resource: "r", Action: "read", ExpiresAt: &exp})
	if err != nil {
		t.Fatal(err)
	}
	suspended, err := f.svc.Suspend(ctx, e.Key, "ops", "")
	if err != nil {
		t.Fatal(err)
	}
	root := f.svc.Root()
	ledgerLen := len(ledgerActions(t, f.ledger))

	f.now = exp
	if _, err := f.svc.Restore(ctx, e.Key, "ops", ""); !errors.Is(err, service.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := f.svc.Get(e.Key)
	if got.Status != registry.StatusSuspended || got.Revision != suspended.Revision || f.svc.Root() != root {
		t.Errorf("rejected restore changed the grant: %+v", got)
	}
	if n := len(ledgerActions(t, f.ledger)); n != ledgerLen {
		t.Errorf("rejected restore was recorded in the ledger")
	}
}

func TestRestore_concurrentWithRevoke(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		e := f.grant(t, "alice", "doc/1", "read")
		if _, err := f.svc.Suspend(ctx, e.Key, "ops", ""); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); f.svc.Restore(ctx, e.Key, "ops", "") }()
		go func() { defer wg.Done(); f.svc.Revoke(ctx, e.Key, "sec", "") }()
		wg.Wait()

		// Either order ends revoked: a revoke after a restore is legal,
		// a restore after a revoke is not.
		got, _ := f.svc.Get(e.Key)
		if got.Status != registry.StatusRevoked {
			t.Fatalf("run %d: got %s, want revoked", i, got.Status)
		}
	}
}
