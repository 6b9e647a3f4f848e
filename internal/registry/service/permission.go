package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/veriregistry/internal/registry"
	"github.com/jmerrifield20/veriregistry/internal/registry/model"
	"github.com/jmerrifield20/veriregistry/internal/trustledger"
	"github.com/jmerrifield20/veriregistry/pkg/merkle"
	"go.uber.org/zap"
)

// ErrInvalidTransition is returned when a grant cannot move from its
// current status to the requested one. Handlers map it to HTTP 409.
var ErrInvalidTransition = errors.New("invalid status transition")

// Entry is a permission grant as stored in the registry.
type Entry = registry.Entry[model.Permission]

// Receipt is a grant together with its leaf payload and inclusion proof.
type Receipt = registry.Receipt[model.Permission]

// SystemActor is recorded as the actor of mutations the service makes on
// its own, such as expiry sweeps.
const SystemActor = "registry-system"

var transitions = map[registry.Status][]registry.Status{
	registry.StatusActive:    {registry.StatusSuspended, registry.StatusRevoked, registry.StatusExpired, registry.StatusRemoved},
	registry.StatusSuspended: {registry.StatusActive, registry.StatusRevoked, registry.StatusRemoved},
	registry.StatusExpired:   {registry.StatusRemoved},
	registry.StatusRevoked:   {registry.StatusRemoved},
}

// CanTransition reports whether a grant may move from one status to another.
func CanTransition(from, to registry.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// permissionRepo is the persistence interface for the permission service.
// *repository.PermissionRepository satisfies this interface.
type permissionRepo interface {
	LoadAll(ctx context.Context) ([]Entry, error)
	Upsert(ctx context.Context, e Entry) error
	UpsertBatch(ctx context.Context, entries []Entry) error
}

// NewRegistry returns a registry configured for permission grants.
func NewRegistry(opts ...registry.Option[model.Permission]) *registry.VerifiableRegistry[model.Permission] {
	base := []registry.Option[model.Permission]{registry.WithCloner(model.ClonePermission)}
	return registry.New(model.SerializePermission, append(base, opts...)...)
}

// PermissionService adds grant lifecycle rules on top of the registry.
// The registry is authoritative; ledger and repository writes are
// best-effort and never fail a mutation.
type PermissionService struct {
	reg    *registry.VerifiableRegistry[model.Permission]
	repo   permissionRepo     // nil = memory only
	ledger trustledger.Ledger // nil = no ledger writes
	now    func() time.Time
	logger *zap.Logger

	// grantMu makes the duplicate check and the add in Grant atomic.
	grantMu sync.Mutex
}

// NewPermissionService creates a new PermissionService.
// repo and ledger may each be nil to disable that feature.
func NewPermissionService(reg *registry.VerifiableRegistry[model.Permission], repo permissionRepo, ledger trustledger.Ledger, logger *zap.Logger) *PermissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PermissionService{
		reg:    reg,
		repo:   repo,
		ledger: ledger,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetClock overrides the clock used for expiry decisions.
func (s *PermissionService) SetClock(now func() time.Time) {
	s.now = now
}

// Registry exposes the underlying registry for read-only collaborators
// such as the snapshotter.
func (s *PermissionService) Registry() *registry.VerifiableRegistry[model.Permission] {
	return s.reg
}

// appendLedger records a registry mutation in the audit ledger. Failures are logged.
func (s *PermissionService) appendLedger(ctx context.Context, key, action, actor string, payload any) {
	if s.ledger == nil {
		return
	}
	if _, err := s.ledger.Append(ctx, key, action, actor, payload); err != nil {
		s.logger.Error("ledger append failed (non-fatal)",
			zap.String("action", action),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// persist writes one entry through to the repository. Failures are logged.
func (s *PermissionService) persist(ctx context.Context, e Entry) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Upsert(ctx, e); err != nil {
		s.logger.Error("repository write-through failed (non-fatal)",
			zap.String("key", e.Key),
			zap.Uint64("revision", e.Revision),
			zap.Error(err),
		)
	}
}

type ledgerRecord struct {
	Status   registry.Status `json:"status"`
	Revision uint64          `json:"revision"`
	Root     string          `json:"root"`
	Reason   string          `json:"reason,omitempty"`
}

// record persists a committed mutation and appends it to the ledger with
// the root the mutation itself produced.
func (s *PermissionService) record(ctx context.Context, c registry.Commit[model.Permission], action, actor, reason string) {
	s.persist(ctx, c.Entry)
	s.appendLedger(ctx, c.Entry.Key, action, actor, ledgerRecord{
		Status:   c.Entry.Status,
		Revision: c.Entry.Revision,
		Root:     c.Root,
		Reason:   reason,
	})
}

// Grant validates req and commits a new active grant. A second live grant
// (active or suspended) for the same principal, resource and action is
// rejected with *model.ErrValidation.
func (s *PermissionService) Grant(ctx context.Context, req *model.GrantRequest) (Entry, error) {
	req.Normalize()
	now := s.now()
	if err := req.Validate(now); err != nil {
		return Entry{}, err
	}

	perm := model.Permission{
		ID:        uuid.New(),
		Principal: req.Principal,
		Resource:  req.Resource,
		Action:    req.Action,
		GrantedBy: req.GrantedBy,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
		Metadata:  req.Metadata,
	}

	s.grantMu.Lock()
	live := s.reg.Query(func(e Entry) bool {
		return isLive(e.Status) &&
			e.Value.Principal == perm.Principal &&
			e.Value.Resource == perm.Resource &&
			e.Value.Action == perm.Action &&
			!e.Value.ExpiredAt(now)
	})
	if len(live) > 0 {
		s.grantMu.Unlock()
		return Entry{}, &model.ErrValidation{Msg: fmt.Sprintf("grant %s already covers %s/%s/%s", live[0].Key, perm.Principal, perm.Resource, perm.Action)}
	}
	c, err := s.reg.AddCommit(perm.Key(), perm)
	s.grantMu.Unlock()
	if err != nil {
		return Entry{}, fmt.Errorf("add grant: %w", err)
	}
	e := c.Entry

	s.logger.Info("permission granted",
		zap.String("key", e.Key),
		zap.String("principal", perm.Principal),
		zap.String("resource", perm.Resource),
		zap.String("action", perm.Action),
	)
	s.record(ctx, c, "grant", req.GrantedBy, req.Reason)
	return e, nil
}

func isLive(st registry.Status) bool {
	return st == registry.StatusActive || st == registry.StatusSuspended
}

// Get returns the grant stored under key.
func (s *PermissionService) Get(key string) (Entry, error) {
	return s.reg.Get(key)
}

// Revoke permanently withdraws a grant. The revoking actor, reason and
// time stay on the committed grant.
func (s *PermissionService) Revoke(ctx context.Context, key, actor, reason string) (Entry, error) {
	return s.transition(ctx, key, registry.StatusRevoked, "revoke", actor, reason, nil)
}

// Suspend temporarily disables an active grant.
func (s *PermissionService) Suspend(ctx context.Context, key, actor, reason string) (Entry, error) {
	return s.transition(ctx, key, registry.StatusSuspended, "suspend", actor, reason, nil)
}

// Restore reactivates a suspended grant. A grant whose expiry has passed
// while suspended is not restored.
func (s *PermissionService) Restore(ctx context.Context, key, actor, reason string) (Entry, error) {
	return s.transition(ctx, key, registry.StatusActive, "restore", actor, reason, func(e *Entry, now time.Time) error {
		if e.Value.ExpiredAt(now) {
			return fmt.Errorf("%w: grant %s expired at %s", ErrInvalidTransition, key, e.Value.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	})
}

// Remove tombstones a grant. Its leaf slot stays in the tree.
func (s *PermissionService) Remove(ctx context.Context, key, actor, reason string) (Entry, error) {
	return s.transition(ctx, key, registry.StatusRemoved, "remove", actor, reason, nil)
}

// transition moves key to status to. guard, if set, runs under the
// registry lock after the transition table check.
func (s *PermissionService) transition(ctx context.Context, key string, to registry.Status, action, actor, reason string, guard func(*Entry, time.Time) error) (Entry, error) {
	c, err := s.reg.ModifyCommit(key, func(e *Entry) error {
		if !CanTransition(e.Status, to) {
			return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, key, e.Status, to)
		}
		now := s.now()
		if guard != nil {
			if err := guard(e, now); err != nil {
				return err
			}
		}
		change := model.NewStatusChange(string(to), actor, reason, now)
		e.Status = to
		e.Value.LastChange = change
		if to == registry.StatusRevoked {
			rc := *change
			e.Value.Revocation = &rc
		}
		return nil
	})
	if errors.Is(err, registry.ErrRemoved) {
		return Entry{}, fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, key, registry.StatusRemoved, to)
	}
	if err != nil {
		return Entry{}, err
	}

	e := c.Entry
	s.logger.Info("permission status changed",
		zap.String("key", key),
		zap.String("status", string(to)),
		zap.String("actor", actor),
		zap.Uint64("revision", e.Revision),
	)
	s.record(ctx, c, action, actor, reason)
	return e, nil
}

// ExpireDue moves every active grant whose expiry is at or before now to
// expired and returns how many were changed.
func (s *PermissionService) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due := s.reg.Query(func(e Entry) bool {
		return e.Status == registry.StatusActive && e.Value.ExpiredAt(now)
	})

	n := 0
	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := s.transition(ctx, e.Key, registry.StatusExpired, "expire", SystemActor, "", nil); err != nil {
			// Raced with an operator mutation; the grant is no longer active.
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return n, fmt.Errorf("expire %s: %w", e.Key, err)
		}
		n++
	}
	return n, nil
}

// Check reports whether principal may perform action on resource, and if
// so returns the grant that allows it.
func (s *PermissionService) Check(principal, resource, action string) (Entry, bool) {
	now := s.now()
	matches := s.reg.Query(func(e Entry) bool {
		return e.Status == registry.StatusActive &&
			e.Value.Covers(principal, resource, action) &&
			!e.Value.ExpiredAt(now)
	})
	if len(matches) == 0 {
		return Entry{}, false
	}
	return matches[0], true
}

// Validity is the answer to whether one grant currently confers access,
// with a reason a person can read.
type Validity struct {
	Key      string          `json:"key"`
	Valid    bool            `json:"valid"`
	Status   registry.Status `json:"status"`
	Revision uint64          `json:"revision"`
	Reason   string          `json:"reason"`
}

// Validate reports whether the grant stored under key is in force now.
// An active grant past its expiry is not valid even before the expiry
// sweep has moved it.
func (s *PermissionService) Validate(key string) (Validity, error) {
	e, err := s.reg.Get(key)
	if err != nil {
		return Validity{}, err
	}
	now := s.now()
	v := Validity{Key: e.Key, Status: e.Status, Revision: e.Revision}

	switch e.Status {
	case registry.StatusActive:
		if e.Value.ExpiredAt(now) {
			v.Reason = "grant expired at " + e.Value.ExpiresAt.Format(time.RFC3339)
		} else {
			v.Valid = true
			v.Reason = "grant is valid"
		}
	case registry.StatusRevoked:
		v.Reason = describeChange("grant has been revoked", e.Value.Revocation)
	case registry.StatusSuspended:
		v.Reason = describeChange("grant is suspended", e.Value.LastChange)
	case registry.StatusExpired:
		if e.Value.ExpiresAt != nil {
			v.Reason = "grant expired at " + e.Value.ExpiresAt.Format(time.RFC3339)
		} else {
			v.Reason = "grant has expired"
		}
	case registry.StatusRemoved:
		v.Reason = describeChange("grant has been removed", e.Value.LastChange)
	default:
		v.Reason = "grant is " + string(e.Status)
	}
	return v, nil
}

func describeChange(prefix string, c *model.StatusChange) string {
	if c == nil {
		return prefix
	}
	msg := fmt.Sprintf("%s by %s at %s", prefix, c.Actor, c.At.Format(time.RFC3339))
	if c.Reason != "" {
		msg += ": " + c.Reason
	}
	return msg
}

// Statistics summarizes the registry contents.
type Statistics struct {
	registry.Stats
	ByStatus   map[registry.Status]int `json:"by_status"`
	Principals int                     `json:"unique_principals"`
	Resources  int                     `json:"unique_resources"`
}

// Statistics counts grants by status, and distinct principals and
// resources over every leaf slot, all from one tree state.
func (s *PermissionService) Statistics() Statistics {
	snap := s.reg.Snapshot()
	st := Statistics{
		Stats:    snap.Stats,
		ByStatus: make(map[registry.Status]int),
	}
	for _, status := range registry.Statuses() {
		st.ByStatus[status] = 0
	}
	principals := make(map[string]struct{})
	resources := make(map[string]struct{})
	for _, e := range snap.Entries {
		st.ByStatus[e.Status]++
		principals[e.Value.Principal] = struct{}{}
		resources[e.Value.Resource] = struct{}{}
	}
	st.Principals = len(principals)
	st.Resources = len(resources)
	return st
}

// List returns the grants matching f in leaf order.
func (s *PermissionService) List(f model.Filter) []Entry {
	return s.reg.Query(func(e Entry) bool {
		return f.Match(e.Value, string(e.Status))
	})
}

// Prove returns a grant with its leaf payload and inclusion proof.
func (s *PermissionService) Prove(key string) (Receipt, error) {
	return s.reg.Prove(key)
}

// VerifyProof checks p against the current root.
func (s *PermissionService) VerifyProof(p *merkle.Proof) merkle.Result {
	return s.reg.Check(p)
}

// VerifyAgainst checks p against a root obtained out of band, without
// consulting the live tree.
func (s *PermissionService) VerifyAgainst(p *merkle.Proof, trustedRoot string) merkle.Result {
	return merkle.VerifyAgainstRoot(s.reg.Hasher(), p, trustedRoot)
}

// Root returns the current root digest.
func (s *PermissionService) Root() string { return s.reg.RootHash() }

// Stats returns the current tree statistics.
func (s *PermissionService) Stats() registry.Stats { return s.reg.Stats() }

// LoadFromRepository replaces the registry contents with the persisted
// grants, in leaf order, and returns how many were loaded.
func (s *PermissionService) LoadFromRepository(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	entries, err := s.repo.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load grants: %w", err)
	}
	if err := s.reg.Load(entries); err != nil {
		return 0, err
	}
	st := s.reg.Stats()
	s.logger.Info("registry restored from repository",
		zap.Int("entries", st.EntryCount),
		zap.String("root", st.RootHash),
	)
	return len(entries), nil
}

// Flush writes every entry to the repository in one batch. It repairs
// rows missed by failed write-throughs.
func (s *PermissionService) Flush(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	snap := s.reg.Snapshot()
	if err := s.repo.UpsertBatch(ctx, snap.Entries); err != nil {
		return fmt.Errorf("flush %d grants: %w", len(snap.Entries), err)
	}
	return nil
}
