package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WildcardAction in a grant matches any requested action.
const WildcardAction = "*"

// PermissionMeta holds extensible key-value metadata for a grant.
type PermissionMeta map[string]string

// Permission is one grant of an action on a resource to a principal. It is
// the value committed to the registry; lifecycle status lives on the
// registry entry, not here.
type Permission struct {
	ID        uuid.UUID      `json:"id"                   db:"id"`
	Principal string         `json:"principal"            db:"principal"`
	Resource  string         `json:"resource"             db:"resource"`
	Action    string         `json:"action"               db:"action"`
	GrantedBy string         `json:"granted_by"           db:"granted_by"`
	Reason    string         `json:"reason,omitempty"     db:"reason"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	Metadata  PermissionMeta `json:"metadata,omitempty"   db:"metadata"`

	// LastChange records the most recent status change. Revocation keeps
	// the revoking change after the grant moves on, e.g. to removed.
	LastChange *StatusChange `json:"last_change,omitempty" db:"last_change"`
	Revocation *StatusChange `json:"revocation,omitempty"  db:"revocation"`
}

// StatusChange is who moved a grant into a status, when and why. It is
// part of the committed value, so it is covered by the grant's leaf digest.
type StatusChange struct {
	Status string    `json:"status"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// NewStatusChange returns a change record with At in UTC at whole-second
// precision, which survives a database round trip unchanged.
func NewStatusChange(status, actor, reason string, at time.Time) *StatusChange {
	return &StatusChange{Status: status, Actor: actor, Reason: reason, At: at.UTC().Truncate(time.Second)}
}

// Key is the registry key of the grant.
func (p Permission) Key() string { return p.ID.String() }

// Covers reports whether the grant applies to the requested triple.
func (p Permission) Covers(principal, resource, action string) bool {
	return p.Principal == principal &&
		p.Resource == resource &&
		(p.Action == action || p.Action == WildcardAction)
}

// ExpiredAt reports whether the grant has passed its expiry at now.
func (p Permission) ExpiredAt(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// SerializePermission is the canonical leaf encoding of a grant: JSON with
// struct fields in declaration order and map keys sorted, times in UTC.
func SerializePermission(p Permission) (string, error) {
	if p.ExpiresAt != nil {
		t := p.ExpiresAt.UTC()
		p.ExpiresAt = &t
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal permission %s: %w", p.ID, err)
	}
	return string(b), nil
}

// ClonePermission returns a deep copy of p.
func ClonePermission(p Permission) Permission {
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		p.ExpiresAt = &t
	}
	p.Metadata = maps.Clone(p.Metadata)
	if p.LastChange != nil {
		c := *p.LastChange
		p.LastChange = &c
	}
	if p.Revocation != nil {
		c := *p.Revocation
		p.Revocation = &c
	}
	return p
}

// GrantRequest is the payload for creating a new grant.
type GrantRequest struct {
	Principal string         `json:"principal" binding:"required"`
	Resource  string         `json:"resource"  binding:"required"`
	Action    string         `json:"action"    binding:"required"`
	Reason    string         `json:"reason"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Metadata  PermissionMeta `json:"metadata"`
	// GrantedBy is set by the handler from the operator token; not from the client body.
	GrantedBy string `json:"-"`
}

// Normalize trims the identifying fields and moves ExpiresAt to UTC at
// whole-second precision, which survives a database round trip unchanged.
func (r *GrantRequest) Normalize() {
	r.Principal = strings.TrimSpace(r.Principal)
	r.Resource = strings.TrimSpace(r.Resource)
	r.Action = strings.TrimSpace(r.Action)
	if r.ExpiresAt != nil {
		t := r.ExpiresAt.UTC().Truncate(time.Second)
		r.ExpiresAt = &t
	}
}

// Validate checks a normalized request against now.
func (r *GrantRequest) Validate(now time.Time) error {
	switch {
	case r.Principal == "":
		return &ErrValidation{Msg: "principal is required"}
	case r.Resource == "":
		return &ErrValidation{Msg: "resource is required"}
	case r.Action == "":
		return &ErrValidation{Msg: "action is required"}
	case strings.ContainsAny(r.Principal+r.Resource+r.Action, "\x1f\n"):
		return &ErrValidation{Msg: "principal, resource and action must not contain control characters"}
	case r.ExpiresAt != nil && !r.ExpiresAt.After(now):
		return &ErrValidation{Msg: "expires_at must be in the future"}
	}
	return nil
}

// StatusRequest is the optional body of revoke/suspend/restore/remove calls.
type StatusRequest struct {
	Reason string `json:"reason"`
}

// Filter selects grants in List. Empty fields match everything.
type Filter struct {
	Principal string `form:"principal"`
	Resource  string `form:"resource"`
	Action    string `form:"action"`
	Status    string `form:"status"`
}

// Match reports whether a grant in the given status passes the filter.
func (f Filter) Match(p Permission, status string) bool {
	return (f.Principal == "" || f.Principal == p.Principal) &&
		(f.Resource == "" || f.Resource == p.Resource) &&
		(f.Action == "" || f.Action == p.Action) &&
		(f.Status == "" || f.Status == status)
}
