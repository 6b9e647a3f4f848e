package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/veriregistry/internal/registry"
	"github.com/jmerrifield20/veriregistry/internal/registry/model"
)

// ErrNotFound is returned when a row is not found in the database.
var ErrNotFound = errors.New("not found")

// Entry is a persisted permission grant.
type Entry = registry.Entry[model.Permission]

const entryCols = `key, leaf_index, status, revision, id, principal, resource, action,
	granted_by, reason, expires_at, metadata, last_change, revocation, created_at, updated_at`

const upsertEntry = `
	INSERT INTO permission_entries (` + entryCols + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (key) DO UPDATE SET
		status     = EXCLUDED.status,
		revision   = EXCLUDED.revision,
		principal  = EXCLUDED.principal,
		resource   = EXCLUDED.resource,
		action     = EXCLUDED.action,
		granted_by = EXCLUDED.granted_by,
		reason     = EXCLUDED.reason,
		expires_at = EXCLUDED.expires_at,
		metadata    = EXCLUDED.metadata,
		last_change = EXCLUDED.last_change,
		revocation  = EXCLUDED.revocation,
		updated_at  = EXCLUDED.updated_at
	WHERE permission_entries.revision < EXCLUDED.revision`

// PermissionRepository stores registry entries for permission grants in
// PostgreSQL. Rows are keyed by registry key and carry their leaf index so
// the registry can be rebuilt in the original order.
type PermissionRepository struct {
	db *pgxpool.Pool
}

// NewPermissionRepository creates a new PermissionRepository.
func NewPermissionRepository(db *pgxpool.Pool) *PermissionRepository {
	return &PermissionRepository{db: db}
}

func upsertArgs(e Entry) ([]any, error) {
	meta := e.Value.Metadata
	if meta == nil {
		meta = model.PermissionMeta{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	lastJSON, err := changeJSON(e.Value.LastChange)
	if err != nil {
		return nil, fmt.Errorf("marshal last change: %w", err)
	}
	revJSON, err := changeJSON(e.Value.Revocation)
	if err != nil {
		return nil, fmt.Errorf("marshal revocation: %w", err)
	}
	return []any{
		e.Key, e.Index, string(e.Status), int64(e.Revision),
		e.Value.ID, e.Value.Principal, e.Value.Resource, e.Value.Action,
		e.Value.GrantedBy, e.Value.Reason, e.Value.ExpiresAt, metaJSON,
		lastJSON, revJSON, e.CreatedAt, e.UpdatedAt,
	}, nil
}

// changeJSON encodes a status change for a nullable JSONB column.
func changeJSON(c *model.StatusChange) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

func scanChange(data []byte) (*model.StatusChange, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var c model.StatusChange
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.At = c.At.UTC()
	return &c, nil
}

// Upsert inserts or updates one entry. An update only applies when it
// carries a newer revision, so out-of-order writes cannot roll a row back.
func (r *PermissionRepository) Upsert(ctx context.Context, e Entry) error {
	args, err := upsertArgs(e)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, upsertEntry, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", e.Key, err)
	}
	return nil
}

// UpsertBatch writes many entries in a single round trip.
func (r *PermissionRepository) UpsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		args, err := upsertArgs(e)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Key, err)
		}
		batch.Queue(upsertEntry, args...)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for _, e := range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch upsert %s: %w", e.Key, err)
		}
	}
	return br.Close()
}

// LoadAll returns every entry in leaf order.
func (r *PermissionRepository) LoadAll(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+entryCols+` FROM permission_entries ORDER BY leaf_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the entry stored under key.
func (r *PermissionRepository) Get(ctx context.Context, key string) (Entry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx, `SELECT `+entryCols+` FROM permission_entries WHERE key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e        Entry
		status   string
		revision int64
		metaJSON []byte
		lastJSON []byte
		revJSON  []byte
	)
	if err := row.Scan(
		&e.Key, &e.Index, &status, &revision,
		&e.Value.ID, &e.Value.Principal, &e.Value.Resource, &e.Value.Action,
		&e.Value.GrantedBy, &e.Value.Reason, &e.Value.ExpiresAt, &metaJSON,
		&lastJSON, &revJSON, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	e.Status = registry.Status(status)
	e.Revision = uint64(revision)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Value.Metadata); err != nil {
			return Entry{}, fmt.Errorf("unmarshal metadata for %s: %w", e.Key, err)
		}
		if len(e.Value.Metadata) == 0 {
			e.Value.Metadata = nil
		}
	}
	var err error
	if e.Value.LastChange, err = scanChange(lastJSON); err != nil {
		return Entry{}, fmt.Errorf("unmarshal last change for %s: %w", e.Key, err)
	}
	if e.Value.Revocation, err = scanChange(revJSON); err != nil {
		return Entry{}, fmt.Errorf("unmarshal revocation for %s: %w", e.Key, err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.Value.ExpiresAt != nil {
		t := e.Value.ExpiresAt.UTC()
		e.Value.ExpiresAt = &t
	}
	return e, nil
}

// Snapshot is one recorded root of the registry tree.
type Snapshot struct {
	ID         int64     `json:"id"`
	RootHash   string    `json:"root_hash"`
	EntryCount int       `json:"entry_count"`
	Removed    int       `json:"removed"`
	TreeHeight int       `json:"tree_height"`
	Algorithm  string    `json:"algorithm"`
	TakenAt    time.Time `json:"taken_at"`
}

// RecordSnapshot appends a root snapshot and fills in its ID.
func (r *PermissionRepository) RecordSnapshot(ctx context.Context, s *Snapshot) error {
	if s.TakenAt.IsZero() {
		s.TakenAt = time.Now().UTC()
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO registry_snapshots (root_hash, entry_count, removed, tree_height, algorithm, taken_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		s.RootHash, s.EntryCount, s.Removed, s.TreeHeight, s.Algorithm, s.TakenAt,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot, or ErrNotFound.
func (r *PermissionRepository) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	s := &Snapshot{}
	err := r.db.QueryRow(ctx,
		`SELECT id, root_hash, entry_count, removed, tree_height, algorithm, taken_at
		 FROM registry_snapshots ORDER BY taken_at DESC, id DESC LIMIT 1`,
	).Scan(&s.ID, &s.RootHash, &s.EntryCount, &s.Removed, &s.TreeHeight, &s.Algorithm, &s.TakenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	s.TakenAt = s.TakenAt.UTC()
	return s, nil
}
