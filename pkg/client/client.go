package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jmerrifield20/veriregistry/pkg/merkle"
	"github.com/sethvargo/go-retry"
)

// maxBody bounds response bodies read by the client.
const maxBody = 4 << 20

var (
	// ErrNotFound is returned when the registry has no such permission.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict is returned when a status transition is not allowed.
	ErrConflict = errors.New("conflict")
)

// APIError is a non-2xx response from the registry.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry error %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// Permission is a grant as returned by the registry.
type Permission struct {
	ID        string            `json:"id"`
	Principal string            `json:"principal"`
	Resource  string            `json:"resource"`
	Action    string            `json:"action"`
	GrantedBy string            `json:"granted_by"`
	Reason    string            `json:"reason,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	LastChange *StatusChange `json:"last_change,omitempty"`
	Revocation *StatusChange `json:"revocation,omitempty"`
}

// StatusChange records who moved a grant into a status, when and why.
type StatusChange struct {
	Status string    `json:"status"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Entry is a committed permission with its leaf position and lifecycle state.
type Entry struct {
	Key       string     `json:"key"`
	Value     Permission `json:"value"`
	Index     int        `json:"index"`
	Status    string     `json:"status"`
	Revision  uint64     `json:"revision"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Receipt binds an entry to the exact leaf payload and proof the registry
// committed for it.
type Receipt struct {
	Entry Entry         `json:"entry"`
	Leaf  string        `json:"leaf"`
	Proof *merkle.Proof `json:"proof"`
}

// Stats describes the registry's current tree.
type Stats struct {
	RootHash   string `json:"root_hash"`
	EntryCount int    `json:"entry_count"`
	Removed    int    `json:"removed"`
	TreeHeight int    `json:"tree_height"`
	Algorithm  string `json:"algorithm"`
}

// Statistics adds per-status counts and distinct principals and resources
// to Stats.
type Statistics struct {
	Stats
	ByStatus   map[string]int `json:"by_status"`
	Principals int            `json:"unique_principals"`
	Resources  int            `json:"unique_resources"`
}

// Validity says whether a grant is in force and why.
type Validity struct {
	Key      string `json:"key"`
	Valid    bool   `json:"valid"`
	Status   string `json:"status"`
	Revision uint64 `json:"revision"`
	Reason   string `json:"reason"`
}

// GrantRequest is the payload for Grant.
type GrantRequest struct {
	Principal string            `json:"principal"`
	Resource  string            `json:"resource"`
	Action    string            `json:"action"`
	Reason    string            `json:"reason,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Principal string
	Resource  string
	Action    string
	Status    string
}

// VerifyResult is the registry's answer to VerifyRemote.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Result string `json:"result"`
	Root   string `json:"root"`
}

// Client is the veriregistry SDK entry point.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
	retries     uint64
	backoffBase time.Duration
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an operator token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithRetries retries reads up to n times with exponential backoff starting
// at base. Only transport errors and 5xx responses are retried.
func WithRetries(n uint64, base time.Duration) Option {
	return func(c *Client) error {
		if base <= 0 {
			return fmt.Errorf("retry backoff must be positive, got %s", base)
		}
		c.retries = n
		c.backoffBase = base
		return nil
	}
}

// New creates a new Client for the registry at baseURL.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(token),
//	    client.WithRetries(3, 100*time.Millisecond),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		backoffBase: 100 * time.Millisecond,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Grant creates a new permission grant.
func (c *Client) Grant(ctx context.Context, req GrantRequest) (*Entry, error) {
	var e Entry
	if err := c.send(ctx, http.MethodPost, "/permissions", req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Get fetches a permission by key.
func (c *Client) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	if err := c.read(ctx, "/permissions/"+url.PathEscape(key), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate asks whether the grant stored under key is in force now.
func (c *Client) Validate(ctx context.Context, key string) (*Validity, error) {
	var v Validity
	if err := c.read(ctx, "/permissions/"+url.PathEscape(key)+"/validity", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// List returns the permissions matching f, in leaf order.
func (c *Client) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"principal": f.Principal,
		"resource":  f.Resource,
		"action":    f.Action,
		"status":    f.Status,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	path := "/permissions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Permissions []Entry `json:"permissions"`
	}
	if err := c.read(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Permissions, nil
}

// Revoke permanently revokes a grant.
func (c *Client) Revoke(ctx context.Context, key, reason string) (*Entry, error) {
	return c.transition(ctx, http.MethodPost, key, "/revoke", reason)
}

// Suspend temporarily suspends a grant.
func (c *Client) Suspend(ctx context.Context, key, reason string) (*Entry, error) {
	return c.transition(ctx, http.MethodPost, key, "/suspend", reason)
}

// Restore reactivates a suspended grant.
func (c *Client) Restore(ctx context.Context, key, reason string) (*Entry, error) {
	return c.transition(ctx, http.MethodPost, key, "/restore", reason)
}

// Remove tombstones a grant. Its leaf slot is kept.
func (c *Client) Remove(ctx context.Context, key, reason string) (*Entry, error) {
	return c.transition(ctx, http.MethodDelete, key, "", reason)
}

func (c *Client) transition(ctx context.Context, method, key, suffix, reason string) (*Entry, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var e Entry
	if err := c.send(ctx, method, "/permissions/"+url.PathEscape(key)+suffix, body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Proof fetches the receipt (entry, leaf payload and proof) for key.
func (c *Client) Proof(ctx context.Context, key string) (*Receipt, error) {
	var rc Receipt
	if err := c.read(ctx, "/permissions/"+url.PathEscape(key)+"/proof", &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

// ProofCBOR fetches the bare proof for key in its CBOR encoding. The raw
// bytes are returned alongside the decoded proof.
func (c *Client) ProofCBOR(ctx context.Context, key string) (*merkle.Proof, []byte, error) {
	var raw []byte
	err := c.withRetry(ctx, c.retries, func(ctx context.Context) error {
		var err error
		raw, err = c.do(ctx, http.MethodGet, "/permissions/"+url.PathEscape(key)+"/proof?format=cbor", nil, "application/cbor")
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	p, err := merkle.DecodeCBOR(raw)
	if err != nil {
		return nil, nil, err
	}
	return p, raw, nil
}

// Root returns the registry's current root and tree stats.
func (c *Client) Root(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.read(ctx, "/registry/root", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Statistics returns grant counts by status alongside the tree stats.
func (c *Client) Statistics(ctx context.Context) (*Statistics, error) {
	var s Statistics
	if err := c.read(ctx, "/registry/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// VerifyRemote asks the registry to check p. With an empty trustedRoot the
// registry checks against its live root.
func (c *Client) VerifyRemote(ctx context.Context, p *merkle.Proof, trustedRoot string) (*VerifyResult, error) {
	body := map[string]any{"proof": p}
	if trustedRoot != "" {
		body["trusted_root"] = trustedRoot
	}
	var res VerifyResult
	if err := c.send(ctx, http.MethodPost, "/proofs/verify", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// VerifyOffline checks p against trustedRoot without contacting the
// registry. algorithm selects the hasher; empty means the proof's own
// label, falling back to the default.
func VerifyOffline(p *merkle.Proof, trustedRoot, algorithm string) (merkle.Result, error) {
	if algorithm == "" && p != nil {
		algorithm = p.Algorithm
	}
	h := merkle.DefaultHasher()
	if algorithm != "" {
		var err error
		if h, err = merkle.NewHasher(algorithm); err != nil {
			return merkle.Malformed, err
		}
	}
	return merkle.VerifyAgainstRoot(h, p, trustedRoot), nil
}

// read performs an idempotent GET, retried per WithRetries.
func (c *Client) read(ctx context.Context, path string, out any) error {
	return c.withRetry(ctx, c.retries, func(ctx context.Context) error {
		body, err := c.do(ctx, http.MethodGet, path, nil, "application/json")
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

// send performs a mutating request exactly once.
func (c *Client) send(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	return c.withRetry(ctx, 0, func(ctx context.Context) error {
		body, err := c.do(ctx, method, path, payload, "application/json")
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

// withRetry runs fn through retry.Do so that the retryable marker added by
// do is always stripped, even when no retries are allowed.
func (c *Client) withRetry(ctx context.Context, retries uint64, fn retry.RetryFunc) error {
	b, err := retry.NewExponential(c.backoffBase)
	if err != nil {
		return fmt.Errorf("build backoff: %w", err)
	}
	return retry.Do(ctx, retry.WithMaxRetries(retries, b), fn)
}

// do executes one HTTP request, attaching the bearer token if present.
// Transport errors and 5xx responses come back wrapped in
// retry.RetryableError.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, accept string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
		if resp.StatusCode >= 500 {
			return nil, retry.RetryableError(apiErr)
		}
		return nil, apiErr
	}
	return data, nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return string(body)
}
