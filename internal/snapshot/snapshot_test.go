package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jmerrifield20/veriregistry/internal/registry"
	"github.com/jmerrifield20/veriregistry/internal/registry/repository"
	"github.com/jmerrifield20/veriregistry/pkg/merkle"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubRecorder struct {
	mu    sync.Mutex
	snaps []repository.Snapshot
	err   error
}

func (s *stubRecorder) RecordSnapshot(_ context.Context, snap *repository.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.snaps = append(s.snaps, *snap)
	return nil
}

// tamperedSource corrupts the proof for one key before it is checked.
type tamperedSource struct {
	*registry.VerifiableRegistry[string]
	bad string
}

func (s tamperedSource) GenerateProof(key string) (*merkle.Proof, error) {
	p, err := s.VerifiableRegistry.GenerateProof(key)
	if err == nil && key == s.bad {
		p.LeafDigest = merkle.DefaultHasher().Sum([]byte("forged"))
	}
	return p, err
}

func newStringRegistry(t *testing.T, n int) *registry.VerifiableRegistry[string] {
	t.Helper()
	r := registry.New(func(v string) (string, error) { return v, nil })
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%02d", i)
		if _, err := r.Add(key, "v"+key); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestSample(t *testing.T) {
	if got := sample(0, 4); got != nil {
		t.Errorf("sample(0,4) = %v, want nil", got)
	}
	if got := sample(3, 8); len(got) != 3 {
		t.Errorf("sample(3,8) should return every index, got %v", got)
	}

	got := sample(100, 10)
	if len(got) != 10 {
		t.Fatalf("expected 10 indices, got %d", len(got))
	}
	seen := make(map[int]bool)
	for _, i := range got {
		if i < 0 || i >= 100 || seen[i] {
			t.Fatalf("bad sample %v", got)
		}
		seen[i] = true
	}
}

func TestRunOnce_recordsAndAudits(t *testing.T) {
	reg := newStringRegistry(t, 7)
	if _, err := reg.Remove("k03"); err != nil {
		t.Fatal(err)
	}
	rec := &stubRecorder{}

	s := New(reg, rec, Config{AuditSample: 16}, zap.NewNop())
	var ok, failed int
	s.SetMetricsRecord(func(success bool) {
		if success {
			ok++
		} else {
			failed++
		}
	})
	gauges := make(map[string]float64)
	s.SetGauge(func(status string, n float64) { gauges[status] = n })

	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Audited != 7 || rep.Failures != 0 {
		t.Errorf("unexpected report: %+v", rep)
	}
	if ok != 7 || failed != 0 {
		t.Errorf("metrics: ok=%d failed=%d", ok, failed)
	}
	if gauges["active"] != 6 || gauges["removed"] != 1 {
		t.Errorf("unexpected gauges: %v", gauges)
	}

	if len(rec.snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(rec.snaps))
	}
	snap := rec.snaps[0]
	if snap.RootHash != reg.RootHash() || snap.EntryCount != 7 || snap.Removed != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.Algorithm != merkle.AlgSHA3 {
		t.Errorf("algorithm: got %q", snap.Algorithm)
	}
}

func TestRunOnce_gaugeDropsToZero(t *testing.T) {
	reg := newStringRegistry(t, 3)
	if _, err := reg.SetStatus("k01", registry.StatusSuspended); err != nil {
		t.Fatal(err)
	}
	s := New(reg, nil, Config{}, zap.NewNop())
	gauges := make(map[string]float64)
	s.SetGauge(func(status string, n float64) { gauges[status] = n })

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if gauges["suspended"] != 1 || gauges["active"] != 2 {
		t.Fatalf("unexpected gauges: %v", gauges)
	}

	if _, err := reg.SetStatus("k01", registry.StatusActive); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n, ok := gauges["suspended"]; !ok || n != 0 {
		t.Errorf("suspended gauge: got %v (present=%v), want 0", n, ok)
	}
	if gauges["active"] != 3 {
		t.Errorf("active gauge: got %v, want 3", gauges["active"])
	}
	for _, status := range registry.Statuses() {
		if _, ok := gauges[string(status)]; !ok {
			t.Errorf("no gauge reported for %s", status)
		}
	}
}

func TestRunOnce_reportsTamperedProof(t *testing.T) {
	reg := newStringRegistry(t, 4)
	s := New(tamperedSource{reg, "k02"}, nil, Config{AuditSample: 4}, zap.NewNop())

	rep, err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected audit error")
	}
	if rep.Failures != 1 {
		t.Errorf("expected 1 failure, got %+v", rep)
	}
}

func TestRunOnce_recorderErrorAggregated(t *testing.T) {
	reg := newStringRegistry(t, 2)
	boom := errors.New("db down")
	s := New(reg, &stubRecorder{err: boom}, Config{}, zap.NewNop())

	rep, err := s.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected recorder error, got %v", err)
	}
	if rep.Audited != 2 {
		t.Errorf("audit should still run when recording fails, audited=%d", rep.Audited)
	}
}

func TestRunOnce_emptyRegistry(t *testing.T) {
	reg := newStringRegistry(t, 0)
	rec := &stubRecorder{}
	s := New(reg, rec, Config{}, zap.NewNop())

	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Audited != 0 || len(rec.snaps) != 1 {
		t.Errorf("unexpected: report=%+v snaps=%d", rep, len(rec.snaps))
	}
	if rec.snaps[0].RootHash != merkle.DefaultHasher().Sum([]byte(merkle.EmptyTreeSentinel)) {
		t.Errorf("empty registry should record the sentinel root")
	}
}
