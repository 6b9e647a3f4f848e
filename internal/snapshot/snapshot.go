// Package snapshot periodically records the registry root and audits a
// sample of inclusion proofs against the live tree.
package snapshot

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/jmerrifield20/veriregistry/internal/registry"
	"github.com/jmerrifield20/veriregistry/internal/registry/repository"
	"github.com/jmerrifield20/veriregistry/pkg/merkle"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds snapshot loop configuration.
type Config struct {
	Interval    time.Duration
	AuditSample int
	Concurrency int
}

// Source is the part of the registry the snapshotter reads.
type Source interface {
	Stats() registry.Stats
	StatusCounts() map[registry.Status]int
	Len() int
	KeyAt(index int) (string, error)
	GenerateProof(key string) (*merkle.Proof, error)
	Check(p *merkle.Proof) merkle.Result
}

// Recorder persists root snapshots. repository.PermissionRepository
// implements it.
type Recorder interface {
	RecordSnapshot(ctx context.Context, s *repository.Snapshot) error
}

// MetricsRecordFunc is an optional callback for recording audit results.
type MetricsRecordFunc func(success bool)

// GaugeFunc is an optional callback receiving per-status entry counts.
type GaugeFunc func(status string, count float64)

// Report summarizes one run.
type Report struct {
	Stats    registry.Stats
	Audited  int
	Stale    int
	Failures int
}

// Snapshotter records root snapshots and self-audits proofs.
type Snapshotter struct {
	src       Source
	recorder  Recorder // nil in memory mode
	cfg       Config
	onMetrics MetricsRecordFunc
	onGauge   GaugeFunc
	logger    *zap.Logger
}

// New creates a new Snapshotter. recorder may be nil.
func New(src Source, recorder Recorder, cfg Config, logger *zap.Logger) *Snapshotter {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.AuditSample == 0 {
		cfg.AuditSample = 16
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{src: src, recorder: recorder, cfg: cfg, logger: logger}
}

// SetMetricsRecord configures the audit metrics callback.
func (s *Snapshotter) SetMetricsRecord(fn MetricsRecordFunc) {
	s.onMetrics = fn
}

// SetGauge configures the per-status gauge callback.
func (s *Snapshotter) SetGauge(fn GaugeFunc) {
	s.onGauge = fn
}

// Start runs the snapshot loop until quit is signalled.
func (s *Snapshotter) Start(quit <-chan os.Signal) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("snapshot: run failed", zap.Error(err))
			}
			cancel()
		case <-quit:
			return
		}
	}
}

// RunOnce records one snapshot and audits up to AuditSample proofs.
// Proofs that went stale because of a concurrent mutation are counted but
// are not failures; mismatched or malformed proofs are.
func (s *Snapshotter) RunOnce(ctx context.Context) (Report, error) {
	rep := Report{Stats: s.src.Stats()}

	if s.onGauge != nil {
		// Every known status is reported so a count that drops to zero
		// does not leave its last non-zero value behind.
		counts := make(map[registry.Status]int)
		for _, status := range registry.Statuses() {
			counts[status] = 0
		}
		for status, n := range s.src.StatusCounts() {
			counts[status] = n
		}
		for status, n := range counts {
			s.onGauge(string(status), float64(n))
		}
	}

	var errs error
	if s.recorder != nil {
		err := s.recorder.RecordSnapshot(ctx, &repository.Snapshot{
			RootHash:   rep.Stats.RootHash,
			EntryCount: rep.Stats.EntryCount,
			Removed:    rep.Stats.Removed,
			TreeHeight: rep.Stats.TreeHeight,
			Algorithm:  rep.Stats.Algorithm,
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("record snapshot: %w", err))
		}
	}

	indices := sample(s.src.Len(), s.cfg.AuditSample)

	sem := make(chan struct{}, s.cfg.Concurrency)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, idx := range indices {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}
			res, err := s.audit(idx)

			mu.Lock()
			defer mu.Unlock()
			rep.Audited++
			switch {
			case err != nil:
				rep.Failures++
				errs = multierr.Append(errs, err)
			case res == merkle.StaleRoot:
				rep.Stale++
			case res != merkle.Valid:
				rep.Failures++
				errs = multierr.Append(errs, fmt.Errorf("leaf %d: proof %s", idx, res))
			}
			if s.onMetrics != nil {
				s.onMetrics(err == nil && res != merkle.Mismatch && res != merkle.Malformed)
			}
		}(idx)
	}
	wg.Wait()

	if rep.Failures > 0 {
		s.logger.Error("snapshot: proof audit failed",
			zap.String("root", rep.Stats.RootHash),
			zap.Int("audited", rep.Audited),
			zap.Int("failures", rep.Failures),
		)
	} else {
		s.logger.Info("snapshot: recorded",
			zap.String("root", rep.Stats.RootHash),
			zap.Int("entries", rep.Stats.EntryCount),
			zap.Int("audited", rep.Audited),
			zap.Int("stale", rep.Stale),
		)
	}
	return rep, errs
}

func (s *Snapshotter) audit(idx int) (merkle.Result, error) {
	key, err := s.src.KeyAt(idx)
	if err != nil {
		return merkle.Malformed, fmt.Errorf("leaf %d: %w", idx, err)
	}
	p, err := s.src.GenerateProof(key)
	if err != nil {
		return merkle.Malformed, fmt.Errorf("leaf %d (%s): %w", idx, key, err)
	}
	return s.src.Check(p), nil
}

// sample returns up to k distinct indices in [0, n).
func sample(n, k int) []int {
	if k <= 0 || n == 0 {
		return nil
	}
	if n <= k {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	return rand.Perm(n)[:k]
}
