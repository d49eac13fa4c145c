package tryon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tccmarket/api/internal/catalog"
	"github.com/tccmarket/api/internal/client"
)

const (
	DefaultSweepGrace = 24 * time.Hour
	sweepBatchSize    = 500
)

// SweepReport summarizes one orphan sweep
type SweepReport struct {
	Scanned int      `json:"scanned"`
	Orphans []string `json:"orphans"`
	Deleted int      `json:"deleted"`
	DryRun  bool     `json:"dryRun"`
}

// Sweeper removes stored artifacts that no product references. Objects
// younger than the grace period are left alone, since a run may still be
// between ingestion and attachment.
type Sweeper struct {
	storage client.ObjectStorage
	store   catalog.Store
	prefix  string
	grace   time.Duration
	now     func() time.Time
}

func NewSweeper(storage client.ObjectStorage, store catalog.Store, prefix string, grace time.Duration) *Sweeper {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if grace <= 0 {
		grace = DefaultSweepGrace
	}
	return &Sweeper{storage: storage, store: store, prefix: prefix, grace: grace, now: time.Now}
}

func (s *Sweeper) Sweep(ctx context.Context, dryRun bool) (*SweepReport, error) {
	objects, err := s.storage.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	report := &SweepReport{Scanned: len(objects), Orphans: []string{}, DryRun: dryRun}
	cutoff := s.now().Add(-s.grace)

	var candidates []string
	for _, obj := range objects {
		if obj.LastModified.After(cutoff) {
			continue
		}
		candidates = append(candidates, obj.Key)
	}

	for start := 0; start < len(candidates); start += sweepBatchSize {
		end := start + sweepBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		referenced, err := s.store.ReferencedKeys(ctx, batch)
		if err != nil {
			return report, fmt.Errorf("check references: %w", err)
		}
		for _, key := range batch {
			if referenced[key] {
				continue
			}
			report.Orphans = append(report.Orphans, key)
			if dryRun {
				continue
			}
			if err := s.storage.Delete(ctx, key); err != nil {
				return report, fmt.Errorf("delete %s: %w", key, err)
			}
			report.Deleted++
		}
	}

	log.Printf("[TryOn] Sweep: scanned=%d orphans=%d deleted=%d dry_run=%t",
		report.Scanned, len(report.Orphans), report.Deleted, dryRun)
	return report, nil
}
