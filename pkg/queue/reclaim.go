package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// reclaimState tracks lease reclaim metrics (thread-safe).
type reclaimState struct {
	mu        sync.Mutex
	lastScan  time.Time
	reclaimed int
}

// runLeaseReclaim periodically demotes running jobs whose lease expired
// back to queued (or fails them once attempts are exhausted). All
// replicas run this independently — the sweep is idempotent and races
// are resolved by SKIP LOCKED.
//
// An immediate pass runs at startup so jobs abandoned by a crashed
// replica are re-queued before the first tick.
func (p *WorkerPool) runLeaseReclaim(ctx context.Context) {
	p.reclaimPass(ctx)

	ticker := time.NewTicker(p.config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reclaimPass(ctx)
		}
	}
}

// reclaimPass runs one sweep and records metrics.
func (p *WorkerPool) reclaimPass(ctx context.Context) {
	n, err := p.jobs.ReclaimExpiredLeases(ctx, p.config.MaxRetries)
	if err != nil {
		slog.Error("Lease reclaim failed", "pod_id", p.podID, "error", err)
		return
	}
	if n > 0 {
		slog.Warn("Reclaimed expired job leases", "pod_id", p.podID, "count", n)
	}

	p.reclaim.mu.Lock()
	p.reclaim.lastScan = time.Now()
	p.reclaim.reclaimed += n
	p.reclaim.mu.Unlock()
}
