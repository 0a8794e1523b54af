package chunkstore

import (
	"context"
	"log"
	"time"
)

// staleAfter is the fixed "older than 24h" cutoff from spec.md §4.3.
const staleAfter = 24 * time.Hour

// sweepInterval is how often the background sweep runs.
const sweepInterval = time.Hour

// RunSweeper blocks, running one sweep pass every sweepInterval until ctx
// is canceled. Each pass re-checks UpdatedAt under the task's own lock
// before removing it, so an upload actively being written is never swept
// out from under it (spec.md §4.3).
func RunSweeper(ctx context.Context, m *Manager) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(m)
		}
	}
}

func sweepOnce(m *Manager) {
	stale, err := m.StaleTasks(staleAfter)
	if err != nil {
		log.Printf("[chunkstore] sweep: error scanning for stale tasks: %v", err)
	}
	if len(stale) == 0 {
		return
	}
	log.Printf("[chunkstore] sweep: removing %d stale upload task(s)", len(stale))
	if err := m.RemoveStale(stale, staleAfter); err != nil {
		log.Printf("[chunkstore] sweep: error removing stale tasks: %v", err)
	}
}
