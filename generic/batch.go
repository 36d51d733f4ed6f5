/*
batch.go - Per-entity isolated batch execution

PURPOSE:
  Runs one unit of work per entity, in parallel across entities and
  strictly serialized within an entity. One entity's failure is recorded
  and never aborts or partially commits another entity's work.

CONCURRENCY:
  - Fan-out is bounded by Workers (errgroup.SetLimit).
  - Each entity's work runs while holding its Locker lease, so concurrent
    batches (in this process or another) never interleave writes for the
    same entity.
  - Cancellation is checked between entities: an interrupted batch leaves
    every finished entity committed and every unstarted entity untouched,
    so it can be resumed entity-by-entity.
*/
package generic

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// BATCH RESULT
// =============================================================================

// EntityFailure is one entity's failed unit of work.
type EntityFailure struct {
	EntityID EntityID `json:"employee_id"`
	Reason   string   `json:"reason"`
	Err      error    `json:"-"`
}

// BatchResult collects per-entity outcomes. Slices are sorted by entity id
// so two runs over the same data produce the same result.
type BatchResult struct {
	Succeeded []EntityID      `json:"succeeded"`
	Failed    []EntityFailure `json:"failed"`
}

// HasFailures reports whether any entity failed.
func (r BatchResult) HasFailures() bool { return len(r.Failed) > 0 }

// =============================================================================
// BATCH RUNNER
// =============================================================================

// EntityWork is the unit executed for one entity while its lease is held.
type EntityWork func(ctx context.Context, entityID EntityID) error

// BatchRunner fans EntityWork out over a set of entities.
type BatchRunner struct {
	Locker  Locker
	LockTTL time.Duration
	Workers int
	Logger  *zap.Logger
}

// NewBatchRunner creates a runner with sane defaults for zero values.
func NewBatchRunner(locker Locker, workers int, logger *zap.Logger) *BatchRunner {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchRunner{Locker: locker, LockTTL: DefaultLockTTL, Workers: workers, Logger: logger}
}

// Run executes work once per distinct entity. The returned error is only the
// context error when the batch was interrupted; per-entity errors live in
// the result.
func (br *BatchRunner) Run(ctx context.Context, operation string, entities []EntityID, work EntityWork) (BatchResult, error) {
	var (
		mu     sync.Mutex
		result BatchResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(br.Workers)

	for _, id := range dedupeEntities(entities) {
		if gctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := br.runOne(gctx, id, work)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				br.Logger.Warn("entity batch step failed",
					zap.String("operation", operation),
					zap.String("employee_id", string(id)),
					zap.Error(err))
				result.Failed = append(result.Failed, EntityFailure{EntityID: id, Reason: err.Error(), Err: err})
				return nil
			}
			result.Succeeded = append(result.Succeeded, id)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Succeeded, func(i, j int) bool { return result.Succeeded[i] < result.Succeeded[j] })
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].EntityID < result.Failed[j].EntityID })

	br.Logger.Info("batch finished",
		zap.String("operation", operation),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)))

	return result, ctx.Err()
}

// RunLocked executes work for a single entity under its lease.
func (br *BatchRunner) RunLocked(ctx context.Context, entityID EntityID, work EntityWork) error {
	return br.runOne(ctx, entityID, work)
}

func (br *BatchRunner) runOne(ctx context.Context, id EntityID, work EntityWork) (err error) {
	if br.Locker == nil {
		return work(ctx, id)
	}
	ttl := br.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	lease, err := br.Locker.Acquire(ctx, EntityLockKey(id), ttl)
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context: the work context may already be canceled.
		relErr := lease.Release(context.Background())
		if err == nil && relErr != nil {
			err = relErr
		}
	}()
	return work(ctx, id)
}

func dedupeEntities(ids []EntityID) []EntityID {
	seen := make(map[EntityID]bool, len(ids))
	out := make([]EntityID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
