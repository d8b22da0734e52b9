package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-attempt/internal/config"
)

// PollTimeout must be >= 1s to satisfy Redis.
const PollTimeout = 1 * time.Second

// FinalizeQueue is the Redis list of attempts whose finalization must be
// retried. Duplicates are harmless; the finalizer is idempotent.
type FinalizeQueue struct {
	rdb *redis.Client
}

// NewFinalizeQueue creates a new FinalizeQueue.
func NewFinalizeQueue(rdb *redis.Client) *FinalizeQueue {
	return &FinalizeQueue{rdb: rdb}
}

// EnqueueFinalize appends an attempt to the retry queue.
func (q *FinalizeQueue) EnqueueFinalize(ctx context.Context, attemptID uuid.UUID) error {
	if err := q.rdb.RPush(ctx, config.WorkerKey.FinalizeRetryQueue, attemptID.String()).Err(); err != nil {
		return fmt.Errorf("enqueue finalize: %w", err)
	}
	return nil
}

// Next blocks up to timeout for the next attempt. ok is false on timeout.
// Entries that are not attempt ids are dropped.
func (q *FinalizeQueue) Next(ctx context.Context, timeout time.Duration) (id uuid.UUID, ok bool, err error) {
	item, err := q.rdb.BLPop(ctx, timeout, config.WorkerKey.FinalizeRetryQueue).Result()
	if err != nil {
		if err == redis.Nil {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, err
	}
	if len(item) < 2 {
		return uuid.Nil, false, nil
	}
	id, err = uuid.Parse(item[1])
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("malformed queue entry %q: %w", item[1], err)
	}
	return id, true, nil
}
