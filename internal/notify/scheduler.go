// Package notify schedules result notifications for the external mailer.
// Delivery is not handled here: due entries are moved to an outbox list the
// mailer consumes.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-attempt/internal/config"
)

// scheduleOnce sets the dedupe key and adds the schedule entry atomically, so
// a crash between the two cannot leave a key with nothing scheduled.
var scheduleOnce = redis.NewScript(`
if redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[3]) then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// releaseDue moves every entry whose time has come from the schedule to the
// outbox and returns how many moved.
var releaseDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	if redis.call('ZREM', KEYS[1], member) == 1 then
		redis.call('RPUSH', KEYS[2], member)
	end
end
return #due
`)

// Scheduler implements result notification scheduling on Redis.
type Scheduler struct {
	rdb       *redis.Client
	dedupeTTL time.Duration
	now       func() time.Time
}

// NewScheduler creates a new Scheduler. dedupeTTL bounds how long a repeat
// request for the same attempt is ignored.
func NewScheduler(rdb *redis.Client, dedupeTTL time.Duration) *Scheduler {
	return &Scheduler{rdb: rdb, dedupeTTL: dedupeTTL, now: time.Now}
}

// ScheduleResultNotification schedules one notification per attempt. Repeats
// are dropped.
func (s *Scheduler) ScheduleResultNotification(ctx context.Context, attemptID uuid.UUID, delay time.Duration) error {
	_, err := s.schedule(ctx, attemptID, delay)
	return err
}

func (s *Scheduler) schedule(ctx context.Context, attemptID uuid.UUID, delay time.Duration) (bool, error) {
	due := s.now().Add(delay).Unix()
	n, err := scheduleOnce.Run(ctx, s.rdb,
		[]string{
			config.CacheKey.ResultNotificationDedupeKey(attemptID.String()),
			config.WorkerKey.NotificationSchedule,
		},
		attemptID.String(), due, int64(s.dedupeTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("schedule notification: %w", err)
	}
	return n == 1, nil
}

// ReleaseDue moves up to limit due notifications to the outbox.
func (s *Scheduler) ReleaseDue(ctx context.Context, limit int) (int, error) {
	n, err := releaseDue.Run(ctx, s.rdb,
		[]string{config.WorkerKey.NotificationSchedule, config.WorkerKey.NotificationOutbox},
		s.now().Unix(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("release due notifications: %w", err)
	}
	return n, nil
}
