package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// ClockCache keeps the facts the countdown needs (owner, anchor, allotment,
// status) in a Redis hash so the short poll interval does not hit Postgres.
// Only write-once facts and the status are cached; remaining time is always
// recomputed by the caller.
type ClockCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewClockCache creates a new ClockCache.
func NewClockCache(rdb *redis.Client, ttl time.Duration) *ClockCache {
	return &ClockCache{rdb: rdb, ttl: ttl}
}

// Get returns the cached attempt facts, or nil on a miss.
func (c *ClockCache) Get(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	fields, err := c.rdb.HGetAll(ctx, config.CacheKey.AttemptClockKey(attemptID.String())).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeClock(attemptID, fields)
}

// putClock writes the entry unless the cached status is further along the
// lifecycle than the one being written. A write that lost a race with a
// close therefore cannot put a live status back.
var putClock = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'rank')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1],
	'rank', ARGV[1],
	'session_id', ARGV[2],
	'student_id', ARGV[3],
	'exam_id', ARGV[4],
	'status', ARGV[5],
	'anchor', ARGV[6],
	'allotted', ARGV[7])
redis.call('PEXPIRE', KEYS[1], ARGV[8])
return 1
`)

// Put writes the cached facts for an attempt. An entry that already holds a
// later status is left alone.
func (c *ClockCache) Put(ctx context.Context, a *model.Attempt) error {
	key := config.CacheKey.AttemptClockKey(a.ID.String())
	return putClock.Run(ctx, c.rdb, []string{key}, clockArgs(a, c.ttl)...).Err()
}

func clockArgs(a *model.Attempt, ttl time.Duration) []interface{} {
	anchor := ""
	if a.AnchorStartAt != nil {
		anchor = strconv.FormatInt(a.AnchorStartAt.UnixNano(), 10)
	}
	return []interface{}{
		a.Status.Rank(),
		a.SessionID.String(),
		a.StudentID,
		a.ExamID.String(),
		string(a.Status),
		anchor,
		a.AllottedDurationSeconds,
		ttl.Milliseconds(),
	}
}

// Invalidate drops the cached facts for an attempt.
func (c *ClockCache) Invalidate(ctx context.Context, attemptID uuid.UUID) error {
	return c.rdb.Del(ctx, config.CacheKey.AttemptClockKey(attemptID.String())).Err()
}

// decodeClock treats any unparsable entry as a miss so the caller falls back
// to Postgres and rewrites it.
func decodeClock(id uuid.UUID, f map[string]string) (*model.Attempt, error) {
	sessionID, err := uuid.Parse(f["session_id"])
	if err != nil {
		return nil, nil
	}
	examID, err := uuid.Parse(f["exam_id"])
	if err != nil {
		return nil, nil
	}
	studentID, err := strconv.Atoi(f["student_id"])
	if err != nil {
		return nil, nil
	}
	allotted, err := strconv.Atoi(f["allotted"])
	if err != nil {
		return nil, nil
	}
	status := model.AttemptStatus(f["status"])
	if !status.Valid() {
		return nil, nil
	}

	a := &model.Attempt{
		ID:                      id,
		SessionID:               sessionID,
		StudentID:               studentID,
		ExamID:                  examID,
		Status:                  status,
		AllottedDurationSeconds: allotted,
	}
	if raw := f["anchor"]; raw != "" {
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, nil
		}
		anchor := time.Unix(0, ns).UTC()
		a.AnchorStartAt = &anchor
	}
	if a.Status != model.AttemptStatusNotStarted && a.AnchorStartAt == nil {
		return nil, nil
	}
	return a, nil
}
