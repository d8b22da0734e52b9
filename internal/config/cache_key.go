package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptClockKey returns the hash key holding an attempt's write-once timing facts and status.
func (r *CacheKeyStruct) AttemptClockKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:clock", attemptID)
}

// AttemptControlChannel returns the PubSub channel the student's stream listens on.
func (r *CacheKeyStruct) AttemptControlChannel(attemptID string) string {
	return fmt.Sprintf("attempt:%s:control", attemptID)
}

// SessionMonitorChannel returns the PubSub channel for the instructor's live monitor.
func (r *CacheKeyStruct) SessionMonitorChannel(sessionID string) string {
	return fmt.Sprintf("session:%s:monitor", sessionID)
}

// ResultNotificationDedupeKey guards against scheduling the same attempt's notification twice.
func (r *CacheKeyStruct) ResultNotificationDedupeKey(attemptID string) string {
	return fmt.Sprintf("notify:attempt:%s", attemptID)
}

var CacheKey = NewCacheKeyStruct()
