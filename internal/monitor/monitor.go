// Package monitor publishes attempt lifecycle events and monitoring-resource
// revocations over Redis Pub/Sub.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventStarted        EventType = "attempt_started"
	EventSubmitted      EventType = "attempt_submitted"
	EventExpired        EventType = "attempt_expired"
	EventCompleted      EventType = "attempt_completed"
	EventFinalizeFailed EventType = "attempt_finalize_failed"
	EventReopened       EventType = "attempt_reopened"
	EventRevoked        EventType = "monitor_revoked"
)

// Event is the payload on both the attempt control channel and the session
// monitor channel.
type Event struct {
	Type      EventType           `json:"type"`
	AttemptID uuid.UUID           `json:"attempt_id"`
	SessionID uuid.UUID           `json:"session_id"`
	StudentID int                 `json:"student_id"`
	Status    model.AttemptStatus `json:"status"`
	At        time.Time           `json:"at"`
}

// TerminalEvent maps a terminal status onto the event announcing it.
func TerminalEvent(status model.AttemptStatus) EventType {
	switch status {
	case model.AttemptStatusExpired:
		return EventExpired
	case model.AttemptStatusCompleted:
		return EventCompleted
	}
	return EventSubmitted
}

// Publisher fans events out over Redis Pub/Sub.
type Publisher struct {
	rdb *redis.Client
	now func() time.Time
}

// NewPublisher creates a new Publisher.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb, now: time.Now}
}

// Revoke tells the student's client to release the monitoring resource and
// tells the session monitor it happened. Safe to repeat.
func (p *Publisher) Revoke(ctx context.Context, a *model.Attempt) error {
	payload, err := p.encode(a, EventRevoked)
	if err != nil {
		return err
	}

	pipe := p.rdb.Pipeline()
	pipe.Publish(ctx, config.CacheKey.AttemptControlChannel(a.ID.String()), payload)
	pipe.Publish(ctx, config.CacheKey.SessionMonitorChannel(a.SessionID.String()), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish revoke: %w", err)
	}
	return nil
}

// Announce publishes a lifecycle event to the session monitor and, so the
// student's other tabs follow along, to the attempt control channel.
func (p *Publisher) Announce(ctx context.Context, a *model.Attempt, t EventType) error {
	payload, err := p.encode(a, t)
	if err != nil {
		return err
	}

	pipe := p.rdb.Pipeline()
	pipe.Publish(ctx, config.CacheKey.SessionMonitorChannel(a.SessionID.String()), payload)
	pipe.Publish(ctx, config.CacheKey.AttemptControlChannel(a.ID.String()), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", t, err)
	}
	return nil
}

// SubscribeAttempt listens on an attempt's control channel.
func (p *Publisher) SubscribeAttempt(ctx context.Context, attemptID uuid.UUID) *redis.PubSub {
	return p.rdb.Subscribe(ctx, config.CacheKey.AttemptControlChannel(attemptID.String()))
}

// SubscribeSession listens on a session's monitor channel.
func (p *Publisher) SubscribeSession(ctx context.Context, sessionID uuid.UUID) *redis.PubSub {
	return p.rdb.Subscribe(ctx, config.CacheKey.SessionMonitorChannel(sessionID.String()))
}

func (p *Publisher) encode(a *model.Attempt, t EventType) ([]byte, error) {
	return json.Marshal(Event{
		Type:      t,
		AttemptID: a.ID,
		SessionID: a.SessionID,
		StudentID: a.StudentID,
		Status:    a.Status,
		At:        p.now().UTC(),
	})
}
