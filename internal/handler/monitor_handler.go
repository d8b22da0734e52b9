package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/monitor"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler streams a session's attempt events to its instructor.
type MonitorHandler struct {
	sessions  SessionAPI
	publisher *monitor.Publisher
	log       zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(sessions SessionAPI, publisher *monitor.Publisher, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		sessions:  sessions,
		publisher: publisher,
		log:       logger.Component(log, "monitor_handler"),
	}
}

type sessionStats struct {
	Total          int `json:"total"`
	NotStarted     int `json:"not_started"`
	InProgress     int `json:"in_progress"`
	Closed         int `json:"closed"`
	Completed      int `json:"completed"`
	FinalizeErrors int `json:"finalize_errors"`
}

func summarize(rows []service.AttemptSummary) sessionStats {
	var s sessionStats
	for _, r := range rows {
		if r.SupersededBy != nil {
			continue
		}
		s.Total++
		switch r.Status {
		case model.AttemptStatusNotStarted:
			s.NotStarted++
		case model.AttemptStatusInProgress:
			s.InProgress++
		case model.AttemptStatusSubmitted, model.AttemptStatusExpired:
			s.Closed++
		case model.AttemptStatusCompleted:
			s.Completed++
		}
		if r.FinalizeError != nil {
			s.FinalizeErrors++
		}
	}
	return s
}

// MonitorSessionSSE godoc
// GET /api/v1/instructor/sessions/:session_id/monitor
// Sends a snapshot, then forwards lifecycle events (started, submitted,
// expired, completed, revoked) as they are published, with a periodic
// refresh of the attempt clocks.
func (h *MonitorHandler) MonitorSessionSSE(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()
	session, err := h.sessions.Authorize(reqCtx, claims.UserID, sessionID)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	// Subscribe before the snapshot so nothing falls between the two.
	pubsub := h.publisher.SubscribeSession(reqCtx, sessionID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	if !h.sendAttempts(c, reqCtx, claims.UserID, session, "snapshot") {
		return
	}

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	log := h.log.With().Str("session_id", sessionID.String()).Int("instructor_id", claims.UserID).Logger()
	log.Info().Msg("Instructor attached to session monitor SSE")

	// Pre-allocate a reusable ping payload (never changes)
	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			log.Info().Msg("Instructor disconnected from session monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward the published JSON as is.
			c.Writer.Write([]byte("data: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()

		case <-refreshTicker.C:
			h.sendAttempts(c, reqCtx, claims.UserID, session, "refresh")

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(pingPayload)
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}

// sendAttempts writes the full attempt list with clocks. It reports false
// when the list could not be loaded.
func (h *MonitorHandler) sendAttempts(c *gin.Context, parent context.Context, instructorID int, session *model.ExamSession, kind string) bool {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	rows, err := h.sessions.ListAttempts(ctx, instructorID, session.ID)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("Failed to load attempts for monitor")
		return false
	}
	if rows == nil {
		rows = []service.AttemptSummary{}
	}

	c.SSEvent("message", gin.H{
		"type": kind,
		"data": gin.H{
			"session":  session,
			"stats":    summarize(rows),
			"attempts": rows,
		},
	})
	c.Writer.Flush()
	return true
}
