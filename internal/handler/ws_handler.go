package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// ControlSubscriber opens an attempt's control channel.
type ControlSubscriber interface {
	SubscribeAttempt(ctx context.Context, attemptID uuid.UUID) *redis.PubSub
}

// maxFrameBytes bounds one client frame: the largest answer plus room for
// the action envelope.
const maxFrameBytes = model.MaxAnswerBytes + 4<<10

// subscribeFunc returns an attempt's control events and a func to stop them.
type subscribeFunc func(ctx context.Context, attemptID uuid.UUID) (<-chan *redis.Message, func() error)

// WSHandler serves the attempt stream: the same operations as the REST
// endpoints plus pushed control events (revocation, closure).
type WSHandler struct {
	attempts  AttemptAPI
	subscribe subscribeFunc
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attempts AttemptAPI, control ControlSubscriber, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attempts: attempts,
		subscribe: func(ctx context.Context, attemptID uuid.UUID) (<-chan *redis.Message, func() error) {
			ps := control.SubscribeAttempt(ctx, attemptID)
			return ps.Channel(), ps.Close
		},
		log:      logger.Component(log, "ws_handler"),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/student/attempts/:attempt_id/stream
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	studentID := claims.UserID

	// Ownership is checked before the upgrade so a refusal is a normal HTTP error.
	if _, err := h.attempts.Get(c.Request.Context(), studentID, attemptID); err != nil {
		failService(c, h.log, err)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	raw.SetReadLimit(maxFrameBytes)
	conn := ws.Wrap(raw)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("attempt_id", attemptID.String()).
		Logger()

	events, unsubscribe := h.subscribe(ctx, attemptID)
	defer unsubscribe()
	go h.forwardControl(ctx, conn, events, wsLog)

	wsLog.Info().Msg("Student connected")

	for {
		var msg ws.RequestPayload
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		h.dispatch(ctx, conn, wsLog, studentID, attemptID, &msg)
	}
}

// forwardControl relays control-channel events until ctx ends.
func (h *WSHandler) forwardControl(ctx context.Context, conn *ws.Conn, ch <-chan *redis.Message, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ws.EventControl, json.RawMessage(msg.Payload)); err != nil {
				log.Debug().Err(err).Msg("Control event not delivered")
				return
			}
		}
	}
}

func (h *WSHandler) dispatch(ctx context.Context, conn *ws.Conn, log zerolog.Logger, studentID int, attemptID uuid.UUID, msg *ws.RequestPayload) {
	switch msg.Action {
	case ws.ActionPing:
		conn.WriteJSON(ws.EventPong, nil)

	case ws.ActionClock:
		out, err := h.attempts.Clock(ctx, studentID, attemptID)
		if err != nil {
			h.writeErr(conn, log, msg.Action, err)
			return
		}
		conn.WriteJSON(ws.EventClock, out)

	case ws.ActionAutosave:
		qid, err := uuid.Parse(msg.QID)
		if err != nil || !model.ValidAnswerValue(msg.Value) {
			h.writeCode(conn, msg.Action, response.ErrValidation)
			return
		}
		if err := h.attempts.SaveAnswer(ctx, studentID, attemptID, qid, msg.Value); err != nil {
			h.writeErr(conn, log, msg.Action, err)
			return
		}
		conn.WriteJSON(ws.EventSaved, gin.H{"q_id": qid})

	case ws.ActionPosition:
		if msg.Index == nil || *msg.Index < 0 {
			h.writeCode(conn, msg.Action, response.ErrValidation)
			return
		}
		if err := h.attempts.UpdatePosition(ctx, studentID, attemptID, *msg.Index); err != nil {
			h.writeErr(conn, log, msg.Action, err)
			return
		}
		conn.WriteJSON(ws.EventSaved, gin.H{"current_question_index": *msg.Index})

	case ws.ActionCamera:
		if msg.Enabled == nil {
			h.writeCode(conn, msg.Action, response.ErrValidation)
			return
		}
		a, err := h.attempts.SetCamera(ctx, studentID, attemptID, *msg.Enabled)
		if err != nil {
			h.writeErr(conn, log, msg.Action, err)
			return
		}
		conn.WriteJSON(ws.EventCamera, gin.H{"camera_enabled": a.CameraEnabled})

	case ws.ActionSubmit:
		out, err := h.attempts.Submit(ctx, studentID, attemptID)
		if err != nil {
			h.writeErr(conn, log, msg.Action, err)
			return
		}
		log.Info().Str("status", string(out.Attempt.Status)).Msg("Attempt submitted over stream")
		conn.WriteJSON(ws.EventSubmit, out)

	default:
		log.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
		h.writeCode(conn, msg.Action, response.ErrInvalidPayload)
	}
}

func (h *WSHandler) writeErr(conn *ws.Conn, log zerolog.Logger, action ws.Action, err error) {
	_, code := classify(err)
	if code == response.ErrStoreUnavailable {
		log.Error().Err(err).Str("action", string(action)).Msg("Stream action failed")
	}
	h.writeCode(conn, action, code)
}

func (h *WSHandler) writeCode(conn *ws.Conn, action ws.Action, code response.ErrCode) {
	conn.WriteError(action, string(code), response.GetMessage(code), response.Retryable(code))
}
