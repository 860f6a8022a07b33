package app

import (
	"context"
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"

	"threadline/api/internal/auth"
	"threadline/api/internal/metrics"
	"threadline/api/internal/realtime"
)

type socketError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// handleSocket upgrades an authenticated request. Browsers cannot set
// headers on a WebSocket handshake, so the token may come as ?token=.
func (s *HTTPServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("user_id", identity.UserID).Msg("websocket upgrade failed")
		return
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.WSEventsPerSecond), s.cfg.WSBurst)
	client := realtime.NewClient(conn, identity.UserID, limiter, s.log)

	// The request context ends when the handler returns; the socket lives on
	// its own context tied to the connection.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	ctx = auth.WithIdentity(ctx, identity)

	if err := s.service.Connected(ctx, identity.UserID, client.ID); err != nil {
		s.log.Warn().Err(err).Str("user_id", identity.UserID).Msg("presence register")
	}
	defer func() {
		if err := s.service.Disconnected(context.WithoutCancel(ctx), identity.UserID, client.ID); err != nil {
			s.log.Warn().Err(err).Str("user_id", identity.UserID).Msg("presence unregister")
		}
	}()

	s.hub.Attach(client)
	s.hub.Join(client, realtime.UserChannel(identity.UserID))
	client.Run(ctx, s.hub, s.handleFrame)
}

// handleFrame dispatches one inbound frame. Failures are answered on the
// same socket and never close it.
func (s *HTTPServer) handleFrame(ctx context.Context, c *realtime.Client, frame realtime.Frame) {
	identity, _ := auth.IdentityFrom(ctx)
	errorEvent := errorEventFor(frame.Event)

	if !c.Allow() {
		metrics.SocketFramesThrottled.Inc()
		c.Emit(errorEvent, socketError{Error: "Too many events, slow down", Code: "RATE_LIMITED"})
		return
	}

	switch frame.Event {
	case realtime.EventJoinUserChannel:
		var body struct {
			UserID string `json:"userId"`
		}
		if !s.decodeFrame(c, frame, errorEvent, &body) {
			return
		}
		if body.UserID != "" && body.UserID != identity.UserID {
			c.Emit(errorEvent, socketError{Error: "Cannot join another user's channel", Code: CodeAccessDenied})
			return
		}
		s.hub.Join(c, realtime.UserChannel(identity.UserID))

	case realtime.EventJoinThread:
		var cmd JoinThread
		if !s.decodeFrame(c, frame, errorEvent, &cmd) {
			return
		}
		result, err := s.service.Execute(ctx, identity, cmd)
		if err != nil {
			s.emitError(c, errorEvent, err)
			return
		}
		s.hub.Join(c, realtime.ThreadChannel(cmd.ThreadID))
		c.Emit(realtime.EventJoinedThread, result)

	case realtime.EventLeaveThread:
		var cmd JoinThread
		if !s.decodeFrame(c, frame, errorEvent, &cmd) {
			return
		}
		s.hub.Leave(c, realtime.ThreadChannel(cmd.ThreadID))

	case realtime.EventSendMessage:
		var cmd SendMessage
		if !s.decodeFrame(c, frame, errorEvent, &cmd) {
			return
		}
		if _, err := s.service.Execute(ctx, identity, cmd); err != nil {
			s.emitError(c, errorEvent, err)
		}

	case realtime.EventMarkRead:
		var cmd MarkRead
		if !s.decodeFrame(c, frame, errorEvent, &cmd) {
			return
		}
		if _, err := s.service.Execute(ctx, identity, cmd); err != nil {
			s.emitError(c, errorEvent, err)
		}

	case realtime.EventTypingStart, realtime.EventTypingStop:
		var cmd SetTyping
		if !s.decodeFrame(c, frame, errorEvent, &cmd) {
			return
		}
		cmd.IsTyping = frame.Event == realtime.EventTypingStart
		if _, err := s.service.Execute(ctx, identity, cmd); err != nil {
			s.emitError(c, errorEvent, err)
		}

	default:
		c.Emit(realtime.EventMessageError, socketError{Error: "Unknown event " + frame.Event, Code: CodeValidation})
	}
}

func (s *HTTPServer) decodeFrame(c *realtime.Client, frame realtime.Frame, errorEvent string, target any) bool {
	if len(frame.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(frame.Data, target); err != nil {
		c.Emit(errorEvent, socketError{Error: "invalid event payload", Code: CodeValidation})
		return false
	}
	return true
}

func (s *HTTPServer) emitError(c *realtime.Client, event string, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("conn_id", c.ID).Str("user_id", c.UserID).Msg("socket command failed")
	}
	c.Emit(event, socketError{Error: message, Code: code, Details: details})
}

func errorEventFor(event string) string {
	switch event {
	case realtime.EventMarkRead:
		return realtime.EventReadError
	case realtime.EventJoinThread, realtime.EventLeaveThread, realtime.EventJoinUserChannel,
		realtime.EventTypingStart, realtime.EventTypingStop:
		return realtime.EventThreadError
	default:
		return realtime.EventMessageError
	}
}
