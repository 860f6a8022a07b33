package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"threadline/api/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// FrameHandler processes one inbound frame. Frames from a single connection
// are handled in order.
type FrameHandler func(ctx context.Context, c *Client, frame Frame)

// Client is one WebSocket connection. A user may hold many.
type Client struct {
	ID     string
	UserID string

	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	hub     *Hub
	log     zerolog.Logger

	// guarded by hub.mu
	channels map[string]struct{}

	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, userID string, limiter *rate.Limiter, log zerolog.Logger) *Client {
	id := util.NewConnID("conn")
	return &Client{
		ID:       id,
		UserID:   userID,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		limiter:  limiter,
		log:      log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
		channels: make(map[string]struct{}),
	}
}

// Allow consumes one token of the connection's inbound budget.
func (c *Client) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Emit sends an event to this connection only. It reports false when the
// event was dropped.
func (c *Client) Emit(event string, data any) bool {
	payload, err := json.Marshal(data)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("encode event")
		return false
	}
	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("encode frame")
		return false
	}
	if c.hub == nil {
		return false
	}
	return c.hub.sendDirect(c, frame)
}

// Run attaches the client to the hub and pumps frames until the connection
// closes or ctx is cancelled.
func (c *Client) Run(ctx context.Context, hub *Hub, handle FrameHandler) {
	hub.Attach(c)
	defer func() {
		hub.Detach(c)
		c.closeConn()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		c.closeConn()
	}()

	go c.writePump()
	c.readPump(ctx, handle)
}

func (c *Client) readPump(ctx context.Context, handle FrameHandler) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("socket closed unexpectedly")
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			c.Emit(EventMessageError, map[string]string{"error": "malformed frame"})
			continue
		}
		handle(ctx, c, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
