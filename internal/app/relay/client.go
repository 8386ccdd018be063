/*
Package relay implements the signaling relay: it binds WebSocket connections to meetings
through the presence registry and forwards negotiation messages between participants.

This file defines Client, one live WebSocket connection. A Client owns two goroutines:
ReadPump decodes inbound frames and hands them to the Relay, WritePump drains the buffered
send queue and keeps the heartbeat going. Sends never block the caller; a client whose queue
is full is closed so that one slow reader cannot stall a broadcast.
*/
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"meetmesh/internal/app/user"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client. SDP offers with many
	// codecs and candidates run to a few KB.
	maxMessageSize = 64 << 10

	// sendQueueSize is the per-client outbound buffer.
	sendQueueSize = 256

	// WsCloseCodeSessionKicked tells the client its identity was rebound to a newer connection.
	WsCloseCodeSessionKicked = 4001
)

var (
	ErrClientClosed  = errors.New("client closed")
	ErrSendQueueFull = errors.New("client send queue full")
)

// Grant is what the room access token allows this connection to do.
type Grant struct {
	// identity the connection may bind.
	Identity string

	// meeting the connection may join.
	MeetingCode string

	// display name issued with the token, used when join-room carries none.
	DisplayName string

	// guest or registered.
	UserType string
}

// Client is an active WebSocket connection.
type Client struct {
	relay *Relay

	// underlying WebSocket connection; nil for in-process test clients.
	conn *websocket.Conn

	grant Grant

	// buffered queue of frames waiting for WritePump.
	send chan []byte

	// ctx is cancelled when the client closes. Work originating from this client stops.
	ctx    context.Context
	cancel context.CancelFunc

	// close frame to send, guarded by closeMu since the parent context can also end the client.
	closeMu     sync.Mutex
	closeSet    bool
	closeCode   int
	closeReason string

	// structured logger with connection context.
	logger zerolog.Logger
}

// NewClient constructs a Client for conn and tracks it for Shutdown. It joins no meeting
// until it sends join-room.
func (r *Relay) NewClient(conn *websocket.Conn, grant Grant) *Client {
	ctx, cancel := context.WithCancel(r.ctx)

	c := &Client{
		relay:     r,
		conn:      conn,
		grant:     grant,
		send:      make(chan []byte, sendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		closeCode: websocket.CloseNormalClosure,
		logger: r.logger.With().
			Str("identity", grant.Identity).
			Str("room_code", grant.MeetingCode).
			Logger(),
	}

	r.track(c)
	return c
}

// Grant returns the authorization the client connected with.
func (c *Client) Grant() Grant {
	return c.grant
}

// Done is closed when the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Send queues frame for delivery. It never blocks.
func (c *Client) Send(frame []byte) error {
	if c.ctx.Err() != nil {
		return ErrClientClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Msg("Client send queue full, closing slow connection.")
		c.closeWith(websocket.ClosePolicyViolation, "send queue overflow")
		return ErrSendQueueFull
	}
}

// Close closes the client with a normal closure frame.
func (c *Client) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

// Kick closes the client with close code 4001, used when its identity was superseded.
func (c *Client) Kick(reason string) {
	c.logger.Warn().
		Int("close_code", WsCloseCodeSessionKicked).
		Str("reason", reason).
		Msg("Kicking superseded connection.")
	c.closeWith(WsCloseCodeSessionKicked, reason)
}

func (c *Client) closeWith(code int, reason string) {
	c.closeMu.Lock()
	if !c.closeSet {
		c.closeSet = true
		c.closeCode = code
		c.closeReason = reason
	}
	c.closeMu.Unlock()

	c.cancel()
}

// ReadPump reads frames until the connection fails, then unbinds the client.
// It blocks and is expected to run on the HTTP handler goroutine.
func (c *Client) ReadPump() {
	defer c.cleanupOnDisconnect()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Connection closed unexpectedly")
			}
			break
		}

		c.relay.HandleFrame(c, frame)
	}
}

// cleanupOnDisconnect unbinds the client and closes the transport.
func (c *Client) cleanupOnDisconnect() {
	c.logger.Debug().Msg("Client connection cleanup starting.")

	c.relay.disconnect(c)
	c.Close()

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error")
		}
	}
}

// WritePump writes queued frames and heartbeats until the client is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				c.Close()
				return
			}

		case <-ticker.C:
			if !c.writePing() {
				c.Close()
				return
			}

		case <-c.ctx.Done():
			c.flushQueued()
			c.writeClose()
			return
		}
	}
}

// writeFrame writes one text frame. Returns false if the pump should stop.
func (c *Client) writeFrame(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Info().Err(err).Msg("Error writing frame")
		return false
	}

	return true
}

// writePing sends a heartbeat. Returns false if the pump should stop.
func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Info().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}

// flushQueued writes frames queued before the close, such as the error frame preceding a kick.
func (c *Client) flushQueued() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// writeClose sends the close frame chosen by closeWith.
func (c *Client) writeClose() {
	c.closeMu.Lock()
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	c.closeMu.Unlock()

	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send close frame.")
	}
}

// participant builds the user record for a join-room, preferring the name the client sent.
func (c *Client) participant(displayName string) user.User {
	if displayName == "" {
		displayName = c.grant.DisplayName
	}
	return user.User{
		ID:          c.grant.Identity,
		DisplayName: displayName,
		UserType:    c.grant.UserType,
	}
}
