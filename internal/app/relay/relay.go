/*
Package relay implements the signaling relay: it binds WebSocket connections to meetings
through the presence registry and forwards negotiation messages between participants.

This file defines Relay, the per-process router. Each Client's ReadPump calls HandleFrame
on its own goroutine, so a connection's transitions (not joined, joined, gone) are
serialized by construction while different connections proceed in parallel. Every routing
decision is made against the presence registry.
*/
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"meetmesh/internal/app/presence"
	"meetmesh/internal/app/wire"
	"meetmesh/internal/pkg/errs"
	"meetmesh/internal/pkg/logx"
	"meetmesh/internal/pkg/randx"
)

// Relay routes frames between the clients bound in a presence.Registry.
type Relay struct {
	registry *presence.Registry

	// parent of every client context; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	// clients tracks every open client so Shutdown can close them.
	clients map[*Client]struct{}
	mu      sync.Mutex

	// structured logger with relay context.
	logger zerolog.Logger
}

// New constructs a Relay over registry.
func New(ctx context.Context, registry *presence.Registry) *Relay {
	ctx, cancel := context.WithCancel(ctx)

	return &Relay{
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*Client]struct{}),
		logger:   logx.Component("relay"),
	}
}

// Registry exposes the registry the relay routes against.
func (r *Relay) Registry() *presence.Registry {
	return r.registry
}

func (r *Relay) track(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = struct{}{}
}

func (r *Relay) untrack(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
}

// Shutdown closes every client with a going-away frame.
func (r *Relay) Shutdown() {
	r.logger.Info().Msg("Shutting down relay...")

	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	r.cancel()

	r.logger.Info().Int("clients", len(clients)).Msg("Relay shutdown complete.")
}

// HandleFrame decodes one inbound frame from c and acts on it. Malformed frames are logged and
// dropped; the connection stays open.
func (r *Relay) HandleFrame(c *Client, frame []byte) {
	if c.ctx.Err() != nil {
		return
	}

	msg, err := wire.DecodeClient(frame)
	if err != nil {
		c.logger.Warn().Err(err).Int("frame_len", len(frame)).Msg("Dropping malformed frame")
		return
	}

	switch m := msg.(type) {
	case wire.JoinRoom:
		r.join(c, m)
	case wire.LeaveRoom:
		r.leave(c, m)
	case wire.Signal:
		r.forward(c, m, frame)
	}
}

// join binds c, answers with the snapshot and announces c to the room.
func (r *Relay) join(c *Client, m wire.JoinRoom) {
	if m.Identity != c.grant.Identity || m.MeetingCode != c.grant.MeetingCode {
		c.logger.Warn().
			Str("requested_identity", m.Identity).
			Str("requested_room", m.MeetingCode).
			Msg("join-room does not match the room access token, dropping")
		r.sendError(c, errs.NewError(errs.ErrUnauthorized))
		return
	}

	if cur, room, ok := r.registry.BindingOf(c); ok && cur.ID == m.Identity && room == m.MeetingCode {
		// repeated join-room on the same connection only refreshes the snapshot
		r.send(c, wire.ExistingParticipants(r.registry.LivePeersOf(room, cur.ID)))
		return
	}

	u := c.participant(m.DisplayName)
	if u.DisplayName == "" {
		u.DisplayName = randx.DisplayName()
	}

	res := r.registry.Join(u, c, m.MeetingCode)

	if res.Rebound != nil {
		r.announceDeparture(*res.Rebound)
	}

	if res.Superseded != nil {
		if old, ok := res.Superseded.Conn.(*Client); ok {
			r.sendError(old, errs.NewError(errs.ErrSessionKicked))
			old.Kick("identity joined from another connection")
		}
		// same room: the peer-joined below tells the others to rebuild their links
		if res.Superseded.Room != m.MeetingCode {
			r.announceDeparture(*res.Superseded)
		}
	}

	c.logger.Info().
		Str("display_name", u.DisplayName).
		Int("existing", len(res.Snapshot)).
		Msg("Participant joined meeting.")

	snapshot := wire.ExistingParticipants(res.Snapshot)
	if snapshot == nil {
		snapshot = wire.ExistingParticipants{}
	}
	r.send(c, snapshot)
	r.broadcast(c, res.Mates, wire.PeerJoined(u))
}

// leave unbinds c without closing it.
func (r *Relay) leave(c *Client, m wire.LeaveRoom) {
	_, room, ok := r.registry.BindingOf(c)
	if !ok || room != m.MeetingCode {
		c.logger.Debug().Str("requested_room", m.MeetingCode).Msg("leave-room for a meeting the client is not in, ignoring")
		return
	}

	if d, ok := r.registry.Unbind(c); ok {
		c.logger.Info().Msg("Participant left meeting.")
		r.announceDeparture(d)
	}
}

// forward relays a signal verbatim, to one receiver or to the whole room.
func (r *Relay) forward(c *Client, sig wire.Signal, frame []byte) {
	sender, room, ok := r.registry.BindingOf(c)
	if !ok {
		c.logger.Warn().Str("signal_type", string(sig.Type)).Msg("Signal before join-room, dropping")
		r.sendError(c, errs.NewError(errs.ErrNotJoined))
		return
	}

	if sig.SenderIdentity != sender.ID || sig.MeetingCode != room {
		c.logger.Warn().
			Str("sender_identity", sig.SenderIdentity).
			Str("signal_room", sig.MeetingCode).
			Msg("Signal sender or meeting does not match the connection's binding, dropping")
		return
	}

	if !sig.Directed() {
		r.broadcastFrame(c, r.registry.RoomMates(room, sender.ID), frame)
		return
	}

	target, ok := r.registry.ConnectionOf(sig.ReceiverIdentity)
	if !ok {
		c.logger.Debug().
			Str("receiver_identity", sig.ReceiverIdentity).
			Str("signal_type", string(sig.Type)).
			Msg("Routing miss: receiver not live, dropping signal")
		return
	}

	if _, targetRoom, ok := r.registry.BindingOf(target); !ok || targetRoom != room {
		c.logger.Debug().Str("receiver_identity", sig.ReceiverIdentity).Msg("Receiver is in another meeting, dropping signal")
		return
	}

	r.deliver(sig.ReceiverIdentity, target, frame)
}

// deliver sends frame to target. A failed send is a routing miss against a stale binding,
// which is evicted so the room hears peer-left once.
func (r *Relay) deliver(identity string, target presence.Conn, frame []byte) {
	if err := target.Send(frame); err != nil {
		r.logger.Debug().Err(err).Str("receiver_identity", identity).Msg("Send failed, evicting stale binding")

		if d, ok := r.registry.Evict(identity, target); ok {
			r.announceDeparture(d)
		}
	}
}

// broadcastFrame sends frame to every conn, stopping early if origin closes. Frames already
// handed to recipients stay queued.
func (r *Relay) broadcastFrame(origin *Client, conns []presence.Conn, frame []byte) {
	for _, conn := range conns {
		if origin != nil && origin.ctx.Err() != nil {
			return
		}

		identity := ""
		if u, _, ok := r.registry.BindingOf(conn); ok {
			identity = u.ID
		}
		r.deliver(identity, conn, frame)
	}
}

func (r *Relay) broadcast(origin *Client, conns []presence.Conn, msg wire.ServerMessage) {
	frame, err := wire.Encode(msg)
	if err != nil {
		r.logger.Error().Err(err).Str("msg_type", string(msg.MessageType())).Msg("Failed to encode broadcast")
		return
	}
	r.broadcastFrame(origin, conns, frame)
}

// announceDeparture tells d's room mates that d left. Eviction cascades are bounded by the
// registry: each binding can only be removed once.
func (r *Relay) announceDeparture(d presence.Departure) {
	frame, err := wire.Encode(wire.PeerLeft(d.User))
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode peer-left")
		return
	}

	for _, conn := range d.Mates {
		identity := ""
		if u, _, ok := r.registry.BindingOf(conn); ok {
			identity = u.ID
		}
		r.deliver(identity, conn, frame)
	}
}

// send encodes msg for a single recipient.
func (r *Relay) send(to presence.Conn, msg wire.ServerMessage) {
	frame, err := wire.Encode(msg)
	if err != nil {
		r.logger.Error().Err(err).Str("msg_type", string(msg.MessageType())).Msg("Failed to encode message")
		return
	}

	identity := ""
	if u, _, ok := r.registry.BindingOf(to); ok {
		identity = u.ID
	}
	r.deliver(identity, to, frame)
}

func (r *Relay) sendError(c *Client, customErr *errs.CustomError) {
	frame, err := wire.Encode(wire.Error{Code: customErr.Code, Message: customErr.Message})
	if err != nil {
		return
	}
	if err := c.Send(frame); err != nil && !errors.Is(err, ErrClientClosed) {
		c.logger.Debug().Err(err).Msg("Failed to queue error frame")
	}
}

// disconnect runs when c's transport is gone. peer-left goes out only if c was still bound.
func (r *Relay) disconnect(c *Client) {
	r.untrack(c)

	d, ok := r.registry.Unbind(c)
	if !ok {
		return
	}

	c.logger.Info().Msg("Participant disconnected.")
	r.announceDeparture(d)
}
