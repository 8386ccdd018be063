/*
Package mesh implements the client half of a meeting.

This file contains the Orchestrator, which keeps exactly one link per live remote participant
and routes presence and signaling events to it. Links run independently; a struggling link
never delays dispatch to the others.
*/
package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"meetmesh/internal/app/user"
	"meetmesh/internal/app/wire"
	"meetmesh/internal/pkg/logx"
)

var (
	ErrOrchestratorClosed = errors.New("orchestrator closed")
	ErrUnknownPeer        = errors.New("peer is not live in this meeting")
)

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Factory  MediaFactory
	Signaler Signaler

	// Observer may be nil.
	Observer Observer

	Options NegotiationOptions
}

// Orchestrator drives the full mesh for one local participant in one meeting.
type Orchestrator struct {
	self user.User
	code string

	opts     NegotiationOptions
	factory  MediaFactory
	signaler Signaler
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	links  map[string]*link
	peers  map[string]user.User
	tracks []webrtc.TrackLocal
	closed bool

	logger zerolog.Logger
}

// NewOrchestrator returns an orchestrator for self in meeting code. Links stop when ctx is
// cancelled or Close is called.
func NewOrchestrator(ctx context.Context, self user.User, code string, cfg Config) *Orchestrator {
	ctx, cancel := context.WithCancel(ctx)

	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	return &Orchestrator{
		self:     self,
		code:     code,
		opts:     cfg.Options.withDefaults(),
		factory:  cfg.Factory,
		signaler: cfg.Signaler,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		links:    make(map[string]*link),
		peers:    make(map[string]user.User),
		logger: logx.Component("mesh").With().
			Str("meeting_code", code).
			Str("identity", self.ID).
			Logger(),
	}
}

// Self returns the local participant.
func (o *Orchestrator) Self() user.User {
	return o.self
}

// HandleSnapshot processes the existing-participants frame. Every listed peer without a link
// gets an initiating one; links to peers no longer listed are closed.
func (o *Orchestrator) HandleSnapshot(peers []user.User) {
	var joined, left []user.User

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	listed := make(map[string]bool, len(peers))
	for _, p := range peers {
		if p.ID == o.self.ID {
			continue
		}
		listed[p.ID] = true
		if _, known := o.peers[p.ID]; !known {
			o.peers[p.ID] = p
			joined = append(joined, p)
		}
		if _, ok := o.links[p.ID]; !ok {
			o.startLocked(p, true)
		}
	}

	for id, p := range o.peers {
		if listed[id] {
			continue
		}
		delete(o.peers, id)
		o.closeLocked(id, nil)
		left = append(left, p)
	}
	o.mu.Unlock()

	for _, p := range joined {
		o.observer.PeerJoined(p)
	}
	for _, p := range left {
		o.observer.PeerLeft(p)
	}
	o.logger.Info().Int("peers", len(listed)).Msg("Snapshot applied")
}

// HandlePeerJoined starts a link to a newly live peer. A peer that already has a link has
// re-joined, so the stale link is replaced.
func (o *Orchestrator) HandlePeerJoined(p user.User) {
	if p.ID == o.self.ID {
		return
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	if _, ok := o.links[p.ID]; ok {
		o.logger.Info().Str("remote_identity", p.ID).Msg("Peer re-joined, replacing link")
		o.closeLocked(p.ID, nil)
	}
	o.peers[p.ID] = p
	o.startLocked(p, true)
	o.mu.Unlock()

	o.observer.PeerJoined(p)
}

// HandlePeerLeft closes the link to p, whatever its state.
func (o *Orchestrator) HandlePeerLeft(p user.User) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	if known, ok := o.peers[p.ID]; ok && p.DisplayName == "" {
		p = known
	}
	delete(o.peers, p.ID)
	o.closeLocked(p.ID, nil)
	o.mu.Unlock()

	o.observer.PeerLeft(p)
}

// HandleSignal routes an incoming signal to the sender's link. An offer from a peer without
// a link creates a reactive one; anything else without a link is dropped.
func (o *Orchestrator) HandleSignal(sig wire.Signal) {
	if sig.SenderIdentity == o.self.ID {
		return
	}
	if sig.ReceiverIdentity != "" && sig.ReceiverIdentity != o.self.ID {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	l, ok := o.links[sig.SenderIdentity]
	if !ok {
		if sig.Type != wire.SignalOffer {
			o.logger.Debug().
				Str("remote_identity", sig.SenderIdentity).
				Str("signal_type", string(sig.Type)).
				Msg("Dropping signal for a peer without a link")
			return
		}

		p, known := o.peers[sig.SenderIdentity]
		if !known {
			p = user.User{ID: sig.SenderIdentity}
			o.peers[p.ID] = p
		}
		l = o.startLocked(p, false)
	}

	l.post(evSignal{sig: sig})
}

// SetLocalTracks replaces the tracks sent to every peer and renegotiates each link.
func (o *Orchestrator) SetLocalTracks(tracks []webrtc.TrackLocal) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.tracks = append([]webrtc.TrackLocal(nil), tracks...)
	for _, l := range o.links {
		l.post(evSetTracks{tracks: o.tracks})
	}
}

// Renegotiate sends a fresh offer on the link to identity.
func (o *Orchestrator) Renegotiate(identity string, iceRestart bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOrchestratorClosed
	}

	l, ok := o.links[identity]
	if !ok {
		return ErrUnknownPeer
	}
	l.post(evRenegotiate{iceRestart: iceRestart})
	return nil
}

// Retry replaces the link to a live peer with a new initiating one. It is the way back from
// a LinkFailed notification.
func (o *Orchestrator) Retry(identity string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOrchestratorClosed
	}

	p, ok := o.peers[identity]
	if !ok {
		return ErrUnknownPeer
	}

	o.closeLocked(identity, nil)
	o.startLocked(p, true)
	o.logger.Info().Str("remote_identity", identity).Msg("Link retried")
	return nil
}

// State reports the state of the link to identity.
func (o *Orchestrator) State(identity string) (LinkState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	l, ok := o.links[identity]
	if !ok {
		return StateClosed, false
	}
	return l.State(), true
}

// Peers returns the live remote participants, ordered by identity.
func (o *Orchestrator) Peers() []user.User {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]user.User, 0, len(o.peers))
	for _, p := range o.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes every link and waits for their goroutines to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.links = make(map[string]*link)
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.logger.Info().Msg("Orchestrator closed")
}

func (o *Orchestrator) startLocked(p user.User, initiate bool) *link {
	l := &link{
		remote:   p,
		localID:  o.self.ID,
		code:     o.code,
		opts:     o.opts,
		factory:  o.factory,
		signaler: o.signaler,
		observer: o.observer,
		ctx:      o.ctx,
		box:      newMailbox[linkEvent](),
		done:     make(chan struct{}),
		tracks:   o.tracks,
		logger:   o.logger.With().Str("remote_identity", p.ID).Logger(),
	}
	l.onClosed = o.forget

	o.links[p.ID] = l
	l.post(evStart{initiate: initiate})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		l.run()
	}()
	return l
}

// closeLocked detaches the link to identity and asks it to close. err nil means an orderly
// close without a failure notification.
func (o *Orchestrator) closeLocked(identity string, err error) {
	l, ok := o.links[identity]
	if !ok {
		return
	}
	delete(o.links, identity)
	l.post(evClose{err: err})
}

// forget removes a link that closed on its own.
func (o *Orchestrator) forget(l *link) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cur, ok := o.links[l.remote.ID]; ok && cur == l {
		delete(o.links, l.remote.ID)
	}
}
