package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"meetmesh/internal/app/user"
	"meetmesh/internal/app/wire"
)

// LinkState is the negotiation state of one link.
type LinkState int32

const (
	StateIdle LinkState = iota
	StateOffering
	StateStable
	StateRenegotiating
	// StateFailed is held between a detected failure and its single repair attempt.
	StateFailed
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateStable:
		return "stable"
	case StateRenegotiating:
		return "renegotiating"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("LinkState(%d)", int32(s))
}

var (
	ErrOfferTimeout     = errors.New("offer was not answered in time")
	ErrConnectivityLost = errors.New("connectivity lost and ICE restart did not recover it")
)

// link events, consumed only by the link's own goroutine.
type (
	linkEvent interface{ linkEvent() }

	evStart          struct{ initiate bool }
	evSignal         struct{ sig wire.Signal }
	evLocalCandidate struct {
		session string
		cand    webrtc.ICECandidateInit
	}
	evICEState struct {
		session string
		state   webrtc.ICEConnectionState
	}
	evTrack struct {
		session string
		track   *webrtc.TrackRemote
	}
	evOfferTimeout struct{ gen uint64 }
	evGraceExpired struct{ gen uint64 }
	evSetTracks    struct{ tracks []webrtc.TrackLocal }
	evRenegotiate  struct{ iceRestart bool }
	evClose        struct{ err error }
)

func (evStart) linkEvent()          {}
func (evSignal) linkEvent()         {}
func (evLocalCandidate) linkEvent() {}
func (evICEState) linkEvent()       {}
func (evTrack) linkEvent()          {}
func (evOfferTimeout) linkEvent()   {}
func (evGraceExpired) linkEvent()   {}
func (evSetTracks) linkEvent()      {}
func (evRenegotiate) linkEvent()    {}
func (evClose) linkEvent()          {}

type pendingCandidate struct {
	session string
	cand    webrtc.ICECandidateInit
}

// link negotiates media with one remote participant. All fields below box are owned by the
// run goroutine.
type link struct {
	remote  user.User
	localID string
	code    string

	opts     NegotiationOptions
	factory  MediaFactory
	signaler Signaler
	observer Observer
	onClosed func(*link)

	ctx   context.Context
	box   *mailbox[linkEvent]
	done  chan struct{}
	state atomic.Int32

	conn MediaConn

	// session is the id of our current media connection; remoteSession the id of the
	// remote connection our remote description came from.
	session       string
	remoteSession string
	hasRemote     bool

	offerOutstanding bool
	everStable       bool

	// a track change arrived while an offer was outstanding.
	renegotiateAfter bool

	pending []pendingCandidate
	tracks  []webrtc.TrackLocal

	offerTimer *time.Timer
	offerGen   uint64
	graceTimer *time.Timer
	graceGen   uint64
	iceState   webrtc.ICEConnectionState

	// repair budget: one offer retry, one ICE restart; reset on success.
	offerRetried bool
	restarted    bool
	repairing    bool

	logger zerolog.Logger
}

func (l *link) State() LinkState {
	return LinkState(l.state.Load())
}

func (l *link) post(ev linkEvent) bool {
	return l.box.put(ev)
}

func (l *link) run() {
	defer close(l.done)

	for {
		select {
		case <-l.ctx.Done():
			l.shutdown(nil)
			return
		case <-l.box.ready:
			for _, ev := range l.box.take() {
				l.handle(ev)
				if l.State() == StateClosed {
					return
				}
			}
		}
	}
}

func (l *link) handle(ev linkEvent) {
	switch e := ev.(type) {
	case evStart:
		if err := l.newConn(); err != nil {
			l.shutdown(err)
			return
		}
		if e.initiate {
			l.offer(false)
		}
	case evSignal:
		l.handleSignal(e.sig)
	case evLocalCandidate:
		l.handleLocalCandidate(e)
	case evICEState:
		l.handleICEState(e)
	case evTrack:
		if e.session == l.session {
			l.observer.StreamAvailable(l.remote.ID, e.track)
		}
	case evOfferTimeout:
		l.handleOfferTimeout(e.gen)
	case evGraceExpired:
		if e.gen == l.graceGen && l.iceState == webrtc.ICEConnectionStateDisconnected {
			l.logger.Info().Dur("grace", l.opts.DisconnectGrace).Msg("Still disconnected after grace period")
			l.repair()
		}
	case evSetTracks:
		l.tracks = e.tracks
		if err := l.conn.SetLocalTracks(e.tracks); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to replace local tracks")
			return
		}
		l.renegotiate(false)
	case evRenegotiate:
		l.renegotiate(e.iceRestart)
	case evClose:
		l.shutdown(e.err)
	}
}

// newConn replaces the media connection with a fresh one and a fresh session id.
func (l *link) newConn() error {
	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			l.logger.Debug().Err(err).Msg("Closing replaced media connection")
		}
	}

	session := uuid.NewString()
	conn, err := l.factory.NewConn(l.remote.ID, MediaEvents{
		OnICECandidate: func(c webrtc.ICECandidateInit) { l.post(evLocalCandidate{session: session, cand: c}) },
		OnICEState:     func(s webrtc.ICEConnectionState) { l.post(evICEState{session: session, state: s}) },
		OnTrack:        func(t *webrtc.TrackRemote) { l.post(evTrack{session: session, track: t}) },
	})
	if err != nil {
		return fmt.Errorf("create media connection: %w", err)
	}

	if len(l.tracks) > 0 {
		if err := conn.SetLocalTracks(l.tracks); err != nil {
			conn.Close()
			return fmt.Errorf("attach local tracks: %w", err)
		}
	}

	l.conn = conn
	l.session = session
	l.hasRemote = false
	l.offerOutstanding = false
	l.iceState = webrtc.ICEConnectionStateNew
	l.logger.Debug().Str("session", session).Msg("Media connection created")
	return nil
}

// offer creates, applies and sends a local offer.
func (l *link) offer(iceRestart bool) {
	desc, err := l.conn.CreateOffer(iceRestart)
	if err != nil {
		l.shutdown(fmt.Errorf("create offer: %w", err))
		return
	}
	desc = l.munge(desc)

	if err := l.conn.SetLocalDescription(desc); err != nil {
		l.shutdown(fmt.Errorf("apply local offer: %w", err))
		return
	}

	payload, err := encodeDescription(desc, l.session)
	if err != nil {
		l.shutdown(err)
		return
	}

	l.offerOutstanding = true
	l.armOfferTimer()
	if l.everStable {
		l.setState(StateRenegotiating)
	} else {
		l.setState(StateOffering)
	}

	l.send(wire.SignalOffer, payload)
	l.logger.Debug().Bool("ice_restart", iceRestart).Msg("Offer sent")
}

func (l *link) renegotiate(iceRestart bool) {
	if l.offerOutstanding {
		l.renegotiateAfter = true
		return
	}
	if !l.everStable && l.State() == StateIdle {
		// the answer we are about to send will carry the current tracks
		return
	}
	l.offer(iceRestart)
}

func (l *link) munge(desc webrtc.SessionDescription) webrtc.SessionDescription {
	out, err := l.opts.Munge(desc)
	if err != nil {
		l.logger.Warn().Err(err).Str("sdp_type", desc.Type.String()).Msg("SDP rewrite skipped")
	}
	return out
}

func (l *link) handleSignal(sig wire.Signal) {
	switch sig.Type {
	case wire.SignalOffer:
		l.handleOffer(sig.Payload)
	case wire.SignalAnswer:
		l.handleAnswer(sig.Payload)
	case wire.SignalCandidate:
		l.handleRemoteCandidate(sig.Payload)
	}
}

func (l *link) handleOffer(raw json.RawMessage) {
	desc, session, err := decodeDescription(raw)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Dropping malformed offer")
		return
	}

	if l.offerOutstanding {
		if l.localID > l.remote.ID {
			l.logger.Debug().Msg("Glare: keeping our offer, ignoring theirs")
			return
		}
		l.logger.Debug().Msg("Glare: yielding to remote offer")
		if err := l.rollback(); err != nil {
			l.shutdown(err)
			return
		}
		// our abandoned offer may have carried a track change
		l.renegotiateAfter = l.renegotiateAfter || l.everStable
	}

	if l.hasRemote && session != l.remoteSession {
		// the remote rebuilt its connection; ours cannot be renegotiated against it
		l.logger.Debug().Str("remote_session", session).Msg("Remote session changed, rebuilding media connection")
		if err := l.newConn(); err != nil {
			l.shutdown(err)
			return
		}
	}

	if err := l.conn.SetRemoteDescription(desc); err != nil {
		l.shutdown(fmt.Errorf("apply remote offer: %w", err))
		return
	}
	l.remoteSession = session
	l.hasRemote = true
	l.flushCandidates()

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		l.shutdown(fmt.Errorf("create answer: %w", err))
		return
	}
	answer = l.munge(answer)

	if err := l.conn.SetLocalDescription(answer); err != nil {
		l.shutdown(fmt.Errorf("apply local answer: %w", err))
		return
	}

	payload, err := encodeDescription(answer, l.session)
	if err != nil {
		l.shutdown(err)
		return
	}
	l.send(wire.SignalAnswer, payload)
	l.settle()
}

// rollback abandons our outstanding offer, rebuilding the connection if rollback fails.
func (l *link) rollback() error {
	l.stopOfferTimer()
	l.offerOutstanding = false

	if err := l.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		l.logger.Debug().Err(err).Msg("Rollback unsupported, rebuilding media connection")
		return l.newConn()
	}
	return nil
}

func (l *link) handleAnswer(raw json.RawMessage) {
	if !l.offerOutstanding {
		l.logger.Debug().Msg("Ignoring answer without an outstanding offer")
		return
	}

	desc, session, err := decodeDescription(raw)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Dropping malformed answer")
		return
	}

	if err := l.conn.SetRemoteDescription(desc); err != nil {
		l.shutdown(fmt.Errorf("apply remote answer: %w", err))
		return
	}

	l.remoteSession = session
	l.hasRemote = true
	l.offerOutstanding = false
	l.offerRetried = false
	l.stopOfferTimer()
	l.flushCandidates()
	l.settle()
}

// settle moves to stable and issues any renegotiation that was held back.
func (l *link) settle() {
	l.everStable = true
	l.setState(StateStable)

	if l.renegotiateAfter {
		l.renegotiateAfter = false
		l.offer(false)
	}
}

func (l *link) handleRemoteCandidate(raw json.RawMessage) {
	cand, session, err := decodeCandidate(raw)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Dropping malformed candidate")
		return
	}

	if !l.hasRemote {
		if len(l.pending) >= l.opts.CandidateBufferSize {
			l.logger.Warn().Int("buffered", len(l.pending)).Msg("Candidate buffer full, dropping candidate")
			return
		}
		l.pending = append(l.pending, pendingCandidate{session: session, cand: cand})
		return
	}

	if session != l.remoteSession {
		l.logger.Debug().Str("candidate_session", session).Msg("Dropping candidate for a superseded session")
		return
	}
	l.addCandidate(cand)
}

func (l *link) flushCandidates() {
	pending := l.pending
	l.pending = nil

	for _, p := range pending {
		if p.session != l.remoteSession {
			continue
		}
		l.addCandidate(p.cand)
	}
}

func (l *link) addCandidate(cand webrtc.ICECandidateInit) {
	if err := l.conn.AddICECandidate(cand); err != nil {
		l.logger.Debug().Err(err).Msg("AddICECandidate failed")
	}
}

func (l *link) handleLocalCandidate(e evLocalCandidate) {
	if e.session != l.session {
		return
	}
	payload, err := encodeCandidate(e.cand, e.session)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to encode local candidate")
		return
	}
	l.send(wire.SignalCandidate, payload)
}

func (l *link) handleICEState(e evICEState) {
	if e.session != l.session {
		return
	}
	l.iceState = e.state

	switch e.state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		l.stopGraceTimer()
		l.restarted = false
		l.repairing = false
	case webrtc.ICEConnectionStateDisconnected:
		l.armGraceTimer()
	case webrtc.ICEConnectionStateFailed:
		l.stopGraceTimer()
		l.repair()
	}
}

// repair spends the single ICE restart, or gives up if it is already spent.
func (l *link) repair() {
	if l.restarted {
		l.shutdown(ErrConnectivityLost)
		return
	}
	l.restarted = true
	l.repairing = true
	l.setState(StateFailed)

	l.logger.Info().Msg("Attempting ICE restart")
	l.renegotiateAfter = false
	l.offer(true)
}

func (l *link) handleOfferTimeout(gen uint64) {
	if gen != l.offerGen || !l.offerOutstanding {
		return
	}

	if l.offerRetried || l.repairing {
		l.logger.Warn().Dur("offer_timeout", l.opts.OfferTimeout).Msg("Offer unanswered after retry, abandoning link")
		l.shutdown(ErrOfferTimeout)
		return
	}

	l.offerRetried = true
	l.setState(StateFailed)
	l.logger.Info().Dur("offer_timeout", l.opts.OfferTimeout).Msg("Offer unanswered, retrying with ICE restart")
	l.offer(true)
}

func (l *link) armOfferTimer() {
	l.stopOfferTimer()
	l.offerGen++
	gen := l.offerGen
	l.offerTimer = time.AfterFunc(l.opts.OfferTimeout, func() { l.post(evOfferTimeout{gen: gen}) })
}

func (l *link) stopOfferTimer() {
	if l.offerTimer != nil {
		l.offerTimer.Stop()
		l.offerTimer = nil
	}
	l.offerGen++
}

func (l *link) armGraceTimer() {
	l.stopGraceTimer()
	l.graceGen++
	gen := l.graceGen
	l.graceTimer = time.AfterFunc(l.opts.DisconnectGrace, func() { l.post(evGraceExpired{gen: gen}) })
}

func (l *link) stopGraceTimer() {
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
	}
	l.graceGen++
}

func (l *link) send(kind wire.SignalType, payload json.RawMessage) {
	err := l.signaler.Signal(l.ctx, wire.Signal{
		MeetingCode:      l.code,
		SenderIdentity:   l.localID,
		ReceiverIdentity: l.remote.ID,
		Type:             kind,
		Payload:          payload,
	})
	if err != nil && l.ctx.Err() == nil {
		l.logger.Warn().Err(err).Str("signal_type", string(kind)).Msg("Failed to send signal")
	}
}

func (l *link) setState(s LinkState) {
	old := LinkState(l.state.Swap(int32(s)))
	if old == s {
		return
	}
	l.logger.Debug().Stringer("from", old).Stringer("to", s).Msg("Link state changed")
	l.observer.LinkStateChanged(l.remote.ID, s)
}

// shutdown closes the link. A non-nil err is reported as a link failure.
func (l *link) shutdown(err error) {
	if l.State() == StateClosed {
		return
	}

	l.stopOfferTimer()
	l.stopGraceTimer()
	l.box.close()

	if l.conn != nil {
		if cerr := l.conn.Close(); cerr != nil {
			l.logger.Debug().Err(cerr).Msg("Closing media connection")
		}
	}
	l.pending = nil
	l.setState(StateClosed)

	l.observer.StreamRemoved(l.remote.ID)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Link failed")
		l.observer.LinkFailed(l.remote.ID, err)
	} else {
		l.logger.Debug().Msg("Link closed")
	}

	if l.onClosed != nil {
		l.onClosed(l)
	}
}
