package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"meetmesh/internal/app/user"
	"meetmesh/internal/app/wire"
)

const (
	idA = "11111111-1111-4111-8111-111111111111"
	idB = "22222222-2222-4222-8222-222222222222"
	idC = "33333333-3333-4333-8333-333333333333"

	testCode = "ABC12345"
)

var errBadState = errors.New("fake: wrong signaling state")

// fakeConn models just enough of the signaling state machine to catch misuse.
type fakeConn struct {
	remoteID string
	events   MediaEvents

	mu           sync.Mutex
	signaling    string
	hasRemote    bool
	offers       int
	restarts     int
	candidates   []webrtc.ICECandidateInit
	tracks       []webrtc.TrackLocal
	closed       bool
	failRollback bool
}

func (c *fakeConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, errBadState
	}
	c.offers++
	if iceRestart {
		c.restarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %d", c.offers)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != "have-remote-offer" {
		return webrtc.SessionDescription{}, errBadState
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.signaling == "have-remote-offer" {
			return errBadState
		}
		c.signaling = "have-local-offer"
	case webrtc.SDPTypeAnswer:
		if c.signaling != "have-remote-offer" {
			return errBadState
		}
		c.signaling = "stable"
	case webrtc.SDPTypeRollback:
		if c.failRollback || c.signaling != "have-local-offer" {
			return errBadState
		}
		c.signaling = "stable"
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.signaling == "have-local-offer" {
			return errBadState
		}
		c.signaling = "have-remote-offer"
	case webrtc.SDPTypeAnswer:
		if c.signaling != "have-local-offer" {
			return errBadState
		}
		c.signaling = "stable"
	}
	c.hasRemote = true
	return nil
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasRemote {
		return errBadState
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) SetLocalTracks(tracks []webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = tracks
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) snapshot() (signaling string, offers, restarts, candidates int, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling, c.offers, c.restarts, len(c.candidates), c.closed
}

type fakeFactory struct {
	failRollback bool

	mu    sync.Mutex
	conns map[string][]*fakeConn
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{conns: make(map[string][]*fakeConn)}
}

func (f *fakeFactory) NewConn(remoteIdentity string, events MediaEvents) (MediaConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := &fakeConn{remoteID: remoteIdentity, events: events, signaling: "stable", failRollback: f.failRollback}
	f.conns[remoteIdentity] = append(f.conns[remoteIdentity], c)
	return c, nil
}

func (f *fakeFactory) count(remote string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[remote])
}

// latest returns the newest connection to remote, or nil.
func (f *fakeFactory) latest(remote string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.conns[remote]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// recordingSignaler keeps every outbound signal.
type recordingSignaler struct {
	mu   sync.Mutex
	sent []wire.Signal
}

func (r *recordingSignaler) Signal(_ context.Context, sig wire.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sig)
	return nil
}

func (r *recordingSignaler) ofType(kind wire.SignalType) []wire.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []wire.Signal
	for _, s := range r.sent {
		if s.Type == kind {
			out = append(out, s)
		}
	}
	return out
}

type failure struct {
	identity string
	err      error
}

// recordingObserver keeps every upward event.
type recordingObserver struct {
	mu       sync.Mutex
	joined   []string
	left     []string
	removed  []string
	failures []failure
	states   map[string][]LinkState
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{states: make(map[string][]LinkState)}
}

func (o *recordingObserver) StreamAvailable(string, *webrtc.TrackRemote) {}

func (o *recordingObserver) StreamRemoved(identity string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, identity)
}

func (o *recordingObserver) PeerJoined(p user.User) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.joined = append(o.joined, p.ID)
}

func (o *recordingObserver) PeerLeft(p user.User) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.left = append(o.left, p.ID)
}

func (o *recordingObserver) LinkFailed(identity string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, failure{identity, err})
}

func (o *recordingObserver) LinkStateChanged(identity string, s LinkState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[identity] = append(o.states[identity], s)
}

func (o *recordingObserver) failuresFor(identity string) []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []error
	for _, f := range o.failures {
		if f.identity == identity {
			out = append(out, f.err)
		}
	}
	return out
}

func (o *recordingObserver) sawState(identity string, s LinkState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, got := range o.states[identity] {
		if got == s {
			return true
		}
	}
	return false
}

func (o *recordingObserver) removedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.removed)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stateIs(o *Orchestrator, identity string, want LinkState) func() bool {
	return func() bool {
		got, ok := o.State(identity)
		return ok && got == want
	}
}

// signalFrom builds a signal as the relay would deliver it.
func signalFrom(t *testing.T, sender, receiver string, kind wire.SignalType, payload []byte) wire.Signal {
	t.Helper()
	return wire.Signal{
		MeetingCode:      testCode,
		SenderIdentity:   sender,
		ReceiverIdentity: receiver,
		Type:             kind,
		Payload:          payload,
	}
}

func answerPayload(t *testing.T, session string) []byte {
	t.Helper()
	p, err := encodeDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote answer"}, session)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func offerPayload(t *testing.T, session string) []byte {
	t.Helper()
	p, err := encodeDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"}, session)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func candidatePayloadFor(t *testing.T, session, cand string) []byte {
	t.Helper()
	p, err := encodeCandidate(webrtc.ICECandidateInit{Candidate: cand}, session)
	if err != nil {
		t.Fatal(err)
	}
	return p
}
