package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"meetmesh/internal/app/presence"
	"meetmesh/internal/app/wire"
	"meetmesh/internal/pkg/errs"
)

const room = "ABC12345"

func newRelay(t *testing.T) *Relay {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, presence.NewRegistry())
}

// newTestClient builds a client without a socket; frames land in c.send.
func newTestClient(r *Relay, identity string) *Client {
	return r.NewClient(nil, Grant{Identity: identity, MeetingCode: room, DisplayName: "name-" + identity, UserType: "guest"})
}

func frame(t *testing.T, msg wire.Message) []byte {
	t.Helper()
	b, err := wire.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func joinFrame(t *testing.T, identity string) []byte {
	return frame(t, wire.JoinRoom{MeetingCode: room, Identity: identity})
}

func signalFrame(t *testing.T, from, to string, kind wire.SignalType) []byte {
	return frame(t, wire.Signal{
		MeetingCode:      room,
		SenderIdentity:   from,
		ReceiverIdentity: to,
		Type:             kind,
		Payload:          json.RawMessage(`{"sdp":"v=0"}`),
	})
}

// drain returns every frame queued for c, decoded.
func drain(t *testing.T, c *Client) []wire.ServerMessage {
	t.Helper()
	var out []wire.ServerMessage
	for {
		select {
		case b := <-c.send:
			msg, err := wire.DecodeServer(b)
			if err != nil {
				t.Fatalf("client received undecodable frame %s: %v", b, err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func typesOf(msgs []wire.ServerMessage) []wire.MessageType {
	out := make([]wire.MessageType, len(msgs))
	for i, m := range msgs {
		out[i] = m.MessageType()
	}
	return out
}

func TestJoinSendsSnapshotAndAnnounces(t *testing.T) {
	r := newRelay(t)
	x, y := newTestClient(r, "X"), newTestClient(r, "Y")

	r.HandleFrame(x, joinFrame(t, "X"))
	msgs := drain(t, x)
	if len(msgs) != 1 {
		t.Fatalf("X expected one frame, got %v", typesOf(msgs))
	}
	if snap, ok := msgs[0].(wire.ExistingParticipants); !ok || len(snap) != 0 {
		t.Fatalf("X expected empty existing-participants, got %#v", msgs[0])
	}

	r.HandleFrame(y, joinFrame(t, "Y"))

	ymsgs := drain(t, y)
	snap, ok := ymsgs[0].(wire.ExistingParticipants)
	if !ok || len(snap) != 1 || snap[0].ID != "X" || snap[0].DisplayName != "name-X" {
		t.Fatalf("Y expected snapshot [X], got %#v", ymsgs)
	}

	xmsgs := drain(t, x)
	joined, ok := xmsgs[0].(wire.PeerJoined)
	if len(xmsgs) != 1 || !ok || joined.ID != "Y" {
		t.Fatalf("X expected peer-joined Y, got %#v", xmsgs)
	}
}

func TestDirectedSignalIsForwardedVerbatim(t *testing.T) {
	r := newRelay(t)
	x, y, z := newTestClient(r, "X"), newTestClient(r, "Y"), newTestClient(r, "Z")
	for _, c := range []*Client{x, y, z} {
		r.HandleFrame(c, joinFrame(t, c.grant.Identity))
	}
	drain(t, x)
	drain(t, y)
	drain(t, z)

	offer := signalFrame(t, "X", "Y", wire.SignalOffer)
	r.HandleFrame(x, offer)

	select {
	case got := <-y.send:
		if string(got) != string(offer) {
			t.Errorf("forwarded frame differs:\n got %s\nwant %s", got, offer)
		}
	default:
		t.Fatal("Y did not receive the offer")
	}

	if msgs := drain(t, z); len(msgs) != 0 {
		t.Errorf("Z must not see a directed signal, got %v", typesOf(msgs))
	}
	if msgs := drain(t, x); len(msgs) != 0 {
		t.Errorf("sender must not get its own signal back, got %v", typesOf(msgs))
	}
}

func TestUndirectedSignalReachesRoomExceptSender(t *testing.T) {
	r := newRelay(t)
	clients := make([]*Client, 4)
	for i := range clients {
		clients[i] = newTestClient(r, fmt.Sprintf("P%d", i))
		r.HandleFrame(clients[i], joinFrame(t, clients[i].grant.Identity))
	}
	for _, c := range clients {
		drain(t, c)
	}

	r.HandleFrame(clients[0], signalFrame(t, "P0", "", wire.SignalCandidate))

	if msgs := drain(t, clients[0]); len(msgs) != 0 {
		t.Errorf("sender got %v", typesOf(msgs))
	}
	for _, c := range clients[1:] {
		msgs := drain(t, c)
		if len(msgs) != 1 || msgs[0].MessageType() != wire.TypeSignal {
			t.Errorf("%s expected one signal, got %v", c.grant.Identity, typesOf(msgs))
		}
	}
}

func TestRoutingMissIsSilent(t *testing.T) {
	r := newRelay(t)
	x := newTestClient(r, "X")
	r.HandleFrame(x, joinFrame(t, "X"))
	drain(t, x)

	r.HandleFrame(x, signalFrame(t, "X", "GHOST", wire.SignalOffer))

	if msgs := drain(t, x); len(msgs) != 0 {
		t.Errorf("routing miss must not be reported to the sender, got %v", typesOf(msgs))
	}
}

func TestSendToClosedConnectionEvictsAndAnnouncesOnce(t *testing.T) {
	r := newRelay(t)
	x, y, z := newTestClient(r, "X"), newTestClient(r, "Y"), newTestClient(r, "Z")
	for _, c := range []*Client{x, y, z} {
		r.HandleFrame(c, joinFrame(t, c.grant.Identity))
	}
	drain(t, x)
	drain(t, z)

	// Y's transport died but its ReadPump has not unbound it yet
	y.Close()

	r.HandleFrame(x, signalFrame(t, "X", "Y", wire.SignalOffer))

	if _, ok := r.Registry().ConnectionOf("Y"); ok {
		t.Fatal("stale binding for Y should have been evicted")
	}

	for _, c := range []*Client{x, z} {
		msgs := drain(t, c)
		left, ok := msgs[0].(wire.PeerLeft)
		if len(msgs) != 1 || !ok || left.ID != "Y" {
			t.Errorf("%s expected exactly one peer-left Y, got %#v", c.grant.Identity, msgs)
		}
	}

	// the later ReadPump cleanup must not announce again
	r.disconnect(y)
	if msgs := drain(t, x); len(msgs) != 0 {
		t.Errorf("duplicate departure announced: %v", typesOf(msgs))
	}
}

func TestDisconnectAnnouncesPeerLeftOnce(t *testing.T) {
	r := newRelay(t)
	x, y := newTestClient(r, "X"), newTestClient(r, "Y")
	r.HandleFrame(x, joinFrame(t, "X"))
	r.HandleFrame(y, joinFrame(t, "Y"))
	drain(t, x)

	r.disconnect(y)
	r.disconnect(y)

	msgs := drain(t, x)
	if len(msgs) != 1 || msgs[0].MessageType() != wire.TypePeerLeft {
		t.Fatalf("expected exactly one peer-left, got %v", typesOf(msgs))
	}
}

func TestLeaveRoomKeepsConnectionOpen(t *testing.T) {
	r := newRelay(t)
	x, y := newTestClient(r, "X"), newTestClient(r, "Y")
	r.HandleFrame(x, joinFrame(t, "X"))
	r.HandleFrame(y, joinFrame(t, "Y"))
	drain(t, x)

	r.HandleFrame(y, frame(t, wire.LeaveRoom{MeetingCode: room}))

	if msgs := drain(t, x); len(msgs) != 1 || msgs[0].MessageType() != wire.TypePeerLeft {
		t.Fatalf("expected peer-left after leave-room, got %v", typesOf(msgs))
	}
	if y.ctx.Err() != nil {
		t.Error("leave-room must not close the connection")
	}

	r.disconnect(y)
	if msgs := drain(t, x); len(msgs) != 0 {
		t.Errorf("disconnect after leave must be silent, got %v", typesOf(msgs))
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	r := newRelay(t)
	x, y := newTestClient(r, "X"), newTestClient(r, "Y")
	r.HandleFrame(x, joinFrame(t, "X"))
	r.HandleFrame(y, joinFrame(t, "Y"))
	drain(t, x)
	drain(t, y)

	for _, bad := range []string{
		`not json`,
		`{"type":"reaction","payload":{}}`,
		`{"type":"signal","payload":{"senderIdentity":"X","type":"offer","payload":{}}}`,
	} {
		r.HandleFrame(x, []byte(bad))
	}

	if msgs := drain(t, y); len(msgs) != 0 {
		t.Errorf("malformed frames leaked to Y: %v", typesOf(msgs))
	}

	r.HandleFrame(x, signalFrame(t, "X", "Y", wire.SignalOffer))
	if msgs := drain(t, y); len(msgs) != 1 {
		t.Error("connection should keep working after malformed frames")
	}
}

func TestSpoofedSenderIsDropped(t *testing.T) {
	r := newRelay(t)
	x, y := newTestClient(r, "X"), newTestClient(r, "Y")
	r.HandleFrame(x, joinFrame(t, "X"))
	r.HandleFrame(y, joinFrame(t, "Y"))
	drain(t, y)

	r.HandleFrame(x, signalFrame(t, "Z", "Y", wire.SignalOffer))

	if msgs := drain(t, y); len(msgs) != 0 {
		t.Errorf("signal with foreign sender identity was forwarded: %v", typesOf(msgs))
	}
}

func TestSignalBeforeJoin(t *testing.T) {
	r := newRelay(t)
	x := newTestClient(r, "X")

	r.HandleFrame(x, signalFrame(t, "X", "Y", wire.SignalOffer))

	msgs := drain(t, x)
	e, ok := msgs[0].(wire.Error)
	if len(msgs) != 1 || !ok || e.Code != errs.ErrNotJoined {
		t.Fatalf("expected ErrNotJoined error frame, got %#v", msgs)
	}
}

func TestJoinMustMatchGrant(t *testing.T) {
	r := newRelay(t)
	x := newTestClient(r, "X")

	r.HandleFrame(x, joinFrame(t, "SOMEONE-ELSE"))

	msgs := drain(t, x)
	e, ok := msgs[0].(wire.Error)
	if len(msgs) != 1 || !ok || e.Code != errs.ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %#v", msgs)
	}
	if _, ok := r.Registry().ConnectionOf("SOMEONE-ELSE"); ok {
		t.Error("mismatched join must not bind")
	}
}

func TestRejoinSupersedesPreviousConnection(t *testing.T) {
	r := newRelay(t)
	y := newTestClient(r, "Y")
	x1 := newTestClient(r, "X")
	r.HandleFrame(y, joinFrame(t, "Y"))
	r.HandleFrame(x1, joinFrame(t, "X"))
	drain(t, y)
	drain(t, x1)

	x2 := newTestClient(r, "X")
	r.HandleFrame(x2, joinFrame(t, "X"))

	select {
	case <-x1.Done():
	default:
		t.Fatal("superseded connection should be closed")
	}

	old := drain(t, x1)
	if len(old) != 1 || errsCode(old[0]) != errs.ErrSessionKicked {
		t.Errorf("superseded connection expected kick notice, got %#v", old)
	}

	ymsgs := drain(t, y)
	if len(ymsgs) != 1 || ymsgs[0].MessageType() != wire.TypePeerJoined {
		t.Fatalf("room mate expected a fresh peer-joined and no peer-left, got %v", typesOf(ymsgs))
	}

	conn, _ := r.Registry().ConnectionOf("X")
	if conn != presence.Conn(x2) {
		t.Error("X should be bound to the new connection")
	}

	// the old ReadPump exiting later stays silent
	r.disconnect(x1)
	if msgs := drain(t, y); len(msgs) != 0 {
		t.Errorf("superseded disconnect announced %v", typesOf(msgs))
	}
}

func TestDuplicateJoinRefreshesSnapshotOnly(t *testing.T) {
	r := newRelay(t)
	x, y := newTestClient(r, "X"), newTestClient(r, "Y")
	r.HandleFrame(x, joinFrame(t, "X"))
	r.HandleFrame(y, joinFrame(t, "Y"))
	drain(t, x)
	drain(t, y)

	r.HandleFrame(y, joinFrame(t, "Y"))

	if msgs := drain(t, x); len(msgs) != 0 {
		t.Errorf("duplicate join must not be re-announced, got %v", typesOf(msgs))
	}
	msgs := drain(t, y)
	if len(msgs) != 1 || msgs[0].MessageType() != wire.TypeExistingParticipants {
		t.Errorf("duplicate join expected snapshot, got %v", typesOf(msgs))
	}
}

func TestSlowClientIsClosed(t *testing.T) {
	r := newRelay(t)
	x, y := newTestClient(r, "X"), newTestClient(r, "Y")
	r.HandleFrame(x, joinFrame(t, "X"))
	r.HandleFrame(y, joinFrame(t, "Y"))

	// nobody drains Y
	for range sendQueueSize + 1 {
		r.HandleFrame(x, signalFrame(t, "X", "Y", wire.SignalCandidate))
	}

	select {
	case <-y.Done():
	default:
		t.Fatal("slow client should have been closed")
	}
	if _, ok := r.Registry().ConnectionOf("Y"); ok {
		t.Error("slow client should have been evicted")
	}
	if x.ctx.Err() != nil {
		t.Error("sender must be unaffected by a slow receiver")
	}
}

func TestShutdownClosesClients(t *testing.T) {
	r := newRelay(t)
	x := newTestClient(r, "X")
	r.HandleFrame(x, joinFrame(t, "X"))

	r.Shutdown()

	select {
	case <-x.Done():
	default:
		t.Fatal("client still open after Shutdown")
	}
}

func errsCode(m wire.ServerMessage) int {
	if e, ok := m.(wire.Error); ok {
		return e.Code
	}
	return 0
}
