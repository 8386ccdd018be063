package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"meetmesh/internal/app/meeting"
	"meetmesh/internal/app/presence"
	"meetmesh/internal/app/relay"
	"meetmesh/internal/app/wire"
	"meetmesh/internal/configs"
	"meetmesh/internal/pkg/errs"
	"meetmesh/internal/pkg/pow"
	"meetmesh/internal/pkg/randx"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	*httptest.Server
	deps *AppDeps
}

func newTestServer(t *testing.T, difficulty int) *testServer {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry := presence.NewRegistry()
	rl := relay.New(ctx, registry)
	deps := &AppDeps{
		Config:   &configs.AppConfig{Environment: "development", JWTSecret: "test-secret"},
		Relay:    rl,
		Registry: registry,
		Meetings: meeting.NewService(meeting.NewMemoryStore(), meeting.RetryPolicy{}),
		Pow:      pow.NewManager(ctx, difficulty),
	}

	srv := httptest.NewServer(Router(ctx, deps))
	t.Cleanup(func() {
		rl.Shutdown()
		srv.Close()
	})
	return &testServer{Server: srv, deps: deps}
}

func (s *testServer) post(t *testing.T, path string, body any, header http.Header) (int, envelope) {
	t.Helper()

	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, s.URL+path, bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	return s.do(t, req)
}

func (s *testServer) get(t *testing.T, path string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s.do(t, req)
}

func (s *testServer) do(t *testing.T, req *http.Request) (int, envelope) {
	t.Helper()
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res.StatusCode, env
}

func (s *testServer) join(t *testing.T, path, code, identity string) JoinMeetingOutput {
	t.Helper()
	status, env := s.post(t, path, JoinMeetingInput{MeetingID: code, UserID: identity}, nil)
	if status != http.StatusOK || env.Code != 0 {
		t.Fatalf("%s: status %d code %d %s", path, status, env.Code, env.Message)
	}
	var out JoinMeetingOutput
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func (s *testServer) dial(t *testing.T, code, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/" + code + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg wire.Message) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, wire.MustEncode(msg)); err != nil {
		t.Fatal(err)
	}
}

func read(t *testing.T, conn *websocket.Conn) wire.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	msg, err := wire.DecodeServer(b)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 0)
	status, env := s.get(t, "/health")
	if status != http.StatusOK || !strings.Contains(string(env.Data), `"connections":0`) {
		t.Fatalf("health: %d %s", status, env.Data)
	}
}

func TestMeetingLifecycleOverHTTPAndWebSocket(t *testing.T) {
	s := newTestServer(t, 0)
	const code = "ABC12345"

	host := s.join(t, "/api/meetings/create", code, "")
	if host.Meeting.HostID != host.UserID || !host.IsNewParticipant {
		t.Fatalf("create: %+v", host)
	}

	guestID := randx.Identity()
	guest := s.join(t, "/api/meetings/join", code, guestID)
	if guest.UserID != guestID || !guest.IsNewParticipant || len(guest.Meeting.Participants) != 2 {
		t.Fatalf("join: %+v", guest)
	}

	x := s.dial(t, code, host.Token)
	send(t, x, wire.JoinRoom{MeetingCode: code, Identity: host.UserID, DisplayName: "Host"})
	if snap, ok := read(t, x).(wire.ExistingParticipants); !ok || len(snap) != 0 {
		t.Fatalf("host snapshot = %#v", snap)
	}

	y := s.dial(t, code, guest.Token)
	send(t, y, wire.JoinRoom{MeetingCode: code, Identity: guestID, DisplayName: "Guest"})
	snap, ok := read(t, y).(wire.ExistingParticipants)
	if !ok || len(snap) != 1 || snap[0].ID != host.UserID || snap[0].DisplayName != "Host" {
		t.Fatalf("guest snapshot = %#v", snap)
	}
	if pj, ok := read(t, x).(wire.PeerJoined); !ok || pj.ID != guestID {
		t.Fatalf("host expected peer-joined for guest, got %#v", pj)
	}

	offer := wire.Signal{
		MeetingCode:      code,
		SenderIdentity:   guestID,
		ReceiverIdentity: host.UserID,
		Type:             wire.SignalOffer,
		Payload:          json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	send(t, y, offer)
	got, ok := read(t, x).(wire.Signal)
	if !ok || got.SenderIdentity != guestID || got.Type != wire.SignalOffer || string(got.Payload) != string(offer.Payload) {
		t.Fatalf("host received %#v", got)
	}

	status, env := s.get(t, "/api/meetings/"+code)
	if status != http.StatusOK || !strings.Contains(string(env.Data), `"live":2`) {
		t.Fatalf("get meeting: %d %s", status, env.Data)
	}

	y.Close()
	if pl, ok := read(t, x).(wire.PeerLeft); !ok || pl.ID != guestID {
		t.Fatalf("host expected peer-left for guest, got %#v", pl)
	}

	status, env = s.post(t, "/api/meetings/leave", LeaveMeetingInput{MeetingID: code, UserID: guestID}, nil)
	if status != http.StatusOK || strings.Contains(string(env.Data), guestID) {
		t.Fatalf("leave: %d %s", status, env.Data)
	}
}

func TestRejoinIsNotNew(t *testing.T) {
	s := newTestServer(t, 0)
	host := s.join(t, "/api/meetings/create", "ABC12345", "")

	again := s.join(t, "/api/meetings/join", "ABC12345", host.UserID)
	if again.IsNewParticipant || again.UserID != host.UserID {
		t.Fatalf("rejoin: %+v", again)
	}
}

func TestJoinErrors(t *testing.T) {
	s := newTestServer(t, 0)

	status, env := s.post(t, "/api/meetings/join", JoinMeetingInput{MeetingID: "ZZZ99999"}, nil)
	if status != http.StatusNotFound || env.Code != errs.ErrMeetingNotFound {
		t.Fatalf("unknown meeting: %d %+v", status, env)
	}

	status, env = s.post(t, "/api/meetings/join", JoinMeetingInput{MeetingID: "short"}, nil)
	if status != http.StatusBadRequest || env.Code != errs.ErrMeetingCodeInvalid {
		t.Fatalf("bad code: %d %+v", status, env)
	}

	s.join(t, "/api/meetings/create", "ABC12345", "")
	status, env = s.post(t, "/api/meetings/create", CreateMeetingInput{MeetingID: "ABC12345"}, nil)
	if status != http.StatusConflict || env.Code != errs.ErrMeetingCodeExists {
		t.Fatalf("duplicate create: %d %+v", status, env)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	s := newTestServer(t, 0)
	host := s.join(t, "/api/meetings/create", "ABC12345", "")

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/XYZ12345?token=" + host.Token
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("token for another meeting was accepted")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", res)
	}
}

func TestCreateRequiresProofOfWork(t *testing.T) {
	s := newTestServer(t, 1)

	status, env := s.post(t, "/api/meetings/create", CreateMeetingInput{}, nil)
	if status != http.StatusForbidden || env.Code != errs.ErrPowChallengeRequired {
		t.Fatalf("no proof: %d %+v", status, env)
	}

	_, env = s.get(t, "/api/pow/challenge")
	var challenge pow.Challenge
	if err := json.Unmarshal(env.Data, &challenge); err != nil {
		t.Fatal(err)
	}

	counter, err := pow.Solve(context.Background(), challenge)
	if err != nil {
		t.Fatal(err)
	}

	_, env = s.post(t, "/api/pow/verify", VerifyProofInput{Nonce: challenge.Nonce, Counter: counter}, nil)
	var proof struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &proof); err != nil || proof.Token == "" {
		t.Fatalf("verify: %+v %v", env, err)
	}

	header := http.Header{pow.TokenHeaderKey: []string{proof.Token}}
	status, env = s.post(t, "/api/meetings/create", CreateMeetingInput{}, header)
	if status != http.StatusOK || env.Code != 0 {
		t.Fatalf("create with proof: %d %+v", status, env)
	}

	// the create limiter may answer first; either way a spent proof must not succeed
	status, _ = s.post(t, "/api/meetings/create", CreateMeetingInput{}, header)
	if status == http.StatusOK {
		t.Fatal("proof token was accepted twice")
	}
}
