package mesh

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"meetmesh/internal/app/relay"
	"meetmesh/internal/app/user"
	"meetmesh/internal/app/wire"
	"meetmesh/internal/pkg/logx"
)

const sessionWriteWait = 10 * time.Second

// ErrSuperseded is returned by Run when the server bound our identity to a newer connection.
var ErrSuperseded = errors.New("session superseded by a newer connection")

// DialConfig describes one signaling session.
type DialConfig struct {
	// BaseURL is the server's http(s) origin, e.g. "http://localhost:8080".
	BaseURL string

	// Token is the room access token returned by create or join.
	Token string

	Self user.User
	Code string

	Media    MediaFactory
	Observer Observer
	Options  NegotiationOptions

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Session is the client side of the signaling protocol. It owns the websocket and the
// Orchestrator it feeds, and is the orchestrator's Signaler.
type Session struct {
	conn *websocket.Conn
	self user.User
	code string
	orch *Orchestrator

	writeMu   sync.Mutex
	closeOnce sync.Once

	logger zerolog.Logger
}

// Dial connects to the relay and announces the participant with join-room. Call Run to start
// processing server frames.
func Dial(ctx context.Context, cfg DialConfig) (*Session, error) {
	target, err := wsURL(cfg.BaseURL, cfg.Code, cfg.Token)
	if err != nil {
		return nil, err
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, res, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.Code, err, res.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.Code, err)
	}

	s := &Session{
		conn: conn,
		self: cfg.Self,
		code: cfg.Code,
		logger: logx.Component("session").With().
			Str("meeting_code", cfg.Code).
			Str("identity", cfg.Self.ID).
			Logger(),
	}
	// ctx bounds the dial only; the mesh lives until Close
	s.orch = NewOrchestrator(context.WithoutCancel(ctx), cfg.Self, cfg.Code, Config{
		Factory:  cfg.Media,
		Signaler: s,
		Observer: cfg.Observer,
		Options:  cfg.Options,
	})

	join := wire.JoinRoom{MeetingCode: cfg.Code, Identity: cfg.Self.ID, DisplayName: cfg.Self.DisplayName}
	if err := s.write(join); err != nil {
		s.Close()
		return nil, fmt.Errorf("send join-room: %w", err)
	}

	s.logger.Info().Msg("Signaling session established")
	return s, nil
}

func wsURL(base, code, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(code)
	u.RawQuery = url.Values{"token": []string{token}}.Encode()
	return u.String(), nil
}

// Orchestrator returns the mesh driven by this session.
func (s *Session) Orchestrator() *Orchestrator {
	return s.orch
}

// Run dispatches server frames until the connection ends or ctx is cancelled. A superseded
// session returns ErrSuperseded; a cancelled one returns ctx.Err().
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, relay.WsCloseCodeSessionKicked) {
				return ErrSuperseded
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := wire.DecodeServer(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed server frame")
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg wire.ServerMessage) {
	switch m := msg.(type) {
	case wire.ExistingParticipants:
		s.orch.HandleSnapshot([]user.User(m))
	case wire.PeerJoined:
		s.orch.HandlePeerJoined(user.User(m))
	case wire.PeerLeft:
		s.orch.HandlePeerLeft(user.User(m))
	case wire.Signal:
		s.orch.HandleSignal(m)
	case wire.Error:
		s.logger.Warn().Int("code", m.Code).Str("message", m.Message).Msg("Server reported an error")
	}
}

// Signal sends sig to the relay.
func (s *Session) Signal(ctx context.Context, sig wire.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(sig)
}

func (s *Session) write(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Leave announces leave-room and closes the session.
func (s *Session) Leave() error {
	err := s.write(wire.LeaveRoom{MeetingCode: s.code})
	s.Close()
	return err
}

// Close tears down every link and the websocket. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.orch.Close()

		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()

		s.conn.Close()
		s.logger.Info().Msg("Signaling session closed")
	})
}
