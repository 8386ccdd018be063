/*
Package wire defines the JSON messages exchanged over the meeting WebSocket.

Every frame is an Envelope {"type": ..., "payload": ...}. The set of types is closed: client
frames decode into one of JoinRoom, LeaveRoom or Signal, server frames into one of
ExistingParticipants, PeerJoined, PeerLeft, Signal or Error. Anything else is rejected at
decode time, so the relay and the mesh client can switch exhaustively on the result.
*/
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"meetmesh/internal/app/user"
)

// MessageType tags an Envelope.
type MessageType string

// Client to server.
const (
	TypeJoinRoom  MessageType = "join-room"
	TypeLeaveRoom MessageType = "leave-room"
	TypeSignal    MessageType = "signal"
)

// Server to client. TypeSignal is shared.
const (
	TypeExistingParticipants MessageType = "existing-participants"
	TypePeerJoined           MessageType = "peer-joined"
	TypePeerLeft             MessageType = "peer-left"
	TypeError                MessageType = "error"
)

// SignalType is the negotiation payload carried by a Signal.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

var (
	// ErrMalformed wraps every decode and validation failure.
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownType is returned for a type outside the closed set of the decoding side.
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is the outer frame.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is implemented by every payload type.
type Message interface {
	MessageType() MessageType
}

// ClientMessage is the closed set of frames a client may send.
type ClientMessage interface {
	Message
	clientMessage()
}

// ServerMessage is the closed set of frames the server may send.
type ServerMessage interface {
	Message
	serverMessage()
}

// JoinRoom binds the connection to a meeting.
type JoinRoom struct {
	MeetingCode string `json:"meetingCode"`
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
}

// LeaveRoom unbinds the connection without closing it.
type LeaveRoom struct {
	MeetingCode string `json:"meetingCode"`
}

// Signal carries one negotiation step between two participants. An empty ReceiverIdentity
// means every other participant in the meeting.
type Signal struct {
	MeetingCode      string          `json:"meetingCode"`
	SenderIdentity   string          `json:"senderIdentity"`
	ReceiverIdentity string          `json:"receiverIdentity,omitempty"`
	Type             SignalType      `json:"type"`
	Payload          json.RawMessage `json:"payload"`
}

// ExistingParticipants is the join snapshot, excluding the joiner.
type ExistingParticipants []user.User

// PeerJoined announces a new live participant.
type PeerJoined user.User

// PeerLeft announces a departed participant.
type PeerLeft user.User

// Error reports a rejected client action.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (JoinRoom) MessageType() MessageType             { return TypeJoinRoom }
func (LeaveRoom) MessageType() MessageType            { return TypeLeaveRoom }
func (Signal) MessageType() MessageType               { return TypeSignal }
func (ExistingParticipants) MessageType() MessageType { return TypeExistingParticipants }
func (PeerJoined) MessageType() MessageType           { return TypePeerJoined }
func (PeerLeft) MessageType() MessageType             { return TypePeerLeft }
func (Error) MessageType() MessageType                { return TypeError }

func (JoinRoom) clientMessage()  {}
func (LeaveRoom) clientMessage() {}
func (Signal) clientMessage()    {}

func (ExistingParticipants) serverMessage() {}
func (PeerJoined) serverMessage()           {}
func (PeerLeft) serverMessage()             {}
func (Signal) serverMessage()               {}
func (Error) serverMessage()                {}

// MarshalJSON keeps the wire shape {identity, displayName} for the user-derived types.
func (p PeerJoined) MarshalJSON() ([]byte, error) { return json.Marshal(user.User(p)) }
func (p PeerLeft) MarshalJSON() ([]byte, error)   { return json.Marshal(user.User(p)) }

func (p *PeerJoined) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, (*user.User)(p)) }
func (p *PeerLeft) UnmarshalJSON(b []byte) error   { return json.Unmarshal(b, (*user.User)(p)) }

// Encode wraps msg in an Envelope.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: msg.MessageType(), Payload: payload})
}

// MustEncode is Encode for messages built from trusted values only.
func MustEncode(msg Message) []byte {
	b, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return b
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

func decodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

// DecodeClient parses and validates a client frame.
func DecodeClient(data []byte) (ClientMessage, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoom
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		if m.MeetingCode == "" || m.Identity == "" {
			return nil, fmt.Errorf("%w: join-room needs meetingCode and identity", ErrMalformed)
		}
		return m, nil

	case TypeLeaveRoom:
		var m LeaveRoom
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		if m.MeetingCode == "" {
			return nil, fmt.Errorf("%w: leave-room needs meetingCode", ErrMalformed)
		}
		return m, nil

	case TypeSignal:
		var m Signal
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// DecodeServer parses a server frame.
func DecodeServer(data []byte) (ServerMessage, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeExistingParticipants:
		var m ExistingParticipants
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil

	case TypePeerJoined:
		var m PeerJoined
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil

	case TypePeerLeft:
		var m PeerLeft
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil

	case TypeSignal:
		var m Signal
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil

	case TypeError:
		var m Error
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Validate checks the fields every relay hop relies on.
func (s Signal) Validate() error {
	if s.MeetingCode == "" {
		return fmt.Errorf("%w: signal without meetingCode", ErrMalformed)
	}
	if s.SenderIdentity == "" {
		return fmt.Errorf("%w: signal without senderIdentity", ErrMalformed)
	}
	switch s.Type {
	case SignalOffer, SignalAnswer, SignalCandidate:
	default:
		return fmt.Errorf("%w: signal type %q", ErrMalformed, s.Type)
	}
	if len(s.Payload) == 0 {
		return fmt.Errorf("%w: signal without payload", ErrMalformed)
	}
	return nil
}

// Directed reports whether the signal names a single receiver.
func (s Signal) Directed() bool {
	return s.ReceiverIdentity != ""
}
