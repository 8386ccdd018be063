package mesh

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"meetmesh/internal/app/wire"
)

// Signaler delivers outbound negotiation messages to the relay.
type Signaler interface {
	Signal(ctx context.Context, sig wire.Signal) error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(ctx context.Context, sig wire.Signal) error

func (f SignalerFunc) Signal(ctx context.Context, sig wire.Signal) error { return f(ctx, sig) }

// descriptionPayload is the payload of offer and answer signals.
type descriptionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`

	// Session identifies the sender's media connection.
	Session string `json:"session"`
}

// candidatePayload is the payload of candidate signals.
type candidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Session   string                  `json:"session"`
}

func encodeDescription(desc webrtc.SessionDescription, session string) (json.RawMessage, error) {
	return json.Marshal(descriptionPayload{Type: desc.Type.String(), SDP: desc.SDP, Session: session})
}

func decodeDescription(raw json.RawMessage) (webrtc.SessionDescription, string, error) {
	var p descriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return webrtc.SessionDescription{}, "", fmt.Errorf("%w: description payload: %v", wire.ErrMalformed, err)
	}

	t := webrtc.NewSDPType(p.Type)
	if t != webrtc.SDPTypeOffer && t != webrtc.SDPTypeAnswer {
		return webrtc.SessionDescription{}, "", fmt.Errorf("%w: description type %q", wire.ErrMalformed, p.Type)
	}
	if p.SDP == "" {
		return webrtc.SessionDescription{}, "", fmt.Errorf("%w: empty sdp", wire.ErrMalformed)
	}
	return webrtc.SessionDescription{Type: t, SDP: p.SDP}, p.Session, nil
}

func encodeCandidate(c webrtc.ICECandidateInit, session string) (json.RawMessage, error) {
	return json.Marshal(candidatePayload{Candidate: c, Session: session})
}

func decodeCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, string, error) {
	var p candidatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return webrtc.ICECandidateInit{}, "", fmt.Errorf("%w: candidate payload: %v", wire.ErrMalformed, err)
	}
	return p.Candidate, p.Session, nil
}
