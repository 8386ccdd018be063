/*
Package mesh implements the client half of a meeting: one media connection per remote
participant, negotiated through the signaling relay.

This file defines NegotiationOptions, the single place where connection policy and SDP
rewriting are configured.
*/
package mesh

import (
	"slices"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// NegotiationOptions configures every link an Orchestrator creates.
type NegotiationOptions struct {
	// ICEServers are the STUN/TURN servers offered to every media connection.
	ICEServers []webrtc.ICEServer

	BundlePolicy       webrtc.BundlePolicy
	RTCPMuxPolicy      webrtc.RTCPMuxPolicy
	ICETransportPolicy webrtc.ICETransportPolicy

	// ICECandidatePoolSize pre-gathers candidates before the first offer.
	ICECandidatePoolSize uint8

	// OfferTimeout bounds how long an offer may go unanswered.
	OfferTimeout time.Duration

	// DisconnectGrace is how long a disconnected link may wait for ICE to recover on its own
	// before an ICE restart is attempted.
	DisconnectGrace time.Duration

	// CandidateBufferSize caps remote candidates held while no remote description is set.
	CandidateBufferSize int

	// VoiceActivityDetection keeps comfort-noise codecs in audio sections when true.
	VoiceActivityDetection bool

	// CodecPreferences lists MIME types ("video/VP8", "audio/opus") to move to the front
	// of their media sections, in order.
	CodecPreferences []string

	// ICE agent timeouts applied by the pion factory.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() NegotiationOptions {
	return NegotiationOptions{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
		BundlePolicy:           webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:          webrtc.RTCPMuxPolicyRequire,
		ICETransportPolicy:     webrtc.ICETransportPolicyAll,
		ICECandidatePoolSize:   10,
		OfferTimeout:           10 * time.Second,
		DisconnectGrace:        5 * time.Second,
		CandidateBufferSize:    64,
		VoiceActivityDetection: true,
		ICEDisconnectedTimeout: 5 * time.Second,
		ICEFailedTimeout:       25 * time.Second,
		ICEKeepaliveInterval:   2 * time.Second,
	}
}

// withDefaults fills zero durations and sizes from DefaultOptions.
func (o NegotiationOptions) withDefaults() NegotiationOptions {
	def := DefaultOptions()
	if o.OfferTimeout <= 0 {
		o.OfferTimeout = def.OfferTimeout
	}
	if o.DisconnectGrace <= 0 {
		o.DisconnectGrace = def.DisconnectGrace
	}
	if o.CandidateBufferSize <= 0 {
		o.CandidateBufferSize = def.CandidateBufferSize
	}
	if o.ICEDisconnectedTimeout <= 0 {
		o.ICEDisconnectedTimeout = def.ICEDisconnectedTimeout
	}
	if o.ICEFailedTimeout <= 0 {
		o.ICEFailedTimeout = def.ICEFailedTimeout
	}
	if o.ICEKeepaliveInterval <= 0 {
		o.ICEKeepaliveInterval = def.ICEKeepaliveInterval
	}
	return o
}

// Configuration returns the pion configuration for a new media connection.
func (o NegotiationOptions) Configuration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:           o.ICEServers,
		BundlePolicy:         o.BundlePolicy,
		RTCPMuxPolicy:        o.RTCPMuxPolicy,
		ICETransportPolicy:   o.ICETransportPolicy,
		ICECandidatePoolSize: o.ICECandidatePoolSize,
	}
}

// rewrites reports whether Munge would change anything.
func (o NegotiationOptions) rewrites() bool {
	return len(o.CodecPreferences) > 0 || !o.VoiceActivityDetection
}

// Munge applies codec preference and voice-activity policy to a session description. An SDP
// that cannot be parsed is returned unchanged with the parse error.
func (o NegotiationOptions) Munge(desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if !o.rewrites() || desc.SDP == "" {
		return desc, nil
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return desc, err
	}

	for _, media := range parsed.MediaDescriptions {
		if !o.VoiceActivityDetection && media.MediaName.Media == "audio" {
			dropCodec(media, "CN")
		}
		if len(o.CodecPreferences) > 0 {
			preferCodecs(media, o.CodecPreferences)
		}
	}

	out, err := parsed.Marshal()
	if err != nil {
		return desc, err
	}
	return webrtc.SessionDescription{Type: desc.Type, SDP: string(out)}, nil
}

// codecNames maps payload type to encoding name from the rtpmap attributes.
func codecNames(media *sdp.MediaDescription) map[string]string {
	names := make(map[string]string)
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, rest, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		names[pt] = name
	}
	return names
}

// rtxTargets maps an RTX payload type to the payload type it repairs.
func rtxTargets(media *sdp.MediaDescription, names map[string]string) map[string]string {
	targets := make(map[string]string)
	for _, attr := range media.Attributes {
		if attr.Key != "fmtp" {
			continue
		}
		pt, params, ok := strings.Cut(attr.Value, " ")
		if !ok || !strings.EqualFold(names[pt], "rtx") {
			continue
		}
		for _, param := range strings.Split(params, ";") {
			if apt, ok := strings.CutPrefix(strings.TrimSpace(param), "apt="); ok {
				targets[pt] = apt
			}
		}
	}
	return targets
}

// preferCodecs stably reorders media's payload types so preferred codecs come first. RTX
// payload types follow the codec they repair.
func preferCodecs(media *sdp.MediaDescription, prefs []string) {
	kind := media.MediaName.Media
	rank := make(map[string]int)
	for i, mime := range prefs {
		k, name, ok := strings.Cut(mime, "/")
		if !ok || !strings.EqualFold(k, kind) {
			continue
		}
		if _, seen := rank[strings.ToLower(name)]; !seen {
			rank[strings.ToLower(name)] = i
		}
	}
	if len(rank) == 0 {
		return
	}

	names := codecNames(media)
	rtx := rtxTargets(media, names)
	last := len(prefs)

	rankOf := func(pt string) int {
		if target, ok := rtx[pt]; ok {
			pt = target
		}
		if r, ok := rank[strings.ToLower(names[pt])]; ok {
			return r
		}
		return last
	}

	slices.SortStableFunc(media.MediaName.Formats, func(a, b string) int {
		return rankOf(a) - rankOf(b)
	})
}

// dropCodec removes every payload type named codec, together with its attributes.
func dropCodec(media *sdp.MediaDescription, codec string) {
	names := codecNames(media)

	drop := make(map[string]bool)
	for pt, name := range names {
		if strings.EqualFold(name, codec) {
			drop[pt] = true
		}
	}
	if len(drop) == 0 {
		return
	}

	media.MediaName.Formats = slices.DeleteFunc(media.MediaName.Formats, func(pt string) bool {
		return drop[pt]
	})

	media.Attributes = slices.DeleteFunc(media.Attributes, func(attr sdp.Attribute) bool {
		switch attr.Key {
		case "rtpmap", "fmtp", "rtcp-fb":
			pt, _, _ := strings.Cut(attr.Value, " ")
			return drop[pt]
		}
		return false
	})
}
