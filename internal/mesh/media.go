package mesh

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"meetmesh/internal/pkg/logx"
)

// MediaEvents are the callbacks a MediaConn reports through. They may be called from any
// goroutine and must not block.
type MediaEvents struct {
	// OnICECandidate receives each locally gathered candidate.
	OnICECandidate func(webrtc.ICECandidateInit)

	// OnICEState receives ICE connection state changes.
	OnICEState func(webrtc.ICEConnectionState)

	// OnTrack receives each remote track as it starts.
	OnTrack func(*webrtc.TrackRemote)
}

// MediaConn is one media connection to one remote participant.
type MediaConn interface {
	// CreateOffer generates an offer without applying it.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)

	// CreateAnswer generates an answer to the applied remote offer without applying it.
	CreateAnswer() (webrtc.SessionDescription, error)

	// SetLocalDescription applies desc, including SDPTypeRollback.
	SetLocalDescription(desc webrtc.SessionDescription) error

	SetRemoteDescription(desc webrtc.SessionDescription) error

	AddICECandidate(c webrtc.ICECandidateInit) error

	// SetLocalTracks replaces the set of tracks sent on this connection.
	SetLocalTracks(tracks []webrtc.TrackLocal) error

	Close() error
}

// MediaFactory creates media connections.
type MediaFactory interface {
	NewConn(remoteIdentity string, events MediaEvents) (MediaConn, error)
}

// PionFactory builds media connections on pion/webrtc with the default codecs and
// interceptors (NACK, RTCP reports, TWCC).
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger zerolog.Logger
}

// NewPionFactory prepares the shared media engine and interceptor registry.
func NewPionFactory(opts NegotiationOptions) (*PionFactory, error) {
	opts = opts.withDefaults()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.ICEDisconnectedTimeout, opts.ICEFailedTimeout, opts.ICEKeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &PionFactory{
		api:    api,
		config: opts.Configuration(),
		logger: logx.Component("media"),
	}, nil
}

func (f *PionFactory) NewConn(remoteIdentity string, events MediaEvents) (MediaConn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &pionConn{
		pc:      pc,
		senders: make(map[string]*webrtc.RTPSender),
		logger:  f.logger.With().Str("remote_identity", remoteIdentity).Logger(),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && events.OnICECandidate != nil {
			events.OnICECandidate(cand.ToJSON())
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
		if events.OnICEState != nil {
			events.OnICEState(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("Remote track started")
		if events.OnTrack != nil {
			events.OnTrack(track)
		}
	})

	return c, nil
}

// pionConn adapts *webrtc.PeerConnection to MediaConn.
type pionConn struct {
	pc *webrtc.PeerConnection

	// senders by local track id.
	senders map[string]*webrtc.RTPSender

	// whether recvonly transceivers were added for a connection without local media.
	recvOnly bool

	mu     sync.Mutex
	logger zerolog.Logger
}

func (c *pionConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	c.ensureMLines()
	return c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

// ensureMLines adds recvonly transceivers so an offer without local media still carries audio
// and video sections.
func (c *pionConn) ensureMLines() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recvOnly || len(c.pc.GetTransceivers()) > 0 {
		return
	}
	c.recvOnly = true

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			c.logger.Warn().Err(err).Str("kind", kind.String()).Msg("AddTransceiver failed")
		}
	}
}

func (c *pionConn) SetLocalTracks(tracks []webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wanted := make(map[string]webrtc.TrackLocal, len(tracks))
	for _, t := range tracks {
		wanted[t.ID()] = t
	}

	for id, sender := range c.senders {
		if _, keep := wanted[id]; keep {
			continue
		}
		if err := c.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("remove track %s: %w", id, err)
		}
		delete(c.senders, id)
	}

	for id, track := range wanted {
		if _, have := c.senders[id]; have {
			continue
		}
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", id, err)
		}
		c.senders[id] = sender
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors keep working; it returns when the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
