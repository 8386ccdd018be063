package main

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"meetmesh/internal/app/user"
	"meetmesh/internal/mesh"
	"meetmesh/internal/pkg/logx"
)

const maxLinkRetries = 3

// logObserver logs mesh events, discards received media and retries failed links a few times.
type logObserver struct {
	orch *mesh.Orchestrator

	mu      sync.Mutex
	retries map[string]int
}

func (o *logObserver) attach(orch *mesh.Orchestrator) {
	o.mu.Lock()
	o.orch = orch
	o.mu.Unlock()
}

func (o *logObserver) StreamAvailable(identity string, track *webrtc.TrackRemote) {
	logx.Info("Receiving remote track",
		"remote_identity", identity,
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	go func() {
		var packets int
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				logx.Info("Remote track ended", "remote_identity", identity, "packets", packets)
				return
			}
			packets++
		}
	}()
}

func (o *logObserver) StreamRemoved(identity string) {
	logx.Info("Remote stream removed", "remote_identity", identity)
}

func (o *logObserver) PeerJoined(p user.User) {
	logx.Info("Peer joined", "remote_identity", p.ID, "display_name", p.DisplayName)
}

func (o *logObserver) PeerLeft(p user.User) {
	o.mu.Lock()
	delete(o.retries, p.ID)
	o.mu.Unlock()

	logx.Info("Peer left", "remote_identity", p.ID, "display_name", p.DisplayName)
}

func (o *logObserver) LinkFailed(identity string, err error) {
	o.mu.Lock()
	if o.retries == nil {
		o.retries = make(map[string]int)
	}
	o.retries[identity]++
	attempt := o.retries[identity]
	orch := o.orch
	o.mu.Unlock()

	if attempt > maxLinkRetries || orch == nil {
		logx.Error(err, "Link failed, giving up", "remote_identity", identity)
		return
	}

	logx.Warn("Link failed, retrying", "remote_identity", identity, "attempt", attempt, "error", err.Error())
	go func() {
		if err := orch.Retry(identity); err != nil {
			logx.Warn("Retry not possible", "remote_identity", identity, "error", err.Error())
		}
	}()
}

func (o *logObserver) LinkStateChanged(identity string, s mesh.LinkState) {
	if s == mesh.StateStable {
		o.mu.Lock()
		delete(o.retries, identity)
		o.mu.Unlock()
	}
	logx.Debug("Link state", "remote_identity", identity, "state", s.String())
}
