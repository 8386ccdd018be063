package mesh

import (
	"github.com/pion/webrtc/v4"

	"meetmesh/internal/app/user"
)

// Observer receives the orchestrator's upward events. Methods are called from link goroutines
// and must return quickly.
type Observer interface {
	StreamAvailable(identity string, track *webrtc.TrackRemote)
	StreamRemoved(identity string)
	PeerJoined(peer user.User)
	PeerLeft(peer user.User)

	// LinkFailed reports a link abandoned after its repair attempt; Retry starts a new one.
	LinkFailed(identity string, err error)

	LinkStateChanged(identity string, state LinkState)
}

// NopObserver ignores every event. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) StreamAvailable(string, *webrtc.TrackRemote) {}
func (NopObserver) StreamRemoved(string)                        {}
func (NopObserver) PeerJoined(user.User)                        {}
func (NopObserver) PeerLeft(user.User)                          {}
func (NopObserver) LinkFailed(string, error)                    {}
func (NopObserver) LinkStateChanged(string, LinkState)          {}
