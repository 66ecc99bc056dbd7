package ports

import (
	"context"

	"paircall/internal/core/domain"

	"github.com/pion/webrtc/v4"
)

// MediaSource owns the local capture devices for the duration of one call.
// It is exclusively owned by the session that acquired it.
type MediaSource interface {
	// Acquire opens the capture devices. Fails with a
	// domain.ErrDeviceUnavailable-wrapped error when a device is missing or
	// access is denied; no retry is attempted.
	Acquire(ctx context.Context, constraints domain.MediaConstraints) error

	// RegisterCodecs registers the codecs the acquired tracks produce on the
	// media engine a transport is being built with.
	RegisterCodecs(engine *webrtc.MediaEngine) error

	// Tracks returns the acquired local tracks. Empty until Acquire succeeds.
	Tracks() []webrtc.TrackLocal

	// SetTrackEnabled records the desired mute state for one track kind. The
	// live gating happens at the transport (see PeerTransport), so this never
	// reacquires devices.
	SetTrackEnabled(kind domain.TrackKind, enabled bool)

	// TrackEnabled reports the desired state for one track kind.
	TrackEnabled(kind domain.TrackKind) bool

	// Release stops all tracks. Idempotent and safe from any teardown path.
	Release()
}

// PeerEvents are the asynchronous notifications a transport emits. For a
// healthy call the local description fires exactly once (offer for the
// initiator, answer for the receiver) after candidate gathering completes.
type PeerEvents struct {
	OnLocalDescription func(desc string)
	OnRemoteTrack      func(kind domain.TrackKind)
	OnConnected        func()
	OnError            func(err error)
}

// PeerTransport wraps a single peer connection.
type PeerTransport interface {
	// ApplyRemoteDescription consumes the remote offer (receiver side) or
	// answer (initiator side). The caller must invoke it at most once per
	// direction; a second call against the underlying connection would be an
	// error, which is why sessions guard it with their signaled flags.
	ApplyRemoteDescription(ctx context.Context, desc string) error

	// SetTrackEnabled pauses or resumes sending for one track kind without
	// renegotiation.
	SetTrackEnabled(kind domain.TrackKind, enabled bool) error

	// Destroy releases all connection resources. Idempotent.
	Destroy()
}

// TransportFactory builds a transport for one call. The role decides whether
// the connection produces the offer or waits to consume one.
type TransportFactory interface {
	Create(ctx context.Context, role domain.Role, media MediaSource, events PeerEvents) (PeerTransport, error)
}

// RingSink is the notification layer the host application plugs in: an
// audible alert, a UI banner, or both.
type RingSink interface {
	// Ring fires once per unconsumed offer.
	Ring(call domain.IncomingCall)
	// Stop ends the notification, on accept, decline or remote teardown.
	Stop(roomID domain.RoomID)
}

// CallMetrics records call lifecycle observations. Implementations must be
// safe for concurrent use.
type CallMetrics interface {
	RecordCallStarted(role domain.Role)
	RecordCallConnected(role domain.Role, setupSeconds float64)
	RecordCallEnded(state domain.CallState)
	RecordCallFailed(reason string)
	RecordRing()
	RecordSignalingWrite(op string, err error)
}
